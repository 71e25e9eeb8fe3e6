package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"mockupforge/internal/http/handlers"
	"mockupforge/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Logger,
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/mockups", func(r chi.Router) {
		r.Post("/", app.CreateMockup)
		r.Get("/{id}", app.GetMockup)
		r.Post("/{id}/retry", app.RetryMockup)
	})

	// Dev-mode static serving of stored blobs; production fronts the store
	// with a CDN and this handler never sees traffic.
	if app.Blobs != nil {
		fs := http.StripPrefix("/blobs/", http.FileServer(http.Dir(app.Blobs.BasePath())))
		r.Get("/blobs/*", fs.ServeHTTP)
	}

	return r
}
