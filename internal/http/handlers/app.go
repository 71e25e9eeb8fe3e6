package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"mockupforge/internal/domain"
	"mockupforge/internal/storage"
)

// App bundles the dependencies of the HTTP surface.
type App struct {
	Jobs   domain.JobRepository
	Blobs  *storage.BlobStore
	Logger zerolog.Logger
}

func NewApp(jobs domain.JobRepository, blobs *storage.BlobStore, logger zerolog.Logger) *App {
	return &App{Jobs: jobs, Blobs: blobs, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}
