package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mockupforge/internal/domain"
)

// createMockupRequest accepts the canonical field names plus the legacy
// aliases older clients still send. Normalization happens here, at the
// boundary; everything past the handler sees only the canonical pair.
type createMockupRequest struct {
	ArtworkURL  string `json:"artwork_url"`
	TemplateURL string `json:"template_url"`

	ArtworkURLCamel  string `json:"artworkUrl"`
	ImageURL         string `json:"image_url"`
	MockupTemplate   string `json:"mockup_template"`
	TemplateURLCamel string `json:"templateUrl"`
}

func (req *createMockupRequest) normalize() (artwork, template string) {
	artwork = firstNonEmpty(req.ArtworkURL, req.ArtworkURLCamel, req.ImageURL)
	template = firstNonEmpty(req.TemplateURL, req.TemplateURLCamel, req.MockupTemplate)
	return artwork, template
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type createMockupResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (a *App) CreateMockup(w http.ResponseWriter, r *http.Request) {
	var req createMockupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	artworkURL, templateURL := req.normalize()
	if artworkURL == "" || templateURL == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "artwork_url and template_url are required")
		return
	}
	for _, raw := range []string{artworkURL, templateURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			a.error(w, http.StatusBadRequest, "bad_request", "asset urls must be http or https")
			return
		}
	}

	job := &domain.Job{
		ID:          uuid.NewString(),
		Status:      domain.JobStatusPending,
		ArtworkURL:  artworkURL,
		TemplateURL: templateURL,
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.Logger.Error().Err(err).Msg("create mockup job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
		return
	}

	a.Logger.Info().Str("job_id", job.ID).Msg("mockup job queued")
	a.json(w, http.StatusAccepted, createMockupResponse{JobID: job.ID, Status: string(job.Status)})
}

func (a *App) GetMockup(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "id required")
		return
	}
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("load mockup job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	a.json(w, http.StatusOK, a.jobBody(job))
}

func (a *App) RetryMockup(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "id required")
		return
	}
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("load mockup job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	if !job.Status.Terminal() {
		a.error(w, http.StatusConflict, "conflict", "job is still in progress")
		return
	}

	retried, err := a.Jobs.Retry(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Lost a race against a concurrent retry of the same job.
			a.error(w, http.StatusConflict, "conflict", "job already retried")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("retry mockup job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to retry job")
		return
	}

	a.Logger.Info().Str("job_id", retried.ID).Str("origin_job_id", jobID).Msg("mockup job retried")
	a.json(w, http.StatusAccepted, map[string]string{
		"job_id":        retried.ID,
		"status":        string(retried.Status),
		"origin_job_id": jobID,
	})
}

func (a *App) jobBody(job *domain.Job) map[string]any {
	body := map[string]any{
		"id":           job.ID,
		"status":       string(job.Status),
		"artwork_url":  job.ArtworkURL,
		"template_url": job.TemplateURL,
		"created_at":   job.CreatedAt.Format(time.RFC3339),
		"updated_at":   job.UpdatedAt.Format(time.RFC3339),
	}
	if job.OriginJobID != "" {
		body["origin_job_id"] = job.OriginJobID
	}
	if job.SelectedRegion != nil {
		body["selected_region"] = job.SelectedRegion
		body["region_count"] = job.RegionCount
	}
	if job.ResultRef != "" {
		body["result_url"] = a.Blobs.URLFor(job.ResultRef)
	}
	if job.Error != nil {
		body["error"] = job.Error
	}
	if job.CompletedAt != nil {
		body["completed_at"] = job.CompletedAt.Format(time.RFC3339)
	}
	return body
}
