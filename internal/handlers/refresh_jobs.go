package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/platform/httpx"
	"github.com/karatworks/api/internal/services"
)

type refreshOrchestrator interface {
	Submit(ctx context.Context) (domain.RefreshJob, error)
	Job(ctx context.Context, jobID string) (domain.RefreshJob, error)
	List(ctx context.Context) []domain.RefreshJob
	Cancel(ctx context.Context, jobID string) (domain.RefreshJob, error)
}

// RefreshJobHandlers exposes the catalog refresh job lifecycle.
type RefreshJobHandlers struct {
	refresh refreshOrchestrator
}

// NewRefreshJobHandlers constructs a refresh job handler set.
func NewRefreshJobHandlers(orchestrator refreshOrchestrator) *RefreshJobHandlers {
	return &RefreshJobHandlers{refresh: orchestrator}
}

// Routes registers the refresh job endpoints.
func (h *RefreshJobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.submit)
	r.Get("/", h.list)
	r.Get("/{jobId}", h.get)
	r.Post("/{jobId}:cancel", h.cancel)
}

func (h *RefreshJobHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refresh == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "refresh orchestrator not available", http.StatusServiceUnavailable))
		return
	}

	job, err := h.refresh.Submit(ctx)
	if err != nil {
		writeRefreshError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]any{
		"job": buildRefreshJobPayload(job),
	})
}

func (h *RefreshJobHandlers) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refresh == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "refresh orchestrator not available", http.StatusServiceUnavailable))
		return
	}

	jobs := h.refresh.List(ctx)
	payload := make([]refreshJobPayload, 0, len(jobs))
	for _, job := range jobs {
		payload = append(payload, buildRefreshJobPayload(job))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"jobs": payload})
}

func (h *RefreshJobHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refresh == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "refresh orchestrator not available", http.StatusServiceUnavailable))
		return
	}

	jobID := strings.TrimSpace(chi.URLParam(r, "jobId"))
	if jobID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "job_id is required", http.StatusBadRequest))
		return
	}

	job, err := h.refresh.Job(ctx, jobID)
	if err != nil {
		writeRefreshError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"job": buildRefreshJobPayload(job)})
}

func (h *RefreshJobHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refresh == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "refresh orchestrator not available", http.StatusServiceUnavailable))
		return
	}

	jobID := strings.TrimSpace(chi.URLParam(r, "jobId"))
	if jobID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "job_id is required", http.StatusBadRequest))
		return
	}

	job, err := h.refresh.Cancel(ctx, jobID)
	if err != nil {
		writeRefreshError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"job": buildRefreshJobPayload(job)})
}

func writeRefreshError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrRefreshJobNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("job_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrRefreshJobTerminal):
		httpx.WriteError(ctx, w, httpx.NewError("job_finished", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrRefreshInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("refresh_in_progress", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("refresh_error", "failed to process refresh job", http.StatusInternalServerError))
	}
}
