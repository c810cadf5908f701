package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/karatworks/api/internal/platform/httpx"
	"github.com/karatworks/api/internal/services"
)

const maxWebhookRequestBody = 32 * 1024

type collectionResyncer interface {
	ResyncCollectionByID(ctx context.Context, collectionID string) ([]services.ResyncResult, error)
}

// WebhookHandlers receives storefront callbacks. The router is expected to
// front this group with HMAC verification middleware.
type WebhookHandlers struct {
	resyncer collectionResyncer
}

// NewWebhookHandlers constructs a webhook handler set.
func NewWebhookHandlers(resyncer collectionResyncer) *WebhookHandlers {
	return &WebhookHandlers{resyncer: resyncer}
}

// Routes registers the webhook endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/collections/sync", h.collectionSync)
}

type collectionSyncRequest struct {
	CollectionID string `json:"collection_id"`
}

func (h *WebhookHandlers) collectionSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.resyncer == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "discount service not available", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req collectionSyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.CollectionID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "collection_id is required", http.StatusBadRequest))
		return
	}

	results, err := h.resyncer.ResyncCollectionByID(ctx, req.CollectionID)
	if err != nil {
		writeDiscountError(ctx, w, err)
		return
	}

	payload := make([]resyncResultPayload, 0, len(results))
	for _, result := range results {
		payload = append(payload, buildResyncResultPayload(result))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"collection_id": strings.TrimSpace(req.CollectionID),
		"resyncs":       payload,
	})
}
