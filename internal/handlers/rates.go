package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/platform/httpx"
	"github.com/karatworks/api/internal/services"
)

const maxRatesRequestBody = 16 * 1024

type rateService interface {
	GetRates(ctx context.Context) (domain.MetalRates, error)
	ReplaceRates(ctx context.Context, rates domain.MetalRates) error
	ListStones(ctx context.Context) ([]domain.StoneCatalogEntry, error)
}

// RateHandlers exposes the metal rate snapshot and the stone catalog.
type RateHandlers struct {
	rates rateService
}

// NewRateHandlers constructs a rate handler set.
func NewRateHandlers(svc rateService) *RateHandlers {
	return &RateHandlers{rates: svc}
}

// Routes registers the rate endpoints.
func (h *RateHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.get)
	r.Put("/", h.replace)
}

// StoneRoutes registers the stone catalog endpoints.
func (h *RateHandlers) StoneRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listStones)
}

func (h *RateHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.rates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "rate service not available", http.StatusServiceUnavailable))
		return
	}

	rates, err := h.rates.GetRates(ctx)
	if err != nil {
		writeRateError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"rates": buildMetalRatesPayload(rates),
	})
}

func (h *RateHandlers) replace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.rates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "rate service not available", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxRatesRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req metalRatesPayload
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	if err := h.rates.ReplaceRates(ctx, req.toDomain()); err != nil {
		writeRateError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"rates": req,
	})
}

func (h *RateHandlers) listStones(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.rates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "rate service not available", http.StatusServiceUnavailable))
		return
	}

	entries, err := h.rates.ListStones(ctx)
	if err != nil {
		writeRateError(ctx, w, err)
		return
	}

	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		slabs := make([]map[string]any, 0, len(entry.Slabs))
		for _, slab := range entry.Slabs {
			slabs = append(slabs, map[string]any{
				"from_weight":     slab.FromWeight,
				"to_weight":       slab.ToWeight,
				"price_per_carat": slab.PricePerCarat,
			})
		}
		payload = append(payload, map[string]any{
			"stone_id":   entry.StoneID,
			"stone_type": entry.StoneType,
			"slabs":      slabs,
		})
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"stones": payload,
	})
}

func writeRateError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrRatesNotConfigured):
		httpx.WriteError(ctx, w, httpx.NewError("rates_not_configured", "metal rates have not been configured", http.StatusNotFound))
	case errors.Is(err, services.ErrRatesInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_rates", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("rates_error", "failed to process rates", http.StatusInternalServerError))
	}
}
