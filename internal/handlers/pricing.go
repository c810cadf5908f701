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

const maxPricingRequestBody = 64 * 1024

type pricingService interface {
	Preview(ctx context.Context, cfg domain.ProductConfiguration, ruleID string) (domain.PriceBreakdown, error)
	Classify(ctx context.Context, cfg domain.ProductConfiguration) domain.CommodityType
}

// PricingHandlers exposes the stateless price preview endpoints.
type PricingHandlers struct {
	pricing pricingService
}

// NewPricingHandlers constructs a pricing handler set.
func NewPricingHandlers(svc pricingService) *PricingHandlers {
	return &PricingHandlers{pricing: svc}
}

// Routes registers the pricing endpoints.
func (h *PricingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/preview", h.preview)
	r.Post("/classify", h.classify)
}

type pricePreviewRequest struct {
	Config productConfigPayload `json:"config"`
	RuleID string               `json:"rule_id,omitempty"`
}

func (h *PricingHandlers) preview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "pricing service not available", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxPricingRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req pricePreviewRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	breakdown, err := h.pricing.Preview(ctx, req.Config.toDomain(), req.RuleID)
	if err != nil {
		writePricingError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"breakdown": buildPriceBreakdownPayload(breakdown),
	})
}

type classifyRequest struct {
	Config productConfigPayload `json:"config"`
}

func (h *PricingHandlers) classify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "pricing service not available", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxPricingRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req classifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	commodity := h.pricing.Classify(ctx, req.Config.toDomain())
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"commodity_type": string(commodity),
	})
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writePricingError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPricingInvalidConfiguration), errors.Is(err, domain.ErrUnknownMetalType):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_configuration", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrRatesNotConfigured):
		httpx.WriteError(ctx, w, httpx.NewError("rates_not_configured", "metal rates have not been configured", http.StatusNotFound))
	case errors.Is(err, services.ErrDiscountRuleNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("rule_not_found", err.Error(), http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("pricing_error", "failed to compute price", http.StatusInternalServerError))
	}
}
