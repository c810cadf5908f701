package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/platform/httpx"
	"github.com/karatworks/api/internal/repositories"
	"github.com/karatworks/api/internal/services"
)

const maxDiscountRequestBody = 64 * 1024

type discountService interface {
	CreateRule(ctx context.Context, input domain.DiscountRule) (domain.DiscountRule, domain.BulkApplyResult, error)
	UpdateRule(ctx context.Context, input domain.DiscountRule) (domain.DiscountRule, domain.BulkApplyResult, error)
	DeleteRule(ctx context.Context, ruleID string) (domain.BulkApplyResult, error)
	GetRule(ctx context.Context, ruleID string) (domain.DiscountRule, error)
	ListRules(ctx context.Context) ([]domain.DiscountRule, error)
	ApplyRule(ctx context.Context, ruleID string) (domain.BulkApplyResult, error)
	ResolveConflict(ctx context.Context, ruleID, productID string, action domain.ConflictAction) (domain.ProductApplyResult, error)
	ResyncCollection(ctx context.Context, ruleID string) (services.ResyncResult, error)
}

// DiscountHandlers exposes discount rule management and application.
type DiscountHandlers struct {
	discounts discountService
}

// NewDiscountHandlers constructs a discount handler set.
func NewDiscountHandlers(svc discountService) *DiscountHandlers {
	return &DiscountHandlers{discounts: svc}
}

// Routes registers the discount rule endpoints.
func (h *DiscountHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{ruleId}", h.get)
	r.Put("/{ruleId}", h.update)
	r.Delete("/{ruleId}", h.delete)
	r.Post("/{ruleId}:apply", h.apply)
	r.Post("/{ruleId}:resolve-conflict", h.resolveConflict)
	r.Post("/{ruleId}:resync", h.resync)
}

func (h *DiscountHandlers) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	req, ok := h.decodeRule(w, r)
	if !ok {
		return
	}

	rule, application, err := h.discounts.CreateRule(ctx, req.toDomain())
	if err != nil {
		writeDiscountError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, map[string]any{
		"rule":        buildDiscountRulePayload(rule),
		"application": buildBulkApplyResultPayload(application),
	})
}

func (h *DiscountHandlers) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	rules, err := h.discounts.ListRules(ctx)
	if err != nil {
		writeDiscountError(ctx, w, err)
		return
	}

	payload := make([]discountRulePayload, 0, len(rules))
	for _, rule := range rules {
		payload = append(payload, buildDiscountRulePayload(rule))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"rules": payload})
}

func (h *DiscountHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	ruleID, ok := ruleIDParam(ctx, w, r)
	if !ok {
		return
	}

	rule, err := h.discounts.GetRule(ctx, ruleID)
	if err != nil {
		writeDiscountError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"rule": buildDiscountRulePayload(rule)})
}

func (h *DiscountHandlers) update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	ruleID, ok := ruleIDParam(ctx, w, r)
	if !ok {
		return
	}

	req, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	req.ID = ruleID

	rule, application, err := h.discounts.UpdateRule(ctx, req.toDomain())
	if err != nil {
		writeDiscountError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"rule":        buildDiscountRulePayload(rule),
		"application": buildBulkApplyResultPayload(application),
	})
}

func (h *DiscountHandlers) delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	ruleID, ok := ruleIDParam(ctx, w, r)
	if !ok {
		return
	}

	removal, err := h.discounts.DeleteRule(ctx, ruleID)
	if err != nil {
		writeDiscountError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"removal": buildBulkApplyResultPayload(removal),
	})
}

func (h *DiscountHandlers) apply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	ruleID, ok := ruleIDParam(ctx, w, r)
	if !ok {
		return
	}

	application, err := h.discounts.ApplyRule(ctx, ruleID)
	if err != nil {
		writeDiscountError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"application": buildBulkApplyResultPayload(application),
	})
}

type resolveConflictRequest struct {
	ProductID string `json:"product_id"`
	Action    string `json:"action"`
}

func (h *DiscountHandlers) resolveConflict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	ruleID, ok := ruleIDParam(ctx, w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxDiscountRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req resolveConflictRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product_id is required", http.StatusBadRequest))
		return
	}

	result, err := h.discounts.ResolveConflict(ctx, ruleID, req.ProductID, domain.ConflictAction(req.Action))
	if err != nil {
		writeDiscountError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"result": buildProductApplyResultPayload(result),
	})
}

func (h *DiscountHandlers) resync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	ruleID, ok := ruleIDParam(ctx, w, r)
	if !ok {
		return
	}

	result, err := h.discounts.ResyncCollection(ctx, ruleID)
	if err != nil {
		writeDiscountError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"resync": buildResyncResultPayload(result),
	})
}

func (h *DiscountHandlers) available(ctx context.Context, w http.ResponseWriter) bool {
	if h.discounts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "discount service not available", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *DiscountHandlers) decodeRule(w http.ResponseWriter, r *http.Request) (discountRulePayload, bool) {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxDiscountRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return discountRulePayload{}, false
	}

	var req discountRulePayload
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return discountRulePayload{}, false
	}
	return req, true
}

func ruleIDParam(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	ruleID := strings.TrimSpace(chi.URLParam(r, "ruleId"))
	if ruleID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "rule_id is required", http.StatusBadRequest))
		return "", false
	}
	return ruleID, true
}

func writeDiscountError(ctx context.Context, w http.ResponseWriter, err error) {
	var repoErr repositories.RepositoryError
	switch {
	case errors.Is(err, services.ErrDiscountRuleInvalid), errors.Is(err, services.ErrDiscountEngineInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_rule", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrDiscountRuleNotFound), errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrDiscountRuleInactive):
		httpx.WriteError(ctx, w, httpx.NewError("rule_inactive", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrRatesNotConfigured):
		httpx.WriteError(ctx, w, httpx.NewError("rates_not_configured", "metal rates have not been configured", http.StatusConflict))
	case errors.As(err, &repoErr) && repoErr.IsNotFound():
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
	case errors.As(err, &repoErr) && repoErr.IsUnavailable():
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "storage temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("discount_error", "failed to process discount operation", http.StatusInternalServerError))
	}
}
