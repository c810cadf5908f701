package services

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/repositories"
)

var (
	// ErrRatesNotConfigured indicates no rate snapshot has ever been stored.
	ErrRatesNotConfigured = errors.New("rates: no rate snapshot configured")
	// ErrRatesInvalid signals a replacement snapshot that fails validation.
	ErrRatesInvalid = errors.New("rates: invalid rate snapshot")
)

// RateServiceDeps enumerates collaborators for NewRateService.
type RateServiceDeps struct {
	Rates  repositories.RateRepository
	Stones repositories.StoneCatalogRepository
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// RateService exposes the metal-rate snapshot and the stone catalog to
// admin surfaces. Rates are replaced wholesale so every product prices
// against one coherent snapshot.
type RateService struct {
	rates  repositories.RateRepository
	stones repositories.StoneCatalogRepository
	logger func(context.Context, string, map[string]any)
}

// NewRateService wires dependencies into a RateService.
func NewRateService(deps RateServiceDeps) (*RateService, error) {
	if deps.Rates == nil {
		return nil, errors.New("rate service: rate repository is required")
	}
	if deps.Stones == nil {
		return nil, errors.New("rate service: stone catalog repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &RateService{rates: deps.Rates, stones: deps.Stones, logger: logger}, nil
}

// GetRates returns the current rate snapshot.
func (s *RateService) GetRates(ctx context.Context) (domain.MetalRates, error) {
	rates, err := s.rates.Get(ctx)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.MetalRates{}, ErrRatesNotConfigured
		}
		return domain.MetalRates{}, err
	}
	return rates, nil
}

// ReplaceRates validates and stores a new snapshot. The write does not touch
// product prices; a refresh job propagates the new rates.
func (s *RateService) ReplaceRates(ctx context.Context, rates domain.MetalRates) error {
	if err := rates.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrRatesInvalid, err)
	}
	if err := s.rates.Replace(ctx, rates); err != nil {
		return err
	}
	s.logger(ctx, "metal_rates_replaced", map[string]any{
		"gold24kt": rates.Gold24kt,
		"gold22kt": rates.Gold22kt,
		"gold18kt": rates.Gold18kt,
		"gold14kt": rates.Gold14kt,
		"platinum": rates.Platinum,
		"silver":   rates.Silver,
	})
	return nil
}

// ListStones returns the stone catalog.
func (s *RateService) ListStones(ctx context.Context) ([]domain.StoneCatalogEntry, error) {
	return s.stones.List(ctx)
}
