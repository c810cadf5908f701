package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/repositories"
)

// PricingServiceDeps enumerates collaborators for NewPricingService.
type PricingServiceDeps struct {
	Rates      repositories.RateRepository
	Rules      repositories.DiscountRuleRepository
	Calculator *PriceCalculator
	Engine     *DiscountEngine
}

// PricingService computes preview breakdowns for ad-hoc configurations.
// Previews never write anything; they exist so an admin can see the exact
// numbers a configuration would produce before saving it.
type PricingService struct {
	rates      repositories.RateRepository
	rules      repositories.DiscountRuleRepository
	calculator *PriceCalculator
	engine     *DiscountEngine
}

// NewPricingService wires dependencies into a PricingService.
func NewPricingService(deps PricingServiceDeps) (*PricingService, error) {
	if deps.Rates == nil {
		return nil, errors.New("pricing service: rate repository is required")
	}
	if deps.Calculator == nil {
		return nil, errors.New("pricing service: price calculator is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("pricing service: discount engine is required")
	}
	return &PricingService{
		rates:      deps.Rates,
		rules:      deps.Rules,
		calculator: deps.Calculator,
		engine:     deps.Engine,
	}, nil
}

// Preview prices a configuration against the current rate snapshot. When
// ruleID names an active rule its discount is included in the breakdown.
func (s *PricingService) Preview(ctx context.Context, cfg domain.ProductConfiguration, ruleID string) (domain.PriceBreakdown, error) {
	rates, err := s.rates.Get(ctx)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.PriceBreakdown{}, ErrRatesNotConfigured
		}
		return domain.PriceBreakdown{}, err
	}

	var rule *domain.DiscountRule
	if ruleID = strings.TrimSpace(ruleID); ruleID != "" {
		if s.rules == nil {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: %s", ErrDiscountRuleNotFound, ruleID)
		}
		found, err := s.rules.FindByID(ctx, ruleID)
		if err != nil {
			if isRepoNotFound(err) {
				return domain.PriceBreakdown{}, fmt.Errorf("%w: %s", ErrDiscountRuleNotFound, ruleID)
			}
			return domain.PriceBreakdown{}, err
		}
		rule = &found
	}

	return s.calculator.Calculate(PriceCommand{
		Config:  cfg,
		Rates:   rates,
		Rule:    rule,
		Catalog: s.engine.Catalog(ctx),
	})
}

// Classify resolves a configuration to its commodity type using the cached
// stone catalog.
func (s *PricingService) Classify(ctx context.Context, cfg domain.ProductConfiguration) domain.CommodityType {
	return NewDiscountCalculator().Classify(cfg, s.engine.Catalog(ctx))
}
