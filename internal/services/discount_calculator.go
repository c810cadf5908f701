package services

import (
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/karatworks/api/internal/domain"
)

const (
	appliedOnFabrication = "making_labour_wastage"
	appliedOnStoneCost   = "stone_cost"
	appliedOnWeightSlab  = "weight_slab"
)

// DiscountCalculator classifies a product's commodity type and computes the
// discount a rule yields against a price breakdown. Stateless.
type DiscountCalculator struct{}

// NewDiscountCalculator constructs the calculator.
func NewDiscountCalculator() DiscountCalculator {
	return DiscountCalculator{}
}

// Classify resolves a configuration to its commodity type. Precedence: a
// stone line resolving to diamond wins; otherwise a silver metal type;
// otherwise gold, which covers every gold purity and platinum.
//
// Without a catalog the stone check degrades to the raw stone-type label on
// the line, which can misclassify during a catalog outage. Callers that
// serve an empty catalog log the degradation.
func (DiscountCalculator) Classify(cfg domain.ProductConfiguration, catalog []domain.StoneCatalogEntry) domain.CommodityType {
	for _, line := range cfg.Stones {
		if entry, ok := catalogEntryFor(line, catalog); ok {
			if entry.IsDiamond() {
				return domain.CommodityDiamond
			}
			continue
		}
		if strings.EqualFold(strings.TrimSpace(line.StoneType), "diamond") {
			return domain.CommodityDiamond
		}
	}
	if strings.Contains(domain.NormalizeMetalType(cfg.MetalType), "silver") {
		return domain.CommoditySilver
	}
	return domain.CommodityGold
}

// CalculateDiscount computes the discount the rule yields for the product.
// Only the rule block matching the product's commodity type is consulted; a
// disabled block contributes zero regardless of classification. Rule
// validation happens at creation and update, never here.
func (c DiscountCalculator) CalculateDiscount(breakdown domain.PriceBreakdown, cfg domain.ProductConfiguration, rule domain.DiscountRule, catalog []domain.StoneCatalogEntry) domain.AppliedDiscount {
	commodity := c.Classify(cfg, catalog)

	switch commodity {
	case domain.CommodityDiamond:
		applied := domain.AppliedDiscount{Type: commodity, AppliedOn: appliedOnStoneCost}
		if !rule.DiamondRules.Enabled {
			return applied
		}
		amount := rule.DiamondRules.Amount
		if amount < 0 {
			amount = 0
		}
		// Never discount more than the stones are worth.
		if amount > breakdown.StoneCost {
			amount = breakdown.StoneCost
		}
		applied.Amount = amount
		return applied

	case domain.CommoditySilver:
		applied := domain.AppliedDiscount{Type: commodity, AppliedOn: appliedOnWeightSlab}
		if !rule.SilverRules.Enabled {
			return applied
		}
		if slab, ok := rule.SilverRules.SlabFor(cfg.MetalWeight); ok {
			applied.Amount = slab.Amount
		}
		return applied

	default:
		applied := domain.AppliedDiscount{Type: domain.CommodityGold, AppliedOn: appliedOnFabrication}
		if !rule.GoldRules.Enabled {
			return applied
		}
		fabrication := decimal.NewFromFloat(breakdown.MakingCharge).
			Add(decimal.NewFromFloat(breakdown.LabourCharge)).
			Add(decimal.NewFromFloat(breakdown.WastageCharge))
		amount := fabrication.Mul(decimal.NewFromFloat(rule.GoldRules.Percentage)).Div(oneHundred)
		applied.Amount = round2(amount)
		return applied
	}
}
