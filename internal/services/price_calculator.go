package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/karatworks/api/internal/domain"
)

// ErrPricingInvalidConfiguration signals a configuration the calculator
// refuses to price, such as an unknown metal type or a non-positive metal
// weight. The error is surfaced before any write happens.
var ErrPricingInvalidConfiguration = errors.New("pricing: invalid configuration")

var oneHundred = decimal.NewFromInt(100)

// PriceCommand carries everything one pricing pass needs. Rule is optional;
// when present and active the matching type block produces the discount.
type PriceCommand struct {
	Config  domain.ProductConfiguration
	Rates   domain.MetalRates
	Rule    *domain.DiscountRule
	Catalog []domain.StoneCatalogEntry
}

// PriceCalculatorDeps enumerates collaborators for NewPriceCalculator.
type PriceCalculatorDeps struct {
	Discounts DiscountCalculator
}

// PriceCalculator derives a PriceBreakdown from a product configuration and
// a rate snapshot. It is pure: no state, no I/O, deterministic for fixed
// inputs.
type PriceCalculator struct {
	discounts DiscountCalculator
}

// NewPriceCalculator wires the calculator.
func NewPriceCalculator(deps PriceCalculatorDeps) (*PriceCalculator, error) {
	return &PriceCalculator{discounts: deps.Discounts}, nil
}

// Calculate derives the full price breakdown. Monetary outputs are rounded
// to two decimals; intermediate sums retain full precision.
func (c *PriceCalculator) Calculate(cmd PriceCommand) (domain.PriceBreakdown, error) {
	cfg := cmd.Config
	if err := validateConfiguration(cfg); err != nil {
		return domain.PriceBreakdown{}, err
	}

	rateValue, err := cmd.Rates.RateFor(cfg.MetalType)
	if err != nil {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: %v", ErrPricingInvalidConfiguration, err)
	}
	if rateValue <= 0 {
		return domain.PriceBreakdown{}, fmt.Errorf("%w: no rate configured for metal type %q", ErrPricingInvalidConfiguration, strings.TrimSpace(cfg.MetalType))
	}

	rate := decimal.NewFromFloat(rateValue)
	weight := decimal.NewFromFloat(cfg.MetalWeight)

	metalCost := weight.Mul(rate)
	makingCharge := metalCost.Mul(decimal.NewFromFloat(cfg.MakingChargePercent)).Div(oneHundred)

	labourValue := decimal.NewFromFloat(cfg.LabourValue)
	var labourCharge decimal.Decimal
	if cfg.LabourType == domain.LabourPercentage {
		labourCharge = metalCost.Mul(labourValue).Div(oneHundred)
	} else {
		labourCharge = labourValue
	}

	wastageValue := decimal.NewFromFloat(cfg.WastageValue)
	var wastageCharge decimal.Decimal
	switch cfg.WastageType {
	case domain.WastagePercentage:
		wastageCharge = metalCost.Mul(wastageValue).Div(oneHundred)
	case domain.WastageWeight:
		wastageCharge = wastageValue.Mul(rate)
	default:
		wastageCharge = wastageValue
	}

	stoneCost, warnings := sumStoneCost(cfg.Stones, cmd.Catalog)

	subtotal := metalCost.Add(makingCharge).Add(labourCharge).Add(wastageCharge).Add(stoneCost)

	breakdown := domain.PriceBreakdown{
		MetalCost:     round2(metalCost),
		MakingCharge:  round2(makingCharge),
		LabourCharge:  round2(labourCharge),
		WastageCharge: round2(wastageCharge),
		StoneCost:     round2(stoneCost),
		Subtotal:      round2(subtotal),
		Warnings:      warnings,
	}

	var discountAmount decimal.Decimal
	if cmd.Rule != nil && cmd.Rule.IsActive {
		applied := c.discounts.CalculateDiscount(breakdown, cfg, *cmd.Rule, cmd.Catalog)
		breakdown.Discount = &applied
		discountAmount = decimal.NewFromFloat(applied.Amount)
	}

	discountedSubtotal := subtotal.Sub(discountAmount)
	if discountedSubtotal.IsNegative() {
		discountedSubtotal = decimal.Zero
	}

	taxPercent := decimal.NewFromFloat(cfg.TaxPercent)
	taxOnSubtotal := subtotal.Mul(taxPercent).Div(oneHundred)
	taxAmount := taxOnSubtotal
	if discountAmount.IsPositive() {
		taxAmount = discountedSubtotal.Mul(taxPercent).Div(oneHundred)
	}

	finalPrice := subtotal.Add(taxOnSubtotal)

	breakdown.DiscountedSubtotal = round2(discountedSubtotal)
	breakdown.TaxAmount = round2(taxAmount)
	breakdown.FinalPrice = round2(finalPrice)
	breakdown.FinalPriceAfterDiscount = round2(discountedSubtotal.Add(taxAmount))
	breakdown.PriceBeforeDiscount = breakdown.FinalPrice

	return breakdown, nil
}

func validateConfiguration(cfg domain.ProductConfiguration) error {
	if cfg.MetalWeight <= 0 {
		return fmt.Errorf("%w: metal weight must be positive", ErrPricingInvalidConfiguration)
	}
	if strings.TrimSpace(cfg.MetalType) == "" {
		return fmt.Errorf("%w: metal type is required", ErrPricingInvalidConfiguration)
	}
	if cfg.MakingChargePercent < 0 {
		return fmt.Errorf("%w: making charge percent cannot be negative", ErrPricingInvalidConfiguration)
	}
	if cfg.LabourValue < 0 {
		return fmt.Errorf("%w: labour value cannot be negative", ErrPricingInvalidConfiguration)
	}
	if cfg.WastageValue < 0 {
		return fmt.Errorf("%w: wastage value cannot be negative", ErrPricingInvalidConfiguration)
	}
	if cfg.TaxPercent < 0 {
		return fmt.Errorf("%w: tax percent cannot be negative", ErrPricingInvalidConfiguration)
	}
	for _, stone := range cfg.Stones {
		if stone.Weight < 0 || stone.Cost < 0 || stone.Count < 0 {
			return fmt.Errorf("%w: stone line %q has negative values", ErrPricingInvalidConfiguration, stone.StoneID)
		}
	}
	return nil
}

// sumStoneCost totals every stone line. Diamond lines (resolved through the
// catalog, falling back to the line's own label) are priced from the
// matching weight slab; all other lines use their stored cost verbatim. A
// diamond line with no matching slab contributes zero and yields a warning.
func sumStoneCost(stones []domain.StoneLine, catalog []domain.StoneCatalogEntry) (decimal.Decimal, []string) {
	total := decimal.Zero
	var warnings []string

	for _, line := range stones {
		entry, found := catalogEntryFor(line, catalog)
		isDiamond := strings.EqualFold(strings.TrimSpace(line.StoneType), "diamond")
		if found {
			isDiamond = entry.IsDiamond()
		}

		if !isDiamond {
			total = total.Add(decimal.NewFromFloat(line.Cost))
			continue
		}

		slab, ok := entry.SlabFor(line.Weight)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("no price slab matches stone %s at %.3f carat", strings.TrimSpace(line.StoneID), line.Weight))
			continue
		}

		count := line.Count
		if count <= 0 {
			count = 1
		}
		lineCost := decimal.NewFromFloat(line.Weight).
			Mul(decimal.NewFromFloat(slab.PricePerCarat)).
			Mul(decimal.NewFromInt(int64(count)))
		total = total.Add(lineCost)
	}

	return total, warnings
}

func catalogEntryFor(line domain.StoneLine, catalog []domain.StoneCatalogEntry) (domain.StoneCatalogEntry, bool) {
	stoneID := strings.TrimSpace(line.StoneID)
	if stoneID == "" {
		return domain.StoneCatalogEntry{}, false
	}
	for _, entry := range catalog {
		if strings.EqualFold(strings.TrimSpace(entry.StoneID), stoneID) {
			return entry, true
		}
	}
	return domain.StoneCatalogEntry{}, false
}

func round2(value decimal.Decimal) float64 {
	rounded, _ := value.Round(2).Float64()
	return rounded
}
