package services

import (
	"errors"
	"strings"
	"testing"

	domain "github.com/karatworks/api/internal/domain"
)

func testRates() domain.MetalRates {
	return domain.MetalRates{
		Gold24kt: 7100,
		Gold22kt: 6500,
		Gold18kt: 5400,
		Gold14kt: 4200,
		Platinum: 3100,
		Silver:   90,
	}
}

func testCalculator(t *testing.T) *PriceCalculator {
	t.Helper()
	calc, err := NewPriceCalculator(PriceCalculatorDeps{Discounts: NewDiscountCalculator()})
	if err != nil {
		t.Fatalf("NewPriceCalculator error: %v", err)
	}
	return calc
}

func TestPriceCalculator_GoldBreakdown(t *testing.T) {
	calc := testCalculator(t)

	cfg := domain.ProductConfiguration{
		MetalWeight:         4.54,
		MetalType:           "gold22kt",
		MakingChargePercent: 10,
		LabourType:          domain.LabourPercentage,
		LabourValue:         5,
		WastageType:         domain.WastagePercentage,
		WastageValue:        3,
		Stones:              []domain.StoneLine{{StoneID: "ruby_1", StoneType: "ruby", Cost: 160}},
		TaxPercent:          3,
	}

	breakdown, err := calc.Calculate(PriceCommand{Config: cfg, Rates: testRates()})
	if err != nil {
		t.Fatalf("Calculate error: %v", err)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"MetalCost", breakdown.MetalCost, 29510.00},
		{"MakingCharge", breakdown.MakingCharge, 2951.00},
		{"LabourCharge", breakdown.LabourCharge, 1475.50},
		{"WastageCharge", breakdown.WastageCharge, 885.30},
		{"StoneCost", breakdown.StoneCost, 160.00},
		{"Subtotal", breakdown.Subtotal, 34981.80},
		{"TaxAmount", breakdown.TaxAmount, 1049.45},
		{"FinalPrice", breakdown.FinalPrice, 36031.25},
		{"FinalPriceAfterDiscount", breakdown.FinalPriceAfterDiscount, 36031.25},
		{"PriceBeforeDiscount", breakdown.PriceBeforeDiscount, 36031.25},
	}
	for _, check := range checks {
		if check.got != check.want {
			t.Errorf("%s: want %.2f, got %.2f", check.name, check.want, check.got)
		}
	}
	if breakdown.Discount != nil {
		t.Fatalf("expected no discount without a rule, got %+v", breakdown.Discount)
	}
}

func TestPriceCalculator_GoldBreakdownWithRule(t *testing.T) {
	calc := testCalculator(t)

	cfg := domain.ProductConfiguration{
		MetalWeight:         4.54,
		MetalType:           "gold22kt",
		MakingChargePercent: 10,
		LabourType:          domain.LabourPercentage,
		LabourValue:         5,
		WastageType:         domain.WastagePercentage,
		WastageValue:        3,
		Stones:              []domain.StoneLine{{StoneID: "ruby_1", StoneType: "ruby", Cost: 160}},
		TaxPercent:          3,
	}
	rule := fullyEnabledRule("dr_test", 10)

	breakdown, err := calc.Calculate(PriceCommand{Config: cfg, Rates: testRates(), Rule: &rule})
	if err != nil {
		t.Fatalf("Calculate error: %v", err)
	}

	if breakdown.Discount == nil {
		t.Fatal("expected a discount on the breakdown")
	}
	if breakdown.Discount.Amount != 531.18 {
		t.Fatalf("discount amount: want 531.18, got %.2f", breakdown.Discount.Amount)
	}
	if breakdown.Discount.Type != domain.CommodityGold {
		t.Fatalf("discount type: want gold, got %s", breakdown.Discount.Type)
	}
	if breakdown.DiscountedSubtotal != 34450.62 {
		t.Fatalf("discounted subtotal: want 34450.62, got %.2f", breakdown.DiscountedSubtotal)
	}
	if breakdown.TaxAmount != 1033.52 {
		t.Fatalf("tax amount: want 1033.52, got %.2f", breakdown.TaxAmount)
	}
	if breakdown.FinalPriceAfterDiscount != 35484.14 {
		t.Fatalf("final after discount: want 35484.14, got %.2f", breakdown.FinalPriceAfterDiscount)
	}
	// The undiscounted price is always carried alongside the discounted one.
	if breakdown.FinalPrice != 36031.25 {
		t.Fatalf("final price: want 36031.25, got %.2f", breakdown.FinalPrice)
	}
	if breakdown.PriceBeforeDiscount != breakdown.FinalPrice {
		t.Fatalf("price before discount should equal final price, got %.2f vs %.2f", breakdown.PriceBeforeDiscount, breakdown.FinalPrice)
	}
}

func TestPriceCalculator_InactiveRuleIgnored(t *testing.T) {
	calc := testCalculator(t)

	cfg := domain.ProductConfiguration{
		MetalWeight:         2,
		MetalType:           "gold18kt",
		MakingChargePercent: 8,
		LabourType:          domain.LabourFixed,
		LabourValue:         500,
		WastageType:         domain.WastageFixed,
		WastageValue:        200,
		TaxPercent:          3,
	}
	rule := fullyEnabledRule("dr_test", 10)
	rule.IsActive = false

	breakdown, err := calc.Calculate(PriceCommand{Config: cfg, Rates: testRates(), Rule: &rule})
	if err != nil {
		t.Fatalf("Calculate error: %v", err)
	}
	if breakdown.Discount != nil {
		t.Fatalf("inactive rule must not discount, got %+v", breakdown.Discount)
	}
	if breakdown.FinalPriceAfterDiscount != breakdown.FinalPrice {
		t.Fatalf("without discount both finals should match, got %.2f vs %.2f", breakdown.FinalPriceAfterDiscount, breakdown.FinalPrice)
	}
}

func TestPriceCalculator_Deterministic(t *testing.T) {
	calc := testCalculator(t)

	cfg := domain.ProductConfiguration{
		MetalWeight:         12.345,
		MetalType:           "Gold 22KT",
		MakingChargePercent: 11.5,
		LabourType:          domain.LabourPercentage,
		LabourValue:         4.25,
		WastageType:         domain.WastageWeight,
		WastageValue:        0.31,
		Stones: []domain.StoneLine{
			{StoneID: "dia_r1", StoneType: "diamond", Weight: 0.25, Count: 4},
			{StoneID: "emerald_1", StoneType: "emerald", Cost: 980.55},
		},
		TaxPercent: 3,
	}
	catalog := []domain.StoneCatalogEntry{
		{StoneID: "dia_r1", StoneType: "Diamond", Slabs: []domain.StoneSlab{{FromWeight: 0.1, ToWeight: 0.3, PricePerCarat: 52000}}},
	}
	cmd := PriceCommand{Config: cfg, Rates: testRates(), Catalog: catalog}

	first, err := calc.Calculate(cmd)
	if err != nil {
		t.Fatalf("Calculate error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := calc.Calculate(cmd)
		if err != nil {
			t.Fatalf("Calculate error on repeat %d: %v", i, err)
		}
		if again.FinalPrice != first.FinalPrice || again.Subtotal != first.Subtotal {
			t.Fatalf("repeat %d diverged: %.2f/%.2f vs %.2f/%.2f", i, again.Subtotal, again.FinalPrice, first.Subtotal, first.FinalPrice)
		}
	}

	// Diamond line: 0.25ct x 52000/ct x 4 stones, plus the manual emerald cost.
	if first.StoneCost != 52980.55 {
		t.Fatalf("stone cost: want 52980.55, got %.2f", first.StoneCost)
	}
	// Weight-mode wastage charges extra grams at the metal rate.
	if first.WastageCharge != 2015.00 {
		t.Fatalf("wastage charge: want 2015.00, got %.2f", first.WastageCharge)
	}
}

func TestPriceCalculator_InvalidConfigurations(t *testing.T) {
	calc := testCalculator(t)
	base := domain.ProductConfiguration{
		MetalWeight: 5,
		MetalType:   "gold22kt",
		LabourType:  domain.LabourFixed,
		WastageType: domain.WastageFixed,
	}

	cases := []struct {
		name   string
		mutate func(*domain.ProductConfiguration)
	}{
		{"zero weight", func(cfg *domain.ProductConfiguration) { cfg.MetalWeight = 0 }},
		{"negative weight", func(cfg *domain.ProductConfiguration) { cfg.MetalWeight = -1 }},
		{"blank metal type", func(cfg *domain.ProductConfiguration) { cfg.MetalType = "  " }},
		{"unknown metal type", func(cfg *domain.ProductConfiguration) { cfg.MetalType = "bronze" }},
		{"negative making", func(cfg *domain.ProductConfiguration) { cfg.MakingChargePercent = -2 }},
		{"negative labour", func(cfg *domain.ProductConfiguration) { cfg.LabourValue = -10 }},
		{"negative wastage", func(cfg *domain.ProductConfiguration) { cfg.WastageValue = -10 }},
		{"negative tax", func(cfg *domain.ProductConfiguration) { cfg.TaxPercent = -1 }},
		{"negative stone cost", func(cfg *domain.ProductConfiguration) {
			cfg.Stones = []domain.StoneLine{{StoneID: "s1", Cost: -5}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			_, err := calc.Calculate(PriceCommand{Config: cfg, Rates: testRates()})
			if !errors.Is(err, ErrPricingInvalidConfiguration) {
				t.Fatalf("want ErrPricingInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestPriceCalculator_MissingRateRejected(t *testing.T) {
	calc := testCalculator(t)
	cfg := domain.ProductConfiguration{MetalWeight: 3, MetalType: "silver"}
	rates := testRates()
	rates.Silver = 0

	_, err := calc.Calculate(PriceCommand{Config: cfg, Rates: rates})
	if !errors.Is(err, ErrPricingInvalidConfiguration) {
		t.Fatalf("want ErrPricingInvalidConfiguration for zero rate, got %v", err)
	}
}

func TestPriceCalculator_DiamondSlabMissWarns(t *testing.T) {
	calc := testCalculator(t)
	cfg := domain.ProductConfiguration{
		MetalWeight: 3,
		MetalType:   "gold18kt",
		Stones: []domain.StoneLine{
			{StoneID: "dia_big", StoneType: "diamond", Weight: 2.5, Count: 1},
		},
	}
	catalog := []domain.StoneCatalogEntry{
		{StoneID: "dia_big", StoneType: "diamond", Slabs: []domain.StoneSlab{{FromWeight: 0.1, ToWeight: 1.0, PricePerCarat: 60000}}},
	}

	breakdown, err := calc.Calculate(PriceCommand{Config: cfg, Rates: testRates(), Catalog: catalog})
	if err != nil {
		t.Fatalf("Calculate error: %v", err)
	}
	if breakdown.StoneCost != 0 {
		t.Fatalf("unslabbed diamond should cost zero, got %.2f", breakdown.StoneCost)
	}
	if len(breakdown.Warnings) != 1 || !strings.Contains(breakdown.Warnings[0], "dia_big") {
		t.Fatalf("expected one warning naming the stone, got %v", breakdown.Warnings)
	}
}

func TestPriceCalculator_SlabBoundsInclusive(t *testing.T) {
	calc := testCalculator(t)
	catalog := []domain.StoneCatalogEntry{
		{StoneID: "dia", StoneType: "diamond", Slabs: []domain.StoneSlab{{FromWeight: 0.5, ToWeight: 1.0, PricePerCarat: 40000}}},
	}
	for _, weight := range []float64{0.5, 1.0} {
		cfg := domain.ProductConfiguration{
			MetalWeight: 2,
			MetalType:   "gold14kt",
			Stones:      []domain.StoneLine{{StoneID: "dia", StoneType: "diamond", Weight: weight, Count: 1}},
		}
		breakdown, err := calc.Calculate(PriceCommand{Config: cfg, Rates: testRates(), Catalog: catalog})
		if err != nil {
			t.Fatalf("Calculate error at %.1f: %v", weight, err)
		}
		if breakdown.StoneCost != weight*40000 {
			t.Fatalf("boundary weight %.1f should hit the slab, got stone cost %.2f", weight, breakdown.StoneCost)
		}
	}
}

func fullyEnabledRule(id string, goldPercent float64) domain.DiscountRule {
	return domain.DiscountRule{
		ID:              id,
		Title:           "Festival offer",
		ApplicationType: domain.ApplicationProducts,
		TargetProducts:  []string{"prod_1"},
		GoldRules:       domain.GoldRule{Enabled: true, Percentage: goldPercent},
		DiamondRules:    domain.DiamondRule{Enabled: true, Amount: 2000},
		SilverRules: domain.SilverRule{
			Enabled: true,
			Slabs: []domain.WeightSlab{
				{FromWeight: 0, ToWeight: 50, Amount: 300},
				{FromWeight: 50.01, ToWeight: 500, Amount: 900},
			},
		},
		IsActive: true,
	}
}
