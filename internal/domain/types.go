package domain

import (
	"errors"
	"fmt"
	"strings"
)

// CommodityType is the closed set of commodity classes a product can be
// priced and discounted as. Classification happens in one place (the
// discount calculator) and is consumed everywhere else.
type CommodityType string

const (
	// CommodityGold covers every gold purity and platinum.
	CommodityGold CommodityType = "gold"
	// CommodityDiamond marks products carrying at least one diamond stone.
	CommodityDiamond CommodityType = "diamond"
	// CommoditySilver marks products whose metal is silver.
	CommoditySilver CommodityType = "silver"
)

// ErrUnknownMetalType signals a metal type with no configured rate.
var ErrUnknownMetalType = errors.New("domain: unknown metal type")

// MetalRates is an immutable per-gram rate snapshot for the fixed commodity
// set. Snapshots are replaced wholesale, never partially mutated.
type MetalRates struct {
	Gold24kt float64
	Gold22kt float64
	Gold18kt float64
	Gold14kt float64
	Platinum float64
	Silver   float64
}

// NormalizeMetalType canonicalises a metal-type label for rate lookup and
// classification. Case, spaces, underscores, and hyphens are ignored.
func NormalizeMetalType(metalType string) string {
	normalized := strings.ToLower(strings.TrimSpace(metalType))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(normalized)
}

// RateFor resolves the per-gram rate for a metal type. Unknown metal types
// are a configuration error and are never silently defaulted.
func (r MetalRates) RateFor(metalType string) (float64, error) {
	switch NormalizeMetalType(metalType) {
	case "gold24kt", "gold24k":
		return r.Gold24kt, nil
	case "gold22kt", "gold22k":
		return r.Gold22kt, nil
	case "gold18kt", "gold18k":
		return r.Gold18kt, nil
	case "gold14kt", "gold14k":
		return r.Gold14kt, nil
	case "platinum":
		return r.Platinum, nil
	case "silver":
		return r.Silver, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMetalType, strings.TrimSpace(metalType))
	}
}

// Validate reports the rate fields that are not strictly positive.
func (r MetalRates) Validate() error {
	var invalid []string
	check := func(name string, value float64) {
		if value <= 0 {
			invalid = append(invalid, name)
		}
	}
	check("gold24kt", r.Gold24kt)
	check("gold22kt", r.Gold22kt)
	check("gold18kt", r.Gold18kt)
	check("gold14kt", r.Gold14kt)
	check("platinum", r.Platinum)
	check("silver", r.Silver)
	if len(invalid) > 0 {
		return fmt.Errorf("domain: metal rates must be positive [%s]", strings.Join(invalid, ", "))
	}
	return nil
}

// StoneSlab maps a carat weight band to a per-carat price. Both bounds are
// inclusive. Slabs for one stone type must not overlap; the catalog owner is
// responsible for that, not the calculator.
type StoneSlab struct {
	FromWeight    float64
	ToWeight      float64
	PricePerCarat float64
}

// Contains reports whether the weight falls inside the slab's band.
func (s StoneSlab) Contains(weight float64) bool {
	return weight >= s.FromWeight && weight <= s.ToWeight
}

// StoneCatalogEntry describes one stone and its slab pricing. A stone type
// of "diamond" (case-insensitive) is the sole signal for automatic
// slab-based cost computation; every other type is manually priced.
type StoneCatalogEntry struct {
	StoneID   string
	StoneType string
	Slabs     []StoneSlab
}

// IsDiamond reports whether the entry's stone type is diamond.
func (e StoneCatalogEntry) IsDiamond() bool {
	return strings.EqualFold(strings.TrimSpace(e.StoneType), "diamond")
}

// SlabFor returns the slab containing the given carat weight.
func (e StoneCatalogEntry) SlabFor(weight float64) (StoneSlab, bool) {
	for _, slab := range e.Slabs {
		if slab.Contains(weight) {
			return slab, true
		}
	}
	return StoneSlab{}, false
}

// StoneLine is one stone position on a product configuration. Count defaults
// to one when absent. Cost is the manually priced amount used for
// non-diamond stones.
type StoneLine struct {
	StoneID   string
	StoneType string
	Weight    float64
	Count     int
	Cost      float64
}

// LabourType selects how the labour charge is derived.
type LabourType string

const (
	// LabourPercentage charges labour as a percentage of the metal cost.
	LabourPercentage LabourType = "percentage"
	// LabourFixed charges a fixed labour amount.
	LabourFixed LabourType = "fixed"
)

// WastageType selects how the wastage charge is derived.
type WastageType string

const (
	// WastagePercentage charges wastage as a percentage of the metal cost.
	WastagePercentage WastageType = "percentage"
	// WastageFixed charges a fixed wastage amount.
	WastageFixed WastageType = "fixed"
	// WastageWeight charges wastage as extra grams priced at the metal rate.
	WastageWeight WastageType = "weight"
)

// ProductConfiguration carries the pricing inputs of one product.
// MetalWeight must be positive and MetalType must be a known rate key; all
// other numeric fields default to zero when absent.
type ProductConfiguration struct {
	MetalWeight         float64
	MetalType           string
	MakingChargePercent float64
	LabourType          LabourType
	LabourValue         float64
	WastageType         WastageType
	WastageValue        float64
	Stones              []StoneLine
	TaxPercent          float64
}

// Product is a configuration plus the storefront bookkeeping the engine
// reads and writes around it.
type Product struct {
	ID          string
	VariantRef  string
	Configured  bool
	Config      ProductConfiguration
	Price       float64
	Discount    *ProductDiscountRecord
	Collections []string
}

// AppliedDiscount describes the discount component of a price breakdown.
type AppliedDiscount struct {
	Amount    float64
	Type      CommodityType
	AppliedOn string
}

// PriceBreakdown is the derived pricing of one configuration. It is never
// stored; it is recomputed on every request. All monetary fields are rounded
// to two decimals at the point of output.
type PriceBreakdown struct {
	MetalCost               float64
	MakingCharge            float64
	LabourCharge            float64
	WastageCharge           float64
	StoneCost               float64
	Subtotal                float64
	Discount                *AppliedDiscount
	DiscountedSubtotal      float64
	TaxAmount               float64
	FinalPrice              float64
	FinalPriceAfterDiscount float64
	PriceBeforeDiscount     float64
	Warnings                []string
}
