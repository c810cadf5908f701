package domain

import "time"

// ApplicationType selects how a discount rule resolves its target products.
type ApplicationType string

const (
	// ApplicationCollection targets the current membership of a collection.
	ApplicationCollection ApplicationType = "collection"
	// ApplicationProducts targets an explicit product ID list.
	ApplicationProducts ApplicationType = "products"
)

// GoldRule discounts a percentage of the fabrication charges
// (making + labour + wastage).
type GoldRule struct {
	Enabled    bool
	Percentage float64
}

// DiamondRule discounts a fixed amount capped at the product's stone cost.
type DiamondRule struct {
	Enabled bool
	Amount  float64
}

// WeightSlab maps an inclusive metal-weight band to a flat discount amount.
type WeightSlab struct {
	FromWeight float64
	ToWeight   float64
	Amount     float64
}

// Contains reports whether the weight falls inside the slab's band. Both
// bounds are inclusive.
func (s WeightSlab) Contains(weight float64) bool {
	return weight >= s.FromWeight && weight <= s.ToWeight
}

// SilverRule discounts a flat amount selected by metal-weight slab.
type SilverRule struct {
	Enabled bool
	Slabs   []WeightSlab
}

// SlabFor returns the slab containing the given metal weight.
func (r SilverRule) SlabFor(weight float64) (WeightSlab, bool) {
	for _, slab := range r.Slabs {
		if slab.Contains(weight) {
			return slab, true
		}
	}
	return WeightSlab{}, false
}

// DiscountRule is an admin-authored promotion. A rule is creatable or
// updatable only when all three type blocks are enabled and individually
// valid, so the rule can discount any commodity type it might reach.
type DiscountRule struct {
	ID              string
	Title           string
	ApplicationType ApplicationType
	// Target is the collection ID when ApplicationType is collection.
	Target string
	// TargetProducts is the explicit ID list when ApplicationType is products.
	TargetProducts []string
	GoldRules      GoldRule
	DiamondRules   DiamondRule
	SilverRules    SilverRule
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAppliedAt  *time.Time
}

// ProductDiscountRecord is the discount state embedded in a product after
// application. Records are created or overwritten on apply and disabled on
// removal; they are never deleted.
type ProductDiscountRecord struct {
	Enabled         bool
	DiscountID      string
	DiscountTitle   string
	AppliedRuleType CommodityType
	DiscountAmount  float64
	AppliedAt       time.Time
}

// Conflict reports a target product already carrying an enabled discount.
// Conflicts are produced transiently during application and never persisted;
// the caller resolves each one explicitly.
type Conflict struct {
	ProductID        string
	ExistingDiscount ProductDiscountRecord
	NewDiscountID    string
	NewDiscountTitle string
}

// ConflictAction is the caller's decision for one conflicted product.
type ConflictAction string

const (
	// ConflictReplace removes the existing discount and applies the new rule.
	ConflictReplace ConflictAction = "replace"
	// ConflictKeepExisting leaves the existing discount in place.
	ConflictKeepExisting ConflictAction = "keep_existing"
	// ConflictSkip applies nothing to the product.
	ConflictSkip ConflictAction = "skip"
)

// ProductApplyResult is the per-product outcome of a bulk application.
type ProductApplyResult struct {
	ProductID string
	Success   bool
	Price     float64
	Error     string
}

// BulkApplyResult aggregates a bulk application. When Conflicts is non-empty
// the batch performed zero writes and every conflict awaits resolution.
type BulkApplyResult struct {
	Total        int
	SuccessCount int
	FailCount    int
	Results      []ProductApplyResult
	Conflicts    []Conflict
}
