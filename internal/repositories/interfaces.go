package repositories

import (
	"context"
	"time"

	domain "github.com/karatworks/api/internal/domain"
)

// RepositoryError augments errors returned by repositories with coarse
// categories callers can branch on without knowing the backing store.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// RateRepository stores the metal-rate snapshot. The snapshot is replaced
// wholesale; there is no partial update.
type RateRepository interface {
	Get(ctx context.Context) (domain.MetalRates, error)
	Replace(ctx context.Context, rates domain.MetalRates) error
}

// StoneCatalogRepository lists the stone catalog used for slab pricing and
// commodity classification.
type StoneCatalogRepository interface {
	List(ctx context.Context) ([]domain.StoneCatalogEntry, error)
}

// ProductPage is one page of configured products.
type ProductPage struct {
	Products   []domain.Product
	NextCursor string
}

// ProductRepository exposes the product reads and writes the pricing engine
// needs. Price and discount writes are independent per product; the engine
// tolerates partial failure across a batch.
type ProductRepository interface {
	GetConfiguration(ctx context.Context, productID string) (domain.Product, error)
	ListConfigured(ctx context.Context, cursor string, pageSize int) (ProductPage, error)
	SetPrice(ctx context.Context, productID, variantRef string, amount float64) error
	SetDiscountRecord(ctx context.Context, productID string, record domain.ProductDiscountRecord) error
	ListCollectionMembers(ctx context.Context, collectionID string, limit int) ([]domain.Product, error)
}

// DiscountRuleRepository stores discount rules and the last-applied target
// snapshot used for collection resync.
type DiscountRuleRepository interface {
	Insert(ctx context.Context, rule domain.DiscountRule) (domain.DiscountRule, error)
	Update(ctx context.Context, rule domain.DiscountRule) (domain.DiscountRule, error)
	Delete(ctx context.Context, ruleID string) error
	FindByID(ctx context.Context, ruleID string) (domain.DiscountRule, error)
	List(ctx context.Context) ([]domain.DiscountRule, error)
	SetLastApplied(ctx context.Context, ruleID string, appliedAt time.Time) error
	SaveTargets(ctx context.Context, ruleID string, productIDs []string) error
	Targets(ctx context.Context, ruleID string) ([]string, error)
}
