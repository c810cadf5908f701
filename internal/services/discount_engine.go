package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/repositories"
)

const (
	defaultApplyWorkers    = 8
	defaultStoneCacheTTL   = 5 * time.Minute
	defaultCollectionLimit = 250
)

var (
	// ErrDiscountEngineInvalidInput signals bad application input such as an
	// empty target set.
	ErrDiscountEngineInvalidInput = errors.New("discount engine: invalid input")
	// ErrProductNotFound indicates a target product does not exist.
	ErrProductNotFound = errors.New("discount engine: product not found")
)

// DiscountEngineDeps enumerates collaborators required to construct the engine.
type DiscountEngineDeps struct {
	Products   repositories.ProductRepository
	Rates      repositories.RateRepository
	Stones     repositories.StoneCatalogRepository
	Calculator *PriceCalculator
	Discounts  DiscountCalculator
	// Workers bounds the per-product fan-out during bulk application.
	Workers int
	// CacheTTL bounds how long the stone catalog is served without a refetch.
	CacheTTL time.Duration
	// CollectionLimit caps collection membership enumeration.
	CollectionLimit int
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

// DiscountEngine resolves a rule's targets, gates on conflicts, and applies
// or removes discounts product by product. Independent per-product failures
// never abort sibling work.
type DiscountEngine struct {
	products        repositories.ProductRepository
	rates           repositories.RateRepository
	stones          repositories.StoneCatalogRepository
	calculator      *PriceCalculator
	discounts       DiscountCalculator
	workers         int
	collectionLimit int
	clock           func() time.Time
	logger          func(context.Context, string, map[string]any)
	cache           *stoneCatalogCache
}

// NewDiscountEngine wires dependencies into a DiscountEngine.
func NewDiscountEngine(deps DiscountEngineDeps) (*DiscountEngine, error) {
	if deps.Products == nil {
		return nil, errors.New("discount engine: product repository is required")
	}
	if deps.Rates == nil {
		return nil, errors.New("discount engine: rate repository is required")
	}
	if deps.Stones == nil {
		return nil, errors.New("discount engine: stone catalog repository is required")
	}
	if deps.Calculator == nil {
		return nil, errors.New("discount engine: price calculator is required")
	}

	workers := deps.Workers
	if workers <= 0 {
		workers = defaultApplyWorkers
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = defaultStoneCacheTTL
	}
	limit := deps.CollectionLimit
	if limit <= 0 {
		limit = defaultCollectionLimit
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	now := func() time.Time { return clock().UTC() }
	return &DiscountEngine{
		products:        deps.Products,
		rates:           deps.Rates,
		stones:          deps.Stones,
		calculator:      deps.Calculator,
		discounts:       deps.Discounts,
		workers:         workers,
		collectionLimit: limit,
		clock:           now,
		logger:          logger,
		cache:           newStoneCatalogCache(ttl, now),
	}, nil
}

// ResolveTargets returns the product IDs a rule currently targets.
func (e *DiscountEngine) ResolveTargets(ctx context.Context, rule domain.DiscountRule) ([]string, error) {
	switch rule.ApplicationType {
	case domain.ApplicationCollection:
		collectionID := strings.TrimSpace(rule.Target)
		if collectionID == "" {
			return nil, fmt.Errorf("%w: collection target is required", ErrDiscountEngineInvalidInput)
		}
		members, err := e.products.ListCollectionMembers(ctx, collectionID, e.collectionLimit)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(members))
		for _, member := range members {
			if id := strings.TrimSpace(member.ID); id != "" {
				ids = append(ids, id)
			}
		}
		return ids, nil
	case domain.ApplicationProducts:
		ids := uniqueTrimmed(rule.TargetProducts)
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: product targets are required", ErrDiscountEngineInvalidInput)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("%w: unknown application type %q", ErrDiscountEngineInvalidInput, rule.ApplicationType)
	}
}

// DetectConflicts fetches every target product and reports those already
// carrying an enabled discount record from a different rule.
func (e *DiscountEngine) DetectConflicts(ctx context.Context, rule domain.DiscountRule, productIDs []string) ([]domain.Conflict, error) {
	var conflicts []domain.Conflict
	for _, id := range productIDs {
		product, err := e.products.GetConfiguration(ctx, id)
		if err != nil {
			if isRepoNotFound(err) {
				continue
			}
			return nil, err
		}
		record := product.Discount
		if record == nil || !record.Enabled {
			continue
		}
		if record.DiscountID == rule.ID {
			continue
		}
		conflicts = append(conflicts, domain.Conflict{
			ProductID:        product.ID,
			ExistingDiscount: *record,
			NewDiscountID:    rule.ID,
			NewDiscountTitle: rule.Title,
		})
	}
	return conflicts, nil
}

// Apply applies the rule to the given products. The batch is gated on
// conflicts: if any target already carries an enabled discount from another
// rule, zero writes happen and the conflict list is returned for explicit
// resolution. Past the gate, per-product work fans out concurrently and
// individual failures are recorded, not propagated.
func (e *DiscountEngine) Apply(ctx context.Context, rule domain.DiscountRule, productIDs []string) (domain.BulkApplyResult, error) {
	productIDs = uniqueTrimmed(productIDs)
	if len(productIDs) == 0 {
		return domain.BulkApplyResult{}, fmt.Errorf("%w: no target products", ErrDiscountEngineInvalidInput)
	}

	conflicts, err := e.DetectConflicts(ctx, rule, productIDs)
	if err != nil {
		return domain.BulkApplyResult{}, err
	}
	if len(conflicts) > 0 {
		e.logger(ctx, "discount_apply_conflicts", map[string]any{
			"ruleId":    rule.ID,
			"conflicts": len(conflicts),
			"targets":   len(productIDs),
		})
		return domain.BulkApplyResult{Total: len(productIDs), Conflicts: conflicts}, nil
	}

	rates, err := e.rates.Get(ctx)
	if err != nil {
		return domain.BulkApplyResult{}, err
	}
	catalog := e.Catalog(ctx)

	results := e.fanOut(ctx, productIDs, func(ctx context.Context, id string) domain.ProductApplyResult {
		return e.applyToProduct(ctx, rates, catalog, rule, id)
	})

	result := summarize(productIDs, results)
	e.logger(ctx, "discount_apply_completed", map[string]any{
		"ruleId":  rule.ID,
		"total":   result.Total,
		"success": result.SuccessCount,
		"failed":  result.FailCount,
	})
	return result, nil
}

// ApplyToProduct applies the rule to a single product without the conflict
// gate. Used by conflict resolution after the caller has decided.
func (e *DiscountEngine) ApplyToProduct(ctx context.Context, rule domain.DiscountRule, productID string) (domain.ProductApplyResult, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.ProductApplyResult{}, fmt.Errorf("%w: product id is required", ErrDiscountEngineInvalidInput)
	}
	rates, err := e.rates.Get(ctx)
	if err != nil {
		return domain.ProductApplyResult{}, err
	}
	catalog := e.Catalog(ctx)
	return e.applyToProduct(ctx, rates, catalog, rule, productID), nil
}

// Remove disables the products' discount records and rewrites their
// undiscounted prices. Products without a record from this rule are left
// untouched and reported as successes.
func (e *DiscountEngine) Remove(ctx context.Context, ruleID string, productIDs []string) (domain.BulkApplyResult, error) {
	productIDs = uniqueTrimmed(productIDs)
	if len(productIDs) == 0 {
		return domain.BulkApplyResult{}, nil
	}

	rates, err := e.rates.Get(ctx)
	if err != nil {
		return domain.BulkApplyResult{}, err
	}
	catalog := e.Catalog(ctx)

	results := e.fanOut(ctx, productIDs, func(ctx context.Context, id string) domain.ProductApplyResult {
		return e.removeFromProduct(ctx, rates, catalog, ruleID, id)
	})

	result := summarize(productIDs, results)
	e.logger(ctx, "discount_remove_completed", map[string]any{
		"ruleId":  ruleID,
		"total":   result.Total,
		"success": result.SuccessCount,
		"failed":  result.FailCount,
	})
	return result, nil
}

// ResyncResult reports the outcome of a collection membership resync.
type ResyncResult struct {
	Added     []string
	Departed  []string
	Applied   domain.BulkApplyResult
	Removed   domain.BulkApplyResult
	Conflicts []domain.Conflict
	// CurrentTargets is the membership snapshot the caller should persist.
	CurrentTargets []string
}

// ResyncCollection diffs a collection's current membership against the
// rule's last-applied target set, applies to newly added members, and
// removes from departed ones. Added members that conflict with another
// rule's discount are skipped and reported rather than gating the resync.
func (e *DiscountEngine) ResyncCollection(ctx context.Context, rule domain.DiscountRule, previousTargets []string) (ResyncResult, error) {
	if rule.ApplicationType != domain.ApplicationCollection {
		return ResyncResult{}, fmt.Errorf("%w: rule %s does not target a collection", ErrDiscountEngineInvalidInput, rule.ID)
	}

	current, err := e.ResolveTargets(ctx, rule)
	if err != nil {
		return ResyncResult{}, err
	}

	previous := uniqueTrimmed(previousTargets)
	added := difference(current, previous)
	departed := difference(previous, current)

	result := ResyncResult{Added: added, Departed: departed, CurrentTargets: current}

	if len(added) > 0 {
		conflicts, err := e.DetectConflicts(ctx, rule, added)
		if err != nil {
			return ResyncResult{}, err
		}
		result.Conflicts = conflicts
		applicable := difference(added, conflictProductIDs(conflicts))
		if len(applicable) > 0 {
			rates, err := e.rates.Get(ctx)
			if err != nil {
				return ResyncResult{}, err
			}
			catalog := e.Catalog(ctx)
			applied := e.fanOut(ctx, applicable, func(ctx context.Context, id string) domain.ProductApplyResult {
				return e.applyToProduct(ctx, rates, catalog, rule, id)
			})
			result.Applied = summarize(applicable, applied)
		}
	}

	if len(departed) > 0 {
		removed, err := e.Remove(ctx, rule.ID, departed)
		if err != nil {
			return ResyncResult{}, err
		}
		result.Removed = removed
	}

	e.logger(ctx, "discount_collection_resynced", map[string]any{
		"ruleId":    rule.ID,
		"added":     len(added),
		"departed":  len(departed),
		"conflicts": len(result.Conflicts),
	})
	return result, nil
}

// Catalog returns the stone catalog through a TTL cache. On refresh failure
// the stale cache is served; an empty catalog is the last resort when no
// cache was ever populated, in which case classification is degraded.
func (e *DiscountEngine) Catalog(ctx context.Context) []domain.StoneCatalogEntry {
	if entries, ok := e.cache.get(); ok {
		return entries
	}

	entries, err := e.stones.List(ctx)
	if err != nil {
		if stale, ok := e.cache.stale(); ok {
			e.logger(ctx, "stone_catalog_stale", map[string]any{"error": err.Error()})
			return stale
		}
		e.logger(ctx, "classification_degraded", map[string]any{"error": err.Error()})
		return nil
	}

	e.cache.put(entries)
	return entries
}

func (e *DiscountEngine) applyToProduct(ctx context.Context, rates domain.MetalRates, catalog []domain.StoneCatalogEntry, rule domain.DiscountRule, productID string) domain.ProductApplyResult {
	product, err := e.products.GetConfiguration(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return failedResult(productID, ErrProductNotFound.Error())
		}
		return failedResult(productID, err.Error())
	}
	if !product.Configured {
		return failedResult(productID, "product is not priced")
	}

	breakdown, err := e.calculator.Calculate(PriceCommand{
		Config:  product.Config,
		Rates:   rates,
		Rule:    &rule,
		Catalog: catalog,
	})
	if err != nil {
		return failedResult(productID, err.Error())
	}

	final := breakdown.FinalPriceAfterDiscount
	if math.IsNaN(final) || math.IsInf(final, 0) || final <= 0 {
		return failedResult(productID, fmt.Sprintf("computed price %v is not a positive amount", final))
	}

	// Written prices round up to the next integer so a discount can never
	// undercharge; the 2-decimal rounding is reserved for preview breakdowns.
	price := ceilPrice(final)

	if err := e.products.SetPrice(ctx, product.ID, product.VariantRef, price); err != nil {
		return failedResult(productID, err.Error())
	}

	record := domain.ProductDiscountRecord{
		Enabled:       true,
		DiscountID:    rule.ID,
		DiscountTitle: rule.Title,
		AppliedAt:     e.clock(),
	}
	if breakdown.Discount != nil {
		record.AppliedRuleType = breakdown.Discount.Type
		record.DiscountAmount = breakdown.Discount.Amount
	}
	if err := e.products.SetDiscountRecord(ctx, product.ID, record); err != nil {
		return failedResult(productID, fmt.Sprintf("price written but discount record failed: %v", err))
	}

	return domain.ProductApplyResult{ProductID: product.ID, Success: true, Price: price}
}

func (e *DiscountEngine) removeFromProduct(ctx context.Context, rates domain.MetalRates, catalog []domain.StoneCatalogEntry, ruleID, productID string) domain.ProductApplyResult {
	product, err := e.products.GetConfiguration(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.ProductApplyResult{ProductID: productID, Success: true}
		}
		return failedResult(productID, err.Error())
	}

	record := product.Discount
	if record == nil || !record.Enabled {
		return domain.ProductApplyResult{ProductID: productID, Success: true}
	}
	if ruleID != "" && record.DiscountID != ruleID {
		// The product carries a different rule's discount; leave it alone.
		return domain.ProductApplyResult{ProductID: productID, Success: true}
	}
	if !product.Configured {
		return failedResult(productID, "product is not priced")
	}

	breakdown, err := e.calculator.Calculate(PriceCommand{
		Config:  product.Config,
		Rates:   rates,
		Catalog: catalog,
	})
	if err != nil {
		return failedResult(productID, err.Error())
	}

	price := ceilPrice(breakdown.FinalPrice)
	if err := e.products.SetPrice(ctx, product.ID, product.VariantRef, price); err != nil {
		return failedResult(productID, err.Error())
	}

	disabled := *record
	disabled.Enabled = false
	if err := e.products.SetDiscountRecord(ctx, product.ID, disabled); err != nil {
		return failedResult(productID, fmt.Sprintf("price written but discount record failed: %v", err))
	}

	return domain.ProductApplyResult{ProductID: productID, Success: true, Price: price}
}

func (e *DiscountEngine) fanOut(ctx context.Context, productIDs []string, work func(context.Context, string) domain.ProductApplyResult) []domain.ProductApplyResult {
	results := make([]domain.ProductApplyResult, len(productIDs))

	workers := e.workers
	if workers > len(productIDs) {
		workers = len(productIDs)
	}

	indices := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for idx := range indices {
				results[idx] = work(ctx, productIDs[idx])
			}
		}()
	}
	for idx := range productIDs {
		indices <- idx
	}
	close(indices)
	wg.Wait()

	return results
}

func summarize(productIDs []string, results []domain.ProductApplyResult) domain.BulkApplyResult {
	out := domain.BulkApplyResult{Total: len(productIDs), Results: results}
	for _, result := range results {
		if result.Success {
			out.SuccessCount++
		} else {
			out.FailCount++
		}
	}
	return out
}

func failedResult(productID, message string) domain.ProductApplyResult {
	return domain.ProductApplyResult{ProductID: productID, Error: message}
}

func ceilPrice(value float64) float64 {
	ceiled, _ := decimal.NewFromFloat(value).Ceil().Float64()
	return ceiled
}

func conflictProductIDs(conflicts []domain.Conflict) []string {
	ids := make([]string, 0, len(conflicts))
	for _, conflict := range conflicts {
		ids = append(ids, conflict.ProductID)
	}
	return ids
}

func uniqueTrimmed(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func difference(values, exclude []string) []string {
	excluded := make(map[string]struct{}, len(exclude))
	for _, value := range exclude {
		excluded[value] = struct{}{}
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := excluded[value]; !ok {
			out = append(out, value)
		}
	}
	return out
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}

type stoneCatalogCache struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.RWMutex
	entries   []domain.StoneCatalogEntry
	populated bool
	expires   time.Time
}

func newStoneCatalogCache(ttl time.Duration, now func() time.Time) *stoneCatalogCache {
	return &stoneCatalogCache{ttl: ttl, now: now}
}

func (c *stoneCatalogCache) get() ([]domain.StoneCatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.populated || c.now().After(c.expires) {
		return nil, false
	}
	return c.entries, true
}

func (c *stoneCatalogCache) stale() ([]domain.StoneCatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.populated {
		return nil, false
	}
	return c.entries, true
}

func (c *stoneCatalogCache) put(entries []domain.StoneCatalogEntry) {
	c.mu.Lock()
	c.entries = entries
	c.populated = true
	c.expires = c.now().Add(c.ttl)
	c.mu.Unlock()
}
