package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/repositories"
)

type repoError struct {
	notFound bool
	message  string
}

func (e repoError) Error() string {
	if e.message != "" {
		return e.message
	}
	return "repository error"
}
func (e repoError) IsNotFound() bool    { return e.notFound }
func (e repoError) IsConflict() bool    { return false }
func (e repoError) IsUnavailable() bool { return !e.notFound }

type fakeRateRepository struct {
	rates domain.MetalRates
	err   error
}

func (f *fakeRateRepository) Get(context.Context) (domain.MetalRates, error) {
	if f.err != nil {
		return domain.MetalRates{}, f.err
	}
	return f.rates, nil
}

func (f *fakeRateRepository) Replace(_ context.Context, rates domain.MetalRates) error {
	f.rates = rates
	return nil
}

type fakeStoneRepository struct {
	mu      sync.Mutex
	entries []domain.StoneCatalogEntry
	err     error
	calls   int
}

func (f *fakeStoneRepository) List(context.Context) ([]domain.StoneCatalogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

type fakeProductRepository struct {
	mu           sync.Mutex
	products     map[string]domain.Product
	priceWrites  int
	recordWrites int
	priceErr     map[string]error
	listErr      error
}

func newFakeProductRepository(products ...domain.Product) *fakeProductRepository {
	repo := &fakeProductRepository{products: make(map[string]domain.Product)}
	for _, product := range products {
		repo.products[product.ID] = product
	}
	return repo
}

func (f *fakeProductRepository) GetConfiguration(_ context.Context, productID string) (domain.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	product, ok := f.products[productID]
	if !ok {
		return domain.Product{}, repoError{notFound: true}
	}
	return product, nil
}

func (f *fakeProductRepository) ListConfigured(_ context.Context, cursor string, pageSize int) (repositories.ProductPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return repositories.ProductPage{}, f.listErr
	}
	ids := make([]string, 0, len(f.products))
	for id, product := range f.products {
		if product.Configured {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id > cursor {
				start = i
				break
			}
			start = i + 1
		}
	}
	end := start + pageSize
	if end > len(ids) {
		end = len(ids)
	}
	page := repositories.ProductPage{}
	for _, id := range ids[start:end] {
		page.Products = append(page.Products, f.products[id])
	}
	if end < len(ids) && len(page.Products) > 0 {
		page.NextCursor = page.Products[len(page.Products)-1].ID
	}
	return page, nil
}

func (f *fakeProductRepository) SetPrice(_ context.Context, productID, variantRef string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.priceErr[productID]; ok {
		return err
	}
	product, ok := f.products[productID]
	if !ok {
		return repoError{notFound: true}
	}
	if product.VariantRef != variantRef {
		return repoError{message: "variant mismatch"}
	}
	product.Price = amount
	f.products[productID] = product
	f.priceWrites++
	return nil
}

func (f *fakeProductRepository) SetDiscountRecord(_ context.Context, productID string, record domain.ProductDiscountRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	product, ok := f.products[productID]
	if !ok {
		return repoError{notFound: true}
	}
	product.Discount = &record
	f.products[productID] = product
	f.recordWrites++
	return nil
}

func (f *fakeProductRepository) ListCollectionMembers(_ context.Context, collectionID string, limit int) ([]domain.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.products))
	for id := range f.products {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var members []domain.Product
	for _, id := range ids {
		product := f.products[id]
		for _, c := range product.Collections {
			if c == collectionID {
				members = append(members, product)
				break
			}
		}
		if len(members) == limit {
			break
		}
	}
	return members, nil
}

func (f *fakeProductRepository) product(t *testing.T, id string) domain.Product {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	product, ok := f.products[id]
	if !ok {
		t.Fatalf("product %s not found", id)
	}
	return product
}

func (f *fakeProductRepository) writes() (prices, records int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.priceWrites, f.recordWrites
}

type logRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *logRecorder) log(_ context.Context, event string, _ map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *logRecorder) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func goldProduct(id string) domain.Product {
	return domain.Product{
		ID:         id,
		VariantRef: "var_" + id,
		Configured: true,
		Config: domain.ProductConfiguration{
			MetalWeight:         4.54,
			MetalType:           "gold22kt",
			MakingChargePercent: 10,
			LabourType:          domain.LabourPercentage,
			LabourValue:         5,
			WastageType:         domain.WastagePercentage,
			WastageValue:        3,
			Stones:              []domain.StoneLine{{StoneID: "ruby_1", StoneType: "ruby", Cost: 160}},
			TaxPercent:          3,
		},
	}
}

func silverProduct(id string, weight float64) domain.Product {
	return domain.Product{
		ID:         id,
		VariantRef: "var_" + id,
		Configured: true,
		Config: domain.ProductConfiguration{
			MetalWeight: weight,
			MetalType:   "silver",
		},
	}
}

func testEngine(t *testing.T, products *fakeProductRepository, stones *fakeStoneRepository, logger func(context.Context, string, map[string]any)) *DiscountEngine {
	t.Helper()
	calc, err := NewPriceCalculator(PriceCalculatorDeps{Discounts: NewDiscountCalculator()})
	if err != nil {
		t.Fatalf("NewPriceCalculator error: %v", err)
	}
	engine, err := NewDiscountEngine(DiscountEngineDeps{
		Products:   products,
		Rates:      &fakeRateRepository{rates: testRates()},
		Stones:     stones,
		Calculator: calc,
		Discounts:  NewDiscountCalculator(),
		Workers:    4,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewDiscountEngine error: %v", err)
	}
	return engine
}

func TestDiscountEngine_ApplyWritesCeiledPrices(t *testing.T) {
	ctx := context.Background()
	products := newFakeProductRepository(goldProduct("prod_a"), silverProduct("prod_b", 10))
	engine := testEngine(t, products, &fakeStoneRepository{}, nil)
	rule := fullyEnabledRule("dr_1", 10)

	result, err := engine.Apply(ctx, rule, []string{"prod_a", "prod_b"})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if result.SuccessCount != 2 || result.FailCount != 0 {
		t.Fatalf("want 2 successes, got %+v", result)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", result.Conflicts)
	}

	// Gold: 35484.14 after discount, written price rounds up.
	prodA := products.product(t, "prod_a")
	if prodA.Price != 35485 {
		t.Fatalf("prod_a price: want 35485, got %.2f", prodA.Price)
	}
	if prodA.Discount == nil || !prodA.Discount.Enabled {
		t.Fatalf("prod_a should carry an enabled record, got %+v", prodA.Discount)
	}
	if prodA.Discount.DiscountID != "dr_1" || prodA.Discount.AppliedRuleType != domain.CommodityGold {
		t.Fatalf("prod_a record mismatch: %+v", prodA.Discount)
	}
	if prodA.Discount.DiscountAmount != 531.18 {
		t.Fatalf("prod_a discount amount: want 531.18, got %.2f", prodA.Discount.DiscountAmount)
	}

	// Silver: 900 metal minus the 300 slab amount.
	prodB := products.product(t, "prod_b")
	if prodB.Price != 600 {
		t.Fatalf("prod_b price: want 600, got %.2f", prodB.Price)
	}
	if prodB.Discount == nil || prodB.Discount.AppliedRuleType != domain.CommoditySilver {
		t.Fatalf("prod_b record mismatch: %+v", prodB.Discount)
	}
}

func TestDiscountEngine_ConflictGateBlocksAllWrites(t *testing.T) {
	ctx := context.Background()
	conflicted := goldProduct("prod_b")
	conflicted.Discount = &domain.ProductDiscountRecord{
		Enabled:       true,
		DiscountID:    "dr_other",
		DiscountTitle: "Earlier offer",
	}
	products := newFakeProductRepository(goldProduct("prod_a"), conflicted)
	engine := testEngine(t, products, &fakeStoneRepository{}, nil)

	result, err := engine.Apply(ctx, fullyEnabledRule("dr_1", 10), []string{"prod_a", "prod_b"})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("want 1 conflict, got %+v", result.Conflicts)
	}
	conflict := result.Conflicts[0]
	if conflict.ProductID != "prod_b" || conflict.ExistingDiscount.DiscountID != "dr_other" {
		t.Fatalf("conflict mismatch: %+v", conflict)
	}
	if result.SuccessCount != 0 || len(result.Results) != 0 {
		t.Fatalf("conflicted batch must do no work, got %+v", result)
	}
	prices, records := products.writes()
	if prices != 0 || records != 0 {
		t.Fatalf("conflicted batch must write nothing, got %d price and %d record writes", prices, records)
	}
}

func TestDiscountEngine_ReapplySameRuleIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	product := goldProduct("prod_a")
	product.Discount = &domain.ProductDiscountRecord{Enabled: true, DiscountID: "dr_1"}
	products := newFakeProductRepository(product)
	engine := testEngine(t, products, &fakeStoneRepository{}, nil)

	result, err := engine.Apply(ctx, fullyEnabledRule("dr_1", 10), []string{"prod_a"})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if len(result.Conflicts) != 0 || result.SuccessCount != 1 {
		t.Fatalf("re-apply should succeed, got %+v", result)
	}
}

func TestDiscountEngine_PartialFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	unpriced := domain.Product{ID: "prod_b", VariantRef: "var_prod_b", Configured: false}
	products := newFakeProductRepository(goldProduct("prod_a"), unpriced)
	engine := testEngine(t, products, &fakeStoneRepository{}, nil)

	result, err := engine.Apply(ctx, fullyEnabledRule("dr_1", 10), []string{"prod_a", "prod_b", "prod_missing"})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if result.SuccessCount != 1 || result.FailCount != 2 {
		t.Fatalf("want 1 success and 2 failures, got %+v", result)
	}
	byID := make(map[string]domain.ProductApplyResult)
	for _, r := range result.Results {
		byID[r.ProductID] = r
	}
	if !byID["prod_a"].Success {
		t.Fatalf("prod_a should succeed: %+v", byID["prod_a"])
	}
	if byID["prod_b"].Success || byID["prod_b"].Error == "" {
		t.Fatalf("unpriced product should fail with a message: %+v", byID["prod_b"])
	}
	if !strings.Contains(byID["prod_missing"].Error, "not found") {
		t.Fatalf("missing product should report not found: %+v", byID["prod_missing"])
	}
}

func TestDiscountEngine_RemoveRestoresBasePrice(t *testing.T) {
	ctx := context.Background()
	discounted := goldProduct("prod_a")
	discounted.Price = 35485
	discounted.Discount = &domain.ProductDiscountRecord{Enabled: true, DiscountID: "dr_1", DiscountAmount: 531.18}
	other := goldProduct("prod_b")
	other.Discount = &domain.ProductDiscountRecord{Enabled: true, DiscountID: "dr_other"}
	products := newFakeProductRepository(discounted, other)
	engine := testEngine(t, products, &fakeStoneRepository{}, nil)

	result, err := engine.Remove(ctx, "dr_1", []string{"prod_a", "prod_b"})
	if err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if result.SuccessCount != 2 {
		t.Fatalf("want 2 successes, got %+v", result)
	}

	// Base price 36031.25 rounds up to 36032; the record is kept but disabled.
	prodA := products.product(t, "prod_a")
	if prodA.Price != 36032 {
		t.Fatalf("prod_a price: want 36032, got %.2f", prodA.Price)
	}
	if prodA.Discount == nil || prodA.Discount.Enabled {
		t.Fatalf("prod_a record should be disabled, got %+v", prodA.Discount)
	}
	if prodA.Discount.DiscountID != "dr_1" {
		t.Fatalf("disabled record keeps its fields, got %+v", prodA.Discount)
	}

	// A different rule's discount is not touched.
	prodB := products.product(t, "prod_b")
	if prodB.Discount == nil || !prodB.Discount.Enabled || prodB.Discount.DiscountID != "dr_other" {
		t.Fatalf("prod_b should keep its own discount, got %+v", prodB.Discount)
	}
}

func TestDiscountEngine_ResyncCollection(t *testing.T) {
	ctx := context.Background()

	joined := goldProduct("prod_new")
	joined.Collections = []string{"col_1"}
	staying := silverProduct("prod_stay", 10)
	staying.Collections = []string{"col_1"}
	staying.Discount = &domain.ProductDiscountRecord{Enabled: true, DiscountID: "dr_1"}
	departed := goldProduct("prod_gone")
	departed.Discount = &domain.ProductDiscountRecord{Enabled: true, DiscountID: "dr_1"}
	products := newFakeProductRepository(joined, staying, departed)
	engine := testEngine(t, products, &fakeStoneRepository{}, nil)

	rule := fullyEnabledRule("dr_1", 10)
	rule.ApplicationType = domain.ApplicationCollection
	rule.Target = "col_1"
	rule.TargetProducts = nil

	result, err := engine.ResyncCollection(ctx, rule, []string{"prod_stay", "prod_gone"})
	if err != nil {
		t.Fatalf("ResyncCollection error: %v", err)
	}

	if len(result.Added) != 1 || result.Added[0] != "prod_new" {
		t.Fatalf("added: want [prod_new], got %v", result.Added)
	}
	if len(result.Departed) != 1 || result.Departed[0] != "prod_gone" {
		t.Fatalf("departed: want [prod_gone], got %v", result.Departed)
	}
	if result.Applied.SuccessCount != 1 {
		t.Fatalf("expected the new member to be applied, got %+v", result.Applied)
	}
	if result.Removed.SuccessCount != 1 {
		t.Fatalf("expected the departed member to be removed, got %+v", result.Removed)
	}

	gone := products.product(t, "prod_gone")
	if gone.Discount == nil || gone.Discount.Enabled {
		t.Fatalf("departed product should have a disabled record, got %+v", gone.Discount)
	}
	added := products.product(t, "prod_new")
	if added.Discount == nil || !added.Discount.Enabled || added.Discount.DiscountID != "dr_1" {
		t.Fatalf("new member should carry the discount, got %+v", added.Discount)
	}

	want := []string{"prod_new", "prod_stay"}
	got := append([]string(nil), result.CurrentTargets...)
	sort.Strings(got)
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("current targets: want %v, got %v", want, got)
	}
}

func TestDiscountEngine_ResyncSkipsConflictedAdditions(t *testing.T) {
	ctx := context.Background()
	contested := goldProduct("prod_new")
	contested.Collections = []string{"col_1"}
	contested.Discount = &domain.ProductDiscountRecord{Enabled: true, DiscountID: "dr_other"}
	products := newFakeProductRepository(contested)
	engine := testEngine(t, products, &fakeStoneRepository{}, nil)

	rule := fullyEnabledRule("dr_1", 10)
	rule.ApplicationType = domain.ApplicationCollection
	rule.Target = "col_1"

	result, err := engine.ResyncCollection(ctx, rule, nil)
	if err != nil {
		t.Fatalf("ResyncCollection error: %v", err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].ProductID != "prod_new" {
		t.Fatalf("want one conflict on prod_new, got %+v", result.Conflicts)
	}
	if result.Applied.Total != 0 {
		t.Fatalf("conflicted addition must not be applied, got %+v", result.Applied)
	}
	product := products.product(t, "prod_new")
	if product.Discount.DiscountID != "dr_other" || !product.Discount.Enabled {
		t.Fatalf("existing discount must survive, got %+v", product.Discount)
	}
}

func TestDiscountEngine_CatalogCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	stones := &fakeStoneRepository{entries: []domain.StoneCatalogEntry{{StoneID: "dia", StoneType: "diamond"}}}
	recorder := &logRecorder{}

	calc, err := NewPriceCalculator(PriceCalculatorDeps{Discounts: NewDiscountCalculator()})
	if err != nil {
		t.Fatalf("NewPriceCalculator error: %v", err)
	}
	engine, err := NewDiscountEngine(DiscountEngineDeps{
		Products:   newFakeProductRepository(),
		Rates:      &fakeRateRepository{rates: testRates()},
		Stones:     stones,
		Calculator: calc,
		Discounts:  NewDiscountCalculator(),
		CacheTTL:   5 * time.Minute,
		Clock:      clock,
		Logger:     recorder.log,
	})
	if err != nil {
		t.Fatalf("NewDiscountEngine error: %v", err)
	}

	if entries := engine.Catalog(ctx); len(entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(entries))
	}
	engine.Catalog(ctx)
	if stones.calls != 1 {
		t.Fatalf("fresh cache should not refetch, got %d calls", stones.calls)
	}

	// Past the TTL a failing fetch serves the stale copy.
	now = now.Add(6 * time.Minute)
	stones.err = errors.New("catalog unavailable")
	if entries := engine.Catalog(ctx); len(entries) != 1 {
		t.Fatalf("stale cache should be served on error, got %d entries", len(entries))
	}
	if !recorder.has("stone_catalog_stale") {
		t.Fatalf("expected stale-serve log, got %v", recorder.events)
	}
}

func TestDiscountEngine_CatalogDegradesWithoutCache(t *testing.T) {
	ctx := context.Background()
	stones := &fakeStoneRepository{err: errors.New("catalog unavailable")}
	recorder := &logRecorder{}
	engine := testEngine(t, newFakeProductRepository(), stones, recorder.log)

	if entries := engine.Catalog(ctx); entries != nil {
		t.Fatalf("want empty catalog, got %v", entries)
	}
	if !recorder.has("classification_degraded") {
		t.Fatalf("expected degradation log, got %v", recorder.events)
	}
}
