package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/repositories"
)

type gatedProductRepository struct {
	*fakeProductRepository
	gate chan struct{}
}

func (g *gatedProductRepository) ListConfigured(ctx context.Context, cursor string, pageSize int) (repositories.ProductPage, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return repositories.ProductPage{}, ctx.Err()
	}
	return g.fakeProductRepository.ListConfigured(ctx, cursor, pageSize)
}

type fakeRefreshPublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeRefreshPublisher) PublishRefreshEvent(_ context.Context, event string, _ domain.RefreshJob) error {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	return nil
}

func (f *fakeRefreshPublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeRefreshArchiver struct {
	mu   sync.Mutex
	jobs []domain.RefreshJob
	err  error
}

func (f *fakeRefreshArchiver) ArchiveRefreshReport(_ context.Context, job domain.RefreshJob) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return "reports/" + job.ID + ".json", nil
}

type orchestratorFixture struct {
	products  repositories.ProductRepository
	rates     *fakeRateRepository
	publisher *fakeRefreshPublisher
	archiver  *fakeRefreshArchiver
	clock     func() time.Time
	pageSize  int
}

func testOrchestrator(t *testing.T, fx orchestratorFixture) *RefreshOrchestrator {
	t.Helper()
	if fx.rates == nil {
		fx.rates = &fakeRateRepository{rates: testRates()}
	}
	if fx.clock == nil {
		fx.clock = time.Now
	}
	if fx.pageSize == 0 {
		fx.pageSize = 2
	}

	calc, err := NewPriceCalculator(PriceCalculatorDeps{Discounts: NewDiscountCalculator()})
	if err != nil {
		t.Fatalf("NewPriceCalculator error: %v", err)
	}
	engine, err := NewDiscountEngine(DiscountEngineDeps{
		Products:   fx.products,
		Rates:      fx.rates,
		Stones:     &fakeStoneRepository{},
		Calculator: calc,
		Discounts:  NewDiscountCalculator(),
	})
	if err != nil {
		t.Fatalf("NewDiscountEngine error: %v", err)
	}

	deps := RefreshOrchestratorDeps{
		Products:   fx.products,
		Rates:      fx.rates,
		Calculator: calc,
		Engine:     engine,
		PageSize:   fx.pageSize,
		Clock:      fx.clock,
	}
	if fx.publisher != nil {
		deps.Publisher = fx.publisher
	}
	if fx.archiver != nil {
		deps.Archiver = fx.archiver
	}
	orchestrator, err := NewRefreshOrchestrator(deps)
	if err != nil {
		t.Fatalf("NewRefreshOrchestrator error: %v", err)
	}
	return orchestrator
}

func waitForStatus(t *testing.T, o *RefreshOrchestrator, jobID string, want domain.RefreshJobStatus) domain.RefreshJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last domain.RefreshJob
	for time.Now().Before(deadline) {
		job, err := o.Job(context.Background(), jobID)
		if err == nil {
			last = job
			if job.Status == want {
				return job
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s, last snapshot %+v", jobID, want, last)
	return domain.RefreshJob{}
}

// waitForEvent polls the fake publisher; terminal status lands just before
// the matching event is emitted, so assertions cannot read events directly.
func waitForEvent(t *testing.T, publisher *fakeRefreshPublisher, want string) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events := publisher.published()
		for _, event := range events {
			if event == want {
				return events
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s never published, saw %v", want, publisher.published())
	return nil
}

func TestRefreshOrchestrator_CompletesAndReprices(t *testing.T) {
	ctx := context.Background()
	products := newFakeProductRepository(
		goldProduct("prod_a"),
		goldProduct("prod_b"),
		silverProduct("prod_c", 12),
	)
	publisher := &fakeRefreshPublisher{}
	archiver := &fakeRefreshArchiver{}
	orchestrator := testOrchestrator(t, orchestratorFixture{
		products:  products,
		publisher: publisher,
		archiver:  archiver,
	})

	job, err := orchestrator.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if job.Status != domain.RefreshJobQueued {
		t.Fatalf("submitted job should be queued, got %s", job.Status)
	}

	done := waitForStatus(t, orchestrator, job.ID, domain.RefreshJobCompleted)
	if done.Total != 3 || done.Processed != 3 || done.SuccessCount != 3 || done.FailCount != 0 {
		t.Fatalf("counters mismatch: %+v", done)
	}
	if done.Progress != 100 {
		t.Fatalf("completed job should report 100%%, got %.1f", done.Progress)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatalf("terminal job should carry both timestamps: %+v", done)
	}
	if len(done.Results) != 3 {
		t.Fatalf("completed snapshot should itemise results, got %d", len(done.Results))
	}

	// Base gold price 36031.25 rounds up; silver 12g at 90/g stays integral.
	if got := products.product(t, "prod_a").Price; got != 36032 {
		t.Fatalf("prod_a price: want 36032, got %.2f", got)
	}
	if got := products.product(t, "prod_c").Price; got != 1080 {
		t.Fatalf("prod_c price: want 1080, got %.2f", got)
	}

	events := waitForEvent(t, publisher, refreshEventCompleted)
	if len(events) != 2 || events[0] != refreshEventQueued {
		t.Fatalf("events: want [queued completed], got %v", events)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		archiver.mu.Lock()
		archived := len(archiver.jobs)
		archiver.mu.Unlock()
		if archived == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("completed job should be archived once, got %d", archived)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefreshOrchestrator_IgnoresDiscountRecords(t *testing.T) {
	ctx := context.Background()

	appliedAt := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)
	discounted := goldProduct("prod_a")
	discounted.Discount = &domain.ProductDiscountRecord{
		Enabled:        true,
		DiscountID:     "dr_1",
		DiscountAmount: 531.18,
		AppliedAt:      appliedAt,
	}
	products := newFakeProductRepository(discounted)
	orchestrator := testOrchestrator(t, orchestratorFixture{products: products})

	job, err := orchestrator.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	waitForStatus(t, orchestrator, job.ID, domain.RefreshJobCompleted)

	// The refresh writes the undiscounted base price even for a product
	// carrying an enabled discount record.
	prodA := products.product(t, "prod_a")
	if prodA.Price != 36032 {
		t.Fatalf("prod_a price: want base 36032, got %.2f", prodA.Price)
	}

	// The record itself stays exactly as it was.
	record := prodA.Discount
	if record == nil || !record.Enabled || record.DiscountID != "dr_1" {
		t.Fatalf("discount record should be untouched, got %+v", record)
	}
	if record.DiscountAmount != 531.18 || !record.AppliedAt.Equal(appliedAt) {
		t.Fatalf("discount record should be untouched, got %+v", record)
	}
	products.mu.Lock()
	recordWrites := products.recordWrites
	products.mu.Unlock()
	if recordWrites != 0 {
		t.Fatalf("refresh must not write discount records, got %d writes", recordWrites)
	}
}

func TestRefreshOrchestrator_SingleJobAtATime(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	products := &gatedProductRepository{
		fakeProductRepository: newFakeProductRepository(goldProduct("prod_a")),
		gate:                  gate,
	}
	orchestrator := testOrchestrator(t, orchestratorFixture{products: products})

	first, err := orchestrator.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if _, err := orchestrator.Submit(ctx); !errors.Is(err, ErrRefreshInProgress) {
		t.Fatalf("want ErrRefreshInProgress, got %v", err)
	}

	close(gate)
	waitForStatus(t, orchestrator, first.ID, domain.RefreshJobCompleted)

	if _, err := orchestrator.Submit(ctx); err != nil {
		t.Fatalf("a finished job should not block new submissions: %v", err)
	}
}

func TestRefreshOrchestrator_CancelStopsCooperatively(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	products := &gatedProductRepository{
		fakeProductRepository: newFakeProductRepository(goldProduct("prod_a"), goldProduct("prod_b")),
		gate:                  gate,
	}
	publisher := &fakeRefreshPublisher{}
	orchestrator := testOrchestrator(t, orchestratorFixture{products: products, publisher: publisher})

	job, err := orchestrator.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	waitForStatus(t, orchestrator, job.ID, domain.RefreshJobProcessing)

	if _, err := orchestrator.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	done := waitForStatus(t, orchestrator, job.ID, domain.RefreshJobCancelled)
	if done.CompletedAt == nil {
		t.Fatalf("cancelled job should carry a completion time: %+v", done)
	}
	// Itemised results surface on completed jobs only.
	if done.Results != nil {
		t.Fatalf("cancelled snapshot must not itemise results, got %d", len(done.Results))
	}

	if _, err := orchestrator.Cancel(ctx, job.ID); !errors.Is(err, ErrRefreshJobTerminal) {
		t.Fatalf("cancelling a finished job: want ErrRefreshJobTerminal, got %v", err)
	}

	waitForEvent(t, publisher, refreshEventCancelled)
}

func TestRefreshOrchestrator_FailsWhenRatesMissing(t *testing.T) {
	ctx := context.Background()
	orchestrator := testOrchestrator(t, orchestratorFixture{
		products: newFakeProductRepository(goldProduct("prod_a")),
		rates:    &fakeRateRepository{err: repoError{notFound: true}},
	})

	job, err := orchestrator.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	done := waitForStatus(t, orchestrator, job.ID, domain.RefreshJobFailed)
	if done.Error == "" {
		t.Fatalf("failed job should explain itself: %+v", done)
	}
}

func TestRefreshOrchestrator_UnknownJob(t *testing.T) {
	ctx := context.Background()
	orchestrator := testOrchestrator(t, orchestratorFixture{products: newFakeProductRepository()})

	if _, err := orchestrator.Job(ctx, "rj_missing"); !errors.Is(err, ErrRefreshJobNotFound) {
		t.Fatalf("want ErrRefreshJobNotFound, got %v", err)
	}
	if _, err := orchestrator.Cancel(ctx, "rj_missing"); !errors.Is(err, ErrRefreshJobNotFound) {
		t.Fatalf("want ErrRefreshJobNotFound, got %v", err)
	}
}

func TestRefreshOrchestrator_RetentionEviction(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	orchestrator := testOrchestrator(t, orchestratorFixture{
		products: newFakeProductRepository(goldProduct("prod_a")),
		clock:    clock,
	})

	job, err := orchestrator.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	waitForStatus(t, orchestrator, job.ID, domain.RefreshJobCompleted)

	// Inside the retention window the job stays queryable.
	if evicted := orchestrator.sweep(); evicted != 0 {
		t.Fatalf("fresh job must not be evicted, got %d", evicted)
	}

	mu.Lock()
	now = now.Add(61 * time.Minute)
	mu.Unlock()

	if evicted := orchestrator.sweep(); evicted != 1 {
		t.Fatalf("expired job should be evicted, got %d", evicted)
	}
	if _, err := orchestrator.Job(ctx, job.ID); !errors.Is(err, ErrRefreshJobNotFound) {
		t.Fatalf("evicted job should be gone, got %v", err)
	}
	if jobs := orchestrator.List(ctx); len(jobs) != 0 {
		t.Fatalf("list should be empty after eviction, got %d", len(jobs))
	}
}
