package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/repositories"
)

const (
	refreshJobIDPrefix      = "rj_"
	defaultRefreshPageSize  = 100
	defaultJobRetention     = time.Hour
	defaultSweepInterval    = 5 * time.Minute
	refreshEventQueued      = "pricing.refresh.queued"
	refreshEventCompleted   = "pricing.refresh.completed"
	refreshEventFailed      = "pricing.refresh.failed"
	refreshEventCancelled   = "pricing.refresh.cancelled"
)

var (
	// ErrRefreshJobNotFound indicates the job ID is unknown or already evicted.
	ErrRefreshJobNotFound = errors.New("refresh: job not found")
	// ErrRefreshJobTerminal signals a cancel against a finished job.
	ErrRefreshJobTerminal = errors.New("refresh: job already finished")
	// ErrRefreshInProgress signals a submit while another job is still running.
	ErrRefreshInProgress = errors.New("refresh: another job is in progress")
)

// RefreshEventPublisher emits lifecycle events for refresh jobs.
type RefreshEventPublisher interface {
	PublishRefreshEvent(ctx context.Context, event string, job domain.RefreshJob) error
}

// RefreshReportArchiver persists the itemised report of a finished job.
type RefreshReportArchiver interface {
	ArchiveRefreshReport(ctx context.Context, job domain.RefreshJob) (string, error)
}

// RefreshOrchestratorDeps enumerates collaborators for NewRefreshOrchestrator.
type RefreshOrchestratorDeps struct {
	Products   repositories.ProductRepository
	Rates      repositories.RateRepository
	Calculator *PriceCalculator
	Engine     *DiscountEngine
	// PageSize bounds each product listing page.
	PageSize int
	// Retention is how long terminal jobs stay queryable.
	Retention time.Duration
	// SweepInterval is how often the sweeper evicts expired jobs.
	SweepInterval time.Duration
	IDGenerator   func() string
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
	Publisher     RefreshEventPublisher
	Archiver      RefreshReportArchiver
}

type refreshJobEntry struct {
	job    domain.RefreshJob
	cancel context.CancelFunc
}

// RefreshOrchestrator runs catalog-wide repricing as asynchronous jobs. Jobs
// live in an in-memory registry; at most one job is non-terminal at a time,
// and terminal jobs are evicted after a retention window.
type RefreshOrchestrator struct {
	products   repositories.ProductRepository
	rates      repositories.RateRepository
	calculator *PriceCalculator
	engine     *DiscountEngine
	pageSize   int
	retention  time.Duration
	sweepEvery time.Duration
	newID      func() string
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
	publisher  RefreshEventPublisher
	archiver   RefreshReportArchiver

	mu   sync.Mutex
	jobs map[string]*refreshJobEntry
}

// NewRefreshOrchestrator wires dependencies into a RefreshOrchestrator.
func NewRefreshOrchestrator(deps RefreshOrchestratorDeps) (*RefreshOrchestrator, error) {
	if deps.Products == nil {
		return nil, errors.New("refresh: product repository is required")
	}
	if deps.Rates == nil {
		return nil, errors.New("refresh: rate repository is required")
	}
	if deps.Calculator == nil {
		return nil, errors.New("refresh: price calculator is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("refresh: discount engine is required")
	}

	pageSize := deps.PageSize
	if pageSize <= 0 {
		pageSize = defaultRefreshPageSize
	}
	retention := deps.Retention
	if retention <= 0 {
		retention = defaultJobRetention
	}
	sweepEvery := deps.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepInterval
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string {
			return refreshJobIDPrefix + strings.ToLower(ulid.Make().String())
		}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RefreshOrchestrator{
		products:   deps.Products,
		rates:      deps.Rates,
		calculator: deps.Calculator,
		engine:     deps.Engine,
		pageSize:   pageSize,
		retention:  retention,
		sweepEvery: sweepEvery,
		newID:      newID,
		clock:      func() time.Time { return clock().UTC() },
		logger:     logger,
		publisher:  deps.Publisher,
		archiver:   deps.Archiver,
		jobs:       make(map[string]*refreshJobEntry),
	}, nil
}

// Submit registers a new refresh job and starts it in the background. The
// returned snapshot is queued; callers poll Job for progress.
func (o *RefreshOrchestrator) Submit(ctx context.Context) (domain.RefreshJob, error) {
	o.mu.Lock()
	for _, entry := range o.jobs {
		if !entry.job.Status.IsTerminal() {
			running := entry.job.ID
			o.mu.Unlock()
			return domain.RefreshJob{}, fmt.Errorf("%w: %s", ErrRefreshInProgress, running)
		}
	}

	// The job outlives the submitting request, so it runs on its own
	// context and is stopped only through Cancel.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := domain.RefreshJob{
		ID:        o.newID(),
		Status:    domain.RefreshJobQueued,
		CreatedAt: o.clock(),
	}
	o.jobs[job.ID] = &refreshJobEntry{job: job, cancel: cancel}
	o.mu.Unlock()

	o.logger(ctx, "refresh_job_queued", map[string]any{"jobId": job.ID})
	o.publish(runCtx, refreshEventQueued, job)

	go o.run(runCtx, job.ID)

	return job, nil
}

// Job returns a snapshot of one job. Itemised results are included only on
// completed jobs.
func (o *RefreshOrchestrator) Job(_ context.Context, jobID string) (domain.RefreshJob, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.jobs[jobID]
	if !ok {
		return domain.RefreshJob{}, fmt.Errorf("%w: %s", ErrRefreshJobNotFound, jobID)
	}
	return snapshotJob(entry.job), nil
}

// List returns snapshots of every retained job, newest first.
func (o *RefreshOrchestrator) List(_ context.Context) []domain.RefreshJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	jobs := make([]domain.RefreshJob, 0, len(o.jobs))
	for _, entry := range o.jobs {
		jobs = append(jobs, snapshotJob(entry.job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// Cancel requests cooperative cancellation of a running or queued job. The
// worker stops at its next product boundary; work already done stays done.
func (o *RefreshOrchestrator) Cancel(ctx context.Context, jobID string) (domain.RefreshJob, error) {
	o.mu.Lock()
	entry, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return domain.RefreshJob{}, fmt.Errorf("%w: %s", ErrRefreshJobNotFound, jobID)
	}
	if entry.job.Status.IsTerminal() {
		status := entry.job.Status
		o.mu.Unlock()
		return domain.RefreshJob{}, fmt.Errorf("%w: %s is %s", ErrRefreshJobTerminal, jobID, status)
	}

	wasQueued := entry.job.Status == domain.RefreshJobQueued
	if wasQueued {
		// Not yet running; finalize here instead of in the worker.
		now := o.clock()
		entry.job.Status = domain.RefreshJobCancelled
		entry.job.CompletedAt = &now
	}
	entry.cancel()
	job := snapshotJob(entry.job)
	o.mu.Unlock()

	o.logger(ctx, "refresh_job_cancel_requested", map[string]any{"jobId": jobID})
	if wasQueued {
		o.publish(ctx, refreshEventCancelled, job)
	}
	return job, nil
}

// StartSweeper launches the retention sweeper. It stops when ctx is done.
func (o *RefreshOrchestrator) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := o.sweep(); evicted > 0 {
					o.logger(ctx, "refresh_jobs_swept", map[string]any{"evicted": evicted})
				}
			}
		}
	}()
}

func (o *RefreshOrchestrator) sweep() int {
	cutoff := o.clock().Add(-o.retention)
	o.mu.Lock()
	defer o.mu.Unlock()
	evicted := 0
	for id, entry := range o.jobs {
		if !entry.job.Status.IsTerminal() || entry.job.CompletedAt == nil {
			continue
		}
		if entry.job.CompletedAt.Before(cutoff) {
			delete(o.jobs, id)
			evicted++
		}
	}
	return evicted
}

func (o *RefreshOrchestrator) run(ctx context.Context, jobID string) {
	started := o.clock()
	if !o.transition(jobID, func(job *domain.RefreshJob) bool {
		if job.Status != domain.RefreshJobQueued {
			return false
		}
		job.Status = domain.RefreshJobProcessing
		job.StartedAt = &started
		return true
	}) {
		return
	}
	o.logger(ctx, "refresh_job_started", map[string]any{"jobId": jobID})

	rates, err := o.rates.Get(ctx)
	if err != nil {
		o.finalize(ctx, jobID, domain.RefreshJobFailed, fmt.Sprintf("loading metal rates: %v", err))
		return
	}
	catalog := o.engine.Catalog(ctx)

	var results []domain.ProductRefreshResult
	cursor := ""
	total := 0
	for {
		if ctx.Err() != nil {
			o.finalize(ctx, jobID, domain.RefreshJobCancelled, "")
			return
		}

		page, err := o.products.ListConfigured(ctx, cursor, o.pageSize)
		if err != nil {
			if ctx.Err() != nil {
				o.finalize(ctx, jobID, domain.RefreshJobCancelled, "")
				return
			}
			o.finalize(ctx, jobID, domain.RefreshJobFailed, fmt.Sprintf("listing products: %v", err))
			return
		}

		total += len(page.Products)
		o.transition(jobID, func(job *domain.RefreshJob) bool {
			job.Total = total
			return true
		})

		for _, product := range page.Products {
			if ctx.Err() != nil {
				o.setResults(jobID, results)
				o.finalize(ctx, jobID, domain.RefreshJobCancelled, "")
				return
			}

			result := o.refreshProduct(ctx, rates, catalog, product)
			results = append(results, result)
			elapsed := o.clock().Sub(started)
			o.transition(jobID, func(job *domain.RefreshJob) bool {
				job.Processed++
				if result.Success {
					job.SuccessCount++
				} else {
					job.FailCount++
				}
				updateProgress(job, elapsed)
				return true
			})
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	o.setResults(jobID, results)
	o.finalize(ctx, jobID, domain.RefreshJobCompleted, "")
}

// refreshProduct reprices one product against the current rates. Discounts
// are ignored entirely: only the base price is written, and the product's
// discount record stays as it is. Re-applying a rule is how discounted
// prices pick up a new rate snapshot.
func (o *RefreshOrchestrator) refreshProduct(ctx context.Context, rates domain.MetalRates, catalog []domain.StoneCatalogEntry, product domain.Product) domain.ProductRefreshResult {
	if !product.Configured {
		return domain.ProductRefreshResult{ProductID: product.ID, Error: "product is not priced"}
	}

	breakdown, err := o.calculator.Calculate(PriceCommand{
		Config:  product.Config,
		Rates:   rates,
		Catalog: catalog,
	})
	if err != nil {
		return domain.ProductRefreshResult{ProductID: product.ID, Error: err.Error()}
	}

	price := ceilPrice(breakdown.FinalPrice)
	if err := o.products.SetPrice(ctx, product.ID, product.VariantRef, price); err != nil {
		return domain.ProductRefreshResult{ProductID: product.ID, Error: err.Error()}
	}

	return domain.ProductRefreshResult{ProductID: product.ID, Success: true, Price: price}
}

func (o *RefreshOrchestrator) transition(jobID string, mutate func(*domain.RefreshJob) bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.jobs[jobID]
	if !ok {
		return false
	}
	return mutate(&entry.job)
}

func (o *RefreshOrchestrator) setResults(jobID string, results []domain.ProductRefreshResult) {
	o.transition(jobID, func(job *domain.RefreshJob) bool {
		job.Results = results
		return true
	})
}

func (o *RefreshOrchestrator) finalize(ctx context.Context, jobID string, status domain.RefreshJobStatus, message string) {
	now := o.clock()
	var finished domain.RefreshJob
	if !o.transition(jobID, func(job *domain.RefreshJob) bool {
		if job.Status.IsTerminal() {
			return false
		}
		job.Status = status
		job.CompletedAt = &now
		job.Error = message
		job.ETASeconds = 0
		if status == domain.RefreshJobCompleted {
			job.Progress = 100
		}
		finished = *job
		return true
	}) {
		return
	}

	fields := map[string]any{
		"jobId":     jobID,
		"status":    string(status),
		"processed": finished.Processed,
		"failed":    finished.FailCount,
	}
	if message != "" {
		fields["error"] = message
	}
	o.logger(ctx, "refresh_job_finished", fields)

	// Publishing and archiving are best effort and must survive the run
	// context being cancelled.
	detached := context.WithoutCancel(ctx)
	switch status {
	case domain.RefreshJobCompleted:
		o.publish(detached, refreshEventCompleted, finished)
	case domain.RefreshJobFailed:
		o.publish(detached, refreshEventFailed, finished)
	case domain.RefreshJobCancelled:
		o.publish(detached, refreshEventCancelled, finished)
	}
	if o.archiver != nil {
		if location, err := o.archiver.ArchiveRefreshReport(detached, finished); err != nil {
			o.logger(detached, "refresh_report_archive_failed", map[string]any{"jobId": jobID, "error": err.Error()})
		} else {
			o.logger(detached, "refresh_report_archived", map[string]any{"jobId": jobID, "location": location})
		}
	}
}

func (o *RefreshOrchestrator) publish(ctx context.Context, event string, job domain.RefreshJob) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishRefreshEvent(ctx, event, job); err != nil {
		o.logger(ctx, "refresh_event_publish_failed", map[string]any{
			"jobId": job.ID,
			"event": event,
			"error": err.Error(),
		})
	}
}

func updateProgress(job *domain.RefreshJob, elapsed time.Duration) {
	if job.Total <= 0 {
		return
	}
	progress := float64(job.Processed) / float64(job.Total) * 100
	if progress > job.Progress {
		job.Progress = progress
	}
	if job.Processed > 0 && elapsed > 0 {
		perProduct := elapsed / time.Duration(job.Processed)
		remaining := time.Duration(job.Total-job.Processed) * perProduct
		job.ETASeconds = int(remaining / time.Second)
	}
}

// snapshotJob copies a job for callers. Itemised results surface only on
// completed jobs; running, failed, and cancelled snapshots carry counters
// only, which keeps poll payloads bounded. The archived report still holds
// whatever results a cancelled or failed run produced.
func snapshotJob(job domain.RefreshJob) domain.RefreshJob {
	out := job
	if job.Status != domain.RefreshJobCompleted {
		out.Results = nil
		return out
	}
	out.Results = make([]domain.ProductRefreshResult, len(job.Results))
	copy(out.Results, job.Results)
	return out
}
