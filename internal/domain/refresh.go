package domain

import "time"

// RefreshJobStatus describes the lifecycle of a catalog refresh job.
type RefreshJobStatus string

const (
	// RefreshJobQueued means the job is registered but not yet running.
	RefreshJobQueued RefreshJobStatus = "queued"
	// RefreshJobProcessing means the job is repricing products.
	RefreshJobProcessing RefreshJobStatus = "processing"
	// RefreshJobCompleted means every product was visited.
	RefreshJobCompleted RefreshJobStatus = "completed"
	// RefreshJobFailed means the job aborted on an unrecoverable error.
	RefreshJobFailed RefreshJobStatus = "failed"
	// RefreshJobCancelled means the job was stopped by the caller.
	RefreshJobCancelled RefreshJobStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s RefreshJobStatus) IsTerminal() bool {
	switch s {
	case RefreshJobCompleted, RefreshJobFailed, RefreshJobCancelled:
		return true
	default:
		return false
	}
}

// ProductRefreshResult is the per-product outcome of a refresh pass.
type ProductRefreshResult struct {
	ProductID string
	Success   bool
	Price     float64
	Error     string
}

// RefreshJob is a snapshot of a catalog-wide repricing pass. Jobs live only
// in the orchestrator's in-memory registry; terminal jobs are evicted after
// a retention window.
type RefreshJob struct {
	ID           string
	Status       RefreshJobStatus
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Total        int
	Processed    int
	SuccessCount int
	FailCount    int
	// Progress is a percentage in [0,100], monotonically non-decreasing
	// until the job reaches a terminal state.
	Progress   float64
	ETASeconds int
	// Results carries itemised per-product outcomes. Populated on snapshots
	// only once the job completes, to bound response size while running.
	Results []ProductRefreshResult
	Error   string
}
