package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/services"
)

var (
	errNoClient      = errors.New("storage: client is required")
	errInvalidBucket = errors.New("storage: bucket name is required")
)

// ReportArchiver writes finished refresh job reports to a Cloud Storage
// bucket as JSON objects. The archived copy carries the itemised per-product
// results that lifecycle events omit.
type ReportArchiver struct {
	client *storage.Client
	bucket string
	now    func() time.Time
}

// ArchiverOption customises archiver behaviour.
type ArchiverOption func(*ReportArchiver)

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ArchiverOption {
	return func(a *ReportArchiver) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewReportArchiver constructs a report archiver targeting the given bucket.
func NewReportArchiver(client *storage.Client, bucket string, opts ...ArchiverOption) (*ReportArchiver, error) {
	if client == nil {
		return nil, errNoClient
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}

	archiver := &ReportArchiver{
		client: client,
		bucket: bucket,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(archiver)
		}
	}
	return archiver, nil
}

type refreshReportDocument struct {
	JobID        string                  `json:"jobId"`
	Status       string                  `json:"status"`
	CreatedAt    time.Time               `json:"createdAt"`
	StartedAt    *time.Time              `json:"startedAt,omitempty"`
	CompletedAt  *time.Time              `json:"completedAt,omitempty"`
	Total        int                     `json:"total"`
	Processed    int                     `json:"processed"`
	SuccessCount int                     `json:"successCount"`
	FailCount    int                     `json:"failCount"`
	Error        string                  `json:"error,omitempty"`
	Results      []refreshReportLineItem `json:"results"`
	ArchivedAt   time.Time               `json:"archivedAt"`
}

type refreshReportLineItem struct {
	ProductID string  `json:"productId"`
	Success   bool    `json:"success"`
	Price     float64 `json:"price,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// ArchiveRefreshReport persists the job report and returns the object URI.
func (a *ReportArchiver) ArchiveRefreshReport(ctx context.Context, job domain.RefreshJob) (string, error) {
	if a == nil || a.client == nil {
		return "", errNoClient
	}

	objectPath, err := buildRefreshReportPath(job.ID)
	if err != nil {
		return "", err
	}

	doc := refreshReportDocument{
		JobID:        job.ID,
		Status:       string(job.Status),
		CreatedAt:    job.CreatedAt.UTC(),
		Total:        job.Total,
		Processed:    job.Processed,
		SuccessCount: job.SuccessCount,
		FailCount:    job.FailCount,
		Error:        job.Error,
		Results:      make([]refreshReportLineItem, 0, len(job.Results)),
		ArchivedAt:   a.now().UTC(),
	}
	if job.StartedAt != nil {
		started := job.StartedAt.UTC()
		doc.StartedAt = &started
	}
	if job.CompletedAt != nil {
		completed := job.CompletedAt.UTC()
		doc.CompletedAt = &completed
	}
	for _, result := range job.Results {
		doc.Results = append(doc.Results, refreshReportLineItem{
			ProductID: result.ProductID,
			Success:   result.Success,
			Price:     result.Price,
			Error:     result.Error,
		})
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("storage: marshal refresh report: %w", err)
	}

	writer := a.client.Bucket(a.bucket).Object(objectPath).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(payload); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("storage: write refresh report: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("storage: close refresh report: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", a.bucket, objectPath), nil
}

func buildRefreshReportPath(jobID string) (string, error) {
	segment, err := validateSegment("jobID", jobID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("reports/refresh/%s.json", segment), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

var _ services.RefreshReportArchiver = (*ReportArchiver)(nil)
