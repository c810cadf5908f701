package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/karatworks/api/internal/domain"
	"github.com/karatworks/api/internal/services"
)

// PubSubRefreshPublisher publishes refresh job lifecycle events to a Pub/Sub topic.
type PubSubRefreshPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// refreshEventMessage is the wire payload for a refresh lifecycle event.
type refreshEventMessage struct {
	Event        string     `json:"event"`
	JobID        string     `json:"jobId"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	SuccessCount int        `json:"successCount"`
	FailCount    int        `json:"failCount"`
	Error        string     `json:"error,omitempty"`
}

// NewPubSubRefreshPublisher constructs a Pub/Sub backed refresh event publisher.
func NewPubSubRefreshPublisher(topic *pubsub.Topic) (*PubSubRefreshPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub refresh publisher: topic is required")
	}
	return &PubSubRefreshPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishRefreshEvent emits one lifecycle event for the supplied job snapshot.
// Per-product results are intentionally excluded from the payload; consumers
// needing the itemised report read the archived copy instead.
func (p *PubSubRefreshPublisher) PublishRefreshEvent(ctx context.Context, event string, job domain.RefreshJob) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub refresh publisher: not initialised")
	}

	payload := refreshEventMessage{
		Event:        strings.TrimSpace(event),
		JobID:        job.ID,
		Status:       string(job.Status),
		CreatedAt:    job.CreatedAt.UTC(),
		Total:        job.Total,
		Processed:    job.Processed,
		SuccessCount: job.SuccessCount,
		FailCount:    job.FailCount,
		Error:        job.Error,
	}
	if job.StartedAt != nil {
		started := job.StartedAt.UTC()
		payload.StartedAt = &started
	}
	if job.CompletedAt != nil {
		completed := job.CompletedAt.UTC()
		payload.CompletedAt = &completed
	}

	data, err := p.marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal refresh event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "event", payload.Event)
	setAttr(attrs, "jobId", job.ID)
	setAttr(attrs, "status", string(job.Status))
	if job.FailCount > 0 {
		attrs["failCount"] = strconv.Itoa(job.FailCount)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish refresh event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var _ services.RefreshEventPublisher = (*PubSubRefreshPublisher)(nil)
