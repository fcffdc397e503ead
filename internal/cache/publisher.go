package cache

import (
	"context"
	"errors"
	"time"

	"github.com/kiranshivaraju/gradeflow/internal/pipeline"
)

// EventPublisher mirrors pipeline events into Redis: run-level events refresh
// the cached run status, and every event is appended to EventStream.
type EventPublisher struct {
	cache     Cache
	statusTTL time.Duration
}

func NewEventPublisher(c Cache, statusTTL time.Duration) *EventPublisher {
	if statusTTL <= 0 {
		statusTTL = 24 * time.Hour
	}
	return &EventPublisher{cache: c, statusTTL: statusTTL}
}

func (p *EventPublisher) Publish(ctx context.Context, ev pipeline.Event) error {
	var errs []error
	if ev.StepID == "" && ev.Status != "" {
		if err := p.cache.SetRunStatus(ctx, ev.RunID, ev.Status, p.statusTTL); err != nil {
			errs = append(errs, err)
		}
	}
	_, err := p.cache.AppendEvent(ctx, EventStream, map[string]any{
		"kind":      ev.Kind,
		"run_id":    ev.RunID,
		"step_id":   ev.StepID,
		"status":    ev.Status,
		"worker_id": ev.WorkerID,
		"at":        ev.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
