package pipeline

import (
	"context"
	"time"
)

// Event kinds published when runs and steps change state.
const (
	EventStepClaimed  = "step.claimed"
	EventStepFinished = "step.finished"
	EventStepRequeued = "step.requeued"
	EventStepRetried  = "step.retried"
	EventRunCreated   = "run.created"
	EventRunRunning   = "run.running"
	EventRunFinalized = "run.finalized"
	EventRunCanceled  = "run.canceled"
)

// Event is a state change notification. Consumers must not rely on it for
// correctness; the database remains the source of truth.
type Event struct {
	Kind     string    `json:"kind"`
	RunID    string    `json:"run_id"`
	StepID   string    `json:"step_id,omitempty"`
	Status   string    `json:"status"`
	WorkerID string    `json:"worker_id,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher fans events out to caches and streams.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
