// Package worker runs the leasing loop: sweep expired leases, claim the next
// due step, dispatch it to its handler and persist the outcome under the
// lease it was claimed with.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/kiranshivaraju/gradeflow/internal/pipeline"
	"github.com/kiranshivaraju/gradeflow/internal/store"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

type Options struct {
	ID            string
	LeaseDuration time.Duration
	PollInterval  time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
	Now           func() time.Time
	Publisher     pipeline.Publisher
	Logger        *slog.Logger
}

type Worker struct {
	id        string
	store     store.PipelineStore
	registry  *pipeline.Registry
	lease     time.Duration
	poll      time.Duration
	retryBase time.Duration
	retryMax  time.Duration
	now       func() time.Time
	publisher pipeline.Publisher
	logger    *slog.Logger
}

func New(st store.PipelineStore, reg *pipeline.Registry, opts Options) *Worker {
	w := &Worker{
		id:        opts.ID,
		store:     st,
		registry:  reg,
		lease:     opts.LeaseDuration,
		poll:      opts.PollInterval,
		retryBase: opts.RetryBase,
		retryMax:  opts.RetryMax,
		now:       opts.Now,
		publisher: opts.Publisher,
		logger:    opts.Logger,
	}
	if w.id == "" {
		w.id = "worker"
	}
	if w.lease <= 0 {
		w.lease = 30 * time.Second
	}
	if w.poll <= 0 {
		w.poll = time.Second
	}
	if w.retryBase <= 0 {
		w.retryBase = 5 * time.Second
	}
	if w.retryMax < w.retryBase {
		w.retryMax = 60 * time.Second
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.publisher == nil {
		w.publisher = pipeline.NopPublisher{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("worker_id", w.id)
	return w
}

func (w *Worker) ID() string { return w.id }

// Run loops until ctx is canceled. Store errors are logged and the loop backs
// off for one poll interval; they never stop the worker.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "lease", w.lease.String(), "poll", w.poll.String())
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}
		worked, err := w.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("worker tick failed", "error", err)
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.poll):
		}
	}
}

// Tick performs one sweep and at most one step execution. It reports whether
// a step was claimed.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	if err := w.sweep(ctx); err != nil {
		return false, err
	}

	step, err := w.store.ClaimNextStep(ctx, w.id, w.now().UTC(), w.lease)
	if errors.Is(err, store.ErrNoStep) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim step: %w", err)
	}
	stepsClaimed.Inc()
	w.appendEvent(ctx, step, models.StepEventClaimed, "")
	w.publish(ctx, pipeline.EventStepClaimed, step.RunID, step.ID, step.Status)

	log := w.logger.With("run_id", step.RunID, "step_id", step.ID, "step", step.Name, "attempt", step.Attempt)

	run, err := w.store.GetRun(ctx, step.RunID)
	if err != nil {
		// The lease expires and the step is swept back to the queue.
		return true, fmt.Errorf("get run %s: %w", step.RunID, err)
	}
	promoted, err := w.store.MarkRunRunning(ctx, run.ID, w.now().UTC())
	if err != nil {
		return true, fmt.Errorf("mark run running: %w", err)
	}
	if promoted {
		w.publish(ctx, pipeline.EventRunRunning, run.ID, "", models.RunStatusRunning)
	}

	started := time.Now()
	res, herr := w.dispatch(ctx, run, step)
	stepDuration.WithLabelValues(step.Name).Observe(time.Since(started).Seconds())

	return true, w.persist(ctx, log, step, res, herr)
}

// dispatch runs the step's handler under a deadline of one lease and turns
// a panic into a failed attempt.
func (w *Worker) dispatch(ctx context.Context, run *models.PipelineRun, step *models.PipelineStep) (res pipeline.Result, err error) {
	handler, ok := w.registry.Lookup(step.Name)
	if !ok {
		return pipeline.Failed("no handler registered for step " + step.Name), nil
	}

	hctx, cancel := context.WithTimeout(ctx, w.lease)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("step handler panicked",
				"step_id", step.ID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return handler(hctx, run, step)
}

func (w *Worker) persist(ctx context.Context, log *slog.Logger, step *models.PipelineStep, res pipeline.Result, herr error) error {
	now := w.now().UTC()
	lease := store.LeaseOf(step, w.id)

	if herr != nil {
		res = pipeline.Failed(herr.Error())
	}

	var (
		err       error
		eventType string
		outcome   string
		message   string
		finalize  bool
	)
	switch res.Outcome {
	case pipeline.OutcomeSucceeded:
		err = w.store.CompleteStep(ctx, lease, now)
		eventType, outcome, finalize = models.StepEventSucceeded, outcomeSucceeded, true

	case pipeline.OutcomeRequeue:
		if step.Attempt >= step.MaxAttempts && !res.Upstream {
			message = "gave up waiting: " + res.Reason
			err = w.store.FailStep(ctx, lease, message, now)
			eventType, outcome, finalize = models.StepEventFailed, outcomeFailed, true
			break
		}
		runAt := res.RunAt
		if runAt.IsZero() {
			runAt = now
		}
		message = res.Reason
		err = w.store.RequeueStep(ctx, lease, runAt, res.Reason, now)
		eventType, outcome = models.StepEventRequeued, outcomeRequeued

	default:
		message = res.Reason
		if step.Attempt >= step.MaxAttempts {
			err = w.store.FailStep(ctx, lease, message, now)
			eventType, outcome, finalize = models.StepEventFailed, outcomeFailed, true
			break
		}
		delay := pipeline.RetryDelay(step.Attempt, w.retryBase, w.retryMax)
		err = w.store.RequeueStep(ctx, lease, now.Add(delay), message, now)
		eventType, outcome = models.StepEventRetryScheduled, outcomeRetried
		message = fmt.Sprintf("%s (retry in %s)", message, delay)
	}

	if errors.Is(err, store.ErrLeaseLost) {
		stepOutcomes.WithLabelValues(step.Name, outcomeLeaseLost).Inc()
		log.Warn("step lease lost before outcome was written", "outcome", res.Outcome.String())
		w.appendEvent(ctx, step, models.StepEventLeaseLost, "outcome "+res.Outcome.String()+" discarded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist step %s outcome: %w", step.ID, err)
	}

	stepOutcomes.WithLabelValues(step.Name, outcome).Inc()
	w.appendEvent(ctx, step, eventType, message)

	switch outcome {
	case outcomeSucceeded:
		log.Info("step succeeded")
		w.publish(ctx, pipeline.EventStepFinished, step.RunID, step.ID, models.StepStatusSucceeded)
	case outcomeFailed:
		log.Warn("step failed", "error", message)
		w.publish(ctx, pipeline.EventStepFinished, step.RunID, step.ID, models.StepStatusFailed)
	default:
		log.Info("step requeued", "outcome", outcome, "reason", message)
		w.publish(ctx, pipeline.EventStepRequeued, step.RunID, step.ID, models.StepStatusQueued)
	}

	if finalize {
		return w.finalize(ctx, step.RunID)
	}
	return nil
}

// sweep puts steps with expired leases back in the queue. A step past its
// attempt budget gets one more claim; a failure on it is terminal.
func (w *Worker) sweep(ctx context.Context) error {
	expired, err := w.store.SweepExpiredLeases(ctx, w.now().UTC())
	if err != nil {
		return fmt.Errorf("sweep expired leases: %w", err)
	}
	for _, e := range expired {
		leasesSwept.Inc()
		worker := e.WorkerID
		msg := "lease expired"
		if err := w.store.AppendStepEvent(ctx, &models.StepEvent{
			StepID:    e.StepID,
			RunID:     e.RunID,
			Type:      models.StepEventLeaseLost,
			WorkerID:  &worker,
			Attempt:   e.Attempt,
			Message:   &msg,
			CreatedAt: w.now().UTC(),
		}); err != nil {
			w.logger.Warn("append sweep event failed", "step_id", e.StepID, "error", err)
		}
		w.logger.Warn("expired lease swept",
			"run_id", e.RunID, "step_id", e.StepID, "lease_holder", e.WorkerID, "attempt", e.Attempt)
	}
	return nil
}

func (w *Worker) finalize(ctx context.Context, runID string) error {
	status, changed, err := w.store.FinalizeRun(ctx, runID, w.now().UTC())
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}
	if changed {
		runsFinalized.WithLabelValues(status).Inc()
		w.logger.Info("pipeline run finalized", "run_id", runID, "status", status)
		w.publish(ctx, pipeline.EventRunFinalized, runID, "", status)
	}
	return nil
}

func (w *Worker) appendEvent(ctx context.Context, step *models.PipelineStep, typ, message string) {
	ev := &models.StepEvent{
		StepID:    step.ID,
		RunID:     step.RunID,
		Type:      typ,
		WorkerID:  &w.id,
		Attempt:   step.Attempt,
		CreatedAt: w.now().UTC(),
	}
	if message != "" {
		ev.Message = &message
	}
	if err := w.store.AppendStepEvent(ctx, ev); err != nil {
		w.logger.Warn("append step event failed", "step_id", step.ID, "type", typ, "error", err)
	}
}

func (w *Worker) publish(ctx context.Context, kind, runID, stepID, status string) {
	ev := pipeline.Event{Kind: kind, RunID: runID, StepID: stepID, Status: status, WorkerID: w.id, At: w.now().UTC()}
	if err := w.publisher.Publish(ctx, ev); err != nil {
		w.logger.Warn("publish event failed", "kind", kind, "run_id", runID, "error", err)
	}
}
