package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeRequeue
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Result is what a handler reports for one execution of a step.
type Result struct {
	Outcome Outcome
	RunAt   time.Time
	Reason  string
	// Upstream marks a requeue that waits on other steps of the run which
	// still have attempts left. It is not bounded by this step's budget.
	Upstream bool
}

func Succeeded() Result { return Result{Outcome: OutcomeSucceeded} }

// Requeue asks for the step to run again at the given time without it being
// treated as a failure.
func Requeue(at time.Time, reason string) Result {
	return Result{Outcome: OutcomeRequeue, RunAt: at, Reason: reason}
}

// Await requeues the step until pending upstream steps finish. Those steps
// end in a terminal state on their own budgets, so the wait is bounded.
func Await(at time.Time, reason string) Result {
	return Result{Outcome: OutcomeRequeue, RunAt: at, Reason: reason, Upstream: true}
}

// Failed reports a failed attempt. The worker retries it with backoff until
// the step's attempts are exhausted.
func Failed(reason string) Result { return Result{Outcome: OutcomeFailed, Reason: reason} }

// Handler executes one step. A returned error is a failed attempt.
type Handler func(ctx context.Context, run *models.PipelineRun, step *models.PipelineStep) (Result, error)

// Registry maps step names to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a step name, replacing any previous one.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RetryDelay is the backoff before attempt+1 after a failed attempt:
// base·2^(attempt−1), capped at max.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
