package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gradeflow/internal/store"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

func cloneRun(r *models.PipelineRun) *models.PipelineRun {
	cp := *r
	return &cp
}

func cloneStep(st *models.PipelineStep) *models.PipelineStep {
	cp := *st
	return &cp
}

// --- Runs ---

func (s *Store) CreateRun(_ context.Context, run *models.PipelineRun, steps []*models.PipelineStep) (*models.PipelineRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.IdempotencyKey != nil {
		if id, ok := s.runKeys[*run.IdempotencyKey]; ok {
			return cloneRun(s.runs[id]), false, nil
		}
	}
	if _, ok := s.runs[run.ID]; ok {
		return nil, false, store.ErrDuplicateKey
	}

	s.runs[run.ID] = cloneRun(run)
	if run.IdempotencyKey != nil {
		s.runKeys[*run.IdempotencyKey] = run.ID
	}
	for _, st := range steps {
		if _, ok := s.steps[st.ID]; !ok {
			s.steps[st.ID] = cloneStep(st)
		}
	}
	return cloneRun(run), true, nil
}

func (s *Store) GetRun(_ context.Context, id string) (*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRun(r), nil
}

func (s *Store) ListRuns(_ context.Context, filter store.RunFilter) ([]*models.PipelineRun, error) {
	if filter.AssignmentID == nil && filter.SubmissionID == nil {
		return nil, fmt.Errorf("list runs: an assignment or submission filter is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PipelineRun
	for _, r := range s.runs {
		if filter.AssignmentID != nil && !uuidEq(r.AssignmentID, *filter.AssignmentID) {
			continue
		}
		if filter.SubmissionID != nil && !uuidEq(r.SubmissionID, *filter.SubmissionID) {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit := store.ClampLimit(filter.Limit, 50, 200); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func uuidEq(p *uuid.UUID, v uuid.UUID) bool {
	return p != nil && *p == v
}

func (s *Store) SetRunEvaluation(_ context.Context, runID string, evaluationID uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	r.EvaluationID = &evaluationID
	r.UpdatedAt = now
	return nil
}

func (s *Store) CancelRun(_ context.Context, runID string, now time.Time) (*models.PipelineRun, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if models.IsTerminalRunStatus(r.Status) {
		return nil, nil, fmt.Errorf("%w: run is %s", store.ErrInvalidTransition, r.Status)
	}
	r.Status = models.RunStatusCanceled
	r.FinishedAt = &now
	r.UpdatedAt = now

	var canceled []string
	for _, st := range s.steps {
		if st.RunID != runID {
			continue
		}
		if st.Status != models.StepStatusQueued && st.Status != models.StepStatusRunning {
			continue
		}
		st.Status = models.StepStatusCanceled
		st.FinishedAt = &now
		st.LockedBy, st.LockedUntil, st.HeartbeatAt = nil, nil, nil
		st.UpdatedAt = now
		canceled = append(canceled, st.ID)
	}
	sort.Strings(canceled)
	return cloneRun(r), canceled, nil
}

func (s *Store) MarkRunRunning(_ context.Context, runID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok || r.Status != models.RunStatusQueued {
		return false, nil
	}
	r.Status = models.RunStatusRunning
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.UpdatedAt = now
	return true, nil
}

func (s *Store) FinalizeRun(_ context.Context, runID string, now time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return "", false, store.ErrNotFound
	}
	if r.Status != models.RunStatusQueued && r.Status != models.RunStatusRunning {
		return r.Status, false, nil
	}

	failed := false
	for _, st := range s.steps {
		if st.RunID != runID {
			continue
		}
		switch st.Status {
		case models.StepStatusQueued, models.StepStatusRunning:
			return r.Status, false, nil
		case models.StepStatusFailed:
			failed = true
		}
	}
	r.Status = models.RunStatusSucceeded
	if failed {
		r.Status = models.RunStatusFailed
	}
	r.FinishedAt = &now
	r.UpdatedAt = now
	return r.Status, true, nil
}

// --- Steps ---

func (s *Store) GetStep(_ context.Context, id string) (*models.PipelineStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneStep(st), nil
}

func (s *Store) ListSteps(_ context.Context, runID string) ([]*models.PipelineStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PipelineStep
	for _, st := range s.steps {
		if st.RunID == runID {
			out = append(out, cloneStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpsertSteps(_ context.Context, steps []*models.PipelineStep) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, st := range steps {
		if _, ok := s.steps[st.ID]; ok {
			continue
		}
		s.steps[st.ID] = cloneStep(st)
		inserted++
	}
	return inserted, nil
}

func (s *Store) RetryStep(_ context.Context, stepID string, now time.Time) (*models.PipelineStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[stepID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if st.Status != models.StepStatusFailed {
		return nil, fmt.Errorf("%w: step is %s", store.ErrInvalidTransition, st.Status)
	}
	if r, ok := s.runs[st.RunID]; ok && r.Status == models.RunStatusCanceled {
		return nil, fmt.Errorf("%w: run is %s", store.ErrInvalidTransition, r.Status)
	}
	st.Status = models.StepStatusQueued
	st.RunAt = now
	st.ErrorMessage = nil
	st.FinishedAt = nil
	st.LockedBy, st.LockedUntil, st.HeartbeatAt = nil, nil, nil
	st.UpdatedAt = now
	return cloneStep(st), nil
}

// --- Leasing ---

func (s *Store) SweepExpiredLeases(_ context.Context, now time.Time) ([]store.ExpiredLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.ExpiredLease
	for _, st := range s.steps {
		if st.Status != models.StepStatusRunning || st.LockedUntil == nil || !st.LockedUntil.Before(now) {
			continue
		}
		e := store.ExpiredLease{StepID: st.ID, RunID: st.RunID, Attempt: st.Attempt}
		if st.LockedBy != nil {
			e.WorkerID = *st.LockedBy
		}
		st.Status = models.StepStatusQueued
		st.LockedBy, st.LockedUntil, st.HeartbeatAt = nil, nil, nil
		st.UpdatedAt = now
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (s *Store) ClaimNextStep(_ context.Context, workerID string, now time.Time, lease time.Duration) (*models.PipelineStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *models.PipelineStep
	for _, st := range s.steps {
		if st.Status != models.StepStatusQueued || st.RunAt.After(now) {
			continue
		}
		if next == nil || st.Priority > next.Priority || (st.Priority == next.Priority && st.ID < next.ID) {
			next = st
		}
	}
	if next == nil {
		return nil, store.ErrNoStep
	}

	next.Status = models.StepStatusRunning
	next.Attempt++
	next.LockedBy = ptr(workerID)
	next.LockedUntil = ptr(now.Add(lease))
	next.HeartbeatAt = ptr(now)
	if next.StartedAt == nil {
		next.StartedAt = ptr(now)
	}
	next.UpdatedAt = now
	return cloneStep(next), nil
}

// leased returns the step only while the lease still holds.
func (s *Store) leased(lease store.Lease) (*models.PipelineStep, error) {
	st, ok := s.steps[lease.StepID]
	if !ok || st.Status != models.StepStatusRunning || st.LockedBy == nil ||
		*st.LockedBy != lease.WorkerID || st.Attempt != lease.Attempt {
		return nil, store.ErrLeaseLost
	}
	return st, nil
}

func (s *Store) CompleteStep(_ context.Context, lease store.Lease, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.leased(lease)
	if err != nil {
		return err
	}
	st.Status = models.StepStatusSucceeded
	st.FinishedAt = &now
	st.ErrorMessage = nil
	st.LockedBy, st.LockedUntil, st.HeartbeatAt = nil, nil, nil
	st.UpdatedAt = now
	return nil
}

func (s *Store) RequeueStep(_ context.Context, lease store.Lease, runAt time.Time, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.leased(lease)
	if err != nil {
		return err
	}
	st.Status = models.StepStatusQueued
	st.RunAt = runAt
	st.ErrorMessage = nil
	if reason != "" {
		st.ErrorMessage = ptr(reason)
	}
	st.LockedBy, st.LockedUntil, st.HeartbeatAt = nil, nil, nil
	st.UpdatedAt = now
	return nil
}

func (s *Store) FailStep(_ context.Context, lease store.Lease, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.leased(lease)
	if err != nil {
		return err
	}
	st.Status = models.StepStatusFailed
	st.FinishedAt = &now
	st.ErrorMessage = ptr(reason)
	st.LockedBy, st.LockedUntil, st.HeartbeatAt = nil, nil, nil
	st.UpdatedAt = now
	return nil
}

// --- Step events ---

func (s *Store) AppendStepEvent(_ context.Context, ev *models.StepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEvent++
	ev.ID = s.nextEvent
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *Store) ListStepEvents(_ context.Context, stepID string, limit int) ([]*models.StepEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit = store.ClampLimit(limit, 100, 100)
	var out []*models.StepEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].StepID == stepID {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
