// Package pipeline admits pipeline runs and exposes the administrative
// operations on runs and steps. Execution happens in the worker.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gradeflow/internal/apperr"
	"github.com/kiranshivaraju/gradeflow/internal/store"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

// Store is the persistence the service reads and writes.
type Store interface {
	store.PipelineStore
	GetAssignment(ctx context.Context, id uuid.UUID) (*models.Assignment, error)
	GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
}

// Gate admits paid work for a course and resolves its billing account.
type Gate interface {
	EnforceBillingGate(ctx context.Context, courseID uuid.UUID) (uuid.UUID, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (*models.AccountBalance, error)
}

type Options struct {
	Now       func() time.Time
	Publisher Publisher
	Logger    *slog.Logger
}

type Service struct {
	store     Store
	gate      Gate
	now       func() time.Time
	publisher Publisher
	logger    *slog.Logger
}

func NewService(st Store, gate Gate, opts Options) *Service {
	s := &Service{store: st, gate: gate, now: opts.Now, publisher: opts.Publisher, logger: opts.Logger}
	if s.now == nil {
		s.now = time.Now
	}
	if s.publisher == nil {
		s.publisher = NopPublisher{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

type AssignmentPipelineInput struct {
	CourseID       uuid.UUID
	AssignmentID   uuid.UUID
	AccountID      *uuid.UUID
	CreatedBy      string
	IdempotencyKey string
}

type SubmissionPipelineInput struct {
	CourseID       uuid.UUID
	AssignmentID   uuid.UUID
	SubmissionID   uuid.UUID
	ArtifactKind   string
	ArtifactID     *uuid.UUID
	AccountID      *uuid.UUID
	CreatedBy      string
	IdempotencyKey string
}

// Admission is the outcome of a create call. Created is false when an
// existing run was returned for a repeated idempotency key.
type Admission struct {
	Run     *models.PipelineRun `json:"run"`
	Created bool                `json:"created"`
}

// CreateAssignmentPipeline admits an assignment-processing run.
func (s *Service) CreateAssignmentPipeline(ctx context.Context, in AssignmentPipelineInput) (*Admission, error) {
	if in.CourseID == uuid.Nil {
		return nil, apperr.Invalid("course_id", "is required")
	}
	if in.AssignmentID == uuid.Nil {
		return nil, apperr.Invalid("assignment_id", "is required")
	}
	asg, err := s.store.GetAssignment(ctx, in.AssignmentID)
	if err != nil {
		return nil, notFound(err, "assignment")
	}
	if asg.CourseID != in.CourseID {
		return nil, apperr.Invalid("assignment_id", "does not belong to the course")
	}

	accountID, err := s.admit(ctx, in.CourseID, in.AccountID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	run := &models.PipelineRun{
		ID:           models.NewID(),
		Pipeline:     models.PipelineAssignmentProcess,
		CourseID:     in.CourseID,
		AccountID:    accountID,
		AssignmentID: &in.AssignmentID,
		Status:       models.RunStatusQueued,
		CreatedBy:    createdBy(in.CreatedBy),
		Meta:         json.RawMessage(`{}`),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.IdempotencyKey != "" {
		run.IdempotencyKey = &in.IdempotencyKey
	}
	return s.create(ctx, run, newSteps(run.ID, AssignmentSteps(), nil, now))
}

// CreateSubmissionPipeline admits a submission-processing run whose
// preprocessing depends on the kind of the primary artifact.
func (s *Service) CreateSubmissionPipeline(ctx context.Context, in SubmissionPipelineInput) (*Admission, error) {
	if in.CourseID == uuid.Nil {
		return nil, apperr.Invalid("course_id", "is required")
	}
	if in.AssignmentID == uuid.Nil {
		return nil, apperr.Invalid("assignment_id", "is required")
	}
	if in.SubmissionID == uuid.Nil {
		return nil, apperr.Invalid("submission_id", "is required")
	}
	if in.ArtifactKind != models.ArtifactKindPDF && in.ArtifactKind != models.ArtifactKindTEX {
		return nil, apperr.Invalid("artifact_kind", "must be PDF or TEX")
	}

	asg, err := s.store.GetAssignment(ctx, in.AssignmentID)
	if err != nil {
		return nil, notFound(err, "assignment")
	}
	if asg.CourseID != in.CourseID {
		return nil, apperr.Invalid("assignment_id", "does not belong to the course")
	}
	sub, err := s.store.GetSubmission(ctx, in.SubmissionID)
	if err != nil {
		return nil, notFound(err, "submission")
	}
	if sub.AssignmentID != in.AssignmentID {
		return nil, apperr.Invalid("submission_id", "does not belong to the assignment")
	}

	meta := map[string]any{"artifactKind": in.ArtifactKind}
	stepMeta := map[string]json.RawMessage{}
	if in.ArtifactID != nil {
		art, err := s.store.GetArtifact(ctx, *in.ArtifactID)
		if err != nil {
			return nil, notFound(err, "artifact")
		}
		if art.SubmissionID != in.SubmissionID {
			return nil, apperr.Invalid("artifact_id", "does not belong to the submission")
		}
		meta["artifactId"] = art.ID.String()
		if in.ArtifactKind == models.ArtifactKindPDF && art.PageCount > 0 {
			stepMeta[StepPDFToTex], _ = json.Marshal(map[string]int{"pageCount": art.PageCount})
		}
	}

	accountID, err := s.admit(ctx, in.CourseID, in.AccountID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	runMeta, _ := json.Marshal(meta)
	run := &models.PipelineRun{
		ID:           models.NewID(),
		Pipeline:     models.PipelineSubmissionProcess,
		CourseID:     in.CourseID,
		AccountID:    accountID,
		AssignmentID: &in.AssignmentID,
		SubmissionID: &in.SubmissionID,
		Status:       models.RunStatusQueued,
		CreatedBy:    createdBy(in.CreatedBy),
		Meta:         runMeta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.IdempotencyKey != "" {
		run.IdempotencyKey = &in.IdempotencyKey
	}
	return s.create(ctx, run, newSteps(run.ID, SubmissionSteps(in.ArtifactKind), stepMeta, now))
}

// admit runs the billing gate unless the caller already chose an account.
func (s *Service) admit(ctx context.Context, courseID uuid.UUID, accountID *uuid.UUID) (uuid.UUID, error) {
	if accountID == nil {
		return s.gate.EnforceBillingGate(ctx, courseID)
	}
	if _, err := s.gate.GetBalance(ctx, *accountID); err != nil {
		return uuid.Nil, err
	}
	return *accountID, nil
}

func (s *Service) create(ctx context.Context, run *models.PipelineRun, steps []*models.PipelineStep) (*Admission, error) {
	got, created, err := s.store.CreateRun(ctx, run, steps)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("pipeline run created",
			"run_id", got.ID, "pipeline", got.Pipeline, "course_id", got.CourseID, "steps", len(steps))
		s.publish(ctx, Event{Kind: EventRunCreated, RunID: got.ID, Status: got.Status, At: got.CreatedAt})
	}
	return &Admission{Run: got, Created: created}, nil
}

func newSteps(runID string, names []string, meta map[string]json.RawMessage, now time.Time) []*models.PipelineStep {
	steps := make([]*models.PipelineStep, 0, len(names))
	for _, name := range names {
		m := meta[name]
		if m == nil {
			m = json.RawMessage(`{}`)
		}
		steps = append(steps, &models.PipelineStep{
			ID:          models.NewID(),
			RunID:       runID,
			Name:        name,
			Status:      models.StepStatusQueued,
			RunAt:       now,
			MaxAttempts: MaxAttemptsFor(name),
			Meta:        m,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return steps
}

// CancelRun cancels a run and its pending steps. Terminal runs conflict.
func (s *Service) CancelRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	now := s.now().UTC()
	run, canceled, err := s.store.CancelRun(ctx, runID, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("pipeline run")
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, apperr.Conflict(err.Error())
	}
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}

	for _, stepID := range canceled {
		if err := s.store.AppendStepEvent(ctx, &models.StepEvent{
			StepID: stepID, RunID: runID, Type: models.StepEventCanceled, CreatedAt: now,
		}); err != nil {
			s.logger.Warn("failed to record step event", "step_id", stepID, "error", err)
		}
	}
	s.logger.Info("pipeline run canceled", "run_id", runID, "canceled_steps", len(canceled))
	s.publish(ctx, Event{Kind: EventRunCanceled, RunID: runID, Status: run.Status, At: now})
	return run, nil
}

// RetryStep puts a FAILED step back in the queue with its attempt count
// unchanged. The run's status is not reopened.
func (s *Service) RetryStep(ctx context.Context, stepID string) (*models.PipelineStep, error) {
	now := s.now().UTC()
	step, err := s.store.RetryStep(ctx, stepID, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("pipeline step")
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, apperr.Conflict(err.Error())
	}
	if err != nil {
		return nil, fmt.Errorf("retry step: %w", err)
	}

	if err := s.store.AppendStepEvent(ctx, &models.StepEvent{
		StepID: step.ID, RunID: step.RunID, Type: models.StepEventRetried, Attempt: step.Attempt, CreatedAt: now,
	}); err != nil {
		s.logger.Warn("failed to record step event", "step_id", step.ID, "error", err)
	}
	s.publish(ctx, Event{Kind: EventStepRetried, RunID: step.RunID, StepID: step.ID, Status: step.Status, At: now})
	return step, nil
}

// RunDetail is a run with all of its steps.
type RunDetail struct {
	Run   *models.PipelineRun    `json:"run"`
	Steps []*models.PipelineStep `json:"steps"`
}

func (s *Service) GetRunWithSteps(ctx context.Context, runID string) (*RunDetail, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, notFound(err, "pipeline run")
	}
	steps, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []*models.PipelineStep{}
	}
	return &RunDetail{Run: run, Steps: steps}, nil
}

// GetRun returns the run without its steps.
func (s *Service) GetRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, notFound(err, "pipeline run")
	}
	return run, nil
}

// ListRunsForAssignment returns an assignment's runs, newest first.
func (s *Service) ListRunsForAssignment(ctx context.Context, assignmentID uuid.UUID, limit int) ([]*models.PipelineRun, error) {
	return s.listRuns(ctx, store.RunFilter{AssignmentID: &assignmentID, Limit: limit})
}

// ListRunsForSubmission returns a submission's runs, newest first.
func (s *Service) ListRunsForSubmission(ctx context.Context, submissionID uuid.UUID, limit int) ([]*models.PipelineRun, error) {
	return s.listRuns(ctx, store.RunFilter{SubmissionID: &submissionID, Limit: limit})
}

func (s *Service) listRuns(ctx context.Context, filter store.RunFilter) ([]*models.PipelineRun, error) {
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*models.PipelineRun{}
	}
	return runs, nil
}

func (s *Service) ListStepEvents(ctx context.Context, stepID string, limit int) ([]*models.StepEvent, error) {
	if _, err := s.store.GetStep(ctx, stepID); err != nil {
		return nil, notFound(err, "pipeline step")
	}
	events, err := s.store.ListStepEvents(ctx, stepID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*models.StepEvent{}
	}
	return events, nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish pipeline event", "kind", ev.Kind, "run_id", ev.RunID, "error", err)
	}
}

func notFound(err error, resource string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(resource)
	}
	return err
}

func createdBy(v string) string {
	if v == "" {
		return "service"
	}
	return v
}
