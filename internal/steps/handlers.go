// Package steps holds the handlers that do the work of each pipeline step.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gradeflow/internal/apperr"
	"github.com/kiranshivaraju/gradeflow/internal/billing"
	"github.com/kiranshivaraju/gradeflow/internal/pipeline"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

const (
	placeholderTex = "% placeholder\n"

	normalizePollDelay = 2 * time.Second
	readinessPollDelay = 10 * time.Second
	aggregateDelay     = time.Second
	aggregatePollDelay = 2 * time.Second
)

// evaluationNamespace derives a run's evaluation id from its run id, so a
// repeated fan-out lands on the same evaluation.
var evaluationNamespace = uuid.MustParse("6f1c2a9e-4b7d-4e0a-9a51-3c2d8e7f1b64")

// Store is the persistence the handlers read and derive into.
type Store interface {
	GetAssignment(ctx context.Context, id uuid.UUID) (*models.Assignment, error)
	SetAssignmentNormalizedTex(ctx context.Context, id uuid.UUID, tex string, now time.Time) error
	UpsertAssignmentProblems(ctx context.Context, problems []*models.AssignmentProblem) error
	ListAssignmentProblems(ctx context.Context, assignmentID uuid.UUID) ([]*models.AssignmentProblem, error)

	GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
	SetCanonicalArtifact(ctx context.Context, artifact *models.Artifact, now time.Time) (uuid.UUID, error)
	UpsertSubmissionProblems(ctx context.Context, problems []*models.SubmissionProblem) error
	ListSubmissionProblems(ctx context.Context, submissionID uuid.UUID) ([]*models.SubmissionProblem, error)

	CreateEvaluation(ctx context.Context, e *models.Evaluation) (*models.Evaluation, error)
	CompleteEvaluation(ctx context.Context, id uuid.UUID, points, outOf int, now time.Time) error
	UpsertProblemEvaluation(ctx context.Context, pe *models.ProblemEvaluation) error
	ListProblemEvaluations(ctx context.Context, evaluationID uuid.UUID) ([]*models.ProblemEvaluation, error)

	SetRunEvaluation(ctx context.Context, runID string, evaluationID uuid.UUID, now time.Time) error
	UpsertSteps(ctx context.Context, steps []*models.PipelineStep) (int, error)
	ListSteps(ctx context.Context, runID string) ([]*models.PipelineStep, error)
}

// Charger meters usage against the run's account.
type Charger interface {
	CreateUsageCharge(ctx context.Context, in billing.UsageInput) (*billing.Result, error)
}

type Options struct {
	Grader Grader
	Now    func() time.Time
	Logger *slog.Logger
}

type Handlers struct {
	store   Store
	charger Charger
	grader  Grader
	now     func() time.Time
	logger  *slog.Logger
}

func New(st Store, charger Charger, opts Options) *Handlers {
	h := &Handlers{store: st, charger: charger, grader: opts.Grader, now: opts.Now, logger: opts.Logger}
	if h.grader == nil {
		h.grader = PlaceholderGrader{}
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Register binds every step handler into r.
func (h *Handlers) Register(r *pipeline.Registry) {
	r.Register(pipeline.StepAssignmentTexNormalize, h.assignmentTexNormalize)
	r.Register(pipeline.StepAssignmentSplitTex, h.assignmentSplitTex)
	r.Register(pipeline.StepPDFRasterize, h.pdfRasterize)
	r.Register(pipeline.StepPDFToTex, h.pdfToTex)
	r.Register(pipeline.StepTexNormalize, h.texNormalize)
	r.Register(pipeline.StepSubmissionSplitTex, h.submissionSplitTex)
	r.Register(pipeline.StepEnsureAssignmentReady, h.ensureAssignmentReady)
	r.Register(pipeline.StepEvaluateProblem, h.evaluateProblem)
	r.Register(pipeline.StepAggregateEvaluation, h.aggregateEvaluation)
}

func (h *Handlers) assignmentTexNormalize(ctx context.Context, run *models.PipelineRun, _ *models.PipelineStep) (pipeline.Result, error) {
	if run.AssignmentID == nil {
		return pipeline.Failed("run has no assignment"), nil
	}
	a, err := h.store.GetAssignment(ctx, *run.AssignmentID)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("get assignment: %w", err)
	}
	if err := h.store.SetAssignmentNormalizedTex(ctx, a.ID, NormalizeTex(a.SourceTex), h.now().UTC()); err != nil {
		return pipeline.Result{}, fmt.Errorf("store normalized tex: %w", err)
	}
	return pipeline.Succeeded(), nil
}

func (h *Handlers) assignmentSplitTex(ctx context.Context, run *models.PipelineRun, step *models.PipelineStep) (pipeline.Result, error) {
	if run.AssignmentID == nil {
		return pipeline.Failed("run has no assignment"), nil
	}
	a, err := h.store.GetAssignment(ctx, *run.AssignmentID)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("get assignment: %w", err)
	}
	if a.NormalizedTex == nil {
		return pipeline.Requeue(h.now().Add(normalizePollDelay), "Assignment not normalized"), nil
	}

	now := h.now().UTC()
	parts := SplitProblems(*a.NormalizedTex)
	problems := make([]*models.AssignmentProblem, 0, len(parts))
	for _, p := range parts {
		problems = append(problems, &models.AssignmentProblem{
			ID:           uuid.New(),
			AssignmentID: a.ID,
			ProblemIndex: p.Index,
			Title:        p.Title,
			Body:         p.Body,
			MaxPoints:    1,
			CreatedAt:    now,
		})
	}
	if err := h.store.UpsertAssignmentProblems(ctx, problems); err != nil {
		return pipeline.Result{}, fmt.Errorf("store assignment problems: %w", err)
	}
	return h.charge(ctx, run, step, models.MetricSplitTex, 1)
}

func (h *Handlers) pdfRasterize(context.Context, *models.PipelineRun, *models.PipelineStep) (pipeline.Result, error) {
	return pipeline.Succeeded(), nil
}

func (h *Handlers) pdfToTex(ctx context.Context, run *models.PipelineRun, step *models.PipelineStep) (pipeline.Result, error) {
	meta, err := DecodeMeta(step.Name, step.Meta)
	if err != nil {
		return pipeline.Failed(err.Error()), nil
	}
	pages := meta.(*PDFToTexMeta).PageCount
	return h.charge(ctx, run, step, models.MetricVisionPage, int64(pages))
}

func (h *Handlers) texNormalize(ctx context.Context, run *models.PipelineRun, _ *models.PipelineStep) (pipeline.Result, error) {
	if run.SubmissionID == nil {
		return pipeline.Succeeded(), nil
	}
	sub, err := h.store.GetSubmission(ctx, *run.SubmissionID)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("get submission: %w", err)
	}
	if sub.CanonicalTexArtifactID != nil {
		return pipeline.Succeeded(), nil
	}

	source := placeholderTex
	if sub.PrimaryArtifactID != nil {
		primary, err := h.store.GetArtifact(ctx, *sub.PrimaryArtifactID)
		if err != nil {
			return pipeline.Result{}, fmt.Errorf("get primary artifact: %w", err)
		}
		if primary.TexBody != nil && *primary.TexBody != "" {
			source = *primary.TexBody
		}
	}
	body := NormalizeTex(source)
	now := h.now().UTC()
	derived := &models.Artifact{
		ID:           uuid.New(),
		SubmissionID: sub.ID,
		Kind:         models.ArtifactKindTEX,
		Origin:       models.ArtifactOriginDerived,
		TexBody:      &body,
		ParentID:     sub.PrimaryArtifactID,
		CreatedAt:    now,
	}
	if _, err := h.store.SetCanonicalArtifact(ctx, derived, now); err != nil {
		return pipeline.Result{}, fmt.Errorf("set canonical artifact: %w", err)
	}
	return pipeline.Succeeded(), nil
}

func (h *Handlers) submissionSplitTex(ctx context.Context, run *models.PipelineRun, step *models.PipelineStep) (pipeline.Result, error) {
	if run.SubmissionID == nil {
		return pipeline.Failed("run has no submission"), nil
	}
	sub, err := h.store.GetSubmission(ctx, *run.SubmissionID)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("get submission: %w", err)
	}
	if sub.CanonicalTexArtifactID == nil {
		return pipeline.Requeue(h.now().Add(normalizePollDelay), "Submission not normalized"), nil
	}
	art, err := h.store.GetArtifact(ctx, *sub.CanonicalTexArtifactID)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("get canonical artifact: %w", err)
	}
	tex := ""
	if art.TexBody != nil {
		tex = *art.TexBody
	}

	now := h.now().UTC()
	parts := SplitProblems(tex)
	problems := make([]*models.SubmissionProblem, 0, len(parts))
	for _, p := range parts {
		problems = append(problems, &models.SubmissionProblem{
			ID:           uuid.New(),
			SubmissionID: sub.ID,
			ProblemIndex: p.Index,
			Body:         p.Body,
			CreatedAt:    now,
		})
	}
	if err := h.store.UpsertSubmissionProblems(ctx, problems); err != nil {
		return pipeline.Result{}, fmt.Errorf("store submission problems: %w", err)
	}
	return h.charge(ctx, run, step, models.MetricSplitTex, 1)
}

// ensureAssignmentReady waits for the assignment to be split, then opens the
// run's evaluation and fans out one evaluation step per submission problem
// plus the aggregate step. Replays insert nothing new.
func (h *Handlers) ensureAssignmentReady(ctx context.Context, run *models.PipelineRun, _ *models.PipelineStep) (pipeline.Result, error) {
	if run.AssignmentID == nil || run.SubmissionID == nil {
		return pipeline.Failed("run has no submission"), nil
	}
	now := h.now().UTC()

	assignmentProblems, err := h.store.ListAssignmentProblems(ctx, *run.AssignmentID)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("list assignment problems: %w", err)
	}
	if len(assignmentProblems) == 0 {
		return pipeline.Requeue(now.Add(readinessPollDelay), "Assignment not ready"), nil
	}
	subProblems, err := h.store.ListSubmissionProblems(ctx, *run.SubmissionID)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("list submission problems: %w", err)
	}
	if len(subProblems) == 0 {
		return pipeline.Requeue(now.Add(normalizePollDelay), "Submission not split"), nil
	}

	eval, err := h.store.CreateEvaluation(ctx, &models.Evaluation{
		ID:           uuid.NewSHA1(evaluationNamespace, []byte(run.ID)),
		SubmissionID: *run.SubmissionID,
		RunID:        run.ID,
		Status:       models.EvaluationStatusQueued,
		Grader:       h.grader.Name(),
		CreatedAt:    now,
	})
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("create evaluation: %w", err)
	}
	if err := h.store.SetRunEvaluation(ctx, run.ID, eval.ID, now); err != nil {
		return pipeline.Result{}, fmt.Errorf("link evaluation: %w", err)
	}

	fanout := make([]*models.PipelineStep, 0, len(subProblems)+1)
	for _, sp := range subProblems {
		fanout = append(fanout, newStep(run.ID, pipeline.EvaluateProblemStepID(run.ID, sp.ID.String()),
			pipeline.StepEvaluateProblem, now, &EvaluateProblemMeta{
				SubmissionProblemID: sp.ID,
				EvaluationID:        eval.ID,
				ProblemIndex:        sp.ProblemIndex,
			}))
	}
	agg := newStep(run.ID, pipeline.AggregateStepID(run.ID), pipeline.StepAggregateEvaluation, now,
		&AggregateEvaluationMeta{EvaluationID: eval.ID})
	agg.RunAt = now.Add(aggregateDelay)
	fanout = append(fanout, agg)

	inserted, err := h.store.UpsertSteps(ctx, fanout)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("fan out evaluation steps: %w", err)
	}
	h.logger.Info("evaluation fanned out",
		"run_id", run.ID, "evaluation_id", eval.ID, "problems", len(subProblems), "inserted", inserted)
	return pipeline.Succeeded(), nil
}

func (h *Handlers) evaluateProblem(ctx context.Context, run *models.PipelineRun, step *models.PipelineStep) (pipeline.Result, error) {
	decoded, err := DecodeMeta(step.Name, step.Meta)
	if err != nil {
		return pipeline.Failed(err.Error()), nil
	}
	meta := decoded.(*EvaluateProblemMeta)
	if run.SubmissionID == nil || run.AssignmentID == nil {
		return pipeline.Failed("run has no submission"), nil
	}

	subProblems, err := h.store.ListSubmissionProblems(ctx, *run.SubmissionID)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("list submission problems: %w", err)
	}
	var problem *models.SubmissionProblem
	for _, sp := range subProblems {
		if sp.ID == meta.SubmissionProblemID {
			problem = sp
			break
		}
	}
	if problem == nil {
		return pipeline.Failed("submission problem not found"), nil
	}

	refs, err := h.store.ListAssignmentProblems(ctx, *run.AssignmentID)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("list assignment problems: %w", err)
	}
	var ref *models.AssignmentProblem
	for _, ap := range refs {
		if ap.ProblemIndex == problem.ProblemIndex {
			ref = ap
			break
		}
	}

	grade, err := h.grader.Grade(ctx, problem, ref)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("grade problem %d: %w", problem.ProblemIndex, err)
	}
	if err := h.store.UpsertProblemEvaluation(ctx, &models.ProblemEvaluation{
		ID:                  uuid.New(),
		EvaluationID:        meta.EvaluationID,
		SubmissionProblemID: problem.ID,
		Score:               grade.Score,
		MaxScore:            grade.MaxScore,
		Feedback:            grade.Feedback,
		CreatedAt:           h.now().UTC(),
	}); err != nil {
		return pipeline.Result{}, fmt.Errorf("store problem evaluation: %w", err)
	}
	return h.charge(ctx, run, step, models.MetricGradeProblem, 1)
}

func (h *Handlers) aggregateEvaluation(ctx context.Context, run *models.PipelineRun, step *models.PipelineStep) (pipeline.Result, error) {
	decoded, err := DecodeMeta(step.Name, step.Meta)
	if err != nil {
		return pipeline.Failed(err.Error()), nil
	}
	evalID := decoded.(*AggregateEvaluationMeta).EvaluationID
	if evalID == uuid.Nil && run.EvaluationID != nil {
		evalID = *run.EvaluationID
	}
	if evalID == uuid.Nil || run.SubmissionID == nil {
		return pipeline.Failed("run has no evaluation"), nil
	}

	subProblems, err := h.store.ListSubmissionProblems(ctx, *run.SubmissionID)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("list submission problems: %w", err)
	}
	evals, err := h.store.ListProblemEvaluations(ctx, evalID)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("list problem evaluations: %w", err)
	}
	if len(evals) < len(subProblems) {
		pending, failed, err := h.evaluationSteps(ctx, run.ID)
		if err != nil {
			return pipeline.Result{}, err
		}
		reason := fmt.Sprintf("waiting for %d of %d problem evaluations", len(subProblems)-len(evals), len(subProblems))
		switch {
		case failed > 0:
			return pipeline.Failed(fmt.Sprintf("%d problem evaluations did not succeed", failed)), nil
		case pending > 0:
			return pipeline.Await(h.now().Add(aggregatePollDelay), reason), nil
		default:
			return pipeline.Requeue(h.now().Add(aggregatePollDelay), reason), nil
		}
	}

	var points, outOf int
	for _, e := range evals {
		points += e.Score
		outOf += e.MaxScore
	}
	if err := h.store.CompleteEvaluation(ctx, evalID, points, outOf, h.now().UTC()); err != nil {
		return pipeline.Result{}, fmt.Errorf("complete evaluation: %w", err)
	}
	return pipeline.Succeeded(), nil
}

// evaluationSteps counts the run's EVALUATE_PROBLEM steps that are still
// pending and those that ended without succeeding.
func (h *Handlers) evaluationSteps(ctx context.Context, runID string) (pending, failed int, err error) {
	steps, err := h.store.ListSteps(ctx, runID)
	if err != nil {
		return 0, 0, fmt.Errorf("list run steps: %w", err)
	}
	for _, s := range steps {
		if s.Name != pipeline.StepEvaluateProblem {
			continue
		}
		switch s.Status {
		case models.StepStatusQueued, models.StepStatusRunning:
			pending++
		case models.StepStatusFailed, models.StepStatusCanceled:
			failed++
		}
	}
	return pending, failed, nil
}

// charge meters one step's usage. The idempotency key is derived from the
// step id so a re-executed step never charges twice. A metric without an
// active rate fails the attempt.
func (h *Handlers) charge(ctx context.Context, run *models.PipelineRun, step *models.PipelineStep, metric string, quantity int64) (pipeline.Result, error) {
	meta, _ := json.Marshal(map[string]string{"pipelineRunId": run.ID, "pipelineStepId": step.ID})
	runID, stepID := run.ID, step.ID
	_, err := h.charger.CreateUsageCharge(ctx, billing.UsageInput{
		AccountID:      run.AccountID,
		CourseID:       run.CourseID,
		Metric:         metric,
		Quantity:       quantity,
		RelatedType:    "pipeline_step",
		RelatedID:      step.ID,
		IdempotencyKey: "charge:step:" + step.ID,
		Meta:           meta,
		AssignmentID:   run.AssignmentID,
		SubmissionID:   run.SubmissionID,
		EvaluationID:   run.EvaluationID,
		PipelineRunID:  &runID,
		PipelineStepID: &stepID,
	})
	if errors.Is(err, apperr.ErrBillingConfig) {
		return pipeline.Failed(err.Error()), nil
	}
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("charge %s: %w", metric, err)
	}
	return pipeline.Succeeded(), nil
}

func newStep(runID, id, name string, now time.Time, meta Meta) *models.PipelineStep {
	return &models.PipelineStep{
		ID:          id,
		RunID:       runID,
		Name:        name,
		Status:      models.StepStatusQueued,
		RunAt:       now,
		MaxAttempts: pipeline.MaxAttemptsFor(name),
		Meta:        encodeMeta(meta),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
