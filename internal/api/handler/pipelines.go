package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/gradeflow/internal/api/middleware"
	"github.com/kiranshivaraju/gradeflow/internal/api/response"
	"github.com/kiranshivaraju/gradeflow/internal/pipeline"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

// PipelineService is the part of pipeline.Service the handlers call.
type PipelineService interface {
	CreateAssignmentPipeline(ctx context.Context, in pipeline.AssignmentPipelineInput) (*pipeline.Admission, error)
	CreateSubmissionPipeline(ctx context.Context, in pipeline.SubmissionPipelineInput) (*pipeline.Admission, error)
	ListRunsForAssignment(ctx context.Context, assignmentID uuid.UUID, limit int) ([]*models.PipelineRun, error)
	ListRunsForSubmission(ctx context.Context, submissionID uuid.UUID, limit int) ([]*models.PipelineRun, error)
	GetRun(ctx context.Context, runID string) (*models.PipelineRun, error)
	GetRunWithSteps(ctx context.Context, runID string) (*pipeline.RunDetail, error)
	CancelRun(ctx context.Context, runID string) (*models.PipelineRun, error)
	RetryStep(ctx context.Context, stepID string) (*models.PipelineStep, error)
	ListStepEvents(ctx context.Context, stepID string, limit int) ([]*models.StepEvent, error)
}

// RunStatusCache holds the last known status of each run.
type RunStatusCache interface {
	GetRunStatus(ctx context.Context, runID string) (string, bool, error)
	SetRunStatus(ctx context.Context, runID, status string, ttl time.Duration) error
}

const runStatusTTL = 24 * time.Hour

type admissionResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Created bool   `json:"created"`
}

func writeAdmission(w http.ResponseWriter, adm *pipeline.Admission) {
	response.Accepted(w, admissionResponse{
		RunID:   adm.Run.ID,
		Status:  adm.Run.Status,
		Created: adm.Created,
	})
}

// idempotencyKey prefers the body field and falls back to the header.
func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get(mw.IdempotencyHeader)
}

func caller(r *http.Request) string {
	name, _ := mw.GetCaller(r)
	return name
}

// NewCreateAssignmentPipelineHandler handles
// POST /api/v1/assignments/{assignmentID}/pipelines.
func NewCreateAssignmentPipelineHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assignmentID, ok := uuidParam(w, r, "assignmentID")
		if !ok {
			return
		}
		var req struct {
			CourseID       string `json:"course_id"`
			AccountID      string `json:"account_id"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		courseID, ok := requiredUUID(w, "course_id", req.CourseID)
		if !ok {
			return
		}
		accountID, ok := optionalUUID(w, "account_id", req.AccountID)
		if !ok {
			return
		}

		adm, err := svc.CreateAssignmentPipeline(r.Context(), pipeline.AssignmentPipelineInput{
			CourseID:       courseID,
			AssignmentID:   assignmentID,
			AccountID:      accountID,
			CreatedBy:      caller(r),
			IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		})
		if err != nil {
			response.FromError(w, err)
			return
		}
		writeAdmission(w, adm)
	}
}

// NewCreateSubmissionPipelineHandler handles
// POST /api/v1/submissions/{submissionID}/pipelines.
func NewCreateSubmissionPipelineHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		submissionID, ok := uuidParam(w, r, "submissionID")
		if !ok {
			return
		}
		var req struct {
			CourseID       string `json:"course_id"`
			AssignmentID   string `json:"assignment_id"`
			ArtifactKind   string `json:"artifact_kind"`
			ArtifactID     string `json:"artifact_id"`
			AccountID      string `json:"account_id"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		courseID, ok := requiredUUID(w, "course_id", req.CourseID)
		if !ok {
			return
		}
		assignmentID, ok := requiredUUID(w, "assignment_id", req.AssignmentID)
		if !ok {
			return
		}
		artifactID, ok := optionalUUID(w, "artifact_id", req.ArtifactID)
		if !ok {
			return
		}
		accountID, ok := optionalUUID(w, "account_id", req.AccountID)
		if !ok {
			return
		}

		adm, err := svc.CreateSubmissionPipeline(r.Context(), pipeline.SubmissionPipelineInput{
			CourseID:       courseID,
			AssignmentID:   assignmentID,
			SubmissionID:   submissionID,
			ArtifactKind:   req.ArtifactKind,
			ArtifactID:     artifactID,
			AccountID:      accountID,
			CreatedBy:      caller(r),
			IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		})
		if err != nil {
			response.FromError(w, err)
			return
		}
		writeAdmission(w, adm)
	}
}

// NewListAssignmentRunsHandler handles GET /api/v1/assignments/{assignmentID}/pipelines.
func NewListAssignmentRunsHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "assignmentID")
		if !ok {
			return
		}
		limit := pageLimit(r)
		runs, err := svc.ListRunsForAssignment(r.Context(), id, limit)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.Collection(w, runs, response.PaginationMeta{Limit: limit})
	}
}

// NewListSubmissionRunsHandler handles GET /api/v1/submissions/{submissionID}/pipelines.
func NewListSubmissionRunsHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "submissionID")
		if !ok {
			return
		}
		limit := pageLimit(r)
		runs, err := svc.ListRunsForSubmission(r.Context(), id, limit)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.Collection(w, runs, response.PaginationMeta{Limit: limit})
	}
}

// NewGetRunHandler handles GET /api/v1/pipeline-runs/{runID}.
func NewGetRunHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := svc.GetRunWithSteps(r.Context(), chi.URLParam(r, "runID"))
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, detail)
	}
}

// NewRunStatusHandler handles GET /api/v1/pipeline-runs/{runID}/status. The
// cached status is served when present; misses read the run and refill the
// cache.
func NewRunStatusHandler(svc PipelineService, c RunStatusCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")

		status, found, err := c.GetRunStatus(r.Context(), runID)
		if err != nil {
			slog.Warn("run status cache read failed", "run_id", runID, "error", err)
		}
		if found {
			response.JSON(w, map[string]any{"run_id": runID, "status": status, "cached": true})
			return
		}

		run, err := svc.GetRun(r.Context(), runID)
		if err != nil {
			response.FromError(w, err)
			return
		}
		if err := c.SetRunStatus(r.Context(), runID, run.Status, runStatusTTL); err != nil {
			slog.Warn("run status cache write failed", "run_id", runID, "error", err)
		}
		response.JSON(w, map[string]any{"run_id": runID, "status": run.Status, "cached": false})
	}
}

// NewCancelRunHandler handles POST /api/v1/pipeline-runs/{runID}/cancel.
func NewCancelRunHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := svc.CancelRun(r.Context(), chi.URLParam(r, "runID"))
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, run)
	}
}

// NewRetryStepHandler handles POST /api/v1/pipeline-steps/{stepID}/retry.
func NewRetryStepHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		step, err := svc.RetryStep(r.Context(), chi.URLParam(r, "stepID"))
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, step)
	}
}

// NewListStepEventsHandler handles GET /api/v1/pipeline-steps/{stepID}/events.
func NewListStepEventsHandler(svc PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := pageLimit(r)
		events, err := svc.ListStepEvents(r.Context(), chi.URLParam(r, "stepID"), limit)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.Collection(w, events, response.PaginationMeta{Limit: limit})
	}
}
