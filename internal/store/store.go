package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrNoStep is returned by ClaimNextStep when nothing is due.
var ErrNoStep = errors.New("no claimable step")

// ErrLeaseLost is returned when an outcome is written for a step whose lease
// the caller no longer holds (swept, reclaimed, or canceled meanwhile).
var ErrLeaseLost = errors.New("step lease lost")

var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	PipelineStore
	BillingStore
	DomainStore
	KeyStore
}

// Lease identifies the claim a worker holds on a step. Outcome writes only
// apply while the step is still RUNNING under the same worker and attempt.
type Lease struct {
	StepID   string
	WorkerID string
	Attempt  int
}

// LeaseOf returns the lease a claimed step was handed out under.
func LeaseOf(step *models.PipelineStep, workerID string) Lease {
	return Lease{StepID: step.ID, WorkerID: workerID, Attempt: step.Attempt}
}

// ExpiredLease describes a step put back to QUEUED by SweepExpiredLeases.
type ExpiredLease struct {
	StepID   string
	RunID    string
	WorkerID string
	Attempt  int
}

type PipelineStore interface {
	// CreateRun inserts the run and its initial steps atomically. When the run
	// carries an idempotency key that already exists, the existing run is
	// returned with created=false and nothing is written.
	CreateRun(ctx context.Context, run *models.PipelineRun, steps []*models.PipelineStep) (*models.PipelineRun, bool, error)
	GetRun(ctx context.Context, id string) (*models.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.PipelineRun, error)
	SetRunEvaluation(ctx context.Context, runID string, evaluationID uuid.UUID, now time.Time) error
	// CancelRun marks a non-terminal run CANCELED and cancels its QUEUED and
	// RUNNING steps, returning the ids of the canceled steps.
	CancelRun(ctx context.Context, runID string, now time.Time) (*models.PipelineRun, []string, error)
	MarkRunRunning(ctx context.Context, runID string, now time.Time) (bool, error)
	// FinalizeRun moves a QUEUED/RUNNING run to SUCCEEDED or FAILED once none
	// of its steps are pending. It reports the run's status afterwards and
	// whether this call made the transition.
	FinalizeRun(ctx context.Context, runID string, now time.Time) (string, bool, error)

	GetStep(ctx context.Context, id string) (*models.PipelineStep, error)
	ListSteps(ctx context.Context, runID string) ([]*models.PipelineStep, error)
	// UpsertSteps inserts steps whose id does not exist yet and returns how
	// many were new. Existing steps are left untouched.
	UpsertSteps(ctx context.Context, steps []*models.PipelineStep) (int, error)
	RetryStep(ctx context.Context, stepID string, now time.Time) (*models.PipelineStep, error)

	SweepExpiredLeases(ctx context.Context, now time.Time) ([]ExpiredLease, error)
	ClaimNextStep(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*models.PipelineStep, error)
	CompleteStep(ctx context.Context, lease Lease, now time.Time) error
	RequeueStep(ctx context.Context, lease Lease, runAt time.Time, reason string, now time.Time) error
	FailStep(ctx context.Context, lease Lease, reason string, now time.Time) error

	AppendStepEvent(ctx context.Context, event *models.StepEvent) error
	ListStepEvents(ctx context.Context, stepID string, limit int) ([]*models.StepEvent, error)
}

type BillingStore interface {
	GetOrCreateAccount(ctx context.Context, kind string, ownerID uuid.UUID, name string, now time.Time) (*models.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (*models.AccountBalance, error)
	GetCourseBilling(ctx context.Context, courseID uuid.UUID) (*models.CourseBilling, error)
	// LinkCourseBilling pins a course to an account unless it already has one,
	// and returns whichever link is in place.
	LinkCourseBilling(ctx context.Context, courseID, accountID uuid.UUID, now time.Time) (*models.CourseBilling, error)

	// ApplyLedgerEntry inserts the entry and applies its delta to the balance
	// in one transaction, filling in BalanceAfter. An entry whose idempotency
	// key exists already is not applied; the stored entry is returned with
	// replayed=true.
	ApplyLedgerEntry(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error)
	// ApplyUsageCharge is ApplyLedgerEntry plus the usage event, all in the
	// same transaction.
	ApplyUsageCharge(ctx context.Context, event *models.UsageEvent, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error)
	ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]*models.LedgerEntry, error)
	SumLedgerDeltas(ctx context.Context, accountID uuid.UUID) (int64, error)
	ListUsageEvents(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.UsageEvent, error)

	CreateRateCard(ctx context.Context, rate *models.RateCard) error
	GetActiveRate(ctx context.Context, metric string, now time.Time) (*models.RateCard, error)
	ListActiveRates(ctx context.Context, now time.Time) ([]*models.RateCard, error)
}

// DomainStore covers the course records the pipeline handlers read and derive.
type DomainStore interface {
	CreateCourse(ctx context.Context, course *models.Course) error
	GetCourse(ctx context.Context, id uuid.UUID) (*models.Course, error)

	CreateAssignment(ctx context.Context, a *models.Assignment) error
	GetAssignment(ctx context.Context, id uuid.UUID) (*models.Assignment, error)
	SetAssignmentNormalizedTex(ctx context.Context, id uuid.UUID, tex string, now time.Time) error
	UpsertAssignmentProblems(ctx context.Context, problems []*models.AssignmentProblem) error
	ListAssignmentProblems(ctx context.Context, assignmentID uuid.UUID) ([]*models.AssignmentProblem, error)

	CreateSubmission(ctx context.Context, s *models.Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	CreateArtifact(ctx context.Context, a *models.Artifact) error
	GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error)
	// SetCanonicalArtifact stores a derived artifact and points the submission
	// at it, unless the submission already has a canonical artifact.
	SetCanonicalArtifact(ctx context.Context, artifact *models.Artifact, now time.Time) (uuid.UUID, error)
	UpsertSubmissionProblems(ctx context.Context, problems []*models.SubmissionProblem) error
	ListSubmissionProblems(ctx context.Context, submissionID uuid.UUID) ([]*models.SubmissionProblem, error)

	// CreateEvaluation inserts the evaluation if its id is new and returns the stored row.
	CreateEvaluation(ctx context.Context, e *models.Evaluation) (*models.Evaluation, error)
	GetEvaluation(ctx context.Context, id uuid.UUID) (*models.Evaluation, error)
	CompleteEvaluation(ctx context.Context, id uuid.UUID, points, outOf int, now time.Time) error
	UpsertProblemEvaluation(ctx context.Context, pe *models.ProblemEvaluation) error
	ListProblemEvaluations(ctx context.Context, evaluationID uuid.UUID) ([]*models.ProblemEvaluation, error)
}

type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// RunFilter selects runs for one assignment or one submission, newest first.
type RunFilter struct {
	AssignmentID *uuid.UUID
	SubmissionID *uuid.UUID
	Limit        int
}

// LedgerFilter pages through an account's entries newest first. Cursor is
// the id of the last entry of the previous page.
type LedgerFilter struct {
	AccountID uuid.UUID
	Cursor    string
	Limit     int
}

// ClampLimit normalizes a page size the way every list query does.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
