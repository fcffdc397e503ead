package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	PipelineAssignmentProcess = "ASSIGNMENT_PROCESS"
	PipelineSubmissionProcess = "SUBMISSION_PROCESS"
)

const (
	RunStatusQueued    = "QUEUED"
	RunStatusRunning   = "RUNNING"
	RunStatusSucceeded = "SUCCEEDED"
	RunStatusFailed    = "FAILED"
	RunStatusCanceled  = "CANCELED"
)

const (
	StepStatusQueued    = "QUEUED"
	StepStatusRunning   = "RUNNING"
	StepStatusSucceeded = "SUCCEEDED"
	StepStatusFailed    = "FAILED"
	StepStatusSkipped   = "SKIPPED"
	StepStatusCanceled  = "CANCELED"
)

// PipelineRun is one processing job for an assignment or a submission.
// Status only moves forward; a terminal run is never reopened.
type PipelineRun struct {
	ID             string          `db:"id"              json:"id"`
	Pipeline       string          `db:"pipeline"        json:"pipeline"`
	CourseID       uuid.UUID       `db:"course_id"       json:"course_id"`
	AccountID      uuid.UUID       `db:"account_id"      json:"account_id"`
	AssignmentID   *uuid.UUID      `db:"assignment_id"   json:"assignment_id,omitempty"`
	SubmissionID   *uuid.UUID      `db:"submission_id"   json:"submission_id,omitempty"`
	EvaluationID   *uuid.UUID      `db:"evaluation_id"   json:"evaluation_id,omitempty"`
	Status         string          `db:"status"          json:"status"`
	CreatedBy      string          `db:"created_by"      json:"created_by"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Meta           json.RawMessage `db:"meta"            json:"meta,omitempty"`
	StartedAt      *time.Time      `db:"started_at"      json:"started_at,omitempty"`
	FinishedAt     *time.Time      `db:"finished_at"     json:"finished_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"      json:"updated_at"`
}

// PipelineStep is the schedulable unit of work inside a run. The lock fields
// are set only while a worker holds a lease on the step.
type PipelineStep struct {
	ID           string          `db:"id"            json:"id"`
	RunID        string          `db:"run_id"        json:"run_id"`
	Name         string          `db:"name"          json:"name"`
	Status       string          `db:"status"        json:"status"`
	RunAt        time.Time       `db:"run_at"        json:"run_at"`
	Priority     int             `db:"priority"      json:"priority"`
	Attempt      int             `db:"attempt"       json:"attempt"`
	MaxAttempts  int             `db:"max_attempts"  json:"max_attempts"`
	LockedBy     *string         `db:"locked_by"     json:"locked_by,omitempty"`
	LockedUntil  *time.Time      `db:"locked_until"  json:"locked_until,omitempty"`
	HeartbeatAt  *time.Time      `db:"heartbeat_at"  json:"heartbeat_at,omitempty"`
	Meta         json.RawMessage `db:"meta"          json:"meta,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time      `db:"started_at"    json:"started_at,omitempty"`
	FinishedAt   *time.Time      `db:"finished_at"   json:"finished_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}

const (
	StepEventClaimed        = "CLAIMED"
	StepEventSucceeded      = "SUCCEEDED"
	StepEventRequeued       = "REQUEUED"
	StepEventRetryScheduled = "RETRY_SCHEDULED"
	StepEventFailed         = "FAILED"
	StepEventLeaseLost      = "LEASE_LOST"
	StepEventRetried        = "RETRIED"
	StepEventCanceled       = "CANCELED"
)

// StepEvent is an audit record of one transition of a step.
type StepEvent struct {
	ID        int64     `db:"id"         json:"id"`
	StepID    string    `db:"step_id"    json:"step_id"`
	RunID     string    `db:"run_id"     json:"run_id"`
	Type      string    `db:"type"       json:"type"`
	WorkerID  *string   `db:"worker_id"  json:"worker_id,omitempty"`
	Attempt   int       `db:"attempt"    json:"attempt"`
	Message   *string   `db:"message"    json:"message,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// IsTerminalRunStatus reports whether a run in status s can no longer change.
func IsTerminalRunStatus(s string) bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// IsTerminalStepStatus reports whether a step in status s is finished.
func IsTerminalStepStatus(s string) bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped, StepStatusCanceled:
		return true
	}
	return false
}
