package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ArtifactKindPDF = "PDF"
	ArtifactKindTEX = "TEX"

	ArtifactOriginUpload  = "UPLOAD"
	ArtifactOriginDerived = "DERIVED"
)

const (
	EvaluationStatusQueued    = "QUEUED"
	EvaluationStatusCompleted = "COMPLETED"
)

// Course is read by the billing gate to find the billing account.
type Course struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedBy uuid.UUID `db:"created_by" json:"created_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CourseBilling pins a course to the account that pays for its processing.
type CourseBilling struct {
	CourseID  uuid.UUID `db:"course_id"  json:"course_id"`
	AccountID uuid.UUID `db:"account_id" json:"account_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Assignment struct {
	ID            uuid.UUID `db:"id"             json:"id"`
	CourseID      uuid.UUID `db:"course_id"      json:"course_id"`
	Title         string    `db:"title"          json:"title"`
	SourceTex     string    `db:"source_tex"     json:"source_tex"`
	NormalizedTex *string   `db:"normalized_tex" json:"normalized_tex,omitempty"`
	CreatedAt     time.Time `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"     json:"updated_at"`
}

type AssignmentProblem struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	AssignmentID uuid.UUID `db:"assignment_id" json:"assignment_id"`
	ProblemIndex int       `db:"problem_index" json:"problem_index"`
	Title        string    `db:"title"         json:"title"`
	Body         string    `db:"body"          json:"body"`
	MaxPoints    int       `db:"max_points"    json:"max_points"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}

type Submission struct {
	ID                     uuid.UUID  `db:"id"                        json:"id"`
	AssignmentID           uuid.UUID  `db:"assignment_id"             json:"assignment_id"`
	StudentID              uuid.UUID  `db:"student_id"                json:"student_id"`
	PrimaryArtifactID      *uuid.UUID `db:"primary_artifact_id"       json:"primary_artifact_id,omitempty"`
	CanonicalTexArtifactID *uuid.UUID `db:"canonical_tex_artifact_id" json:"canonical_tex_artifact_id,omitempty"`
	CreatedAt              time.Time  `db:"created_at"                json:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at"                json:"updated_at"`
}

// Artifact is an uploaded or derived file. Only TEX artifacts carry a body
// in the database; PDF bytes live in object storage.
type Artifact struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	SubmissionID uuid.UUID  `db:"submission_id" json:"submission_id"`
	Kind         string     `db:"kind"          json:"kind"`
	Origin       string     `db:"origin"        json:"origin"`
	TexBody      *string    `db:"tex_body"      json:"tex_body,omitempty"`
	PageCount    int        `db:"page_count"    json:"page_count"`
	ParentID     *uuid.UUID `db:"parent_id"     json:"parent_id,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
}

type SubmissionProblem struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	SubmissionID uuid.UUID `db:"submission_id" json:"submission_id"`
	ProblemIndex int       `db:"problem_index" json:"problem_index"`
	Body         string    `db:"body"          json:"body"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}

type Evaluation struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	SubmissionID uuid.UUID  `db:"submission_id" json:"submission_id"`
	RunID        string     `db:"run_id"        json:"run_id"`
	Status       string     `db:"status"        json:"status"`
	Grader       string     `db:"grader"        json:"grader"`
	ScorePoints  *int       `db:"score_points"  json:"score_points,omitempty"`
	ScoreOutOf   *int       `db:"score_out_of"  json:"score_out_of,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
}

type ProblemEvaluation struct {
	ID                  uuid.UUID `db:"id"                    json:"id"`
	EvaluationID        uuid.UUID `db:"evaluation_id"         json:"evaluation_id"`
	SubmissionProblemID uuid.UUID `db:"submission_problem_id" json:"submission_problem_id"`
	Score               int       `db:"score"                 json:"score"`
	MaxScore            int       `db:"max_score"             json:"max_score"`
	Feedback            string    `db:"feedback"              json:"feedback"`
	CreatedAt           time.Time `db:"created_at"            json:"created_at"`
}
