package pipeline

import (
	"fmt"

	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

// Step names.
const (
	StepAssignmentTexNormalize = "ASSIGNMENT_TEX_NORMALIZE"
	StepAssignmentSplitTex     = "ASSIGNMENT_SPLIT_TEX"
	StepPDFRasterize           = "PDF_RASTERIZE"
	StepPDFToTex               = "PDF_TO_TEX"
	StepTexNormalize           = "TEX_NORMALIZE"
	StepSubmissionSplitTex     = "SUBMISSION_SPLIT_TEX"
	StepEnsureAssignmentReady  = "ENSURE_ASSIGNMENT_READY"
	StepEvaluateProblem        = "EVALUATE_PROBLEM"
	StepAggregateEvaluation    = "AGGREGATE_EVALUATION"
)

var (
	assignmentSteps       = []string{StepAssignmentTexNormalize, StepAssignmentSplitTex}
	pdfSteps              = []string{StepPDFRasterize, StepPDFToTex, StepTexNormalize}
	texSteps              = []string{StepTexNormalize}
	submissionCommonSteps = []string{StepSubmissionSplitTex, StepEnsureAssignmentReady}
)

// AssignmentSteps is the initial step set of an assignment pipeline.
func AssignmentSteps() []string {
	return append([]string(nil), assignmentSteps...)
}

// SubmissionSteps is the initial step set of a submission pipeline for the
// given primary artifact kind.
func SubmissionSteps(artifactKind string) []string {
	var out []string
	if artifactKind == models.ArtifactKindPDF {
		out = append(out, pdfSteps...)
	} else {
		out = append(out, texSteps...)
	}
	return append(out, submissionCommonSteps...)
}

// MaxAttemptsFor returns the attempt budget of a step. Steps that poll for an
// upstream precondition get a larger budget than ordinary work.
func MaxAttemptsFor(name string) int {
	switch name {
	case StepEnsureAssignmentReady, StepAggregateEvaluation:
		return 20
	case StepAssignmentSplitTex, StepSubmissionSplitTex:
		return 10
	default:
		return 3
	}
}

// EvaluateProblemStepID is the deterministic id of the evaluation step for
// one submission problem.
func EvaluateProblemStepID(runID, submissionProblemID string) string {
	return fmt.Sprintf("%s_%s_%s", runID, StepEvaluateProblem, submissionProblemID)
}

func AggregateStepID(runID string) string {
	return runID + "_" + StepAggregateEvaluation
}
