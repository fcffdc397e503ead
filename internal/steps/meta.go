package steps

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gradeflow/internal/pipeline"
)

// Meta is the decoded payload of a step. Each step name has its own shape.
type Meta interface {
	Validate() error
}

// NoMeta is the payload of steps that take no parameters.
type NoMeta struct{}

func (NoMeta) Validate() error { return nil }

type PDFToTexMeta struct {
	PageCount int `json:"pageCount"`
}

func (m *PDFToTexMeta) Validate() error {
	if m.PageCount < 0 {
		return fmt.Errorf("pageCount must not be negative")
	}
	if m.PageCount == 0 {
		m.PageCount = 1
	}
	return nil
}

type EvaluateProblemMeta struct {
	SubmissionProblemID uuid.UUID `json:"submissionProblemId"`
	EvaluationID        uuid.UUID `json:"evaluationId"`
	ProblemIndex        int       `json:"problemIndex"`
}

func (m *EvaluateProblemMeta) Validate() error {
	if m.SubmissionProblemID == uuid.Nil || m.EvaluationID == uuid.Nil {
		return fmt.Errorf("missing evaluation metadata")
	}
	return nil
}

type AggregateEvaluationMeta struct {
	EvaluationID uuid.UUID `json:"evaluationId"`
}

func (m *AggregateEvaluationMeta) Validate() error { return nil }

// DecodeMeta parses and validates the payload for the named step.
func DecodeMeta(name string, raw json.RawMessage) (Meta, error) {
	var m Meta
	switch name {
	case pipeline.StepPDFToTex:
		m = &PDFToTexMeta{}
	case pipeline.StepEvaluateProblem:
		m = &EvaluateProblemMeta{}
	case pipeline.StepAggregateEvaluation:
		m = &AggregateEvaluationMeta{}
	default:
		return NoMeta{}, nil
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, m); err != nil {
			return nil, fmt.Errorf("decode %s meta: %w", name, err)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s meta: %w", name, err)
	}
	return m, nil
}

func encodeMeta(m Meta) json.RawMessage {
	b, _ := json.Marshal(m)
	return b
}
