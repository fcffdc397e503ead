package steps

import (
	"context"

	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

// Grade is a grader's verdict for one problem.
type Grade struct {
	Score    int
	MaxScore int
	Feedback string
}

// Grader scores one submission problem against its assignment problem.
// ref is nil when the assignment has no problem at the same index.
type Grader interface {
	Name() string
	Grade(ctx context.Context, problem *models.SubmissionProblem, ref *models.AssignmentProblem) (Grade, error)
}

// PlaceholderGrader awards zero points out of the problem's maximum. It is
// the default until a model-backed grader is configured.
type PlaceholderGrader struct{}

func (PlaceholderGrader) Name() string { return "default" }

func (PlaceholderGrader) Grade(_ context.Context, _ *models.SubmissionProblem, ref *models.AssignmentProblem) (Grade, error) {
	max := 1
	if ref != nil && ref.MaxPoints > 0 {
		max = ref.MaxPoints
	}
	return Grade{Score: 0, MaxScore: max}, nil
}
