// Package memory is an in-process Store used by tests and local runs. It
// holds the same constraints the Postgres schema enforces, guarded by a
// single mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gradeflow/internal/store"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.Mutex

	// Pipelines
	runs      map[string]*models.PipelineRun
	runKeys   map[string]string
	steps     map[string]*models.PipelineStep
	events    []*models.StepEvent
	nextEvent int64

	// Billing
	accounts      map[uuid.UUID]*models.Account
	balances      map[uuid.UUID]*models.AccountBalance
	courseBilling map[uuid.UUID]*models.CourseBilling
	ledger        []*models.LedgerEntry
	ledgerKeys    map[string]*models.LedgerEntry
	usage         []*models.UsageEvent
	rates         []*models.RateCard

	// Domain
	courses            map[uuid.UUID]*models.Course
	assignments        map[uuid.UUID]*models.Assignment
	assignmentProblems map[uuid.UUID][]*models.AssignmentProblem
	submissions        map[uuid.UUID]*models.Submission
	artifacts          map[uuid.UUID]*models.Artifact
	submissionProblems map[uuid.UUID][]*models.SubmissionProblem
	evaluations        map[uuid.UUID]*models.Evaluation
	problemEvals       map[uuid.UUID][]*models.ProblemEvaluation

	apiKeys map[uuid.UUID]*models.APIKey
}

func New() *Store {
	return &Store{
		runs:               make(map[string]*models.PipelineRun),
		runKeys:            make(map[string]string),
		steps:              make(map[string]*models.PipelineStep),
		accounts:           make(map[uuid.UUID]*models.Account),
		balances:           make(map[uuid.UUID]*models.AccountBalance),
		courseBilling:      make(map[uuid.UUID]*models.CourseBilling),
		ledgerKeys:         make(map[string]*models.LedgerEntry),
		courses:            make(map[uuid.UUID]*models.Course),
		assignments:        make(map[uuid.UUID]*models.Assignment),
		assignmentProblems: make(map[uuid.UUID][]*models.AssignmentProblem),
		submissions:        make(map[uuid.UUID]*models.Submission),
		artifacts:          make(map[uuid.UUID]*models.Artifact),
		submissionProblems: make(map[uuid.UUID][]*models.SubmissionProblem),
		evaluations:        make(map[uuid.UUID]*models.Evaluation),
		problemEvals:       make(map[uuid.UUID][]*models.ProblemEvaluation),
		apiKeys:            make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *Store) Ping(_ context.Context) error { return nil }

func ptr[T any](v T) *T { return &v }

// --- Courses & Assignments ---

func (s *Store) CreateCourse(_ context.Context, c *models.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.courses[c.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *c
	s.courses[c.ID] = &cp
	return nil
}

func (s *Store) GetCourse(_ context.Context, id uuid.UUID) (*models.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.courses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) CreateAssignment(_ context.Context, a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assignments[a.ID]; ok {
		return store.ErrDuplicateKey
	}
	if _, ok := s.courses[a.CourseID]; !ok {
		return store.ErrNotFound
	}
	cp := *a
	s.assignments[a.ID] = &cp
	return nil
}

func (s *Store) GetAssignment(_ context.Context, id uuid.UUID) (*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) SetAssignmentNormalizedTex(_ context.Context, id uuid.UUID, tex string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return store.ErrNotFound
	}
	a.NormalizedTex = ptr(tex)
	a.UpdatedAt = now
	return nil
}

func (s *Store) UpsertAssignmentProblems(_ context.Context, problems []*models.AssignmentProblem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range problems {
		existing := s.assignmentProblems[p.AssignmentID]
		if containsIndex(existing, func(e *models.AssignmentProblem) bool { return e.ProblemIndex == p.ProblemIndex }) {
			continue
		}
		cp := *p
		s.assignmentProblems[p.AssignmentID] = append(existing, &cp)
	}
	return nil
}

func (s *Store) ListAssignmentProblems(_ context.Context, assignmentID uuid.UUID) ([]*models.AssignmentProblem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := cloneAll(s.assignmentProblems[assignmentID])
	sort.Slice(out, func(i, j int) bool { return out[i].ProblemIndex < out[j].ProblemIndex })
	return out, nil
}

// --- Submissions & Artifacts ---

func (s *Store) CreateSubmission(_ context.Context, sub *models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[sub.ID]; ok {
		return store.ErrDuplicateKey
	}
	if _, ok := s.assignments[sub.AssignmentID]; !ok {
		return store.ErrNotFound
	}
	cp := *sub
	s.submissions[sub.ID] = &cp
	return nil
}

func (s *Store) GetSubmission(_ context.Context, id uuid.UUID) (*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *Store) CreateArtifact(_ context.Context, a *models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.artifacts[a.ID]; !ok {
		cp := *a
		s.artifacts[a.ID] = &cp
	}
	return nil
}

func (s *Store) GetArtifact(_ context.Context, id uuid.UUID) (*models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) SetCanonicalArtifact(_ context.Context, a *models.Artifact, now time.Time) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[a.SubmissionID]
	if !ok {
		return uuid.Nil, store.ErrNotFound
	}
	if sub.CanonicalTexArtifactID != nil {
		return *sub.CanonicalTexArtifactID, nil
	}
	if _, ok := s.artifacts[a.ID]; !ok {
		cp := *a
		s.artifacts[a.ID] = &cp
	}
	sub.CanonicalTexArtifactID = ptr(a.ID)
	sub.UpdatedAt = now
	return a.ID, nil
}

func (s *Store) UpsertSubmissionProblems(_ context.Context, problems []*models.SubmissionProblem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range problems {
		existing := s.submissionProblems[p.SubmissionID]
		if containsIndex(existing, func(e *models.SubmissionProblem) bool { return e.ProblemIndex == p.ProblemIndex }) {
			continue
		}
		cp := *p
		s.submissionProblems[p.SubmissionID] = append(existing, &cp)
	}
	return nil
}

func (s *Store) ListSubmissionProblems(_ context.Context, submissionID uuid.UUID) ([]*models.SubmissionProblem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := cloneAll(s.submissionProblems[submissionID])
	sort.Slice(out, func(i, j int) bool { return out[i].ProblemIndex < out[j].ProblemIndex })
	return out, nil
}

// --- Evaluations ---

func (s *Store) CreateEvaluation(_ context.Context, e *models.Evaluation) (*models.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.evaluations[e.ID]; !ok {
		cp := *e
		s.evaluations[e.ID] = &cp
	}
	cp := *s.evaluations[e.ID]
	return &cp, nil
}

func (s *Store) GetEvaluation(_ context.Context, id uuid.UUID) (*models.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.evaluations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) CompleteEvaluation(_ context.Context, id uuid.UUID, points, outOf int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.evaluations[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = models.EvaluationStatusCompleted
	e.ScorePoints = ptr(points)
	e.ScoreOutOf = ptr(outOf)
	e.CompletedAt = ptr(now)
	return nil
}

func (s *Store) UpsertProblemEvaluation(_ context.Context, pe *models.ProblemEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.problemEvals[pe.EvaluationID]
	if containsIndex(existing, func(e *models.ProblemEvaluation) bool { return e.SubmissionProblemID == pe.SubmissionProblemID }) {
		return nil
	}
	cp := *pe
	s.problemEvals[pe.EvaluationID] = append(existing, &cp)
	return nil
}

func (s *Store) ListProblemEvaluations(_ context.Context, evaluationID uuid.UUID) ([]*models.ProblemEvaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return cloneAll(s.problemEvals[evaluationID]), nil
}

// --- API Keys ---

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.apiKeys[id]; ok {
		now := time.Now()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apiKeys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

func (s *Store) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[id]
	if !ok || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

func containsIndex[T any](items []*T, match func(*T) bool) bool {
	for _, it := range items {
		if match(it) {
			return true
		}
	}
	return false
}

func cloneAll[T any](items []*T) []*T {
	out := make([]*T, 0, len(items))
	for _, it := range items {
		cp := *it
		out = append(out, &cp)
	}
	return out
}
