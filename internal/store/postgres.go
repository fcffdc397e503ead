package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
		&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Courses & Assignments ---

func (s *PostgresStore) CreateCourse(ctx context.Context, c *models.Course) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO courses (id, name, created_by, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Name, c.CreatedBy, c.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCourse(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	var c models.Course
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_by, created_at FROM courses WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get course: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assignments (id, course_id, title, source_tex, normalized_tex, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.CourseID, a.Title, a.SourceTex, a.NormalizedTex, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, id uuid.UUID) (*models.Assignment, error) {
	var a models.Assignment
	err := s.pool.QueryRow(ctx,
		`SELECT id, course_id, title, source_tex, normalized_tex, created_at, updated_at
		 FROM assignments WHERE id = $1`, id,
	).Scan(&a.ID, &a.CourseID, &a.Title, &a.SourceTex, &a.NormalizedTex, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) SetAssignmentNormalizedTex(ctx context.Context, id uuid.UUID, tex string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assignments SET normalized_tex = $2, updated_at = $3 WHERE id = $1`, id, tex, now)
	if err != nil {
		return fmt.Errorf("set normalized tex: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertAssignmentProblems(ctx context.Context, problems []*models.AssignmentProblem) error {
	batch := &pgx.Batch{}
	for _, p := range problems {
		batch.Queue(
			`INSERT INTO assignment_problems (id, assignment_id, problem_index, title, body, max_points, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (assignment_id, problem_index) DO NOTHING`,
			p.ID, p.AssignmentID, p.ProblemIndex, p.Title, p.Body, p.MaxPoints, p.CreatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert assignment problems: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAssignmentProblems(ctx context.Context, assignmentID uuid.UUID) ([]*models.AssignmentProblem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, assignment_id, problem_index, title, body, max_points, created_at
		 FROM assignment_problems WHERE assignment_id = $1 ORDER BY problem_index`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("list assignment problems: %w", err)
	}
	defer rows.Close()

	var out []*models.AssignmentProblem
	for rows.Next() {
		var p models.AssignmentProblem
		if err := rows.Scan(&p.ID, &p.AssignmentID, &p.ProblemIndex, &p.Title, &p.Body,
			&p.MaxPoints, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment problem: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// --- Submissions & Artifacts ---

func (s *PostgresStore) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO submissions (id, assignment_id, student_id, primary_artifact_id, canonical_tex_artifact_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.AssignmentID, sub.StudentID, sub.PrimaryArtifactID, sub.CanonicalTexArtifactID,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	var sub models.Submission
	err := s.pool.QueryRow(ctx,
		`SELECT id, assignment_id, student_id, primary_artifact_id, canonical_tex_artifact_id, created_at, updated_at
		 FROM submissions WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.AssignmentID, &sub.StudentID, &sub.PrimaryArtifactID,
		&sub.CanonicalTexArtifactID, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return &sub, nil
}

const artifactColumns = `id, submission_id, kind, origin, tex_body, page_count, parent_id, created_at`

func insertArtifact(ctx context.Context, q querier, a *models.Artifact) error {
	_, err := q.Exec(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.SubmissionID, a.Kind, a.Origin, a.TexBody, a.PageCount, a.ParentID, a.CreatedAt)
	return err
}

func (s *PostgresStore) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	if err := insertArtifact(ctx, s.pool, a); err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	var a models.Artifact
	err := s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id,
	).Scan(&a.ID, &a.SubmissionID, &a.Kind, &a.Origin, &a.TexBody, &a.PageCount, &a.ParentID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) SetCanonicalArtifact(ctx context.Context, a *models.Artifact, now time.Time) (uuid.UUID, error) {
	var canonical uuid.UUID
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var current *uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT canonical_tex_artifact_id FROM submissions WHERE id = $1 FOR UPDATE`, a.SubmissionID,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if current != nil {
			canonical = *current
			return nil
		}
		if err := insertArtifact(ctx, tx, a); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE submissions SET canonical_tex_artifact_id = $2, updated_at = $3 WHERE id = $1`,
			a.SubmissionID, a.ID, now); err != nil {
			return err
		}
		canonical = a.ID
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("set canonical artifact: %w", err)
	}
	return canonical, nil
}

func (s *PostgresStore) UpsertSubmissionProblems(ctx context.Context, problems []*models.SubmissionProblem) error {
	batch := &pgx.Batch{}
	for _, p := range problems {
		batch.Queue(
			`INSERT INTO submission_problems (id, submission_id, problem_index, body, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (submission_id, problem_index) DO NOTHING`,
			p.ID, p.SubmissionID, p.ProblemIndex, p.Body, p.CreatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert submission problems: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSubmissionProblems(ctx context.Context, submissionID uuid.UUID) ([]*models.SubmissionProblem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, submission_id, problem_index, body, created_at
		 FROM submission_problems WHERE submission_id = $1 ORDER BY problem_index`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list submission problems: %w", err)
	}
	defer rows.Close()

	var out []*models.SubmissionProblem
	for rows.Next() {
		var p models.SubmissionProblem
		if err := rows.Scan(&p.ID, &p.SubmissionID, &p.ProblemIndex, &p.Body, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan submission problem: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// --- Evaluations ---

const evaluationColumns = `id, submission_id, run_id, status, grader, score_points, score_out_of, completed_at, created_at`

func (s *PostgresStore) CreateEvaluation(ctx context.Context, e *models.Evaluation) (*models.Evaluation, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO evaluations (`+evaluationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.SubmissionID, e.RunID, e.Status, e.Grader, e.ScorePoints, e.ScoreOutOf, e.CompletedAt, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create evaluation: %w", err)
	}
	return s.GetEvaluation(ctx, e.ID)
}

func (s *PostgresStore) GetEvaluation(ctx context.Context, id uuid.UUID) (*models.Evaluation, error) {
	var e models.Evaluation
	err := s.pool.QueryRow(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE id = $1`, id,
	).Scan(&e.ID, &e.SubmissionID, &e.RunID, &e.Status, &e.Grader, &e.ScorePoints, &e.ScoreOutOf,
		&e.CompletedAt, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) CompleteEvaluation(ctx context.Context, id uuid.UUID, points, outOf int, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE evaluations SET status = $2, score_points = $3, score_out_of = $4, completed_at = $5
		 WHERE id = $1`, id, models.EvaluationStatusCompleted, points, outOf, now)
	if err != nil {
		return fmt.Errorf("complete evaluation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertProblemEvaluation(ctx context.Context, pe *models.ProblemEvaluation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO problem_evaluations (id, evaluation_id, submission_problem_id, score, max_score, feedback, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (evaluation_id, submission_problem_id) DO NOTHING`,
		pe.ID, pe.EvaluationID, pe.SubmissionProblemID, pe.Score, pe.MaxScore, pe.Feedback, pe.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert problem evaluation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProblemEvaluations(ctx context.Context, evaluationID uuid.UUID) ([]*models.ProblemEvaluation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, evaluation_id, submission_problem_id, score, max_score, feedback, created_at
		 FROM problem_evaluations WHERE evaluation_id = $1 ORDER BY created_at, id`, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("list problem evaluations: %w", err)
	}
	defer rows.Close()

	var out []*models.ProblemEvaluation
	for rows.Next() {
		var pe models.ProblemEvaluation
		if err := rows.Scan(&pe.ID, &pe.EvaluationID, &pe.SubmissionProblemID, &pe.Score,
			&pe.MaxScore, &pe.Feedback, &pe.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan problem evaluation: %w", err)
		}
		out = append(out, &pe)
	}
	return out, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
