package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

const runColumns = `id, pipeline, course_id, account_id, assignment_id, submission_id, evaluation_id, status,
	created_by, idempotency_key, meta, started_at, finished_at, created_at, updated_at`

const stepColumns = `id, run_id, name, status, run_at, priority, attempt, max_attempts, locked_by, locked_until,
	heartbeat_at, meta, error_message, started_at, finished_at, created_at, updated_at`

func scanRun(row pgx.Row) (*models.PipelineRun, error) {
	var r models.PipelineRun
	if err := row.Scan(&r.ID, &r.Pipeline, &r.CourseID, &r.AccountID, &r.AssignmentID, &r.SubmissionID,
		&r.EvaluationID, &r.Status, &r.CreatedBy, &r.IdempotencyKey, &r.Meta, &r.StartedAt,
		&r.FinishedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanStep(row pgx.Row) (*models.PipelineStep, error) {
	var st models.PipelineStep
	if err := row.Scan(&st.ID, &st.RunID, &st.Name, &st.Status, &st.RunAt, &st.Priority, &st.Attempt,
		&st.MaxAttempts, &st.LockedBy, &st.LockedUntil, &st.HeartbeatAt, &st.Meta, &st.ErrorMessage,
		&st.StartedAt, &st.FinishedAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.PipelineRun, steps []*models.PipelineStep) (*models.PipelineRun, bool, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO pipeline_runs (`+runColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			run.ID, run.Pipeline, run.CourseID, run.AccountID, run.AssignmentID, run.SubmissionID,
			run.EvaluationID, run.Status, run.CreatedBy, run.IdempotencyKey, run.Meta, run.StartedAt,
			run.FinishedAt, run.CreatedAt, run.UpdatedAt)
		if err != nil {
			return err
		}
		for _, st := range steps {
			if _, err := insertStep(ctx, tx, st); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && isDuplicateKeyError(err) && run.IdempotencyKey != nil {
		existing, gerr := scanRun(s.pool.QueryRow(ctx,
			`SELECT `+runColumns+` FROM pipeline_runs WHERE idempotency_key = $1`, *run.IdempotencyKey))
		if gerr != nil {
			return nil, false, fmt.Errorf("get run by idempotency key: %w", gerr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	return run, true, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.PipelineRun, error) {
	var conditions []string
	var args []any
	if filter.AssignmentID != nil {
		args = append(args, *filter.AssignmentID)
		conditions = append(conditions, fmt.Sprintf("assignment_id = $%d", len(args)))
	}
	if filter.SubmissionID != nil {
		args = append(args, *filter.SubmissionID)
		conditions = append(conditions, fmt.Sprintf("submission_id = $%d", len(args)))
	}
	if len(conditions) == 0 {
		return nil, fmt.Errorf("list runs: an assignment or submission filter is required")
	}
	args = append(args, ClampLimit(filter.Limit, 50, 200))

	query := fmt.Sprintf(`SELECT %s FROM pipeline_runs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		runColumns, strings.Join(conditions, " AND "), len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) SetRunEvaluation(ctx context.Context, runID string, evaluationID uuid.UUID, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET evaluation_id = $2, updated_at = $3 WHERE id = $1`, runID, evaluationID, now)
	if err != nil {
		return fmt.Errorf("set run evaluation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CancelRun(ctx context.Context, runID string, now time.Time) (*models.PipelineRun, []string, error) {
	var run *models.PipelineRun
	var canceled []string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		current, err := scanRun(tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1 FOR UPDATE`, runID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if models.IsTerminalRunStatus(current.Status) {
			return fmt.Errorf("%w: run is %s", ErrInvalidTransition, current.Status)
		}

		run, err = scanRun(tx.QueryRow(ctx,
			`UPDATE pipeline_runs SET status = $2, finished_at = $3, updated_at = $3
			 WHERE id = $1 RETURNING `+runColumns, runID, models.RunStatusCanceled, now))
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`UPDATE pipeline_steps SET status = $2, finished_at = $3, updated_at = $3
			 WHERE run_id = $1 AND status IN ('QUEUED', 'RUNNING') RETURNING id`,
			runID, models.StepStatusCanceled, now)
		if err != nil {
			return err
		}
		canceled, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, fmt.Errorf("cancel run: %w", err)
	}
	return run, canceled, nil
}

func (s *PostgresStore) MarkRunRunning(ctx context.Context, runID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET status = $2, started_at = COALESCE(started_at, $3), updated_at = $3
		 WHERE id = $1 AND status = $4`,
		runID, models.RunStatusRunning, now, models.RunStatusQueued)
	if err != nil {
		return false, fmt.Errorf("mark run running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinalizeRun(ctx context.Context, runID string, now time.Time) (string, bool, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`UPDATE pipeline_runs r
		 SET status = CASE WHEN EXISTS (
		         SELECT 1 FROM pipeline_steps WHERE run_id = r.id AND status = 'FAILED'
		     ) THEN 'FAILED' ELSE 'SUCCEEDED' END,
		     finished_at = $2,
		     updated_at = $2
		 WHERE r.id = $1
		   AND r.status IN ('QUEUED', 'RUNNING')
		   AND NOT EXISTS (
		       SELECT 1 FROM pipeline_steps WHERE run_id = r.id AND status IN ('QUEUED', 'RUNNING')
		   )
		 RETURNING r.status`, runID, now,
	).Scan(&status)
	if err == nil {
		return status, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("finalize run: %w", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return "", false, err
	}
	return run.Status, false, nil
}

// --- Steps ---

func insertStep(ctx context.Context, q querier, st *models.PipelineStep) (bool, error) {
	tag, err := q.Exec(ctx,
		`INSERT INTO pipeline_steps (`+stepColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO NOTHING`,
		st.ID, st.RunID, st.Name, st.Status, st.RunAt, st.Priority, st.Attempt, st.MaxAttempts,
		st.LockedBy, st.LockedUntil, st.HeartbeatAt, st.Meta, st.ErrorMessage, st.StartedAt,
		st.FinishedAt, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetStep(ctx context.Context, id string) (*models.PipelineStep, error) {
	st, err := scanStep(s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM pipeline_steps WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, runID string) ([]*models.PipelineStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM pipeline_steps WHERE run_id = $1 ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.PipelineStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) UpsertSteps(ctx context.Context, steps []*models.PipelineStep) (int, error) {
	inserted := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, st := range steps {
			ok, err := insertStep(ctx, tx, st)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upsert steps: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) RetryStep(ctx context.Context, stepID string, now time.Time) (*models.PipelineStep, error) {
	var out *models.PipelineStep
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status, runStatus string
		err := tx.QueryRow(ctx,
			`SELECT s.status, r.status FROM pipeline_steps s JOIN pipeline_runs r ON r.id = s.run_id
			 WHERE s.id = $1 FOR UPDATE OF s`, stepID,
		).Scan(&status, &runStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != models.StepStatusFailed {
			return fmt.Errorf("%w: step is %s", ErrInvalidTransition, status)
		}
		if runStatus == models.RunStatusCanceled {
			return fmt.Errorf("%w: run is %s", ErrInvalidTransition, runStatus)
		}

		out, err = scanStep(tx.QueryRow(ctx,
			`UPDATE pipeline_steps
			 SET status = $2, run_at = $3, error_message = NULL, finished_at = NULL,
			     locked_by = NULL, locked_until = NULL, heartbeat_at = NULL, updated_at = $3
			 WHERE id = $1 RETURNING `+stepColumns, stepID, models.StepStatusQueued, now))
		return err
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("retry step: %w", err)
	}
	return out, nil
}

// --- Leasing ---

func (s *PostgresStore) SweepExpiredLeases(ctx context.Context, now time.Time) ([]ExpiredLease, error) {
	rows, err := s.pool.Query(ctx,
		`WITH expired AS (
		     SELECT id, locked_by
		     FROM pipeline_steps
		     WHERE status = 'RUNNING' AND locked_until < $1
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE pipeline_steps s
		 SET status = 'QUEUED',
		     locked_by = NULL,
		     locked_until = NULL,
		     heartbeat_at = NULL,
		     updated_at = $1
		 FROM expired
		 WHERE s.id = expired.id
		 RETURNING s.id, s.run_id, COALESCE(expired.locked_by, ''), s.attempt`,
		now)
	if err != nil {
		return nil, fmt.Errorf("sweep expired leases: %w", err)
	}
	defer rows.Close()

	var out []ExpiredLease
	for rows.Next() {
		var e ExpiredLease
		if err := rows.Scan(&e.StepID, &e.RunID, &e.WorkerID, &e.Attempt); err != nil {
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimNextStep atomically leases the highest-priority, lowest-id due step.
// SKIP LOCKED makes concurrent claimers pass over each other's candidate
// rows, so a step is handed to exactly one worker.
func (s *PostgresStore) ClaimNextStep(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*models.PipelineStep, error) {
	st, err := scanStep(s.pool.QueryRow(ctx,
		`WITH next_step AS (
		     SELECT id
		     FROM pipeline_steps
		     WHERE status = 'QUEUED' AND run_at <= $2
		     ORDER BY priority DESC, id ASC
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 UPDATE pipeline_steps
		 SET status = 'RUNNING',
		     attempt = attempt + 1,
		     locked_by = $1,
		     locked_until = $3,
		     heartbeat_at = $2,
		     started_at = COALESCE(started_at, $2),
		     updated_at = $2
		 WHERE id IN (SELECT id FROM next_step)
		 RETURNING `+stepColumns,
		workerID, now, now.Add(lease)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoStep
	}
	if err != nil {
		return nil, fmt.Errorf("claim next step: %w", err)
	}
	return st, nil
}

const leaseGuard = `id = $1 AND status = 'RUNNING' AND locked_by = $2 AND attempt = $3`

func (s *PostgresStore) CompleteStep(ctx context.Context, lease Lease, now time.Time) error {
	return s.execLeased(ctx, "complete step",
		`UPDATE pipeline_steps
		 SET status = 'SUCCEEDED', finished_at = $4, error_message = NULL,
		     locked_by = NULL, locked_until = NULL, heartbeat_at = NULL, updated_at = $4
		 WHERE `+leaseGuard,
		lease.StepID, lease.WorkerID, lease.Attempt, now)
}

func (s *PostgresStore) RequeueStep(ctx context.Context, lease Lease, runAt time.Time, reason string, now time.Time) error {
	return s.execLeased(ctx, "requeue step",
		`UPDATE pipeline_steps
		 SET status = 'QUEUED', run_at = $4, error_message = NULLIF($5, ''),
		     locked_by = NULL, locked_until = NULL, heartbeat_at = NULL, updated_at = $6
		 WHERE `+leaseGuard,
		lease.StepID, lease.WorkerID, lease.Attempt, runAt, reason, now)
}

func (s *PostgresStore) FailStep(ctx context.Context, lease Lease, reason string, now time.Time) error {
	return s.execLeased(ctx, "fail step",
		`UPDATE pipeline_steps
		 SET status = 'FAILED', finished_at = $4, error_message = $5,
		     locked_by = NULL, locked_until = NULL, heartbeat_at = NULL, updated_at = $4
		 WHERE `+leaseGuard,
		lease.StepID, lease.WorkerID, lease.Attempt, now, reason)
}

func (s *PostgresStore) execLeased(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// --- Step events ---

func (s *PostgresStore) AppendStepEvent(ctx context.Context, ev *models.StepEvent) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pipeline_step_events (step_id, run_id, type, worker_id, attempt, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		ev.StepID, ev.RunID, ev.Type, ev.WorkerID, ev.Attempt, ev.Message, ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("append step event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStepEvents(ctx context.Context, stepID string, limit int) ([]*models.StepEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, step_id, run_id, type, worker_id, attempt, message, created_at
		 FROM pipeline_step_events WHERE step_id = $1 ORDER BY id DESC LIMIT $2`,
		stepID, ClampLimit(limit, 100, 100))
	if err != nil {
		return nil, fmt.Errorf("list step events: %w", err)
	}
	defer rows.Close()

	var events []*models.StepEvent
	for rows.Next() {
		var ev models.StepEvent
		if err := rows.Scan(&ev.ID, &ev.StepID, &ev.RunID, &ev.Type, &ev.WorkerID, &ev.Attempt,
			&ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
