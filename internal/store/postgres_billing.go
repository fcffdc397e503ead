package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

const accountColumns = `id, kind, owner_user_id, name, created_at, updated_at`

const ledgerColumns = `id, account_id, currency, type, amount_microdollars, balance_after, idempotency_key,
	related_type, related_id, meta, created_at`

const rateColumns = `id, metric, unit_price_microdollars, active, effective_from, effective_to, created_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.ID, &a.Kind, &a.OwnerUserID, &a.Name, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanLedgerEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := row.Scan(&e.ID, &e.AccountID, &e.Currency, &e.Type, &e.AmountMicrodollars, &e.BalanceAfter,
		&e.IdempotencyKey, &e.RelatedType, &e.RelatedID, &e.Meta, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanRate(row pgx.Row) (*models.RateCard, error) {
	var r models.RateCard
	if err := row.Scan(&r.ID, &r.Metric, &r.UnitPriceMicrodollars, &r.Active, &r.EffectiveFrom,
		&r.EffectiveTo, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Accounts ---

func (s *PostgresStore) GetOrCreateAccount(ctx context.Context, kind string, ownerID uuid.UUID, name string, now time.Time) (*models.Account, error) {
	var account *models.Account
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		account, err = scanAccount(tx.QueryRow(ctx,
			`INSERT INTO accounts (id, kind, owner_user_id, name, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $5)
			 ON CONFLICT (kind, owner_user_id) DO UPDATE SET kind = EXCLUDED.kind
			 RETURNING `+accountColumns,
			uuid.New(), kind, ownerID, name, now))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO account_balances (account_id, currency, balance_microdollars, updated_at)
			 VALUES ($1, $2, 0, $3) ON CONFLICT (account_id) DO NOTHING`,
			account.ID, models.DefaultCurrency, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get or create account: %w", err)
	}
	return account, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, accountID uuid.UUID) (*models.AccountBalance, error) {
	var b models.AccountBalance
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, currency, balance_microdollars, updated_at
		 FROM account_balances WHERE account_id = $1`, accountID,
	).Scan(&b.AccountID, &b.Currency, &b.BalanceMicrodollars, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) GetCourseBilling(ctx context.Context, courseID uuid.UUID) (*models.CourseBilling, error) {
	var cb models.CourseBilling
	err := s.pool.QueryRow(ctx,
		`SELECT course_id, account_id, created_at FROM course_billing WHERE course_id = $1`, courseID,
	).Scan(&cb.CourseID, &cb.AccountID, &cb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get course billing: %w", err)
	}
	return &cb, nil
}

func (s *PostgresStore) LinkCourseBilling(ctx context.Context, courseID, accountID uuid.UUID, now time.Time) (*models.CourseBilling, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO course_billing (course_id, account_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (course_id) DO NOTHING`, courseID, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("link course billing: %w", err)
	}
	return s.GetCourseBilling(ctx, courseID)
}

// --- Ledger ---

func (s *PostgresStore) ApplyLedgerEntry(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	return s.applyCharge(ctx, nil, entry)
}

func (s *PostgresStore) ApplyUsageCharge(ctx context.Context, event *models.UsageEvent, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	return s.applyCharge(ctx, event, entry)
}

// applyCharge writes the entry, the optional usage event and the balance
// delta in one transaction. The unique idempotency key is the final guard:
// a concurrent duplicate rolls the whole transaction back.
func (s *PostgresStore) applyCharge(ctx context.Context, event *models.UsageEvent, entry *models.LedgerEntry) (*models.LedgerEntry, bool, error) {
	var replay *models.LedgerEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if entry.IdempotencyKey != nil {
			existing, err := ledgerEntryByKey(ctx, tx, *entry.IdempotencyKey)
			if err == nil {
				replay = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		var balance int64
		err := tx.QueryRow(ctx,
			`INSERT INTO account_balances (account_id, currency, balance_microdollars, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (account_id) DO UPDATE SET
			   balance_microdollars = account_balances.balance_microdollars + EXCLUDED.balance_microdollars,
			   updated_at = EXCLUDED.updated_at
			 RETURNING balance_microdollars`,
			entry.AccountID, entry.Currency, entry.Delta(), entry.CreatedAt,
		).Scan(&balance)
		if err != nil {
			return err
		}
		entry.BalanceAfter = balance

		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (`+ledgerColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			entry.ID, entry.AccountID, entry.Currency, entry.Type, entry.AmountMicrodollars,
			entry.BalanceAfter, entry.IdempotencyKey, entry.RelatedType, entry.RelatedID, entry.Meta,
			entry.CreatedAt)
		if err != nil {
			return err
		}

		if event == nil {
			return nil
		}
		event.LedgerEntryID = entry.ID
		_, err = tx.Exec(ctx,
			`INSERT INTO usage_events (id, account_id, course_id, metric, quantity, unit_price_microdollars,
			   cost_microdollars, ledger_entry_id, assignment_id, submission_id, evaluation_id,
			   pipeline_run_id, pipeline_step_id, meta, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			event.ID, event.AccountID, event.CourseID, event.Metric, event.Quantity,
			event.UnitPriceMicrodollars, event.CostMicrodollars, event.LedgerEntryID, event.AssignmentID,
			event.SubmissionID, event.EvaluationID, event.PipelineRunID, event.PipelineStepID, event.Meta,
			event.CreatedAt)
		return err
	})
	if err != nil && isDuplicateKeyError(err) && entry.IdempotencyKey != nil {
		existing, gerr := ledgerEntryByKey(ctx, s.pool, *entry.IdempotencyKey)
		if gerr != nil {
			return nil, false, fmt.Errorf("get ledger entry by key: %w", gerr)
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("apply ledger entry: %w", err)
	}
	if replay != nil {
		return replay, true, nil
	}
	return entry, false, nil
}

func ledgerEntryByKey(ctx context.Context, q querier, key string) (*models.LedgerEntry, error) {
	e, err := scanLedgerEntry(q.QueryRow(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]*models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		 WHERE account_id = $1 AND ($2 = '' OR id < $2)
		 ORDER BY id DESC LIMIT $3`,
		filter.AccountID, filter.Cursor, ClampLimit(filter.Limit, 50, 200))
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) SumLedgerDeltas(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN type = 'CHARGE' THEN -amount_microdollars ELSE amount_microdollars END), 0)::BIGINT
		 FROM ledger_entries WHERE account_id = $1`, accountID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum ledger deltas: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) ListUsageEvents(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.UsageEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, course_id, metric, quantity, unit_price_microdollars, cost_microdollars,
		   ledger_entry_id, assignment_id, submission_id, evaluation_id, pipeline_run_id, pipeline_step_id,
		   meta, created_at
		 FROM usage_events WHERE account_id = $1 ORDER BY id DESC LIMIT $2`,
		accountID, ClampLimit(limit, 50, 200))
	if err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	defer rows.Close()

	var events []*models.UsageEvent
	for rows.Next() {
		var e models.UsageEvent
		if err := rows.Scan(&e.ID, &e.AccountID, &e.CourseID, &e.Metric, &e.Quantity,
			&e.UnitPriceMicrodollars, &e.CostMicrodollars, &e.LedgerEntryID, &e.AssignmentID,
			&e.SubmissionID, &e.EvaluationID, &e.PipelineRunID, &e.PipelineStepID, &e.Meta,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Rate cards ---

func (s *PostgresStore) CreateRateCard(ctx context.Context, r *models.RateCard) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rate_cards (`+rateColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.Metric, r.UnitPriceMicrodollars, r.Active, r.EffectiveFrom, r.EffectiveTo, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create rate card: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveRate(ctx context.Context, metric string, now time.Time) (*models.RateCard, error) {
	r, err := scanRate(s.pool.QueryRow(ctx,
		`SELECT `+rateColumns+` FROM rate_cards
		 WHERE metric = $1 AND active AND effective_from <= $2 AND (effective_to IS NULL OR effective_to > $2)
		 ORDER BY effective_from DESC LIMIT 1`, metric, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active rate: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListActiveRates(ctx context.Context, now time.Time) ([]*models.RateCard, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (metric) `+rateColumns+` FROM rate_cards
		 WHERE active AND effective_from <= $1 AND (effective_to IS NULL OR effective_to > $1)
		 ORDER BY metric, effective_from DESC`, now)
	if err != nil {
		return nil, fmt.Errorf("list active rates: %w", err)
	}
	defer rows.Close()

	var rates []*models.RateCard
	for rows.Next() {
		r, err := scanRate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rate card: %w", err)
		}
		rates = append(rates, r)
	}
	return rates, rows.Err()
}
