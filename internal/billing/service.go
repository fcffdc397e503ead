// Package billing applies ledger entries, meters usage against rate cards and
// gates paid work on the course account's balance.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gradeflow/internal/apperr"
	"github.com/kiranshivaraju/gradeflow/internal/money"
	"github.com/kiranshivaraju/gradeflow/internal/store"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

// Store is the slice of persistence billing needs.
type Store interface {
	store.BillingStore
	GetCourse(ctx context.Context, id uuid.UUID) (*models.Course, error)
}

type Options struct {
	Now func() time.Time
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(st Store, opts Options) *Service {
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{store: st, now: nowFn}
}

// LedgerInput describes one balance-affecting entry.
type LedgerInput struct {
	AccountID          uuid.UUID
	Type               string
	AmountMicrodollars int64
	RelatedType        string
	RelatedID          string
	IdempotencyKey     string
	Meta               json.RawMessage
}

// UsageInput describes one metered occurrence to be priced and charged.
type UsageInput struct {
	AccountID      uuid.UUID
	CourseID       uuid.UUID
	Metric         string
	Quantity       int64
	RelatedType    string
	RelatedID      string
	IdempotencyKey string
	Meta           json.RawMessage

	AssignmentID   *uuid.UUID
	SubmissionID   *uuid.UUID
	EvaluationID   *uuid.UUID
	PipelineRunID  *string
	PipelineStepID *string
}

// Result is an applied (or replayed) ledger entry.
type Result struct {
	Entry    *models.LedgerEntry `json:"entry"`
	Replayed bool                `json:"replayed"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func validateEntry(in LedgerInput) error {
	switch in.Type {
	case models.LedgerCharge, models.LedgerCredit, models.LedgerRefund:
		if in.AmountMicrodollars < 0 {
			return apperr.Invalid("amount_microdollars", "must not be negative")
		}
	case models.LedgerAdjustment:
		if in.AmountMicrodollars == 0 {
			return apperr.Invalid("amount_microdollars", "adjustment must be non-zero")
		}
	default:
		return apperr.Invalid("type", fmt.Sprintf("unknown ledger entry type %q", in.Type))
	}
	if in.AccountID == uuid.Nil {
		return apperr.Invalid("account_id", "is required")
	}
	return nil
}

func (s *Service) requireAccount(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("account")
		}
		return err
	}
	return nil
}

// CreateLedgerEntry inserts the entry and applies its delta to the balance in
// one transaction. A repeated idempotency key returns the original entry.
func (s *Service) CreateLedgerEntry(ctx context.Context, in LedgerInput) (*Result, error) {
	if err := validateEntry(in); err != nil {
		return nil, err
	}
	if err := s.requireAccount(ctx, in.AccountID); err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		ID:                 models.NewID(),
		AccountID:          in.AccountID,
		Currency:           models.DefaultCurrency,
		Type:               in.Type,
		AmountMicrodollars: in.AmountMicrodollars,
		IdempotencyKey:     optional(in.IdempotencyKey),
		RelatedType:        optional(in.RelatedType),
		RelatedID:          optional(in.RelatedID),
		Meta:               in.Meta,
		CreatedAt:          s.now().UTC(),
	}
	applied, replayed, err := s.store.ApplyLedgerEntry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("create ledger entry: %w", err)
	}
	return &Result{Entry: applied, Replayed: replayed}, nil
}

// CreateUsageCharge prices quantity units of a metric at the active rate and
// writes the usage event and its CHARGE entry together.
func (s *Service) CreateUsageCharge(ctx context.Context, in UsageInput) (*Result, error) {
	if in.Metric == "" {
		return nil, apperr.Invalid("metric", "is required")
	}
	if in.Quantity <= 0 {
		return nil, apperr.Invalid("quantity", "must be positive")
	}
	if in.AccountID == uuid.Nil {
		return nil, apperr.Invalid("account_id", "is required")
	}
	if err := s.requireAccount(ctx, in.AccountID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rate, err := s.store.GetActiveRate(ctx, in.Metric, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &apperr.BillingConfigError{Metric: in.Metric}
	}
	if err != nil {
		return nil, fmt.Errorf("get active rate: %w", err)
	}

	cost, err := money.SafeMul(in.Quantity, rate.UnitPriceMicrodollars)
	if err != nil {
		return nil, apperr.Invalid("quantity", "charge amount out of range")
	}

	entry := &models.LedgerEntry{
		ID:                 models.NewID(),
		AccountID:          in.AccountID,
		Currency:           models.DefaultCurrency,
		Type:               models.LedgerCharge,
		AmountMicrodollars: cost,
		IdempotencyKey:     optional(in.IdempotencyKey),
		RelatedType:        optional(in.RelatedType),
		RelatedID:          optional(in.RelatedID),
		Meta:               in.Meta,
		CreatedAt:          now,
	}
	event := &models.UsageEvent{
		ID:                    models.NewID(),
		AccountID:             in.AccountID,
		CourseID:              in.CourseID,
		Metric:                in.Metric,
		Quantity:              in.Quantity,
		UnitPriceMicrodollars: rate.UnitPriceMicrodollars,
		CostMicrodollars:      cost,
		AssignmentID:          in.AssignmentID,
		SubmissionID:          in.SubmissionID,
		EvaluationID:          in.EvaluationID,
		PipelineRunID:         in.PipelineRunID,
		PipelineStepID:        in.PipelineStepID,
		Meta:                  in.Meta,
		CreatedAt:             now,
	}
	applied, replayed, err := s.store.ApplyUsageCharge(ctx, event, entry)
	if err != nil {
		return nil, fmt.Errorf("create usage charge: %w", err)
	}
	return &Result{Entry: applied, Replayed: replayed}, nil
}

// CreditAccount adds funds to an account.
func (s *Service) CreditAccount(ctx context.Context, accountID uuid.UUID, amount int64, idempotencyKey string, meta json.RawMessage) (*Result, error) {
	if amount <= 0 {
		return nil, apperr.Invalid("amount_microdollars", "must be positive")
	}
	return s.CreateLedgerEntry(ctx, LedgerInput{
		AccountID:          accountID,
		Type:               models.LedgerCredit,
		AmountMicrodollars: amount,
		IdempotencyKey:     idempotencyKey,
		Meta:               meta,
	})
}

// GetOrCreateAccount returns the USER account owned by ownerID, creating it
// with a zero balance on first use.
func (s *Service) GetOrCreateAccount(ctx context.Context, ownerID uuid.UUID, name string) (*models.Account, error) {
	if ownerID == uuid.Nil {
		return nil, apperr.Invalid("owner_user_id", "is required")
	}
	if name == "" {
		name = "User"
	}
	return s.store.GetOrCreateAccount(ctx, models.AccountKindUser, ownerID, name, s.now().UTC())
}

func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID) (*models.AccountBalance, error) {
	b, err := s.store.GetBalance(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("account")
	}
	return b, err
}

// ResolveCourseAccount returns the account billed for a course. Courses
// without a billing link are pinned to their creator's account.
func (s *Service) ResolveCourseAccount(ctx context.Context, courseID uuid.UUID) (uuid.UUID, error) {
	cb, err := s.store.GetCourseBilling(ctx, courseID)
	if err == nil {
		return cb.AccountID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("get course billing: %w", err)
	}

	course, err := s.store.GetCourse(ctx, courseID)
	if errors.Is(err, store.ErrNotFound) {
		return uuid.Nil, apperr.NotFound("course")
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("get course: %w", err)
	}

	now := s.now().UTC()
	account, err := s.store.GetOrCreateAccount(ctx, models.AccountKindUser, course.CreatedBy, "User", now)
	if err != nil {
		return uuid.Nil, err
	}
	cb, err = s.store.LinkCourseBilling(ctx, courseID, account.ID, now)
	if err != nil {
		return uuid.Nil, err
	}
	return cb.AccountID, nil
}

// EnforceBillingGate admits paid work for a course unless its account
// balance is negative. A zero balance is admitted.
func (s *Service) EnforceBillingGate(ctx context.Context, courseID uuid.UUID) (uuid.UUID, error) {
	accountID, err := s.ResolveCourseAccount(ctx, courseID)
	if err != nil {
		return uuid.Nil, err
	}
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return uuid.Nil, err
	}
	if balance.BalanceMicrodollars < 0 {
		return uuid.Nil, &apperr.PaymentRequiredError{
			AccountID:           accountID.String(),
			BalanceMicrodollars: balance.BalanceMicrodollars,
		}
	}
	return accountID, nil
}

// LedgerPage is one page of entries, newest first.
type LedgerPage struct {
	Entries    []*models.LedgerEntry `json:"entries"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

func (s *Service) ListLedger(ctx context.Context, accountID uuid.UUID, cursor string, limit int) (*LedgerPage, error) {
	if err := s.requireAccount(ctx, accountID); err != nil {
		return nil, err
	}
	limit = store.ClampLimit(limit, 50, 200)
	entries, err := s.store.ListLedgerEntries(ctx, store.LedgerFilter{
		AccountID: accountID,
		Cursor:    cursor,
		Limit:     limit + 1,
	})
	if err != nil {
		return nil, err
	}

	page := &LedgerPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.NextCursor = entries[limit-1].ID
	}
	if page.Entries == nil {
		page.Entries = []*models.LedgerEntry{}
	}
	return page, nil
}

func (s *Service) ListRates(ctx context.Context) ([]*models.RateCard, error) {
	return s.store.ListActiveRates(ctx, s.now().UTC())
}

// Reconciliation compares a stored balance with the sum of its ledger.
type Reconciliation struct {
	AccountID           uuid.UUID `json:"account_id"`
	BalanceMicrodollars int64     `json:"balance_microdollars"`
	LedgerMicrodollars  int64     `json:"ledger_microdollars"`
	Balanced            bool      `json:"balanced"`
}

func (s *Service) Reconcile(ctx context.Context, accountID uuid.UUID) (*Reconciliation, error) {
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sum, err := s.store.SumLedgerDeltas(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Reconciliation{
		AccountID:           accountID,
		BalanceMicrodollars: balance.BalanceMicrodollars,
		LedgerMicrodollars:  sum,
		Balanced:            sum == balance.BalanceMicrodollars,
	}, nil
}
