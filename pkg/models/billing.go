package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultCurrency is the currency of every balance and ledger entry.
const DefaultCurrency = "USD"

const (
	AccountKindUser         = "USER"
	AccountKindOrganization = "ORGANIZATION"
)

const (
	LedgerCredit     = "CREDIT"
	LedgerCharge     = "CHARGE"
	LedgerRefund     = "REFUND"
	LedgerAdjustment = "ADJUSTMENT"
)

const (
	MetricVisionPage   = "vision_page"
	MetricSplitTex     = "split_tex"
	MetricGradeProblem = "grade_problem"
)

// Account is the billing-responsible entity that owns one balance.
type Account struct {
	ID          uuid.UUID  `db:"id"            json:"id"`
	Kind        string     `db:"kind"          json:"kind"`
	OwnerUserID *uuid.UUID `db:"owner_user_id" json:"owner_user_id,omitempty"`
	Name        string     `db:"name"          json:"name"`
	CreatedAt   time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"    json:"updated_at"`
}

// AccountBalance is derived from the ledger. All amounts are integer
// microdollars and the balance may be negative.
type AccountBalance struct {
	AccountID           uuid.UUID `db:"account_id"           json:"account_id"`
	Currency            string    `db:"currency"             json:"currency"`
	BalanceMicrodollars int64     `db:"balance_microdollars" json:"balance_microdollars"`
	UpdatedAt           time.Time `db:"updated_at"           json:"updated_at"`
}

// LedgerEntry is an append-only record of one balance-affecting event.
// AmountMicrodollars is the magnitude as given; Delta gives its signed effect.
type LedgerEntry struct {
	ID                 string          `db:"id"                   json:"id"`
	AccountID          uuid.UUID       `db:"account_id"           json:"account_id"`
	Currency           string          `db:"currency"             json:"currency"`
	Type               string          `db:"type"                 json:"type"`
	AmountMicrodollars int64           `db:"amount_microdollars"  json:"amount_microdollars"`
	BalanceAfter       int64           `db:"balance_after"        json:"balance_after_microdollars"`
	IdempotencyKey     *string         `db:"idempotency_key"      json:"idempotency_key,omitempty"`
	RelatedType        *string         `db:"related_type"         json:"related_type,omitempty"`
	RelatedID          *string         `db:"related_id"           json:"related_id,omitempty"`
	Meta               json.RawMessage `db:"meta"                 json:"meta,omitempty"`
	CreatedAt          time.Time       `db:"created_at"           json:"created_at"`
}

// Delta returns the signed change this entry applies to the balance.
func (e *LedgerEntry) Delta() int64 {
	if e.Type == LedgerCharge {
		return -e.AmountMicrodollars
	}
	return e.AmountMicrodollars
}

// RateCard prices one unit of a metric inside [EffectiveFrom, EffectiveTo).
type RateCard struct {
	ID                    uuid.UUID  `db:"id"                      json:"id"`
	Metric                string     `db:"metric"                  json:"metric"`
	UnitPriceMicrodollars int64      `db:"unit_price_microdollars" json:"unit_price_microdollars"`
	Active                bool       `db:"active"                  json:"active"`
	EffectiveFrom         time.Time  `db:"effective_from"          json:"effective_from"`
	EffectiveTo           *time.Time `db:"effective_to"            json:"effective_to,omitempty"`
	CreatedAt             time.Time  `db:"created_at"              json:"created_at"`
}

// UsageEvent audits one metered occurrence and links to the charge it produced.
type UsageEvent struct {
	ID                    string          `db:"id"                      json:"id"`
	AccountID             uuid.UUID       `db:"account_id"              json:"account_id"`
	CourseID              uuid.UUID       `db:"course_id"               json:"course_id"`
	Metric                string          `db:"metric"                  json:"metric"`
	Quantity              int64           `db:"quantity"                json:"quantity"`
	UnitPriceMicrodollars int64           `db:"unit_price_microdollars" json:"unit_price_microdollars"`
	CostMicrodollars      int64           `db:"cost_microdollars"       json:"cost_microdollars"`
	LedgerEntryID         string          `db:"ledger_entry_id"         json:"ledger_entry_id"`
	AssignmentID          *uuid.UUID      `db:"assignment_id"           json:"assignment_id,omitempty"`
	SubmissionID          *uuid.UUID      `db:"submission_id"           json:"submission_id,omitempty"`
	EvaluationID          *uuid.UUID      `db:"evaluation_id"           json:"evaluation_id,omitempty"`
	PipelineRunID         *string         `db:"pipeline_run_id"         json:"pipeline_run_id,omitempty"`
	PipelineStepID        *string         `db:"pipeline_step_id"        json:"pipeline_step_id,omitempty"`
	Meta                  json.RawMessage `db:"meta"                    json:"meta,omitempty"`
	CreatedAt             time.Time       `db:"created_at"              json:"created_at"`
}
