package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gradeflow/internal/api/response"
	"github.com/kiranshivaraju/gradeflow/internal/billing"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
)

// BillingService is the part of billing.Service the handlers call.
type BillingService interface {
	GetOrCreateAccount(ctx context.Context, ownerID uuid.UUID, name string) (*models.Account, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (*models.AccountBalance, error)
	ListLedger(ctx context.Context, accountID uuid.UUID, cursor string, limit int) (*billing.LedgerPage, error)
	Reconcile(ctx context.Context, accountID uuid.UUID) (*billing.Reconciliation, error)
	CreditAccount(ctx context.Context, accountID uuid.UUID, amount int64, idempotencyKey string, meta json.RawMessage) (*billing.Result, error)
	CreateUsageCharge(ctx context.Context, in billing.UsageInput) (*billing.Result, error)
	ListRates(ctx context.Context) ([]*models.RateCard, error)
}

// writeLedgerResult answers 201 for a new entry and 200 for a replay.
func writeLedgerResult(w http.ResponseWriter, res *billing.Result) {
	if res.Replayed {
		response.JSON(w, res)
		return
	}
	response.Created(w, res)
}

// NewCreateAccountHandler handles POST /api/v1/billing/accounts.
func NewCreateAccountHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerUserID string `json:"owner_user_id"`
			Name        string `json:"name"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		ownerID, ok := requiredUUID(w, "owner_user_id", req.OwnerUserID)
		if !ok {
			return
		}
		account, err := svc.GetOrCreateAccount(r.Context(), ownerID, req.Name)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, account)
	}
}

// NewGetBalanceHandler handles GET /api/v1/billing/accounts/{accountID}.
func NewGetBalanceHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := uuidParam(w, r, "accountID")
		if !ok {
			return
		}
		balance, err := svc.GetBalance(r.Context(), accountID)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, balance)
	}
}

// NewListLedgerHandler handles GET /api/v1/billing/accounts/{accountID}/ledger.
func NewListLedgerHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := uuidParam(w, r, "accountID")
		if !ok {
			return
		}
		limit := pageLimit(r)
		page, err := svc.ListLedger(r.Context(), accountID, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.Collection(w, page.Entries, response.PaginationMeta{
			Limit:      limit,
			NextCursor: page.NextCursor,
			HasNext:    page.NextCursor != "",
		})
	}
}

// NewReconcileHandler handles GET /api/v1/billing/accounts/{accountID}/reconcile.
func NewReconcileHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := uuidParam(w, r, "accountID")
		if !ok {
			return
		}
		rec, err := svc.Reconcile(r.Context(), accountID)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, rec)
	}
}

// NewCreditHandler handles POST /api/v1/billing/accounts/{accountID}/credits.
func NewCreditHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := uuidParam(w, r, "accountID")
		if !ok {
			return
		}
		var req struct {
			AmountMicrodollars int64           `json:"amount_microdollars"`
			IdempotencyKey     string          `json:"idempotency_key"`
			Meta               json.RawMessage `json:"meta"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := svc.CreditAccount(r.Context(), accountID, req.AmountMicrodollars,
			idempotencyKey(r, req.IdempotencyKey), req.Meta)
		if err != nil {
			response.FromError(w, err)
			return
		}
		writeLedgerResult(w, res)
	}
}

// NewChargeHandler handles POST /api/v1/billing/charges.
func NewChargeHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AccountID      string          `json:"account_id"`
			CourseID       string          `json:"course_id"`
			Metric         string          `json:"metric"`
			Quantity       int64           `json:"quantity"`
			RelatedType    string          `json:"related_type"`
			RelatedID      string          `json:"related_id"`
			IdempotencyKey string          `json:"idempotency_key"`
			Meta           json.RawMessage `json:"meta"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		accountID, ok := requiredUUID(w, "account_id", req.AccountID)
		if !ok {
			return
		}
		courseID, ok := optionalUUID(w, "course_id", req.CourseID)
		if !ok {
			return
		}
		in := billing.UsageInput{
			AccountID:      accountID,
			Metric:         req.Metric,
			Quantity:       req.Quantity,
			RelatedType:    req.RelatedType,
			RelatedID:      req.RelatedID,
			IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
			Meta:           req.Meta,
		}
		if courseID != nil {
			in.CourseID = *courseID
		}
		res, err := svc.CreateUsageCharge(r.Context(), in)
		if err != nil {
			response.FromError(w, err)
			return
		}
		writeLedgerResult(w, res)
	}
}

// NewListRatesHandler handles GET /api/v1/billing/rates.
func NewListRatesHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rates, err := svc.ListRates(r.Context())
		if err != nil {
			response.FromError(w, err)
			return
		}
		if rates == nil {
			rates = []*models.RateCard{}
		}
		response.JSON(w, rates)
	}
}
