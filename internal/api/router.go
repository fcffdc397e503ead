package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	mw "github.com/kiranshivaraju/gradeflow/internal/api/middleware"
	"github.com/kiranshivaraju/gradeflow/internal/api/response"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth        *mw.Auth
	RateLimit   *mw.RateLimit
	Idempotency *mw.Idempotency

	// AllowedOrigins enables CORS for browser clients. Empty disables it.
	AllowedOrigins []string

	HealthHandler http.HandlerFunc

	CreateAssignmentPipeline http.HandlerFunc
	ListAssignmentRuns       http.HandlerFunc
	CreateSubmissionPipeline http.HandlerFunc
	ListSubmissionRuns       http.HandlerFunc
	GetRun                   http.HandlerFunc
	GetRunStatus             http.HandlerFunc
	CancelRun                http.HandlerFunc
	RetryStep                http.HandlerFunc
	ListStepEvents           http.HandlerFunc

	CreateAccount http.HandlerFunc
	GetBalance    http.HandlerFunc
	ListLedger    http.HandlerFunc
	Reconcile     http.HandlerFunc
	CreditAccount http.HandlerFunc
	ChargeUsage   http.HandlerFunc
	ListRates     http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", mw.IdempotencyHeader},
			ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			MaxAge:         300,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)
		if deps.Idempotency != nil {
			r.Use(deps.Idempotency.Handle)
		}

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopePipelines))

			r.Post("/api/v1/assignments/{assignmentID}/pipelines", orNotImplemented(deps.CreateAssignmentPipeline))
			r.Get("/api/v1/assignments/{assignmentID}/pipelines", orNotImplemented(deps.ListAssignmentRuns))
			r.Post("/api/v1/submissions/{submissionID}/pipelines", orNotImplemented(deps.CreateSubmissionPipeline))
			r.Get("/api/v1/submissions/{submissionID}/pipelines", orNotImplemented(deps.ListSubmissionRuns))

			r.Get("/api/v1/pipeline-runs/{runID}", orNotImplemented(deps.GetRun))
			r.Get("/api/v1/pipeline-runs/{runID}/status", orNotImplemented(deps.GetRunStatus))
			r.Post("/api/v1/pipeline-runs/{runID}/cancel", orNotImplemented(deps.CancelRun))

			r.Post("/api/v1/pipeline-steps/{stepID}/retry", orNotImplemented(deps.RetryStep))
			r.Get("/api/v1/pipeline-steps/{stepID}/events", orNotImplemented(deps.ListStepEvents))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeBilling))

			r.Post("/api/v1/billing/accounts", orNotImplemented(deps.CreateAccount))
			r.Get("/api/v1/billing/accounts/{accountID}", orNotImplemented(deps.GetBalance))
			r.Get("/api/v1/billing/accounts/{accountID}/ledger", orNotImplemented(deps.ListLedger))
			r.Get("/api/v1/billing/accounts/{accountID}/reconcile", orNotImplemented(deps.Reconcile))
			r.Post("/api/v1/billing/accounts/{accountID}/credits", orNotImplemented(deps.CreditAccount))
			r.Post("/api/v1/billing/charges", orNotImplemented(deps.ChargeUsage))
			r.Get("/api/v1/billing/rates", orNotImplemented(deps.ListRates))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
