package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gradeflow/internal/api"
	"github.com/kiranshivaraju/gradeflow/internal/api/handler"
	mw "github.com/kiranshivaraju/gradeflow/internal/api/middleware"
	"github.com/kiranshivaraju/gradeflow/internal/billing"
	"github.com/kiranshivaraju/gradeflow/internal/pipeline"
	"github.com/kiranshivaraju/gradeflow/internal/store"
	"github.com/kiranshivaraju/gradeflow/internal/store/memory"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── in-memory cache ─────────────────────────────────────────────────────────

type memCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	counters map[string]int64
}

func newMemCache() *memCache {
	return &memCache{values: map[string][]byte{}, counters: map[string]int64{}}
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}
func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}
func (c *memCache) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[key]; ok {
		return false, nil
	}
	c.values[key] = value
	return true, nil
}
func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}
func (c *memCache) Ping(_ context.Context) error { return nil }
func (c *memCache) SetRunStatus(ctx context.Context, runID, status string, ttl time.Duration) error {
	return c.Set(ctx, "run:"+runID, []byte(status), ttl)
}
func (c *memCache) GetRunStatus(ctx context.Context, runID string) (string, bool, error) {
	v, ok, err := c.Get(ctx, "run:"+runID)
	return string(v), ok, err
}
func (c *memCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}
func (c *memCache) AppendEvent(_ context.Context, _ string, _ map[string]any) (string, error) {
	return "0-1", nil
}

// ─── test fixtures ───────────────────────────────────────────────────────────

const (
	bootstrapKey = "gf_bootstrap_contract_key_0001"
	pipelineKey  = "gf_pipe_contract_key_0000000001"
	billingKey   = "gf_bill_contract_key_0000000001"
)

type contractEnv struct {
	router     http.Handler
	st         *memory.Store
	course     *models.Course
	assignment *models.Assignment
}

func mustHash(t *testing.T, raw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newContractEnv(t *testing.T, rateLimit int) *contractEnv {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	c := newMemCache()

	for raw, scope := range map[string]string{pipelineKey: models.ScopePipelines, billingKey: models.ScopeBilling} {
		require.NoError(t, st.CreateAPIKey(ctx, &models.APIKey{
			ID: uuid.New(), Name: scope + "-svc", KeyHash: mustHash(t, raw),
			KeyPrefix: raw[:mw.KeyPrefixLen], Scopes: []string{scope}, CreatedAt: time.Now(),
		}))
	}

	course := &models.Course{ID: uuid.New(), Name: "Mechanics", CreatedBy: uuid.New()}
	require.NoError(t, st.CreateCourse(ctx, course))
	asg := &models.Assignment{ID: uuid.New(), CourseID: course.ID, Title: "Problem set 1"}
	require.NoError(t, st.CreateAssignment(ctx, asg))

	bill := billing.NewService(st, billing.Options{})
	svc := pipeline.NewService(st, bill, pipeline.Options{})
	auth := mw.NewAuth(st, mustHash(t, bootstrapKey))

	router := api.NewRouter(api.Dependencies{
		Auth:        auth,
		RateLimit:   mw.NewRateLimit(c, rateLimit),
		Idempotency: mw.NewIdempotency(c, time.Hour),

		HealthHandler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) },

		CreateAssignmentPipeline: handler.NewCreateAssignmentPipelineHandler(svc),
		ListAssignmentRuns:       handler.NewListAssignmentRunsHandler(svc),
		CreateSubmissionPipeline: handler.NewCreateSubmissionPipelineHandler(svc),
		ListSubmissionRuns:       handler.NewListSubmissionRunsHandler(svc),
		GetRun:                   handler.NewGetRunHandler(svc),
		GetRunStatus:             handler.NewRunStatusHandler(svc, c),
		CancelRun:                handler.NewCancelRunHandler(svc),
		RetryStep:                handler.NewRetryStepHandler(svc),
		ListStepEvents:           handler.NewListStepEventsHandler(svc),

		CreateAccount: handler.NewCreateAccountHandler(bill),
		GetBalance:    handler.NewGetBalanceHandler(bill),
		ListLedger:    handler.NewListLedgerHandler(bill),
		Reconcile:     handler.NewReconcileHandler(bill),
		CreditAccount: handler.NewCreditHandler(bill),
		ChargeUsage:   handler.NewChargeHandler(bill),
		ListRates:     handler.NewListRatesHandler(bill),

		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	})

	return &contractEnv{router: router, st: st, course: course, assignment: asg}
}

func (e *contractEnv) call(t *testing.T, key, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *contractEnv) pipelinesPath() string {
	return "/api/v1/assignments/" + e.assignment.ID.String() + "/pipelines"
}

// ─── contract tests ──────────────────────────────────────────────────────────

func TestContract_CreatePipeline_202(t *testing.T) {
	e := newContractEnv(t, 100)

	w := e.call(t, pipelineKey, "POST", e.pipelinesPath(), map[string]any{"course_id": e.course.ID})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var env struct {
		Data struct {
			RunID   string `json:"run_id"`
			Status  string `json:"status"`
			Created bool   `json:"created"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.NotEmpty(t, env.Data.RunID)
	assert.Equal(t, models.RunStatusQueued, env.Data.Status)
	assert.True(t, env.Data.Created)

	run, err := e.st.GetRun(context.Background(), env.Data.RunID)
	require.NoError(t, err)
	assert.Equal(t, "pipelines-svc", run.CreatedBy)
}

func TestContract_IdempotencyKey_Replayed(t *testing.T) {
	e := newContractEnv(t, 100)
	body := map[string]any{"course_id": e.course.ID}

	first := e.call(t, pipelineKey, "POST", e.pipelinesPath(), body, mw.IdempotencyHeader, "create-1")
	second := e.call(t, pipelineKey, "POST", e.pipelinesPath(), body, mw.IdempotencyHeader, "create-1")

	require.Equal(t, http.StatusAccepted, first.Code)
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	runs, err := e.st.ListRuns(context.Background(), storeFilter(e.assignment.ID))
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestContract_ScopeEnforced_403(t *testing.T) {
	e := newContractEnv(t, 100)

	w := e.call(t, pipelineKey, "GET", "/api/v1/billing/rates", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.call(t, billingKey, "POST", e.pipelinesPath(), map[string]any{"course_id": e.course.ID})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.call(t, billingKey, "GET", "/api/v1/admin/keys", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.call(t, billingKey, "GET", "/api/v1/billing/rates", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestContract_BootstrapIssuesWorkingKey(t *testing.T) {
	e := newContractEnv(t, 100)

	w := e.call(t, bootstrapKey, "POST", "/api/v1/admin/keys",
		map[string]any{"name": "grader", "scopes": []string{models.ScopeBilling}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var env struct {
		Data struct {
			Key string `json:"key"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))

	owner := uuid.New()
	w = e.call(t, env.Data.Key, "POST", "/api/v1/billing/accounts", map[string]any{"owner_user_id": owner})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestContract_BillingFlow(t *testing.T) {
	e := newContractEnv(t, 100)

	w := e.call(t, billingKey, "POST", "/api/v1/billing/accounts", map[string]any{"owner_user_id": uuid.New()})
	require.Equal(t, http.StatusOK, w.Code)
	var acct struct {
		Data models.Account `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acct))
	base := "/api/v1/billing/accounts/" + acct.Data.ID.String()

	w = e.call(t, billingKey, "POST", base+"/credits", map[string]any{"amount_microdollars": 1_000_000})
	require.Equal(t, http.StatusCreated, w.Code)

	w = e.call(t, billingKey, "POST", "/api/v1/billing/charges",
		map[string]any{"account_id": acct.Data.ID, "metric": models.MetricVisionPage, "quantity": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = e.call(t, billingKey, "GET", base+"/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balanced":true`)
}

func TestContract_RateLimit_429(t *testing.T) {
	e := newContractEnv(t, 2)

	for i := 0; i < 2; i++ {
		w := e.call(t, billingKey, "GET", "/api/v1/billing/rates", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	}
	w := e.call(t, billingKey, "GET", "/api/v1/billing/rates", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestContract_ErrorEnvelope(t *testing.T) {
	e := newContractEnv(t, 100)

	w := e.call(t, pipelineKey, "GET", "/api/v1/pipeline-runs/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
	assert.NotEmpty(t, env.Error.Message)
	assert.NotEmpty(t, w.Header().Get("Content-Type"))
}

func storeFilter(assignmentID uuid.UUID) store.RunFilter {
	return store.RunFilter{AssignmentID: &assignmentID}
}
