package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gradeflow/internal/api"
	mw "github.com/kiranshivaraju/gradeflow/internal/api/middleware"
	"github.com/kiranshivaraju/gradeflow/internal/cache"
	"github.com/kiranshivaraju/gradeflow/internal/store"
	"github.com/kiranshivaraju/gradeflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stub store that returns empty results (all auth fails) ---

type stubStore struct{}

func (s *stubStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *stubStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (s *stubStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error     { return nil }
func (s *stubStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error)    { return nil, nil }
func (s *stubStore) RevokeAPIKey(_ context.Context, _ uuid.UUID) error          { return nil }

// --- stub cache ---

type stubCache struct{}

func (c *stubCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *stubCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *stubCache) SetNX(_ context.Context, _ string, _ []byte, _ time.Duration) (bool, error) {
	return true, nil
}
func (c *stubCache) Delete(_ context.Context, _ string) error { return nil }
func (c *stubCache) Ping(_ context.Context) error             { return nil }
func (c *stubCache) SetRunStatus(_ context.Context, _, _ string, _ time.Duration) error {
	return nil
}
func (c *stubCache) GetRunStatus(_ context.Context, _ string) (string, bool, error) {
	return "", false, nil
}
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}
func (c *stubCache) AppendEvent(_ context.Context, _ string, _ map[string]any) (string, error) {
	return "0-1", nil
}

// --- router tests ---

func newTestRouter() http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:        mw.NewAuth(&stubStore{}, ""),
		RateLimit:   mw.NewRateLimit(&stubCache{}, 60),
		Idempotency: mw.NewIdempotency(&stubCache{}, time.Hour),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_MetricsEndpoint_Public(t *testing.T) {
	router := newTestRouter()
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/health", nil))

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gradeflow_http_requests_total")
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter()
	id := uuid.NewString()

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/assignments/" + id + "/pipelines"},
		{"GET", "/api/v1/assignments/" + id + "/pipelines"},
		{"POST", "/api/v1/submissions/" + id + "/pipelines"},
		{"GET", "/api/v1/submissions/" + id + "/pipelines"},
		{"GET", "/api/v1/pipeline-runs/run1"},
		{"GET", "/api/v1/pipeline-runs/run1/status"},
		{"POST", "/api/v1/pipeline-runs/run1/cancel"},
		{"POST", "/api/v1/pipeline-steps/step1/retry"},
		{"GET", "/api/v1/pipeline-steps/step1/events"},
		{"POST", "/api/v1/billing/accounts"},
		{"GET", "/api/v1/billing/accounts/" + id},
		{"GET", "/api/v1/billing/accounts/" + id + "/ledger"},
		{"GET", "/api/v1/billing/accounts/" + id + "/reconcile"},
		{"POST", "/api/v1/billing/accounts/" + id + "/credits"},
		{"POST", "/api/v1/billing/charges"},
		{"GET", "/api/v1/billing/rates"},
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/keys"},
		{"DELETE", "/api/v1/admin/keys/" + id},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])
		})
	}
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"NOT_FOUND"`)
}

func TestRouter_CORSPreflight(t *testing.T) {
	router := api.NewRouter(api.Dependencies{
		Auth:           mw.NewAuth(&stubStore{}, ""),
		RateLimit:      mw.NewRateLimit(&stubCache{}, 60),
		AllowedOrigins: []string{"https://grader.example.edu"},
	})

	req := httptest.NewRequest("OPTIONS", "/api/v1/billing/rates", nil)
	req.Header.Set("Origin", "https://grader.example.edu")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "https://grader.example.edu", w.Header().Get("Access-Control-Allow-Origin"))
}

// Verify interfaces are satisfied
var _ store.KeyStore = (*stubStore)(nil)
var _ cache.Cache = (*stubCache)(nil)
