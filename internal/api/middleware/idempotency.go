package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/gradeflow/internal/api/response"
	"github.com/kiranshivaraju/gradeflow/internal/cache"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
)

// storedResponse is what the middleware keeps per key. Status 0 marks a
// request that is still being processed.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

var inProgress, _ = json.Marshal(storedResponse{})

// Idempotency replays the first response to a POST carrying an
// Idempotency-Key header. Keys are scoped to the calling API key and route.
type Idempotency struct {
	cache cache.Cache
	ttl   time.Duration
}

func NewIdempotency(c cache.Cache, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{cache: c, ttl: ttl}
}

func (m *Idempotency) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
				"Idempotency-Key is too long", nil)
			return
		}

		prefix, _ := getKeyPrefix(r)
		cacheKey := cache.IdempotencyKey(prefix, r.Method, r.URL.Path, key)

		acquired, err := m.cache.SetNX(r.Context(), cacheKey, inProgress, m.ttl)
		if err != nil {
			// Fail open like the rate limiter; the services are idempotent on their own keys.
			slog.Warn("idempotency store unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !acquired {
			m.replay(w, r, cacheKey)
			return
		}

		rec := &bodyRecorder{ResponseWriter: w, status: http.StatusOK}
		m.serve(next, rec, r, cacheKey)

		if rec.status >= http.StatusInternalServerError {
			// Let the client retry server failures.
			m.release(r, cacheKey)
			return
		}
		stored, _ := json.Marshal(storedResponse{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		})
		if err := m.cache.Set(r.Context(), cacheKey, stored, m.ttl); err != nil {
			slog.Warn("idempotency response store failed", "error", err)
		}
	})
}

// serve runs next and releases the key if it panics, before handing the
// panic on to Recovery.
func (m *Idempotency) serve(next http.Handler, w http.ResponseWriter, r *http.Request, cacheKey string) {
	defer func() {
		if p := recover(); p != nil {
			m.release(r, cacheKey)
			panic(p)
		}
	}()
	next.ServeHTTP(w, r)
}

func (m *Idempotency) release(r *http.Request, cacheKey string) {
	if err := m.cache.Delete(context.WithoutCancel(r.Context()), cacheKey); err != nil {
		slog.Warn("idempotency key release failed", "error", err)
	}
}

func (m *Idempotency) replay(w http.ResponseWriter, r *http.Request, cacheKey string) {
	raw, found, err := m.cache.Get(r.Context(), cacheKey)
	if err != nil || !found {
		response.Error(w, http.StatusConflict, "CONFLICT",
			"A request with this Idempotency-Key is in progress", nil)
		return
	}
	var stored storedResponse
	if err := json.Unmarshal(raw, &stored); err != nil || stored.Status == 0 {
		response.Error(w, http.StatusConflict, "CONFLICT",
			"A request with this Idempotency-Key is in progress", nil)
		return
	}
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(replayedHeader, "true")
	w.WriteHeader(stored.Status)
	w.Write(stored.Body)
}

type bodyRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *bodyRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
