package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/gradeflow/internal/cache"
	"github.com/kiranshivaraju/gradeflow/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock Cache ---

type mockCache struct {
	statuses  map[string]string
	events    []map[string]any
	streamErr error
}

func newMockCache() *mockCache {
	return &mockCache{statuses: map[string]string{}}
}

func (m *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (m *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (m *mockCache) SetNX(_ context.Context, _ string, _ []byte, _ time.Duration) (bool, error) {
	return true, nil
}
func (m *mockCache) Delete(_ context.Context, _ string) error { return nil }
func (m *mockCache) Ping(_ context.Context) error             { return nil }
func (m *mockCache) SetRunStatus(_ context.Context, runID, status string, _ time.Duration) error {
	m.statuses[runID] = status
	return nil
}
func (m *mockCache) GetRunStatus(_ context.Context, runID string) (string, bool, error) {
	s, ok := m.statuses[runID]
	return s, ok, nil
}
func (m *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}
func (m *mockCache) AppendEvent(_ context.Context, _ string, values map[string]any) (string, error) {
	if m.streamErr != nil {
		return "", m.streamErr
	}
	m.events = append(m.events, values)
	return "1-0", nil
}

func TestEventPublisher_RunEventUpdatesStatus(t *testing.T) {
	mc := newMockCache()
	p := cache.NewEventPublisher(mc, time.Hour)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), pipeline.Event{
		Kind: pipeline.EventRunFinalized, RunID: "r1", Status: "SUCCEEDED", WorkerID: "w1", At: at,
	})
	require.NoError(t, err)

	assert.Equal(t, "SUCCEEDED", mc.statuses["r1"])
	require.Len(t, mc.events, 1)
	assert.Equal(t, "run.finalized", mc.events[0]["kind"])
	assert.Equal(t, "2025-03-01T12:00:00Z", mc.events[0]["at"])
}

func TestEventPublisher_StepEventLeavesRunStatus(t *testing.T) {
	mc := newMockCache()
	p := cache.NewEventPublisher(mc, 0)

	err := p.Publish(context.Background(), pipeline.Event{
		Kind: pipeline.EventStepClaimed, RunID: "r1", StepID: "s1", Status: "RUNNING",
	})
	require.NoError(t, err)

	_, ok := mc.statuses["r1"]
	assert.False(t, ok)
	require.Len(t, mc.events, 1)
	assert.Equal(t, "s1", mc.events[0]["step_id"])
}

func TestEventPublisher_StreamError(t *testing.T) {
	mc := newMockCache()
	mc.streamErr = errors.New("connection refused")
	p := cache.NewEventPublisher(mc, time.Hour)

	err := p.Publish(context.Background(), pipeline.Event{Kind: pipeline.EventRunCreated, RunID: "r2", Status: "QUEUED"})
	assert.Error(t, err)
	assert.Equal(t, "QUEUED", mc.statuses["r2"])
}
