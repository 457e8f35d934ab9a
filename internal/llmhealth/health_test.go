package llmhealth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(rdb *redis.Client, key string) (*Monitor, *time.Time) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMonitor(rdb, key, log)
	now := time.Unix(100000, 0)
	m.clock = func() time.Time { return now }
	return m, &now
}

func TestMonitorUnknownBeforeAnyCall(t *testing.T) {
	m, _ := newTestMonitor(nil, "")
	m.Register("fast", "openai", "gpt-test")

	report := m.Snapshot()
	assert.Equal(t, StatusUnknown, report.Status)
	require.Len(t, report.Profiles, 1)
	assert.Equal(t, StatusUnknown, report.Profiles[0].Status)
	assert.Zero(t, report.Profiles[0].Calls)
}

func TestMonitorLatestOutcomeWins(t *testing.T) {
	m, now := newTestMonitor(nil, "")
	m.Register("fast", "openai", "gpt-test")
	ctx := context.Background()

	m.ReportError(ctx, "fast", 750*time.Millisecond, errors.New("timeout"))
	report := m.Snapshot()
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, StatusError, report.Profiles[0].Status)
	assert.Equal(t, "timeout", report.Profiles[0].LastError)

	*now = now.Add(time.Minute)
	m.ReportSuccess(ctx, "fast", 250*time.Millisecond)
	report = m.Snapshot()
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, StatusOK, report.Profiles[0].Status)
	assert.Equal(t, 2, report.Profiles[0].Calls)
	assert.Equal(t, 1, report.Profiles[0].Errors)
}

func TestMonitorTracksLastLatency(t *testing.T) {
	m, _ := newTestMonitor(nil, "")
	m.Register("fast", "openai", "gpt-test")
	ctx := context.Background()

	m.ReportSuccess(ctx, "fast", 1200*time.Millisecond)
	assert.EqualValues(t, 1200, m.Snapshot().Profiles[0].LastLatencyMS)

	m.ReportError(ctx, "fast", 30*time.Second, errors.New("timeout"))
	assert.EqualValues(t, 30000, m.Snapshot().Profiles[0].LastLatencyMS)
}

func TestMonitorStaleDecaysToUnknown(t *testing.T) {
	m, now := newTestMonitor(nil, "")
	m.Register("power", "anthropic", "claude-test")
	ctx := context.Background()

	m.ReportSuccess(ctx, "power", 2*time.Second)
	*now = now.Add(11 * time.Minute)

	report := m.Snapshot()
	assert.Equal(t, StatusUnknown, report.Profiles[0].Status)
	assert.Equal(t, StatusUnknown, report.Status)
}

func TestMonitorEventsExpireAfterWindow(t *testing.T) {
	m, now := newTestMonitor(nil, "")
	m.Register("fast", "openai", "gpt-test")
	ctx := context.Background()

	m.ReportError(ctx, "fast", time.Second, errors.New("old failure"))
	*now = now.Add(2 * time.Hour)
	m.ReportSuccess(ctx, "fast", time.Second)

	report := m.Snapshot()
	assert.Equal(t, 1, report.Profiles[0].Calls)
	assert.Zero(t, report.Profiles[0].Errors)
}

func TestMonitorDegradedAggregation(t *testing.T) {
	m, _ := newTestMonitor(nil, "")
	m.Register("fast", "openai", "gpt-test")
	m.Register("power", "anthropic", "claude-test")
	ctx := context.Background()

	m.ReportSuccess(ctx, "fast", time.Second)
	m.ReportError(ctx, "power", time.Second, errors.New("quota"))

	report := m.Snapshot()
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestMonitorRedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m, _ := newTestMonitor(rdb, "subflow:llm_health")
	m.Register("fast", "openai", "gpt-test")
	m.ReportSuccess(context.Background(), "fast", 300*time.Millisecond)

	raw, err := mr.Get("subflow:llm_health")
	require.NoError(t, err)

	var mirrored Report
	require.NoError(t, json.Unmarshal([]byte(raw), &mirrored))
	assert.Equal(t, StatusHealthy, mirrored.Status)

	ttl := mr.TTL("subflow:llm_health")
	assert.Greater(t, ttl, 23*time.Hour)
}

func TestSnapshotSharedPrefersMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	// A monitor in another process wrote the mirror.
	writer, _ := newTestMonitor(rdb, "subflow:llm_health")
	writer.Register("power", "anthropic", "claude-test")
	writer.ReportSuccess(context.Background(), "power", 900*time.Millisecond)

	reader, _ := newTestMonitor(rdb, "subflow:llm_health")
	report := reader.SnapshotShared(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	require.Len(t, report.Profiles, 1)
	assert.Equal(t, "power", report.Profiles[0].Profile)
	assert.EqualValues(t, 900, report.Profiles[0].LastLatencyMS)
}

func TestSnapshotSharedFallsBackToLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m, _ := newTestMonitor(rdb, "subflow:llm_health")
	m.Register("fast", "openai", "gpt-test")

	// Empty mirror: the local view answers.
	report := m.SnapshotShared(context.Background())
	assert.Equal(t, StatusUnknown, report.Status)
	require.Len(t, report.Profiles, 1)

	// Corrupt mirror: still the local view.
	require.NoError(t, mr.Set("subflow:llm_health", "{not json"))
	report = m.SnapshotShared(context.Background())
	assert.Equal(t, StatusUnknown, report.Status)
}

func TestMonitorRedisFailureDoesNotRaise(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	m, _ := newTestMonitor(rdb, "subflow:llm_health")
	m.Register("fast", "openai", "gpt-test")

	assert.NotPanics(t, func() {
		m.ReportSuccess(context.Background(), "fast", time.Second)
	})
	assert.Equal(t, StatusHealthy, m.Snapshot().Status)
}
