// Package llmhealth tracks LLM provider health from stage call outcomes.
// Reporting never fails the caller; a broken redis mirror or a full event
// window only degrades the health view, not the pipeline.
package llmhealth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status values for one profile or the aggregate.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const (
	// eventWindow bounds how far back events count toward rates.
	eventWindow = time.Hour
	// staleAfter is how long without any event before a profile's status
	// decays to unknown.
	staleAfter = 10 * time.Minute
	// mirrorTTL expires the redis mirror if the worker dies.
	mirrorTTL = 24 * time.Hour
	// maxEvents caps the per-profile ring.
	maxEvents = 1000
)

type event struct {
	at      time.Time
	ok      bool
	latency time.Duration
}

type profileState struct {
	provider    string
	model       string
	events      []event
	lastErr     string
	lastLatency time.Duration
}

// ProfileHealth is the exported view of one profile.
type ProfileHealth struct {
	Profile       string    `json:"profile"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Status        string    `json:"status"`
	Calls         int       `json:"calls_last_hour"`
	Errors        int       `json:"errors_last_hour"`
	LastError     string    `json:"last_error,omitempty"`
	LastLatencyMS int64     `json:"last_latency_ms"`
	LastEvent     time.Time `json:"last_event"`
}

// Report is the aggregate health view.
type Report struct {
	Status   string          `json:"status"`
	Profiles []ProfileHealth `json:"profiles"`
}

// Monitor records call outcomes per LLM profile and mirrors the latest
// report into redis for external health checks.
type Monitor struct {
	mu       sync.Mutex
	profiles map[string]*profileState
	order    []string

	rdb       *redis.Client
	mirrorKey string
	logger    *slog.Logger
	clock     func() time.Time
}

// NewMonitor creates a monitor. rdb may be nil to disable the mirror.
func NewMonitor(rdb *redis.Client, mirrorKey string, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		profiles:  make(map[string]*profileState),
		rdb:       rdb,
		mirrorKey: mirrorKey,
		logger:    log,
		clock:     time.Now,
	}
}

// Register declares a profile so it shows up as unknown before any call.
func (m *Monitor) Register(profile, provider, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[profile]; ok {
		return
	}
	m.profiles[profile] = &profileState{provider: provider, model: model}
	m.order = append(m.order, profile)
}

// ReportSuccess records a successful call and its latency.
func (m *Monitor) ReportSuccess(ctx context.Context, profile string, latency time.Duration) {
	m.record(ctx, profile, true, latency, "")
}

// ReportError records a failed call and its latency.
func (m *Monitor) ReportError(ctx context.Context, profile string, latency time.Duration, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.record(ctx, profile, false, latency, msg)
}

func (m *Monitor) record(ctx context.Context, profile string, ok bool, latency time.Duration, errMsg string) {
	m.mu.Lock()
	state, found := m.profiles[profile]
	if !found {
		state = &profileState{}
		m.profiles[profile] = state
		m.order = append(m.order, profile)
	}
	now := m.clock()
	state.events = append(state.events, event{at: now, ok: ok, latency: latency})
	if len(state.events) > maxEvents {
		state.events = state.events[len(state.events)-maxEvents:]
	}
	state.lastLatency = latency
	if !ok {
		state.lastErr = errMsg
	}
	report := m.buildReportLocked(now)
	m.mu.Unlock()

	m.mirror(ctx, report)
}

// Snapshot returns the current aggregate report from local state.
func (m *Monitor) Snapshot() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buildReportLocked(m.clock())
}

// SnapshotShared returns the report from the redis mirror when one is
// present, falling back to local state. This lets a reader observe the
// health view written by another process.
func (m *Monitor) SnapshotShared(ctx context.Context) Report {
	if m.rdb == nil || m.mirrorKey == "" {
		return m.Snapshot()
	}
	data, err := m.rdb.Get(ctx, m.mirrorKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.logger.Warn("reading health mirror failed", slog.String("error", err.Error()))
		}
		return m.Snapshot()
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		m.logger.Warn("decoding health mirror failed", slog.String("error", err.Error()))
		return m.Snapshot()
	}
	return report
}

// buildReportLocked computes the report. Caller holds the lock.
func (m *Monitor) buildReportLocked(now time.Time) Report {
	report := Report{Profiles: make([]ProfileHealth, 0, len(m.order))}
	okCount, errCount := 0, 0

	for _, name := range m.order {
		state := m.profiles[name]
		cutoff := now.Add(-eventWindow)

		calls, errs := 0, 0
		var lastEvent time.Time
		for _, ev := range state.events {
			if ev.at.Before(cutoff) {
				continue
			}
			calls++
			if !ev.ok {
				errs++
			}
			if ev.at.After(lastEvent) {
				lastEvent = ev.at
			}
		}

		// Latest outcome wins: one success after a failure streak means the
		// provider is reachable again.
		status := StatusUnknown
		if calls > 0 && now.Sub(lastEvent) <= staleAfter {
			if state.events[len(state.events)-1].ok {
				status = StatusOK
			} else {
				status = StatusError
			}
		}
		switch status {
		case StatusOK:
			okCount++
		case StatusError:
			errCount++
		}

		report.Profiles = append(report.Profiles, ProfileHealth{
			Profile:       name,
			Provider:      state.provider,
			Model:         state.model,
			Status:        status,
			Calls:         calls,
			Errors:        errs,
			LastError:     state.lastErr,
			LastLatencyMS: state.lastLatency.Milliseconds(),
			LastEvent:     lastEvent,
		})
	}

	switch {
	case okCount == 0 && errCount == 0:
		report.Status = StatusUnknown
	case errCount == 0:
		report.Status = StatusHealthy
	case okCount == 0:
		report.Status = StatusUnhealthy
	default:
		report.Status = StatusDegraded
	}
	return report
}

// mirror writes the report to redis. Failures are logged, never returned.
func (m *Monitor) mirror(ctx context.Context, report Report) {
	if m.rdb == nil || m.mirrorKey == "" {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		m.logger.Warn("marshaling health report failed", slog.String("error", err.Error()))
		return
	}
	if err := m.rdb.Set(ctx, m.mirrorKey, data, mirrorTTL).Err(); err != nil {
		m.logger.Warn("mirroring health report to redis failed", slog.String("error", err.Error()))
	}
}
