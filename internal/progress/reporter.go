// Package progress throttles and persists stage progress updates.
// Stage runners report freely; the reporter decides which updates are worth
// a database write so hot loops cannot flood the stage_runs table.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// UpdateFunc persists one progress update. Metrics may be nil.
type UpdateFunc func(ctx context.Context, percent int, message string, metrics map[string]any) error

const (
	// minDelta is the smallest percent change worth persisting.
	minDelta = 5
	// minInterval is the shortest gap between persisted updates.
	minInterval = time.Second
)

// Reporter gates progress updates for one stage run. Progress is clamped to
// [0, 100] and never moves backwards. Persistence failures are logged and
// swallowed so progress reporting can never fail a stage.
type Reporter struct {
	mu sync.Mutex

	update UpdateFunc
	logger *slog.Logger
	clock  func() time.Time

	last        int
	lastWrite   time.Time
	everWrote   bool
	completed   bool
	tokensIn    int64
	tokensOut   int64
	llmCalls    int64
	tokensSince time.Time
}

// NewReporter creates a reporter that persists through update.
func NewReporter(update UpdateFunc, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		update: update,
		logger: log,
		clock:  time.Now,
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Report records progress. The write is skipped unless the change is at
// least five points and at least a second has passed, except the first
// update and 100 which always persist.
func (r *Reporter) Report(ctx context.Context, percent int, message string) {
	r.ReportMetrics(ctx, percent, message, nil)
}

// ReportMetrics records progress with stage metrics attached.
func (r *Reporter) ReportMetrics(ctx context.Context, percent int, message string, metrics map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	percent = clampPercent(percent)
	if percent < r.last {
		percent = r.last
	}
	if r.completed || (r.everWrote && percent == r.last) {
		return
	}

	now := r.clock()
	terminal := percent == 100
	if r.everWrote && !terminal {
		if percent-r.last < minDelta {
			return
		}
		if now.Sub(r.lastWrite) < minInterval {
			return
		}
	}

	r.persist(ctx, percent, message, metrics, now)
}

// AddTokens accumulates one LLM call's token usage into subsequent metric
// writes. The call count and throughput derive from these accumulations.
func (r *Reporter) AddTokens(in, out int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokensSince.IsZero() {
		r.tokensSince = r.clock()
	}
	r.tokensIn += in
	r.tokensOut += out
	r.llmCalls++
}

// Complete forces a terminal 100 write regardless of gating.
func (r *Reporter) Complete(ctx context.Context, message string, metrics map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return
	}
	r.persist(ctx, 100, message, metrics, r.clock())
	r.completed = true
}

// persist writes through the update func. Caller holds the lock.
func (r *Reporter) persist(ctx context.Context, percent int, message string, metrics map[string]any, now time.Time) {
	if r.llmCalls > 0 {
		if metrics == nil {
			metrics = make(map[string]any, 4)
		}
		metrics["llm_prompt_tokens"] = r.tokensIn
		metrics["llm_completion_tokens"] = r.tokensOut
		metrics["llm_calls_count"] = r.llmCalls
		if elapsed := now.Sub(r.tokensSince).Seconds(); elapsed > 0 {
			metrics["llm_tokens_per_second"] = float64(r.tokensIn+r.tokensOut) / elapsed
		}
	}

	if err := r.update(ctx, percent, message, metrics); err != nil {
		r.logger.Warn("persisting progress failed",
			slog.Int("percent", percent),
			slog.String("error", err.Error()))
		return
	}
	r.last = percent
	r.lastWrite = now
	r.everWrote = true
}

// Scaled maps a sub-phase's local 0..100 progress onto [from, to) of the
// parent reporter. Used when one stage has sequential phases with known
// weights, such as download then extraction.
type Scaled struct {
	parent   *Reporter
	from, to int
}

// NewScaled creates a scaled view over parent covering [from, to].
func NewScaled(parent *Reporter, from, to int) *Scaled {
	from = clampPercent(from)
	to = clampPercent(to)
	if to < from {
		to = from
	}
	return &Scaled{parent: parent, from: from, to: to}
}

// Report maps local percent into the parent's range.
func (s *Scaled) Report(ctx context.Context, localPercent int, message string) {
	s.ReportMetrics(ctx, localPercent, message, nil)
}

// ReportMetrics maps local percent into the parent's range with metrics.
func (s *Scaled) ReportMetrics(ctx context.Context, localPercent int, message string, metrics map[string]any) {
	local := clampPercent(localPercent)
	mapped := s.from + (s.to-s.from)*local/100
	s.parent.ReportMetrics(ctx, mapped, message, metrics)
}
