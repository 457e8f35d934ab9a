// Package concurrency provides per-service slot tracking for the pipeline's
// bounded external calls (ASR workers, fast and power LLM profiles).
package concurrency

import (
	"context"
	"fmt"
	"sync"
)

// Service names used by the pipeline.
const (
	ServiceASR      = "asr"
	ServiceLLMFast  = "llm_fast"
	ServiceLLMPower = "llm_power"
)

// Snapshot reports one service's current slot usage.
type Snapshot struct {
	Service string `json:"service"`
	Active  int    `json:"active"`
	Peak    int    `json:"peak"`
	Limit   int    `json:"limit"`
	Waiting int    `json:"waiting"`
}

type serviceState struct {
	limit   int
	active  int
	peak    int
	waiters []chan struct{}
}

// Tracker hands out bounded slots per service. Waiters are queued FIFO so a
// burst of LLM calls cannot starve an earlier request.
type Tracker struct {
	mu       sync.Mutex
	services map[string]*serviceState
}

// NewTracker creates a tracker with the given per-service limits.
// A limit below one is treated as one.
func NewTracker(limits map[string]int) *Tracker {
	services := make(map[string]*serviceState, len(limits))
	for name, limit := range limits {
		if limit < 1 {
			limit = 1
		}
		services[name] = &serviceState{limit: limit}
	}
	return &Tracker{services: services}
}

// Acquire blocks until a slot for the service is free or the context is done.
// The returned release function is idempotent.
func (t *Tracker) Acquire(ctx context.Context, service string) (func(), error) {
	t.mu.Lock()
	state, ok := t.services[service]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("unknown concurrency service: %s", service)
	}

	if state.active < state.limit && len(state.waiters) == 0 {
		t.grant(state)
		t.mu.Unlock()
		return t.releaseFunc(service), nil
	}

	wait := make(chan struct{})
	state.waiters = append(state.waiters, wait)
	t.mu.Unlock()

	select {
	case <-wait:
		return t.releaseFunc(service), nil
	case <-ctx.Done():
		t.mu.Lock()
		// Either still queued, or granted between the two cases.
		for i, w := range state.waiters {
			if w == wait {
				state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
				t.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		t.releaseLocked(state)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// grant consumes a slot. Caller holds the lock.
func (t *Tracker) grant(state *serviceState) {
	state.active++
	if state.active > state.peak {
		state.peak = state.active
	}
}

// releaseLocked frees a slot, handing it to the oldest waiter if any.
// Caller holds the lock.
func (t *Tracker) releaseLocked(state *serviceState) {
	state.active--
	if len(state.waiters) > 0 && state.active < state.limit {
		next := state.waiters[0]
		state.waiters = state.waiters[1:]
		t.grant(state)
		close(next)
	}
}

func (t *Tracker) releaseFunc(service string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if state, ok := t.services[service]; ok {
				t.releaseLocked(state)
			}
		})
	}
}

// UpdateMaxima adjusts per-service limits at runtime. Unknown services are
// added. Raising a limit hands the new capacity to queued waiters right
// away; lowering one takes effect as active calls release. A limit below
// one is treated as one.
func (t *Tracker) UpdateMaxima(limits map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, limit := range limits {
		if limit < 1 {
			limit = 1
		}
		state, ok := t.services[name]
		if !ok {
			t.services[name] = &serviceState{limit: limit}
			continue
		}
		state.limit = limit
		for len(state.waiters) > 0 && state.active < state.limit {
			next := state.waiters[0]
			state.waiters = state.waiters[1:]
			t.grant(state)
			close(next)
		}
	}
}

// Snapshot returns the current usage for one service.
func (t *Tracker) Snapshot(service string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.services[service]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Service: service,
		Active:  state.active,
		Peak:    state.peak,
		Limit:   state.limit,
		Waiting: len(state.waiters),
	}, true
}

// Snapshots returns usage for every tracked service.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snaps := make([]Snapshot, 0, len(t.services))
	for name, state := range t.services {
		snaps = append(snaps, Snapshot{
			Service: name,
			Active:  state.active,
			Peak:    state.peak,
			Limit:   state.limit,
			Waiting: len(state.waiters),
		})
	}
	return snaps
}

// ResetPeaks clears peak counters, typically between stage runs.
func (t *Tracker) ResetPeaks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, state := range t.services {
		state.peak = state.active
	}
}
