package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWithinLimit(t *testing.T) {
	tracker := NewTracker(map[string]int{ServiceASR: 2})
	ctx := context.Background()

	release1, err := tracker.Acquire(ctx, ServiceASR)
	require.NoError(t, err)
	release2, err := tracker.Acquire(ctx, ServiceASR)
	require.NoError(t, err)

	snap, ok := tracker.Snapshot(ServiceASR)
	require.True(t, ok)
	assert.Equal(t, 2, snap.Active)
	assert.Equal(t, 2, snap.Peak)

	release1()
	release2()

	snap, _ = tracker.Snapshot(ServiceASR)
	assert.Equal(t, 0, snap.Active)
	assert.Equal(t, 2, snap.Peak)
}

func TestAcquireUnknownService(t *testing.T) {
	tracker := NewTracker(map[string]int{ServiceASR: 1})
	_, err := tracker.Acquire(context.Background(), "bogus")
	assert.Error(t, err)
}

func TestAcquireBlocksAtLimit(t *testing.T) {
	tracker := NewTracker(map[string]int{ServiceLLMFast: 1})
	ctx := context.Background()

	release, err := tracker.Acquire(ctx, ServiceLLMFast)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := tracker.Acquire(ctx, ServiceLLMFast)
		if err == nil {
			r()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	snap, _ := tracker.Snapshot(ServiceLLMFast)
	assert.Equal(t, 1, snap.Waiting)

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	tracker := NewTracker(map[string]int{ServiceLLMPower: 1})

	release, err := tracker.Acquire(context.Background(), ServiceLLMPower)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tracker.Acquire(ctx, ServiceLLMPower)
		errCh <- err
	}()

	// Let the goroutine enqueue before cancelling.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}

	snap, _ := tracker.Snapshot(ServiceLLMPower)
	assert.Equal(t, 0, snap.Waiting)
}

func TestReleaseIdempotent(t *testing.T) {
	tracker := NewTracker(map[string]int{ServiceASR: 1})
	release, err := tracker.Acquire(context.Background(), ServiceASR)
	require.NoError(t, err)

	release()
	release()

	snap, _ := tracker.Snapshot(ServiceASR)
	assert.Equal(t, 0, snap.Active)
}

func TestConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	const limit = 4
	tracker := NewTracker(map[string]int{ServiceASR: limit})
	ctx := context.Background()

	var mu sync.Mutex
	active, maxSeen := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := tracker.Acquire(ctx, ServiceASR)
			require.NoError(t, err)
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, limit)
	snap, _ := tracker.Snapshot(ServiceASR)
	assert.Equal(t, 0, snap.Active)
	assert.LessOrEqual(t, snap.Peak, limit)
}

func TestUpdateMaximaRaisesLimitAndWakesWaiter(t *testing.T) {
	tracker := NewTracker(map[string]int{ServiceLLMFast: 1})
	ctx := context.Background()

	release, err := tracker.Acquire(ctx, ServiceLLMFast)
	require.NoError(t, err)
	defer release()

	acquired := make(chan struct{})
	go func() {
		r, err := tracker.Acquire(ctx, ServiceLLMFast)
		if err == nil {
			defer r()
		}
		close(acquired)
	}()

	// Let the goroutine enqueue against the full service.
	time.Sleep(20 * time.Millisecond)
	snap, _ := tracker.Snapshot(ServiceLLMFast)
	require.Equal(t, 1, snap.Waiting)

	tracker.UpdateMaxima(map[string]int{ServiceLLMFast: 3})

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by the raised limit")
	}

	snap, _ = tracker.Snapshot(ServiceLLMFast)
	assert.Equal(t, 3, snap.Limit)
	assert.Equal(t, 0, snap.Waiting)
}

func TestUpdateMaximaLowersLimit(t *testing.T) {
	tracker := NewTracker(map[string]int{ServiceASR: 4})
	ctx := context.Background()

	r1, err := tracker.Acquire(ctx, ServiceASR)
	require.NoError(t, err)
	r2, err := tracker.Acquire(ctx, ServiceASR)
	require.NoError(t, err)

	tracker.UpdateMaxima(map[string]int{ServiceASR: 1})
	snap, _ := tracker.Snapshot(ServiceASR)
	assert.Equal(t, 1, snap.Limit)
	assert.Equal(t, 2, snap.Active)

	// Existing holders drain; no new slot opens until under the new limit.
	r1()
	blocked := make(chan struct{})
	go func() {
		r, err := tracker.Acquire(ctx, ServiceASR)
		if err == nil {
			r()
		}
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("acquire should block while over the lowered limit")
	case <-time.After(50 * time.Millisecond):
	}

	r2()
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released after draining below the limit")
	}
}

func TestUpdateMaximaAddsUnknownService(t *testing.T) {
	tracker := NewTracker(map[string]int{ServiceASR: 1})

	tracker.UpdateMaxima(map[string]int{"tts": 0})

	release, err := tracker.Acquire(context.Background(), "tts")
	require.NoError(t, err)
	defer release()

	snap, ok := tracker.Snapshot("tts")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Limit)
	assert.Equal(t, 1, snap.Active)
}

func TestResetPeaks(t *testing.T) {
	tracker := NewTracker(map[string]int{ServiceASR: 2})
	release, err := tracker.Acquire(context.Background(), ServiceASR)
	require.NoError(t, err)
	release()

	snap, _ := tracker.Snapshot(ServiceASR)
	require.Equal(t, 1, snap.Peak)

	tracker.ResetPeaks()
	snap, _ = tracker.Snapshot(ServiceASR)
	assert.Equal(t, 0, snap.Peak)
}
