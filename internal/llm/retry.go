package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxAttempts = 3

// CompleteWithRetry runs a completion with up to three attempts. Retryable
// failures back off exponentially, with a longer schedule for rate limits.
// Terminal errors (4xx, cancellation) return immediately.
func CompleteWithRetry(ctx context.Context, p Provider, req Request, log *slog.Logger) (*Response, error) {
	if log == nil {
		log = slog.Default()
	}

	normal := newBackoff(1*time.Second, 10*time.Second)
	rateLimited := newBackoff(2*time.Second, 30*time.Second)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == maxAttempts {
			return nil, err
		}

		policy := normal
		if IsRateLimited(err) {
			policy = rateLimited
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return nil, err
		}

		log.Warn("LLM completion failed, retrying",
			slog.String("provider", p.Name()),
			slog.String("model", p.Model()),
			slog.Int("attempt", attempt),
			slog.Bool("rate_limited", IsRateLimited(err)),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func newBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
