package board

import (
	"context"
	"math"
	"math/rand"
	"time"

	"prism-board/domain"
)

// RetryPolicy bounds how transient failures of a remote call are retried.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	// Timeout caps a single attempt.
	Timeout time.Duration
}

// DefaultRetry is used for zero fields of a pipeline's policy.
var DefaultRetry = RetryPolicy{
	Attempts: 3,
	Initial:  100 * time.Millisecond,
	Max:      2 * time.Second,
	Timeout:  10 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetry.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = DefaultRetry.Initial
	}
	if p.Max <= 0 {
		p.Max = DefaultRetry.Max
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultRetry.Timeout
	}
	return p
}

// do runs call until it succeeds, fails with a non-transient error or the
// attempts run out. The last error is returned.
func (p RetryPolicy) do(ctx context.Context, call func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, p.Timeout)
		err = call(actx)
		cancel()
		if err == nil || !domain.Retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == p.Attempts {
			break
		}
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// delay is the pause after failed attempt n: Initial doubled per attempt,
// capped at Max, with up to 20% jitter either way.
func (p RetryPolicy) delay(n int) time.Duration {
	d := math.Min(float64(p.Initial)*math.Pow(2, float64(n-1)), float64(p.Max))
	return time.Duration(d * (0.8 + 0.4*rand.Float64()))
}
