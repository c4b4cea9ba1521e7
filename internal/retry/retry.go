// Package retry provides the shared retry policy used by every volatile
// network call: exponential backoff with jitter, a failure taxonomy, and
// per-call-site profiles. Validation failures are never retried; a
// server-provided retry-after hint overrides the computed backoff for
// the next attempt only.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Profile parameterizes the backoff policy for one call site.
type Profile struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap on the computed delay
	Multiplier  float64       // backoff growth factor
	Jitter      bool          // scale delay by a uniform factor in [0.5, 1.0)
}

// RESTProfile is the default profile for REST command and fetch calls.
func RESTProfile() Profile {
	return Profile{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// ConnectionProfile is the default profile for push-connection
// reconnection scheduling.
func ConnectionProfile() Profile {
	return Profile{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// Delay returns the backoff before attempt n+1, given that attempt n
// failed (n is 1-based): min(base * multiplier^(n-1), max), then jitter.
// Jitter is applied after the cap, so the result never exceeds MaxDelay.
func (p Profile) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || d < 0 || math.IsInf(d, 0) {
		d = float64(p.MaxDelay)
	}

	if p.Jitter {
		d *= 0.5 + rand.Float64()*0.5
	}

	return time.Duration(d)
}

// Do runs op until it succeeds, fails terminally, or the profile's
// attempts are exhausted. The last error is returned to the caller;
// a terminal failure is never swallowed. Cancelling ctx abandons the
// call between attempts and is propagated into each attempt.
func Do(ctx context.Context, p Profile, op func(context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !Classify(err).Recoverable() {
			return err
		}

		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if hint := retryAfterHint(err); hint > 0 {
			// Server knows best; applies to the next attempt only.
			delay = hint
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("exhausted %d attempts: %w", p.MaxAttempts, lastErr)
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Profile, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
