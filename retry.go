package creditgate

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how ledger version conflicts are retried.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy returns the policy used by the ledger backends.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   8,
		InitialDelay: 200 * time.Microsecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// Delay returns the jittered backoff before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	// Full jitter in [d/2, d).
	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}

// RetryConflicts runs fn until it returns something other than
// ErrLedgerConflict, or the policy's retries are exhausted. Exhaustion
// returns the last conflict error.
func RetryConflicts(ctx context.Context, p RetryPolicy, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if !errors.Is(err, ErrLedgerConflict) {
			return err
		}
		if attempt >= p.MaxRetries {
			return err
		}

		delay := p.Delay(attempt + 1)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
