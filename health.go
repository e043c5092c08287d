package creditgate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// availability tracks the dispatch health of one provider using a circuit
// breaker pattern. Each provider has its own tracker and lock.
type availability struct {
	cfg HealthConfig

	mu       sync.Mutex
	state    Availability
	failures []time.Time // consecutive failures inside the window
	downAt   time.Time   // when state transitioned to Down
	probe    *rate.Limiter
}

func newAvailability(cfg HealthConfig) *availability {
	return &availability{cfg: cfg, state: Healthy}
}

// State returns the current availability.
func (a *availability) State() Availability {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Eligible reports whether the provider may be offered to routing at now.
// A Down provider is eligible once its cool-down has passed and its probe
// has not been taken. Eligible never spends the probe.
func (a *availability) Eligible(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Down {
		return true
	}
	if now.Sub(a.downAt) < a.cfg.Cooldown {
		return false
	}
	return a.probe.TokensAt(now) >= 1
}

// Acquire reports whether a call may be made at now. For a Down provider it
// takes the single probe of the current cool-down.
func (a *availability) Acquire(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Down {
		return true
	}
	if now.Sub(a.downAt) < a.cfg.Cooldown {
		return false
	}
	return a.probe.AllowN(now, 1)
}

// RecordSuccess returns the provider to Healthy.
func (a *availability) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = Healthy
	a.failures = a.failures[:0]
	a.probe = nil
}

// RecordFailure records a failed dispatch at now and returns the new state.
func (a *availability) RecordFailure(now time.Time) Availability {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Down {
		// A failed probe restarts the cool-down.
		a.downAt = now
		return a.state
	}

	// Prune old failures outside the window.
	cutoff := now.Add(-a.cfg.Window)
	valid := a.failures[:0]
	for _, t := range a.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	a.failures = append(valid, now)

	// Check thresholds.
	switch {
	case len(a.failures) >= a.cfg.DownAfter:
		a.state = Down
		a.downAt = now
		a.probe = rate.NewLimiter(rate.Every(a.cfg.Cooldown), 1)
		// Spend the initial token so the first probe waits a full cool-down.
		a.probe.AllowN(now, 1)
	case len(a.failures) >= a.cfg.DegradedAfter:
		a.state = Degraded
	}
	return a.state
}
