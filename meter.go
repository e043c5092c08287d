package creditgate

import "time"

// Meter observes routing, dispatch and settlement events for monitoring/logging.
type Meter interface {
	// OnRoute is called when a candidate is held and about to be dispatched.
	OnRoute(event RouteEvent)

	// OnResult is called when a provider returns a result.
	OnResult(event ResultEvent)

	// OnSettle is called when a completed request is settled.
	OnSettle(event SettleEvent)
}

// RouteEvent describes a routing decision.
type RouteEvent struct {
	RequestID      string
	AccountID      string
	Provider       string
	Model          string
	QualityTier    QualityTier
	Widened        bool
	AttemptNum     int
	EstimatedUnits int64
	Held           int64
}

// ResultEvent describes the outcome of a provider call.
type ResultEvent struct {
	RequestID     string
	AccountID     string
	Provider      string
	Model         string
	Success       bool
	Duration      time.Duration
	UnitsConsumed int64
	Charged       int64
	Error         error
}

// SettleEvent describes a settlement.
type SettleEvent struct {
	RequestID   string
	AccountID   string
	Provider    string
	Reward      int64
	Quality     float64
	NeedsReview bool

	// Outcome is "rewarded", "baseline" or "duplicate".
	Outcome string
}

// Settlement outcomes reported on SettleEvent.
const (
	OutcomeRewarded  = "rewarded"
	OutcomeBaseline  = "baseline"
	OutcomeDuplicate = "duplicate"
)

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnRoute(RouteEvent)   {}
func (noopMeter) OnResult(ResultEvent) {}
func (noopMeter) OnSettle(SettleEvent) {}
