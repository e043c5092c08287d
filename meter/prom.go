package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/creditgate"
)

// PromMeter exports gateway events as Prometheus metrics.
type PromMeter struct {
	routes          *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	charged         *prometheus.CounterVec
	rewards         *prometheus.CounterVec
	settlements     *prometheus.CounterVec
}

var _ creditgate.Meter = (*PromMeter)(nil)

// NewPromMeter registers the gateway metrics with reg. A nil reg uses the
// default registerer.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	const namespace = "creditgate"

	return &PromMeter{
		routes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_total",
				Help:      "Total number of held and dispatched candidates",
			},
			[]string{"provider", "model", "quality_tier", "widened"},
		),
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of provider attempts",
			},
			[]string{"provider", "model", "status"},
		),
		attemptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Provider attempt duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		charged: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_charged_total",
				Help:      "Total credits debited for completed requests",
			},
			[]string{"provider", "model"},
		),
		rewards: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rewards_total",
				Help:      "Total reward credits issued",
			},
			[]string{"provider"},
		),
		settlements: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlements_total",
				Help:      "Total settlements by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *PromMeter) OnRoute(e creditgate.RouteEvent) {
	widened := "false"
	if e.Widened {
		widened = "true"
	}
	m.routes.WithLabelValues(e.Provider, e.Model, string(e.QualityTier), widened).Inc()
}

func (m *PromMeter) OnResult(e creditgate.ResultEvent) {
	status := "success"
	if !e.Success {
		status = "error"
	}
	m.attempts.WithLabelValues(e.Provider, e.Model, status).Inc()
	m.attemptDuration.WithLabelValues(e.Provider, e.Model).Observe(e.Duration.Seconds())
	if e.Success {
		m.charged.WithLabelValues(e.Provider, e.Model).Add(float64(e.Charged))
	}
}

func (m *PromMeter) OnSettle(e creditgate.SettleEvent) {
	m.settlements.WithLabelValues(e.Outcome).Inc()
	if e.Outcome != creditgate.OutcomeDuplicate {
		m.rewards.WithLabelValues(e.Provider).Add(float64(e.Reward))
	}
}
