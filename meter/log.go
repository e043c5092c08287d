package meter

import (
	"go.uber.org/zap"

	"github.com/ineyio/creditgate"
)

// LogMeter logs routing, dispatch and settlement events using zap.
type LogMeter struct {
	Logger *zap.Logger
}

var _ creditgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, zap.L() is used.
func NewLogMeter(logger *zap.Logger) *LogMeter {
	if logger == nil {
		logger = zap.L()
	}
	return &LogMeter{Logger: logger.With(zap.String("component", "meter"))}
}

func (m *LogMeter) OnRoute(e creditgate.RouteEvent) {
	m.Logger.Info("route",
		zap.String("request_id", e.RequestID),
		zap.String("account_id", e.AccountID),
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.String("quality_tier", string(e.QualityTier)),
		zap.Bool("widened", e.Widened),
		zap.Int("attempt", e.AttemptNum),
		zap.Int64("estimated_units", e.EstimatedUnits),
		zap.Int64("held", e.Held),
	)
}

func (m *LogMeter) OnResult(e creditgate.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			zap.String("request_id", e.RequestID),
			zap.String("account_id", e.AccountID),
			zap.String("provider", e.Provider),
			zap.String("model", e.Model),
			zap.Duration("duration", e.Duration),
			zap.Int64("units_consumed", e.UnitsConsumed),
			zap.Int64("charged", e.Charged),
		)
	} else {
		m.Logger.Warn("result_error",
			zap.String("request_id", e.RequestID),
			zap.String("account_id", e.AccountID),
			zap.String("provider", e.Provider),
			zap.String("model", e.Model),
			zap.Duration("duration", e.Duration),
			zap.Error(e.Error),
		)
	}
}

func (m *LogMeter) OnSettle(e creditgate.SettleEvent) {
	m.Logger.Info("settle",
		zap.String("request_id", e.RequestID),
		zap.String("account_id", e.AccountID),
		zap.String("provider", e.Provider),
		zap.String("outcome", e.Outcome),
		zap.Int64("reward", e.Reward),
		zap.Float64("quality", e.Quality),
		zap.Bool("needs_review", e.NeedsReview),
	)
}
