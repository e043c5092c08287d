package meter

import "github.com/ineyio/creditgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ creditgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRoute(creditgate.RouteEvent)   {}
func (m *NoopMeter) OnResult(creditgate.ResultEvent) {}
func (m *NoopMeter) OnSettle(creditgate.SettleEvent) {}

// Multi fans events out to several meters.
type Multi []creditgate.Meter

var _ creditgate.Meter = Multi(nil)

func (m Multi) OnRoute(e creditgate.RouteEvent) {
	for _, x := range m {
		x.OnRoute(e)
	}
}

func (m Multi) OnResult(e creditgate.ResultEvent) {
	for _, x := range m {
		x.OnResult(e)
	}
}

func (m Multi) OnSettle(e creditgate.SettleEvent) {
	for _, x := range m {
		x.OnSettle(e)
	}
}
