package creditgate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	cg "github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/ledger"
	"github.com/ineyio/creditgate/records"
)

// fixedClassifier returns the same classification for every request.
type fixedClassifier struct {
	cls cg.Classification
}

func (f fixedClassifier) Classify(req cg.Request, _ cg.AccountTier) (cg.Classification, error) {
	if len(req.Messages) == 0 {
		return cg.Classification{}, &cg.ClassificationError{Reason: "no messages"}
	}
	return f.cls, nil
}

func standardUnits(units int64) fixedClassifier {
	return fixedClassifier{cls: cg.Classification{
		Complexity:     cg.ComplexityMedium,
		Intent:         cg.IntentGeneral,
		QualityTier:    cg.QualityStandard,
		EstimatedUnits: units,
	}}
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func provider(id string, quality float64, models ...cg.ModelSpec) cg.Provider {
	return cg.Provider{ID: id, BaseQuality: quality, Models: models}
}

func model(name string, cost float64, tier cg.QualityTier) cg.ModelSpec {
	return cg.ModelSpec{Name: name, CostPerUnit: cost, CapabilityTier: tier}
}

func msgs(content string) []cg.Message {
	return []cg.Message{{Role: "user", Content: content}}
}

type harness struct {
	gw      *cg.Gateway
	ledger  *ledger.MemoryLedger
	records *records.MemoryStore
	dir     *cg.Directory
	clock   *fakeClock
}

// newHarness builds a gateway over an in-memory ledger and record store.
func newHarness(t *testing.T, providers []cg.Provider, adapters []cg.ProviderAdapter, opts ...cg.Option) *harness {
	t.Helper()
	return newHarnessWithConfig(t, cg.Config{}, providers, adapters, opts...)
}

// newHarnessWithConfig is newHarness with dispatch, routing and settlement
// settings taken from cfg.
func newHarnessWithConfig(t *testing.T, cfg cg.Config, providers []cg.Provider, adapters []cg.ProviderAdapter, opts ...cg.Option) *harness {
	t.Helper()
	clock := newFakeClock()
	logger := zaptest.NewLogger(t)

	dir, err := cg.NewDirectory(providers, cg.WithDirectoryClock(clock.Now), cg.WithDirectoryLogger(logger))
	require.NoError(t, err)

	led := ledger.NewMemoryLedger(ledger.WithClock(clock.Now))
	rs := records.NewMemoryStore()

	all := append([]cg.Option{
		cg.WithDirectory(dir),
		cg.WithRecordStore(rs),
		cg.WithLogger(logger),
		cg.WithClock(clock.Now),
	}, opts...)

	// Config providers are unused when a directory is supplied.
	gw, err := cg.NewGateway(cfg, led, adapters, all...)
	require.NoError(t, err)

	return &harness{gw: gw, ledger: led, records: rs, dir: dir, clock: clock}
}

func (h *harness) open(t *testing.T, id string, balance int64, tier cg.AccountTier) {
	t.Helper()
	require.NoError(t, h.ledger.OpenAccount(context.Background(), cg.Account{ID: id, Balance: balance, Tier: tier}))
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := h.gw.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}
