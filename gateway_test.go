package creditgate_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cg "github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/provider/mock"
)

func twoProviders() []cg.Provider {
	p1 := provider("P1", 0.9, model("p1-std", 1.5, cg.QualityStandard))
	p1.Adapter = "a1"
	p2 := provider("P2", 0.8, model("p2-std", 1.0, cg.QualityStandard))
	p2.Adapter = "a2"
	return []cg.Provider{p1, p2}
}

func TestSubmitRequest_FallbackChargesOnlyTheServingProvider(t *testing.T) {
	ctx := context.Background()
	failing := mock.New(mock.WithName("a1"), mock.WithError(cg.ErrProviderUnavailable))
	serving := mock.New(mock.WithName("a2"), mock.WithUnits(15), mock.WithContent("Paris is the capital of France."))

	h := newHarness(t, twoProviders(), []cg.ProviderAdapter{failing, serving}, cg.WithClassifier(standardUnits(20)))
	h.open(t, "acct", 100, cg.AccountStandard)

	res, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("What is the capital of France?")})
	require.NoError(t, err)

	assert.Equal(t, "P2", res.Provider)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int64(20), res.Cost.Held)
	assert.Equal(t, int64(15), res.Cost.Charged)
	assert.Equal(t, int64(5), res.Cost.Refunded)
	assert.GreaterOrEqual(t, res.Cost.Reward, cg.BaselineReward)
	assert.Equal(t, 85+res.Cost.Reward, res.Balance)
	assert.Equal(t, res.Balance, h.balance(t, "acct"))
	assert.Equal(t, int64(1), failing.CallCount())

	txs, err := h.gw.GetTransactionHistory(ctx, "acct", time.Time{}, time.Time{})
	require.NoError(t, err)
	var kinds []cg.TxKind
	for _, tx := range txs {
		kinds = append(kinds, tx.Kind)
	}
	assert.Equal(t, []cg.TxKind{
		cg.TxCredit, // opening balance
		cg.TxHold, cg.TxRefund, // P1 held 30, refunded
		cg.TxHold, cg.TxDebit, cg.TxRefund, // P2 held 20, charged 15, 5 back
		cg.TxCredit, // reward
	}, kinds)
	assert.Equal(t, int64(30), txs[1].Amount)
	assert.Equal(t, res.Balance, cg.Replay(txs))

	rec, err := h.records.Get(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, cg.StateCompleted, rec.State)
	assert.True(t, rec.Settled)
	require.Len(t, rec.Attempts, 2)
	assert.NotEmpty(t, rec.Attempts[0].Error)
	assert.Empty(t, rec.Attempts[1].Error)
	assert.Equal(t, int64(15), rec.ActualCost)
}

func TestSubmitRequest_InsufficientFundsLeavesBalance(t *testing.T) {
	ctx := context.Background()
	p := provider("P1", 0.9, model("m", 0.75, cg.QualityStandard))
	h := newHarness(t, []cg.Provider{p}, []cg.ProviderAdapter{mock.New(mock.WithName("P1"))},
		cg.WithClassifier(standardUnits(20)))
	h.open(t, "acct", 10, cg.AccountStandard)

	_, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello")})

	var ife *cg.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, int64(15), ife.Required)
	assert.Equal(t, int64(10), ife.Available)
	assert.Equal(t, int64(5), ife.Shortfall())
	assert.ErrorIs(t, err, cg.ErrInsufficientFunds)
	assert.Equal(t, int64(10), h.balance(t, "acct"))

	txs, err := h.gw.GetTransactionHistory(ctx, "acct", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, txs, 1, "only the opening balance")
}

func TestSubmitRequest_AllProvidersFailRefundsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, twoProviders(), []cg.ProviderAdapter{
		mock.New(mock.WithName("a1"), mock.WithError(cg.ErrRateLimited)),
		mock.New(mock.WithName("a2"), mock.WithError(cg.ErrProviderUnavailable)),
	}, cg.WithClassifier(standardUnits(20)))
	h.open(t, "acct", 100, cg.AccountStandard)

	_, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello")})

	var pue *cg.ProviderUnavailableError
	require.ErrorAs(t, err, &pue)
	assert.Equal(t, 2, pue.Attempts)
	assert.True(t, cg.IsRetryable(err))
	assert.Equal(t, int64(100), h.balance(t, "acct"))

	stale, err := h.records.Stale(ctx, h.clock.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, stale, "failed requests are terminal")
}

func TestSubmitRequest_FatalErrorStopsChain(t *testing.T) {
	ctx := context.Background()
	second := mock.New(mock.WithName("a2"))
	h := newHarness(t, twoProviders(), []cg.ProviderAdapter{
		mock.New(mock.WithName("a1"), mock.WithError(cg.ErrInvalidRequest)),
		second,
	}, cg.WithClassifier(standardUnits(20)))
	h.open(t, "acct", 100, cg.AccountStandard)

	_, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello")})
	assert.ErrorIs(t, err, cg.ErrProviderUnavailable)
	assert.ErrorIs(t, err, cg.ErrInvalidRequest)
	assert.Equal(t, int64(0), second.CallCount())
	assert.Equal(t, int64(100), h.balance(t, "acct"))
}

func TestSubmitRequest_MaxAttempts(t *testing.T) {
	ctx := context.Background()
	var providers []cg.Provider
	var adapters []cg.ProviderAdapter
	for _, id := range []string{"A", "B", "C", "D"} {
		providers = append(providers, provider(id, 0.5, model(id+"-m", 1, cg.QualityStandard)))
		adapters = append(adapters, mock.New(mock.WithName(id), mock.WithError(cg.ErrProviderUnavailable)))
	}
	h := newHarness(t, providers, adapters, cg.WithClassifier(standardUnits(10)))
	h.open(t, "acct", 100, cg.AccountStandard)

	_, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello")})
	var pue *cg.ProviderUnavailableError
	require.ErrorAs(t, err, &pue)
	assert.Equal(t, cg.DefaultMaxAttempts, pue.Attempts)
	assert.Equal(t, int64(0), adapters[3].(*mock.Provider).CallCount())
}

func TestSubmitRequest_ActualCostCappedAtHold(t *testing.T) {
	ctx := context.Background()
	p := provider("P1", 0.9, model("m", 1, cg.QualityStandard))
	h := newHarness(t, []cg.Provider{p}, []cg.ProviderAdapter{mock.New(mock.WithName("P1"), mock.WithUnits(500))},
		cg.WithClassifier(standardUnits(20)))
	h.open(t, "acct", 100, cg.AccountStandard)

	res, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello")})
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Cost.Charged)
	assert.Equal(t, int64(0), res.Cost.Refunded)
	assert.Equal(t, 80+res.Cost.Reward, h.balance(t, "acct"))
}

func TestSubmitRequest_OversizeMaxUnitsIsMalformed(t *testing.T) {
	ctx := context.Background()
	p := provider("P1", 0.9, model("m", 4, cg.QualityStandard))
	adapter := mock.New(mock.WithName("P1"), mock.WithUnits(5000))
	h := newHarness(t, []cg.Provider{p}, []cg.ProviderAdapter{adapter})
	h.open(t, "acct", 1, cg.AccountStandard)

	for _, units := range []int64{math.MaxInt64, math.MaxInt64 - 2, 1 << 62, cg.MaxRequestUnits + 1} {
		_, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello there"), MaxUnits: units})
		var ce *cg.ClassificationError
		require.ErrorAs(t, err, &ce, "max_units=%d", units)
	}

	assert.Equal(t, int64(0), adapter.CallCount())
	assert.Equal(t, int64(1), h.balance(t, "acct"))
}

func TestSubmitRequest_CostBeyondInt64IsInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	p := provider("P1", 0.9, model("m", 1e12, cg.QualityStandard))
	adapter := mock.New(mock.WithName("P1"))
	h := newHarness(t, []cg.Provider{p}, []cg.ProviderAdapter{adapter},
		cg.WithClassifier(standardUnits(cg.MaxRequestUnits)))
	h.open(t, "acct", 1000, cg.AccountStandard)

	_, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello")})

	var ife *cg.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, int64(math.MaxInt64), ife.Required)
	assert.Equal(t, int64(1000), ife.Available)
	assert.Equal(t, int64(0), adapter.CallCount())
	assert.Equal(t, int64(1000), h.balance(t, "acct"))
}

func TestSubmitRequest_HugeReportedUnitsChargeTheHold(t *testing.T) {
	ctx := context.Background()
	p := provider("P1", 0.9, model("m", 4, cg.QualityStandard))
	h := newHarness(t, []cg.Provider{p},
		[]cg.ProviderAdapter{mock.New(mock.WithName("P1"), mock.WithUnits(math.MaxInt64))},
		cg.WithClassifier(standardUnits(5)))
	h.open(t, "acct", 100, cg.AccountStandard)

	res, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello")})
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Cost.Held)
	assert.Equal(t, int64(20), res.Cost.Charged)
	assert.Equal(t, 80+res.Cost.Reward, h.balance(t, "acct"))

	txs, err := h.gw.GetTransactionHistory(ctx, "acct", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, cg.Outstanding(txs))
}

func TestSubmitRequest_AttemptDeadlineFallsBack(t *testing.T) {
	ctx := context.Background()
	slow := mock.New(mock.WithName("a1"), mock.WithLatency(time.Second))
	serving := mock.New(mock.WithName("a2"), mock.WithUnits(15))
	cfg := cg.Config{Dispatch: cg.DispatchConfig{AttemptTimeout: 50 * time.Millisecond}}
	h := newHarnessWithConfig(t, cfg, twoProviders(), []cg.ProviderAdapter{slow, serving},
		cg.WithClassifier(standardUnits(20)))
	h.open(t, "acct", 100, cg.AccountStandard)

	res, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello")})
	require.NoError(t, err)
	assert.Equal(t, "P2", res.Provider)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int64(15), res.Cost.Charged)
	assert.Equal(t, 85+res.Cost.Reward, h.balance(t, "acct"))

	rec, err := h.records.Get(ctx, res.RequestID)
	require.NoError(t, err)
	require.Len(t, rec.Attempts, 2)
	assert.Equal(t, "P1", rec.Attempts[0].ProviderID)
	assert.NotEmpty(t, rec.Attempts[0].Error)

	txs, err := h.gw.GetTransactionHistory(ctx, "acct", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, cg.Outstanding(txs))
	assert.Equal(t, h.balance(t, "acct"), cg.Replay(txs))
}

func TestSubmitRequest_CallerCancelReleasesHold(t *testing.T) {
	p := provider("P1", 0.9, model("m", 1, cg.QualityStandard))
	h := newHarness(t, []cg.Provider{p},
		[]cg.ProviderAdapter{mock.New(mock.WithName("P1"), mock.WithLatency(5*time.Second))},
		cg.WithClassifier(standardUnits(20)))
	h.open(t, "acct", 100, cg.AccountStandard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(100), h.balance(t, "acct"))

	txs, err := h.gw.GetTransactionHistory(context.Background(), "acct", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, cg.Outstanding(txs))
	assert.Equal(t, int64(100), cg.Replay(txs))

	stale, err := h.records.Stale(context.Background(), h.clock.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, stale, "cancelled requests end Failed")
}

func TestSubmitRequest_UnroutedRequestKeepsRecoveryProbe(t *testing.T) {
	ctx := context.Background()
	p := provider("P1", 0.9, model("m", 1, cg.QualityStandard))
	adapter := mock.New(mock.WithName("P1"), mock.WithUnits(5))
	h := newHarness(t, []cg.Provider{p}, []cg.ProviderAdapter{adapter}, cg.WithClassifier(standardUnits(20)))
	h.open(t, "poor", 5, cg.AccountStandard)
	h.open(t, "rich", 100, cg.AccountStandard)

	for range cg.DefaultDownAfter {
		h.dir.RecordFailure("P1")
	}
	require.Equal(t, cg.Down, h.dir.Availability("P1"))
	h.clock.Advance(cg.DefaultCooldown + time.Second)

	// Routing lists the recovering provider but funds stop the request
	// before any call.
	_, err := h.gw.SubmitRequest(ctx, "poor", cg.Request{Messages: msgs("hello")})
	var ife *cg.InsufficientFundsError
	require.ErrorAs(t, err, &ife)

	res, err := h.gw.SubmitRequest(ctx, "rich", cg.Request{Messages: msgs("hello")})
	require.NoError(t, err)
	assert.Equal(t, "P1", res.Provider)
	assert.Equal(t, int64(1), adapter.CallCount())
	assert.Equal(t, cg.Healthy, h.dir.Availability("P1"))
}

func TestSubmitRequest_TakenProbeSkipsProvider(t *testing.T) {
	ctx := context.Background()
	first := mock.New(mock.WithName("a1"))
	claim := &claimingPolicy{next: cg.NewWeightedPolicy(cg.DefaultWeights()), provider: "P1"}
	h := newHarness(t, twoProviders(), []cg.ProviderAdapter{
		first,
		mock.New(mock.WithName("a2"), mock.WithUnits(15)),
	}, cg.WithClassifier(standardUnits(20)), cg.WithPolicy(claim))
	claim.dir = h.dir
	h.open(t, "acct", 100, cg.AccountStandard)

	for range cg.DefaultDownAfter {
		h.dir.RecordFailure("P1")
	}
	h.clock.Advance(cg.DefaultCooldown + time.Second)

	res, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello")})
	require.NoError(t, err)
	assert.Equal(t, "P2", res.Provider)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(0), first.CallCount())
	assert.True(t, claim.listed, "routing listed the recovering provider")
	assert.Equal(t, 85+res.Cost.Reward, h.balance(t, "acct"))
}

// claimingPolicy takes provider's recovery probe after ranking, the way a
// concurrent request would between routing and dispatch.
type claimingPolicy struct {
	next     cg.Policy
	dir      *cg.Directory
	provider string
	listed   bool
}

func (p *claimingPolicy) Select(cands []cg.Candidate) []cg.Candidate {
	out := p.next.Select(cands)
	for _, c := range out {
		if c.ProviderID == p.provider {
			p.listed = true
			p.dir.Acquire(p.provider)
		}
	}
	return out
}

func TestSubmitRequest_Errors(t *testing.T) {
	ctx := context.Background()
	p := provider("P1", 0.9, model("m", 1, cg.QualityPremium))
	h := newHarness(t, []cg.Provider{p}, []cg.ProviderAdapter{mock.New(mock.WithName("P1"))})
	h.open(t, "acct", 1000, cg.AccountPremium)

	_, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{})
	var ce *cg.ClassificationError
	assert.ErrorAs(t, err, &ce)

	_, err = h.gw.SubmitRequest(ctx, "nobody", cg.Request{Messages: msgs("hi")})
	assert.ErrorIs(t, err, cg.ErrAccountNotFound)

	// A short question classifies as Basic; only a Premium model exists and
	// the account has not opted in to upgrades.
	_, err = h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("what is go?")})
	var ne *cg.NoEligibleProviderError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, cg.QualityBasic, ne.Tier)
}

func TestSubmitRequest_UpgradeOptIn(t *testing.T) {
	ctx := context.Background()
	p := provider("P1", 0.9, model("m", 0.1, cg.QualityPremium))
	h := newHarness(t, []cg.Provider{p}, []cg.ProviderAdapter{mock.New(mock.WithName("P1"))})
	require.NoError(t, h.ledger.OpenAccount(ctx, cg.Account{ID: "acct", Balance: 1000, Tier: cg.AccountPremium, UpgradeOptIn: true}))

	res, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("what is go?")})
	require.NoError(t, err)
	assert.Equal(t, "P1", res.Provider)
	assert.Equal(t, cg.QualityBasic, res.Classification.QualityTier)
}

func TestSubmitRequest_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	p := provider("P1", 0.9, model("m", 1, cg.QualityStandard))
	h := newHarness(t, []cg.Provider{p},
		[]cg.ProviderAdapter{mock.New(mock.WithName("P1"), mock.WithUnits(10), mock.WithLatency(5*time.Millisecond))},
		cg.WithClassifier(standardUnits(10)))
	h.open(t, "acct", 50, cg.AccountStandard)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, funds int
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, cg.ErrInsufficientFunds):
				funds++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, ok+funds)
	assert.GreaterOrEqual(t, ok, 5)
	bal := h.balance(t, "acct")
	assert.GreaterOrEqual(t, bal, int64(0))

	txs, err := h.gw.GetTransactionHistory(ctx, "acct", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, bal, cg.Replay(txs))
	assert.Empty(t, cg.Outstanding(txs))
}

func TestSubmitRequest_SettlementFeedsProviderQuality(t *testing.T) {
	ctx := context.Background()
	p := provider("P1", 0.5, model("m", 0.1, cg.QualityStandard))
	h := newHarness(t, []cg.Provider{p},
		[]cg.ProviderAdapter{mock.New(mock.WithName("P1"), mock.WithContent("Photosynthesis converts sunlight into chemical energy stored in glucose."))},
		cg.WithClassifier(standardUnits(50)))
	h.open(t, "acct", 100, cg.AccountStandard)

	fb := 5.0
	res, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{
		Messages: msgs("Explain photosynthesis and glucose"),
		Feedback: &fb,
	})
	require.NoError(t, err)
	assert.False(t, res.NeedsReview)

	rec, err := h.records.Get(ctx, res.RequestID)
	require.NoError(t, err)
	require.NotNil(t, rec.Quality)
	assert.Equal(t, rec.Quality.ComputedReward, res.Cost.Reward)

	q, ok := h.dir.Quality("P1")
	require.True(t, ok)
	assert.InDelta(t, 0.5+cg.DefaultEWMAAlpha*(rec.Quality.Score-0.5), q, 1e-9)
}

func TestSubmitRequest_BadFeedbackFallsBackToBaseline(t *testing.T) {
	ctx := context.Background()
	p := provider("P1", 0.5, model("m", 0.1, cg.QualityStandard))
	h := newHarness(t, []cg.Provider{p}, []cg.ProviderAdapter{mock.New(mock.WithName("P1"))},
		cg.WithClassifier(standardUnits(50)))
	h.open(t, "acct", 100, cg.AccountStandard)

	fb := 9.0
	res, err := h.gw.SubmitRequest(ctx, "acct", cg.Request{Messages: msgs("hello"), Feedback: &fb})
	require.NoError(t, err)
	assert.True(t, res.NeedsReview)
	assert.Equal(t, cg.BaselineReward, res.Cost.Reward)

	q, _ := h.dir.Quality("P1")
	assert.InDelta(t, 0.5, q, 1e-9, "baseline settlements do not move quality")
}

func TestNewGateway_Validation(t *testing.T) {
	_, err := cg.NewGateway(cg.Config{}, nil, []cg.ProviderAdapter{mock.New()})
	assert.Error(t, err)
}
