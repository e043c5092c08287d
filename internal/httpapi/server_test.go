package httpapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/internal/httpapi"
	"github.com/ineyio/creditgate/ledger"
	"github.com/ineyio/creditgate/meter"
	"github.com/ineyio/creditgate/provider/mock"
)

type fakeGateway struct {
	submitErr error
	history   []creditgate.Transaction
	from, to  time.Time
}

func (f *fakeGateway) SubmitRequest(_ context.Context, accountID string, req creditgate.Request) (creditgate.RequestResult, error) {
	if f.submitErr != nil {
		return creditgate.RequestResult{}, f.submitErr
	}
	return creditgate.RequestResult{RequestID: "r1", Content: req.Messages[0].Content, Balance: 85}, nil
}

func (f *fakeGateway) GetBalance(_ context.Context, accountID string) (int64, error) {
	if accountID == "ghost" {
		return 0, fmt.Errorf("%w: ghost", creditgate.ErrAccountNotFound)
	}
	return 42, nil
}

func (f *fakeGateway) GetTransactionHistory(_ context.Context, _ string, from, to time.Time) ([]creditgate.Transaction, error) {
	f.from, f.to = from, to
	return f.history, nil
}

func (f *fakeGateway) Providers() []creditgate.ProviderStatus {
	return []creditgate.ProviderStatus{{ID: "p1", Quality: 0.9, State: "healthy"}}
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func errField(out map[string]any, key string) any {
	return out["error"].(map[string]any)[key]
}

func TestSubmit_OK(t *testing.T) {
	s := httpapi.New(&fakeGateway{}, httpapi.WithLogger(zaptest.NewLogger(t)))
	rec, out := do(t, s, http.MethodPost, "/v1/accounts/a1/requests",
		`{"messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", out["content"])
	assert.Equal(t, float64(85), out["balance"])
}

func TestSubmit_ErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"classification", &creditgate.ClassificationError{Reason: "empty payload"}, http.StatusBadRequest, "malformed_request", false},
		{"funds", &creditgate.InsufficientFundsError{AccountID: "a1", Required: 15, Available: 10}, http.StatusPaymentRequired, "insufficient_funds", false},
		{"no provider", &creditgate.NoEligibleProviderError{Tier: creditgate.QualityPremium}, http.StatusServiceUnavailable, "no_eligible_provider", true},
		{"unavailable", &creditgate.ProviderUnavailableError{Attempts: 3, Last: fmt.Errorf("upstream 502")}, http.StatusServiceUnavailable, "provider_unavailable", true},
		{"unknown account", fmt.Errorf("%w: a1", creditgate.ErrAccountNotFound), http.StatusNotFound, "account_not_found", false},
		{"internal", fmt.Errorf("disk on fire"), http.StatusInternalServerError, "internal", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := httpapi.New(&fakeGateway{submitErr: tc.err})
			rec, out := do(t, s, http.MethodPost, "/v1/accounts/a1/requests",
				`{"messages":[{"role":"user","content":"hello"}]}`)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, errField(out, "code"))
			if tc.retryable {
				assert.Equal(t, true, errField(out, "retryable"))
			}
		})
	}
}

func TestSubmit_ShortfallAndNoLeak(t *testing.T) {
	s := httpapi.New(&fakeGateway{submitErr: &creditgate.InsufficientFundsError{Required: 15, Available: 10}})
	_, out := do(t, s, http.MethodPost, "/v1/accounts/a1/requests", `{"messages":[{"role":"user","content":"x"}]}`)
	assert.Equal(t, float64(5), errField(out, "shortfall"))

	s = httpapi.New(&fakeGateway{submitErr: &creditgate.ProviderUnavailableError{Last: fmt.Errorf("secret upstream detail")}})
	rec, _ := do(t, s, http.MethodPost, "/v1/accounts/a1/requests", `{"messages":[{"role":"user","content":"x"}]}`)
	assert.NotContains(t, rec.Body.String(), "secret upstream detail")
}

func TestSubmit_BadJSON(t *testing.T) {
	s := httpapi.New(&fakeGateway{})
	rec, out := do(t, s, http.MethodPost, "/v1/accounts/a1/requests", `{"messages":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", errField(out, "code"))

	rec, _ = do(t, s, http.MethodPost, "/v1/accounts/a1/requests", `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalance(t *testing.T) {
	s := httpapi.New(&fakeGateway{})
	rec, out := do(t, s, http.MethodGet, "/v1/accounts/a1/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(42), out["balance"])

	rec, _ = do(t, s, http.MethodGet, "/v1/accounts/ghost/balance", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory(t *testing.T) {
	gw := &fakeGateway{}
	s := httpapi.New(gw)

	rec, out := do(t, s, http.MethodGet, "/v1/accounts/a1/transactions?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, out["transactions"])
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), gw.from.UTC())
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), gw.to.UTC())

	rec, out = do(t, s, http.MethodGet, "/v1/accounts/a1/transactions?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_range", errField(out, "code"))
}

func TestHealthProvidersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm := meter.NewPromMeter(reg)
	pm.OnSettle(creditgate.SettleEvent{Outcome: creditgate.OutcomeBaseline, Reward: 10})
	s := httpapi.New(&fakeGateway{}, httpapi.WithGatherer(reg))

	rec, out := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])

	rec, _ = do(t, s, http.MethodGet, "/v1/providers", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"p1"`)

	rec, _ = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "creditgate_settlements_total")
}

func TestEndToEnd_RealGateway(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewMemoryLedger()
	require.NoError(t, led.OpenAccount(ctx, creditgate.Account{ID: "a1", Balance: 1000, Tier: creditgate.AccountStandard}))

	cfg := creditgate.Config{Providers: []creditgate.ProviderConfig{{
		ID:          "p1",
		Adapter:     "mock",
		BaseQuality: 0.8,
		Models: []creditgate.ModelConfig{
			{Name: "m1", CostPerUnit: 0.5, CapabilityTier: creditgate.QualityStandard},
			{Name: "m0", CostPerUnit: 0.2, CapabilityTier: creditgate.QualityBasic},
		},
	}}}
	gw, err := creditgate.NewGateway(cfg, led, []creditgate.ProviderAdapter{mock.New(mock.WithUnits(40))})
	require.NoError(t, err)

	s := httpapi.New(gw)
	rec, out := do(t, s, http.MethodPost, "/v1/accounts/a1/requests",
		`{"messages":[{"role":"user","content":"What is the capital of France?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "p1", out["provider"])

	rec, _ = do(t, s, http.MethodPost, "/v1/accounts/nobody/requests",
		`{"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, out = do(t, s, http.MethodGet, "/v1/accounts/a1/transactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, out["transactions"])
}
