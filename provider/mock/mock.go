package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ineyio/creditgate"
)

// Provider is a mock provider adapter for testing.
type Provider struct {
	name         string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	units        int64
	content      string
	responseFunc func(creditgate.ExecuteRequest) (creditgate.ExecuteResponse, error)
}

var _ creditgate.ProviderAdapter = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:    "mock",
		units:   30,
		content: "Hello from mock provider",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithUnits sets the units the mock reports as consumed.
func WithUnits(n int64) Option {
	return func(p *Provider) { p.units = n }
}

// WithContent sets the response content.
func WithContent(s string) Option {
	return func(p *Provider) { p.content = s }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(creditgate.ExecuteRequest) (creditgate.ExecuteResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Execute(ctx context.Context, req creditgate.ExecuteRequest) (creditgate.ExecuteResponse, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return creditgate.ExecuteResponse{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return creditgate.ExecuteResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return creditgate.ExecuteResponse{}, creditgate.ErrProviderUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return creditgate.ExecuteResponse{
		ID:            "mock-response-id",
		Content:       p.content,
		FinishReason:  "stop",
		Model:         req.Model,
		UnitsConsumed: p.units,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }
