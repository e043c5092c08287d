package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/provider/mock"
)

func TestProvider_Defaults(t *testing.T) {
	p := mock.New()
	resp, err := p.Execute(context.Background(), creditgate.ExecuteRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
	assert.Equal(t, "m", resp.Model)
	assert.Equal(t, int64(30), resp.UnitsConsumed)
	assert.Equal(t, int64(1), p.CallCount())
}

func TestProvider_FailAfter(t *testing.T) {
	p := mock.New(mock.WithFailAfter(1))
	_, err := p.Execute(context.Background(), creditgate.ExecuteRequest{})
	require.NoError(t, err)
	_, err = p.Execute(context.Background(), creditgate.ExecuteRequest{})
	assert.ErrorIs(t, err, creditgate.ErrProviderUnavailable)
}

func TestProvider_StaticError(t *testing.T) {
	boom := errors.New("boom")
	p := mock.New(mock.WithError(boom))
	_, err := p.Execute(context.Background(), creditgate.ExecuteRequest{})
	assert.ErrorIs(t, err, boom)
}

func TestProvider_LatencyHonorsContext(t *testing.T) {
	p := mock.New(mock.WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Execute(ctx, creditgate.ExecuteRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
