package upstream_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/provider/internal/upstream"
)

func TestStatusError(t *testing.T) {
	cases := []struct {
		status int
		want   error
		fatal  bool
	}{
		{http.StatusTooManyRequests, creditgate.ErrRateLimited, false},
		{http.StatusUnauthorized, creditgate.ErrAuthFailed, true},
		{http.StatusForbidden, creditgate.ErrAuthFailed, true},
		{http.StatusBadRequest, creditgate.ErrInvalidRequest, true},
		{http.StatusNotFound, creditgate.ErrInvalidRequest, true},
		{http.StatusInternalServerError, creditgate.ErrProviderUnavailable, false},
		{http.StatusServiceUnavailable, creditgate.ErrProviderUnavailable, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			err := upstream.StatusError(tc.status, strings.NewReader("details"))
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.fatal, creditgate.IsFatal(err))
		})
	}
	assert.NoError(t, upstream.StatusError(http.StatusOK, nil))
}

func TestEndpoint_PostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Key"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_, _ = w.Write([]byte(`{"echo":"` + in["say"] + `"}`))
	}))
	defer srv.Close()

	ep := upstream.Endpoint{Adapter: "test", URL: srv.URL, Header: http.Header{"X-Key": {"secret"}}}
	var out struct {
		Echo string `json:"echo"`
	}
	require.NoError(t, ep.PostJSON(context.Background(), map[string]string{"say": "hi"}, &out))
	assert.Equal(t, "hi", out.Echo)
}

func TestEndpoint_PostJSONFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(200 * time.Millisecond)
		}
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	var out map[string]any
	err := upstream.Endpoint{Adapter: "test", URL: srv.URL}.PostJSON(context.Background(), struct{}{}, &out)
	assert.ErrorIs(t, err, creditgate.ErrProviderUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = upstream.Endpoint{Adapter: "test", URL: srv.URL + "/slow"}.PostJSON(ctx, struct{}{}, &out)
	assert.ErrorIs(t, err, creditgate.ErrProviderUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
