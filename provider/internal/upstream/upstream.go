// Package upstream is the JSON-over-HTTP exchange shared by the vendor
// adapters. It maps upstream failures onto the creditgate sentinels so the
// dispatcher can tell fatal rejections from retryable outages.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/creditgate"
)

// maxErrorBody caps how much of an error reply is kept for context.
const maxErrorBody = 1024

// Endpoint is one upstream call site.
type Endpoint struct {
	// Adapter names the caller in error messages.
	Adapter string
	Client  *http.Client
	URL     string
	Header  http.Header
}

// PostJSON sends in as a JSON body and decodes a 2xx reply into out.
func (e Endpoint) PostJSON(ctx context.Context, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("creditgate/%s: encode request: %w", e.Adapter, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creditgate/%s: build request: %w", e.Adapter, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range e.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("creditgate/%s: %w: %w", e.Adapter, creditgate.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if err := StatusError(resp.StatusCode, resp.Body); err != nil {
		return fmt.Errorf("creditgate/%s: %w", e.Adapter, err)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("creditgate/%s: decode response: %w: %w", e.Adapter, creditgate.ErrProviderUnavailable, err)
	}
	return nil
}

// StatusError classifies an upstream HTTP status. It returns nil for 2xx.
// Rejections of the request or its credentials are fatal; throttling and
// server faults are retryable.
func StatusError(status int, body io.Reader) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var detail string
	if body != nil {
		b, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		detail = strings.TrimSpace(string(b))
	}

	switch {
	case status == http.StatusTooManyRequests:
		return creditgate.ErrRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return creditgate.ErrAuthFailed
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d: %s", creditgate.ErrInvalidRequest, status, detail)
	default:
		return fmt.Errorf("%w: status %d", creditgate.ErrProviderUnavailable, status)
	}
}
