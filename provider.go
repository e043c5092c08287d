package creditgate

import (
	"context"
	"time"
)

// ProviderAdapter wraps an upstream AI provider so the core never depends on
// a specific vendor SDK. Implementations classify failures with ErrRateLimited,
// ErrAuthFailed, ErrInvalidRequest or ErrProviderUnavailable.
type ProviderAdapter interface {
	// Name returns the adapter identifier (e.g. "gemini", "openai").
	Name() string

	// Execute runs one request against model. The context carries the
	// per-attempt deadline.
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error)
}

// Auth holds authentication credentials for a provider.
type Auth struct {
	APIKey string `yaml:"api_key" json:"api_key"`
}

// ExecuteRequest is the request sent to a provider adapter.
type ExecuteRequest struct {
	Auth     Auth
	Model    string
	Messages []Message

	Temperature *float64
	MaxUnits    int64

	// Deadline mirrors the context deadline for adapters that pass it upstream.
	Deadline time.Time
}

// ExecuteResponse is the response from a provider adapter.
type ExecuteResponse struct {
	ID            string
	Content       string
	FinishReason  string
	Model         string
	UnitsConsumed int64
}
