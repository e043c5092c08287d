package openaicompat

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/provider/internal/upstream"
)

// Provider adapts any upstream speaking the OpenAI chat completions
// protocol: OpenAI, Grok/xAI, Cerebras, Together, Ollama and others.
// Units consumed are the upstream's total token count.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

var _ creditgate.ProviderAdapter = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates an adapter named name for the API rooted at baseURL.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates an adapter for OpenAI.
func NewOpenAI(opts ...Option) *Provider {
	return New("openai", "https://api.openai.com/v1", opts...)
}

// NewGrok creates an adapter for Grok/xAI.
func NewGrok(opts ...Option) *Provider {
	return New("grok", "https://api.x.ai/v1", opts...)
}

// NewCerebras creates an adapter for Cerebras.
func NewCerebras(opts ...Option) *Provider {
	return New("cerebras", "https://api.cerebras.ai/v1", opts...)
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Execute(ctx context.Context, req creditgate.ExecuteRequest) (creditgate.ExecuteResponse, error) {
	ep := upstream.Endpoint{
		Adapter: p.name,
		Client:  p.httpClient,
		URL:     p.baseURL + "/chat/completions",
		Header:  http.Header{"Authorization": {"Bearer " + req.Auth.APIKey}},
	}

	var out completion
	if err := ep.PostJSON(ctx, newCompletionRequest(req), &out); err != nil {
		return creditgate.ExecuteResponse{}, err
	}
	if len(out.Choices) == 0 {
		return creditgate.ExecuteResponse{}, fmt.Errorf("creditgate/%s: no choices returned: %w", p.name, creditgate.ErrProviderUnavailable)
	}

	first := out.Choices[0]
	return creditgate.ExecuteResponse{
		ID:            out.ID,
		Content:       first.Message.Content,
		FinishReason:  first.FinishReason,
		Model:         out.Model,
		UnitsConsumed: out.Usage.units(),
	}, nil
}

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string   `json:"model"`
	Messages    []turn   `json:"messages"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int64   `json:"max_tokens,omitempty"`
}

func newCompletionRequest(req creditgate.ExecuteRequest) completionRequest {
	cr := completionRequest{
		Model:       req.Model,
		Messages:    make([]turn, 0, len(req.Messages)),
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		cr.Messages = append(cr.Messages, turn{Role: m.Role, Content: m.Content})
	}
	if req.MaxUnits > 0 {
		cr.MaxTokens = &req.MaxUnits
	}
	return cr
}

type completion struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      turn   `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage tokenUsage `json:"usage"`
}

type tokenUsage struct {
	Prompt     int64 `json:"prompt_tokens"`
	Completion int64 `json:"completion_tokens"`
	Total      int64 `json:"total_tokens"`
}

// units prefers the reported total and falls back to its parts.
func (u tokenUsage) units() int64 {
	if u.Total > 0 {
		return u.Total
	}
	return u.Prompt + u.Completion
}
