package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/provider/internal/upstream"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider adapts the Gemini generateContent API. The API key travels in
// the x-goog-api-key header, never in the URL.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

var _ creditgate.ProviderAdapter = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a Gemini adapter.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Execute(ctx context.Context, req creditgate.ExecuteRequest) (creditgate.ExecuteResponse, error) {
	ep := upstream.Endpoint{
		Adapter: "gemini",
		Client:  p.httpClient,
		URL:     p.baseURL + "/models/" + url.PathEscape(req.Model) + ":generateContent",
		Header:  http.Header{"X-Goog-Api-Key": {req.Auth.APIKey}},
	}

	var out generation
	if err := ep.PostJSON(ctx, newGenerateRequest(req), &out); err != nil {
		return creditgate.ExecuteResponse{}, err
	}
	if len(out.Candidates) == 0 {
		return creditgate.ExecuteResponse{}, fmt.Errorf("creditgate/gemini: no candidates returned: %w", creditgate.ErrProviderUnavailable)
	}

	model := out.ModelVersion
	if model == "" {
		model = req.Model
	}
	best := out.Candidates[0]
	return creditgate.ExecuteResponse{
		ID:            out.ResponseID,
		Content:       best.Content.text(),
		FinishReason:  strings.ToLower(best.FinishReason),
		Model:         model,
		UnitsConsumed: out.UsageMetadata.TotalTokenCount,
	}, nil
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

func (c content) text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int64   `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

// geminiRole maps chat roles onto Gemini's user/model pair.
func geminiRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func newGenerateRequest(req creditgate.ExecuteRequest) generateRequest {
	var gr generateRequest
	for _, m := range req.Messages {
		c := content{Parts: []part{{Text: m.Content}}}
		if m.Role == "system" {
			gr.SystemInstruction = &c
			continue
		}
		c.Role = geminiRole(m.Role)
		gr.Contents = append(gr.Contents, c)
	}

	if req.Temperature == nil && req.MaxUnits <= 0 {
		return gr
	}
	gr.GenerationConfig = &generationConfig{Temperature: req.Temperature}
	if req.MaxUnits > 0 {
		gr.GenerationConfig.MaxOutputTokens = &req.MaxUnits
	}
	return gr
}

type generation struct {
	ResponseID string `json:"responseId"`
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}
