package creditgate

import "time"

// Request is a raw request submitted on behalf of an account.
type Request struct {
	Messages []Message `json:"messages"`

	// QualityTier overrides the tier derived from complexity.
	QualityTier QualityTier `json:"quality_tier,omitempty"`

	// MaxUnits overrides the classifier's output allowance.
	MaxUnits int64 `json:"max_units,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`

	// Feedback is an optional user rating on a 0-5 scale, used by settlement.
	Feedback *float64 `json:"feedback,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Classification is the structured estimate produced by a Classifier.
type Classification struct {
	Complexity     Complexity  `json:"complexity"`
	Intent         Intent      `json:"intent"`
	QualityTier    QualityTier `json:"quality_tier"`
	EstimatedUnits int64       `json:"estimated_units"`
}

// CostBreakdown itemizes what a request cost.
type CostBreakdown struct {
	Held     int64 `json:"held"`
	Charged  int64 `json:"charged"`
	Refunded int64 `json:"refunded"`
	Reward   int64 `json:"reward"`
}

// RequestResult is returned by Gateway.SubmitRequest on success.
type RequestResult struct {
	RequestID      string         `json:"request_id"`
	Content        string         `json:"content"`
	Provider       string         `json:"provider"`
	Model          string         `json:"model"`
	Attempts       int            `json:"attempts"`
	UnitsConsumed  int64          `json:"units_consumed"`
	Classification Classification `json:"classification"`
	Cost           CostBreakdown  `json:"cost"`
	Balance        int64          `json:"balance"`
	NeedsReview    bool           `json:"needs_review,omitempty"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
