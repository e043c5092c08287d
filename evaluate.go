package creditgate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Reward bounds and bonuses.
const (
	BaselineReward  int64 = 10
	MaxReward       int64 = 100
	FeedbackBonus   int64 = 10
	DepthBonus      int64 = 5
	FeedbackBonusAt       = 4.5
	MaxFeedback           = 5.0
)

// QualityScore is the evaluation of one completed interaction.
type QualityScore struct {
	RequestID      string   `json:"request_id"`
	Relevance      float64  `json:"relevance"`
	Completeness   float64  `json:"completeness"`
	AccuracyProxy  float64  `json:"accuracy_proxy"`
	UserFeedback   *float64 `json:"user_feedback,omitempty"`
	Depth          int      `json:"depth"`
	Score          float64  `json:"score"`
	ComputedReward int64    `json:"computed_reward"`
}

// Interaction is what the evaluator inspects: the prompt and the response.
type Interaction struct {
	Prompt       []Message
	Content      string
	FinishReason string
}

// FeedbackSource supplies user feedback collected outside the request.
type FeedbackSource interface {
	// Feedback returns the rating for requestID on a 0-5 scale, or nil when
	// the user left none.
	Feedback(ctx context.Context, requestID string) (*float64, error)
}

// Evaluator scores completed interactions with local heuristics.
type Evaluator struct {
	feedback       FeedbackSource
	depthThreshold int
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithFeedbackSource consults src when a request carries no feedback.
func WithFeedbackSource(src FeedbackSource) EvaluatorOption {
	return func(e *Evaluator) { e.feedback = src }
}

// WithDepthThreshold sets how many distinct words earn the depth bonus.
func WithDepthThreshold(n int) EvaluatorOption {
	return func(e *Evaluator) { e.depthThreshold = n }
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{depthThreshold: DefaultDepthThreshold}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// expectedLength is the response length, in characters, considered complete.
var expectedLength = map[Complexity]int{
	ComplexityLow:    200,
	ComplexityMedium: 800,
	ComplexityHigh:   2000,
}

var hedgeMarkers = []string{
	"i think",
	"i believe",
	"not sure",
	"might be",
	"possibly",
	"probably",
	"i cannot",
	"as an ai",
	"may not be accurate",
}

var stopWords = map[string]bool{
	"about": true, "after": true, "also": true, "been": true, "being": true,
	"could": true, "does": true, "each": true, "from": true, "have": true,
	"into": true, "just": true, "like": true, "make": true, "more": true,
	"please": true, "should": true, "some": true, "than": true, "that": true,
	"their": true, "them": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "what": true, "when": true, "where": true,
	"which": true, "will": true, "with": true, "would": true, "your": true,
}

// Evaluate scores the interaction of rec. feedback, when nil, is looked up
// in the FeedbackSource. An error means the score could not be computed and
// settlement should fall back to the baseline reward.
func (e *Evaluator) Evaluate(ctx context.Context, rec RequestRecord, in Interaction, feedback *float64) (QualityScore, error) {
	if feedback == nil && e.feedback != nil {
		fb, err := e.feedback.Feedback(ctx, rec.ID)
		if err != nil {
			return QualityScore{}, fmt.Errorf("creditgate: feedback: %w", err)
		}
		feedback = fb
	}
	if feedback != nil && (*feedback < 0 || *feedback > MaxFeedback || math.IsNaN(*feedback)) {
		return QualityScore{}, fmt.Errorf("creditgate: feedback %v out of range [0,%v]", *feedback, MaxFeedback)
	}

	content := strings.ToLower(in.Content)
	qs := QualityScore{
		RequestID:    rec.ID,
		UserFeedback: feedback,
		Depth:        len(distinctWords(content, 1)),
	}

	if strings.TrimSpace(content) != "" {
		qs.Relevance = relevance(in.Prompt, content)
		qs.Completeness = completeness(in.Content, rec.Classification.Complexity, in.FinishReason)
		qs.AccuracyProxy = accuracyProxy(content)
	}
	qs.Score = 0.4*qs.Relevance + 0.3*qs.Completeness + 0.3*qs.AccuracyProxy
	qs.ComputedReward = ComputeReward(qs.Score, feedback, qs.Depth, e.depthThreshold)
	return qs, nil
}

// ComputeReward returns floor(10 + score*40) clamped to [10,100], plus the
// feedback and depth bonuses, clamped again.
func ComputeReward(score float64, feedback *float64, depth, depthThreshold int) int64 {
	reward := clampReward(int64(math.Floor(float64(BaselineReward) + score*40)))
	if feedback != nil && *feedback >= FeedbackBonusAt {
		reward += FeedbackBonus
	}
	if depth > depthThreshold {
		reward += DepthBonus
	}
	return clampReward(reward)
}

func clampReward(r int64) int64 {
	return max(BaselineReward, min(MaxReward, r))
}

func relevance(prompt []Message, content string) float64 {
	var b strings.Builder
	for _, m := range prompt {
		if m.Role == "assistant" {
			continue
		}
		b.WriteString(strings.ToLower(m.Content))
		b.WriteByte(' ')
	}
	keywords := distinctWords(b.String(), 4)
	if len(keywords) == 0 {
		return 1
	}
	present := distinctWords(content, 4)
	hits := 0
	for kw := range keywords {
		if present[kw] {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

func completeness(content string, c Complexity, finishReason string) float64 {
	expected, ok := expectedLength[c]
	if !ok {
		expected = expectedLength[ComplexityMedium]
	}
	v := math.Min(1, float64(utf8.RuneCountInString(content))/float64(expected))
	if finishReason == "length" {
		v /= 2
	}
	return v
}

func accuracyProxy(content string) float64 {
	hedges := 0
	for _, m := range hedgeMarkers {
		hedges += strings.Count(content, m)
	}
	return math.Max(0, 1-0.25*float64(hedges))
}

// distinctWords returns the lowercase words of s with at least minLen
// runes, excluding stop words when minLen > 1.
func distinctWords(s string, minLen int) map[string]bool {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]bool, len(words))
	for _, w := range words {
		if utf8.RuneCountInString(w) < minLen {
			continue
		}
		if minLen > 1 && stopWords[w] {
			continue
		}
		out[w] = true
	}
	return out
}
