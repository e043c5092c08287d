package creditgate

import (
	"strings"
)

// Classifier turns a raw request into a structured estimate.
// Implementations must be deterministic for the same input and config.
type Classifier interface {
	Classify(req Request, tier AccountTier) (Classification, error)
}

// Complexity thresholds in estimated input units.
const (
	lowComplexityUnits    = 64
	mediumComplexityUnits = 512
)

// MaxRequestUnits bounds the units a single request may estimate.
const MaxRequestUnits int64 = 1 << 32

// outputAllowance is the expected response size per complexity.
var outputAllowance = map[Complexity]int64{
	ComplexityLow:    256,
	ComplexityMedium: 512,
	ComplexityHigh:   1024,
}

// intentKeywords is checked in intentOrder; the intent with the most hits
// wins and earlier intents win ties.
var intentKeywords = map[Intent][]string{
	IntentCode: {
		"```", "func ", "def ", "class ", "compile", "stack trace", "function",
		"bug", "refactor", "golang", "python", "javascript", "sql", "regex", "code",
	},
	IntentAnalysis: {
		"analyze", "analyse", "analysis", "compare", "evaluate", "trade-off",
		"tradeoff", "pros and cons", "assess", "why does", "root cause",
	},
	IntentCreative: {
		"poem", "story", "write a song", "lyrics", "fiction", "imagine", "creative", "haiku",
	},
	IntentTranslation: {
		"translate", "translation", "in french", "in spanish", "in german", "into english",
	},
	IntentSummarization: {
		"summarize", "summarise", "summary", "tl;dr", "tldr", "key points", "condense",
	},
	IntentQuestion: {
		"what is", "who is", "when did", "how do", "how many", "where is", "?",
	},
}

var intentOrder = []Intent{
	IntentCode,
	IntentAnalysis,
	IntentCreative,
	IntentTranslation,
	IntentSummarization,
	IntentQuestion,
}

// RuleClassifier classifies by keyword rules and size. It never fails on
// unexpected content: unmatched requests are General with Medium complexity.
type RuleClassifier struct{}

// NewRuleClassifier creates a RuleClassifier.
func NewRuleClassifier() *RuleClassifier { return &RuleClassifier{} }

func (c *RuleClassifier) Classify(req Request, tier AccountTier) (Classification, error) {
	text, err := payloadText(req)
	if err != nil {
		return Classification{}, err
	}
	if req.MaxUnits < 0 {
		return Classification{}, &ClassificationError{Reason: "max_units must be non-negative"}
	}
	if req.MaxUnits > MaxRequestUnits {
		return Classification{}, &ClassificationError{Reason: "max_units exceeds the per-request limit"}
	}
	if req.QualityTier != "" && !req.QualityTier.Valid() {
		return Classification{}, &ClassificationError{Reason: "unknown quality tier " + string(req.QualityTier)}
	}

	inputUnits := EstimateUnits(req.Messages)
	if inputUnits > MaxRequestUnits {
		return Classification{}, &ClassificationError{Reason: "payload exceeds the per-request limit"}
	}
	intent := detectIntent(text)

	complexity := ComplexityMedium
	if intent != IntentGeneral {
		complexity = complexityFor(inputUnits)
		if intent == IntentCode || intent == IntentAnalysis {
			complexity = complexity.bump()
		}
	}

	allowance := outputAllowance[complexity]
	if req.MaxUnits > 0 {
		allowance = req.MaxUnits
	}

	units := inputUnits + allowance
	if units > MaxRequestUnits {
		return Classification{}, &ClassificationError{Reason: "estimated units exceed the per-request limit"}
	}

	quality := req.QualityTier
	if quality == "" {
		quality = qualityFor(complexity)
	}
	if tier == "" {
		tier = AccountBasic
	}
	if ceiling := tier.QualityCeiling(); quality.Rank() > ceiling.Rank() {
		quality = ceiling
	}

	return Classification{
		Complexity:     complexity,
		Intent:         intent,
		QualityTier:    quality,
		EstimatedUnits: units,
	}, nil
}

// payloadText returns the lowercased content of all messages, or a
// ClassificationError when there is nothing to classify.
func payloadText(req Request) (string, error) {
	if len(req.Messages) == 0 {
		return "", &ClassificationError{Reason: "no messages"}
	}
	var b strings.Builder
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		b.WriteString(strings.ToLower(m.Content))
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "", &ClassificationError{Reason: "empty payload"}
	}
	return b.String(), nil
}

func detectIntent(text string) Intent {
	best, bestHits := IntentGeneral, 0
	for _, intent := range intentOrder {
		hits := 0
		for _, kw := range intentKeywords[intent] {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = intent, hits
		}
	}
	return best
}

func complexityFor(units int64) Complexity {
	switch {
	case units < lowComplexityUnits:
		return ComplexityLow
	case units < mediumComplexityUnits:
		return ComplexityMedium
	default:
		return ComplexityHigh
	}
}

func qualityFor(c Complexity) QualityTier {
	switch c {
	case ComplexityLow:
		return QualityBasic
	case ComplexityHigh:
		return QualityPremium
	default:
		return QualityStandard
	}
}
