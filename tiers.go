package creditgate

import "fmt"

// AccountTier is the billing tier of an account.
type AccountTier string

const (
	AccountBasic    AccountTier = "basic"
	AccountStandard AccountTier = "standard"
	AccountPremium  AccountTier = "premium"
	AccountElite    AccountTier = "elite"
)

var accountTierRank = map[AccountTier]int{
	AccountBasic:    0,
	AccountStandard: 1,
	AccountPremium:  2,
	AccountElite:    3,
}

// Valid reports whether t is a known account tier.
func (t AccountTier) Valid() bool {
	_, ok := accountTierRank[t]
	return ok
}

// AtLeast reports whether t is the same as or above other.
func (t AccountTier) AtLeast(other AccountTier) bool {
	return accountTierRank[t] >= accountTierRank[other]
}

// PreferredQuality is the quality tier an account of this tier is matched to
// when computing routing affinity.
func (t AccountTier) PreferredQuality() QualityTier {
	switch t {
	case AccountBasic:
		return QualityBasic
	case AccountStandard:
		return QualityStandard
	default:
		return QualityPremium
	}
}

// QualityCeiling is the highest quality tier the classifier assigns to
// requests from accounts of this tier.
func (t AccountTier) QualityCeiling() QualityTier {
	if t == AccountBasic {
		return QualityStandard
	}
	return QualityPremium
}

// ParseAccountTier parses an account tier name.
func ParseAccountTier(s string) (AccountTier, error) {
	t := AccountTier(s)
	if !t.Valid() {
		return "", fmt.Errorf("creditgate: unknown account tier %q", s)
	}
	return t, nil
}

// QualityTier is a coarse bucket describing minimum acceptable response quality.
// Models advertise the tier they are capable of serving.
type QualityTier string

const (
	QualityBasic    QualityTier = "basic"
	QualityStandard QualityTier = "standard"
	QualityPremium  QualityTier = "premium"
)

// qualityOrder lists quality tiers from lowest to highest.
var qualityOrder = []QualityTier{QualityBasic, QualityStandard, QualityPremium}

// Rank returns the ordinal of the tier, or -1 if unknown.
func (q QualityTier) Rank() int {
	for i, t := range qualityOrder {
		if t == q {
			return i
		}
	}
	return -1
}

// Valid reports whether q is a known quality tier.
func (q QualityTier) Valid() bool { return q.Rank() >= 0 }

// Below returns the next tier down and false if q is the lowest tier.
func (q QualityTier) Below() (QualityTier, bool) {
	r := q.Rank()
	if r <= 0 {
		return "", false
	}
	return qualityOrder[r-1], true
}

// Above returns the next tier up and false if q is the highest tier.
func (q QualityTier) Above() (QualityTier, bool) {
	r := q.Rank()
	if r < 0 || r >= len(qualityOrder)-1 {
		return "", false
	}
	return qualityOrder[r+1], true
}

// ParseQualityTier parses a quality tier name.
func ParseQualityTier(s string) (QualityTier, error) {
	q := QualityTier(s)
	if !q.Valid() {
		return "", fmt.Errorf("creditgate: unknown quality tier %q", s)
	}
	return q, nil
}

// Complexity is the classifier's estimate of how demanding a request is.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

func (c Complexity) bump() Complexity {
	switch c {
	case ComplexityLow:
		return ComplexityMedium
	default:
		return ComplexityHigh
	}
}

// Intent is the classifier's guess at what the request is for.
type Intent string

const (
	IntentGeneral       Intent = "general"
	IntentCode          Intent = "code"
	IntentAnalysis      Intent = "analysis"
	IntentCreative      Intent = "creative"
	IntentTranslation   Intent = "translation"
	IntentSummarization Intent = "summarization"
	IntentQuestion      Intent = "question"
)

// Availability describes the dispatch health of a provider.
type Availability int

const (
	Healthy Availability = iota
	Degraded
	Down
)

func (a Availability) String() string {
	switch a {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}
