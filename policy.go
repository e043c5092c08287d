package creditgate

import (
	"math"
	"sort"
)

// Policy selects and orders candidates for a given request.
type Policy interface {
	// Select orders candidates by priority. Returns ordered slice (highest priority first).
	// Implementations must break ties with SortCandidates' rule so routing is
	// reproducible for an identical directory snapshot.
	Select(candidates []Candidate) []Candidate
}

// Weights are the coefficients of the weighted routing score.
type Weights struct {
	Quality  float64 `yaml:"quality" json:"quality"`
	Cost     float64 `yaml:"cost" json:"cost"`
	Affinity float64 `yaml:"affinity" json:"affinity"`
}

// DefaultWeights returns w1=0.5, w2=0.3, w3=0.2.
func DefaultWeights() Weights {
	return Weights{Quality: 0.5, Cost: 0.3, Affinity: 0.2}
}

// WeightedPolicy ranks by
// Quality*quality - Cost*normalizedCost + Affinity*tierAffinity.
type WeightedPolicy struct {
	Weights Weights
}

// NewWeightedPolicy creates a WeightedPolicy; zero weights mean defaults.
func NewWeightedPolicy(w Weights) *WeightedPolicy {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &WeightedPolicy{Weights: w}
}

func (p *WeightedPolicy) Select(candidates []Candidate) []Candidate {
	w := p.Weights
	out := make([]Candidate, len(candidates))
	for i, c := range candidates {
		c.Score = w.Quality*c.Quality - w.Cost*c.NormalizedCost + w.Affinity*c.Affinity
		out[i] = c
	}
	SortCandidates(out)
	return out
}

// scoreEpsilon treats scores closer than this as equal.
const scoreEpsilon = 1e-9

// SortCandidates sorts by score descending, then estimated cost ascending,
// then provider id and model name.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if math.Abs(a.Score-b.Score) > scoreEpsilon {
			return a.Score > b.Score
		}
		if a.EstimatedCost != b.EstimatedCost {
			return a.EstimatedCost < b.EstimatedCost
		}
		if a.ProviderID != b.ProviderID {
			return a.ProviderID < b.ProviderID
		}
		return a.Model.Name < b.Model.Name
	})
}
