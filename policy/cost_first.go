package policy

import (
	"sort"

	"github.com/ineyio/creditgate"
)

// CostFirstPolicy prioritizes candidates by estimated cost (cheapest first).
// Among equally priced candidates the higher quality wins.
type CostFirstPolicy struct{}

var _ creditgate.Policy = (*CostFirstPolicy)(nil)

// Select orders candidates by estimated cost ascending.
func (p *CostFirstPolicy) Select(candidates []creditgate.Candidate) []creditgate.Candidate {
	result := make([]creditgate.Candidate, len(candidates))
	copy(result, candidates)
	for i := range result {
		result[i].Score = result[i].Quality
	}
	creditgate.SortCandidates(result)

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].EstimatedCost < result[j].EstimatedCost
	})

	return result
}
