package policy

import "github.com/ineyio/creditgate"

// QualityFirstPolicy ranks candidates purely by their current quality
// score, ignoring cost as long as the account can afford it.
type QualityFirstPolicy struct{}

var _ creditgate.Policy = (*QualityFirstPolicy)(nil)

// Select orders candidates by quality descending.
func (p *QualityFirstPolicy) Select(candidates []creditgate.Candidate) []creditgate.Candidate {
	result := make([]creditgate.Candidate, len(candidates))
	copy(result, candidates)
	for i := range result {
		result[i].Score = result[i].Quality
	}
	creditgate.SortCandidates(result)
	return result
}
