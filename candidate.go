package creditgate

import "math"

// Candidate represents a possible route for a request.
type Candidate struct {
	ProviderModel

	// EstimatedCost is the credits held for this candidate, after the
	// provider discount and the account-tier discount.
	EstimatedCost int64

	// NormalizedCost is EstimatedCost relative to the account balance, in [0,1].
	NormalizedCost float64

	// Affinity measures how well the model tier matches the account tier, in [0,1].
	Affinity float64

	// Score is set by the Policy.
	Score float64

	// Widened is true when the candidate serves a tier other than the requested one.
	Widened bool
}

// widenOrder lists the tiers to try for requested: the tier itself, every
// lower tier, and, with opt-in, every higher tier.
func widenOrder(requested QualityTier, upgradeOptIn bool) []QualityTier {
	order := []QualityTier{requested}
	for t, ok := requested.Below(); ok; t, ok = t.Below() {
		order = append(order, t)
	}
	if upgradeOptIn {
		for t, ok := requested.Above(); ok; t, ok = t.Above() {
			order = append(order, t)
		}
	}
	return order
}

// eligible removes pairs the account tier may not use.
func eligible(pms []ProviderModel, tier AccountTier) []ProviderModel {
	var out []ProviderModel
	for _, pm := range pms {
		if tier.AtLeast(pm.MinAccountTier) {
			out = append(out, pm)
		}
	}
	return out
}

// buildCandidates prices each pair for the account.
func buildCandidates(pms []ProviderModel, acct Account, units int64, tierDiscount float64, widened bool) []Candidate {
	preferred := acct.Tier.PreferredQuality()
	out := make([]Candidate, 0, len(pms))
	for _, pm := range pms {
		cost := applyTierDiscount(CostFor(units, pm.Model.CostPerUnit, pm.DiscountRate), tierDiscount)
		out = append(out, Candidate{
			ProviderModel:  pm,
			EstimatedCost:  cost,
			NormalizedCost: normalizeCost(cost, acct.Balance),
			Affinity:       tierAffinity(pm.Model.CapabilityTier, preferred),
			Widened:        widened,
		})
	}
	return out
}

// filterAffordable drops candidates the balance cannot cover. It also
// returns the cheapest cost seen, for the shortfall report.
func filterAffordable(cs []Candidate, balance int64) ([]Candidate, int64) {
	var out []Candidate
	cheapest := int64(math.MaxInt64)
	for _, c := range cs {
		cheapest = min(cheapest, c.EstimatedCost)
		if c.EstimatedCost <= balance {
			out = append(out, c)
		}
	}
	return out, cheapest
}

func normalizeCost(cost, balance int64) float64 {
	if balance <= 0 {
		return 1
	}
	return math.Max(0, math.Min(1, float64(cost)/float64(balance)))
}

func tierAffinity(model, preferred QualityTier) float64 {
	d := model.Rank() - preferred.Rank()
	if d < 0 {
		d = -d
	}
	return 1 - float64(d)/2
}
