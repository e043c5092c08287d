package creditgate

// RankedCandidates is the ordered output of Router.Route.
type RankedCandidates struct {
	RequestedTier QualityTier
	ServedTier    QualityTier
	Candidates    []Candidate
}

// Router is the routing engine: it turns a classification and an account
// snapshot into a ranked candidate list. It only reads the Directory.
type Router struct {
	dir           *Directory
	policy        Policy
	tierDiscounts map[AccountTier]float64
}

// NewRouter creates a Router. A nil policy means the default WeightedPolicy;
// nil discounts mean DefaultTierDiscounts.
func NewRouter(dir *Directory, policy Policy, tierDiscounts map[AccountTier]float64) *Router {
	if policy == nil {
		policy = NewWeightedPolicy(DefaultWeights())
	}
	if tierDiscounts == nil {
		tierDiscounts = DefaultTierDiscounts()
	}
	return &Router{dir: dir, policy: policy, tierDiscounts: tierDiscounts}
}

// Route ranks the candidates able to serve cls for acct.
//
// The requested tier is tried first, then lower tiers, then higher tiers if
// the account opted in. Widening stops at the first tier with any eligible
// provider. Fails with *NoEligibleProviderError when no tier has one and
// with *InsufficientFundsError when none of them fits the balance.
func (r *Router) Route(acct Account, cls Classification) (RankedCandidates, error) {
	requested := cls.QualityTier
	if !requested.Valid() {
		requested = QualityStandard
	}

	for _, tier := range widenOrder(requested, acct.UpgradeOptIn) {
		pms := eligible(r.dir.CandidatesFor(tier), acct.Tier)
		if len(pms) == 0 {
			continue
		}

		cs := buildCandidates(pms, acct, cls.EstimatedUnits, r.tierDiscounts[acct.Tier], tier != requested)
		affordable, cheapest := filterAffordable(cs, acct.Balance)
		if len(affordable) == 0 {
			return RankedCandidates{}, &InsufficientFundsError{
				AccountID: acct.ID,
				Required:  cheapest,
				Available: acct.Balance,
			}
		}

		return RankedCandidates{
			RequestedTier: requested,
			ServedTier:    tier,
			Candidates:    r.policy.Select(affordable),
		}, nil
	}

	return RankedCandidates{}, &NoEligibleProviderError{Tier: requested}
}

// EstimateCost prices a candidate for a units count, with acct's tier discount.
func (r *Router) EstimateCost(pm ProviderModel, units int64, tier AccountTier) int64 {
	return applyTierDiscount(r.dir.EstimateCost(pm, units), r.tierDiscounts[tier])
}
