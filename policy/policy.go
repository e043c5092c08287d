// Package policy provides alternative candidate orderings for the router.
package policy

import (
	"fmt"

	"github.com/ineyio/creditgate"
)

// New returns the policy registered under name. An empty name or
// "weighted" yields the weighted score policy with w.
func New(name string, w creditgate.Weights) (creditgate.Policy, error) {
	switch name {
	case "", "weighted":
		return creditgate.NewWeightedPolicy(w), nil
	case "cost_first":
		return &CostFirstPolicy{}, nil
	case "quality_first":
		return &QualityFirstPolicy{}, nil
	default:
		return nil, fmt.Errorf("creditgate/policy: unknown policy %q", name)
	}
}
