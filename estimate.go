package creditgate

import (
	"math"
	"unicode/utf8"
)

// EstimateUnits provides a rough billing-unit count for messages.
// Uses the approximation: ~4 chars per unit + overhead per message.
func EstimateUnits(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		// ~4 chars per unit
		total += int64(utf8.RuneCountInString(m.Content)) / 4
		// overhead per message (role, formatting)
		total += 4
	}
	// base overhead for the request
	total += 3
	return total
}

// CostFor returns ceil(units * costPerUnit * (1 - discount)) in credits.
// Costs beyond the int64 range saturate at math.MaxInt64.
func CostFor(units int64, costPerUnit, discount float64) int64 {
	if units <= 0 || costPerUnit <= 0 {
		return 0
	}
	raw := float64(units) * costPerUnit * (1 - discount)
	if raw <= 0 || math.IsNaN(raw) {
		return 0
	}
	// float64(math.MaxInt64) rounds up to 2^63.
	if raw >= float64(math.MaxInt64) {
		return math.MaxInt64
	}
	// Absorb float error so 20*1.5 is 30, not 31.
	return int64(math.Ceil(raw - 1e-9))
}

// applyTierDiscount takes floor(cost*d) off cost.
func applyTierDiscount(cost int64, d float64) int64 {
	if d <= 0 || cost <= 0 {
		return cost
	}
	return cost - int64(math.Floor(float64(cost)*d))
}
