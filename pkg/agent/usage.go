package agent

import "math"

const (
	// FlushThreshold is the context usage at which a memory flush is scheduled
	FlushThreshold = 0.85

	charsPerToken   = 4
	contextTokens   = 2000
	maxUsagePerCall = 0.45
)

// EstimateContextUsage adds the share of the context window taken by input
// and output to current. The increment is capped at 0.45 per call and the
// result is clamped to [0, 1].
func EstimateContextUsage(current float64, input, output string) float64 {
	chars := len(input) + len(output)
	tokens := math.Ceil(float64(chars) / charsPerToken)
	delta := math.Min(maxUsagePerCall, tokens/contextTokens)
	return clampUnit(current + delta)
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
