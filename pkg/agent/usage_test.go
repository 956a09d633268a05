package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateContextUsage(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		input   string
		output  string
		want    float64
	}{
		{name: "empty adds nothing", current: 0.2, want: 0.2},
		{name: "one char is one token", current: 0, input: "x", want: 1.0 / 2000},
		{name: "input and output both count", current: 0, input: strings.Repeat("x", 400), output: strings.Repeat("y", 400), want: 0.1},
		{name: "increment capped", current: 0.5, input: strings.Repeat("x", 6000), want: 0.95},
		{name: "clamped at one", current: 0.9, input: strings.Repeat("x", 6000), want: 1},
		{name: "negative current clamps to zero", current: -3, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, EstimateContextUsage(tt.current, tt.input, tt.output), 1e-9)
		})
	}
}

func TestEstimateContextUsage_Monotonic(t *testing.T) {
	usage := 0.0
	for i := 0; i < 50; i++ {
		next := EstimateContextUsage(usage, strings.Repeat("z", i*97), strings.Repeat("o", i*13))
		assert.GreaterOrEqual(t, next, usage)
		assert.LessOrEqual(t, next, 1.0)
		usage = next
	}
	assert.Equal(t, 1.0, usage)
}
