package formulas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateCVaR(t *testing.T) {
	tests := []struct {
		name        string
		returns     []float64
		confidence  float64
		want        float64
		tolerance   float64
		description string
	}{
		{
			name:        "normal distribution 95% confidence",
			returns:     []float64{-0.10, -0.05, -0.02, 0.0, 0.02, 0.05, 0.10, 0.15, 0.20, 0.25},
			confidence:  0.95,
			want:        -0.10,
			tolerance:   0.01,
			description: "CVaR should be average of worst 5% of returns",
		},
		{
			name:        "all negative returns",
			returns:     []float64{-0.20, -0.15, -0.10, -0.05, -0.02},
			confidence:  0.95,
			want:        -0.20,
			tolerance:   0.01,
			description: "CVaR should be worst return when all negative",
		},
		{
			name:        "mixed returns 99% confidence",
			returns:     []float64{-0.30, -0.20, -0.10, 0.0, 0.10, 0.20, 0.30, 0.40, 0.50, 0.60},
			confidence:  0.99,
			want:        -0.30,
			tolerance:   0.01,
			description: "CVaR at 99% should be worst return",
		},
		{
			name:        "single return",
			returns:     []float64{-0.10},
			confidence:  0.95,
			want:        -0.10,
			tolerance:   0.01,
			description: "CVaR with single return should be that return",
		},
		{
			name:        "empty returns",
			returns:     []float64{},
			confidence:  0.95,
			want:        0.0,
			tolerance:   0.01,
			description: "CVaR with no returns should be 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculateCVaR(tt.returns, tt.confidence)
			assert.InDelta(t, tt.want, result, tt.tolerance, tt.description)
		})
	}
}

func TestCalculateCVaR_EdgeCases(t *testing.T) {
	t.Run("all positive returns", func(t *testing.T) {
		returns := []float64{0.05, 0.10, 0.15, 0.20}
		result := CalculateCVaR(returns, 0.95)
		assert.InDelta(t, 0.05, result, 0.01, "CVaR of all positive returns should be least positive")
	})

	t.Run("very small sample", func(t *testing.T) {
		returns := []float64{-0.10, 0.05}
		result := CalculateCVaR(returns, 0.95)
		assert.InDelta(t, -0.10, result, 0.01, "CVaR with 2 returns should be worst")
	})

	t.Run("duplicate returns", func(t *testing.T) {
		returns := []float64{-0.10, -0.10, -0.10, 0.05, 0.05, 0.05}
		result := CalculateCVaR(returns, 0.95)
		assert.InDelta(t, -0.10, result, 0.01, "CVaR with duplicates should handle correctly")
	})
}
