package decay

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lazypower/strata/internal/transcript"
)

func TestEffectiveWeight(t *testing.T) {
	c := Default()

	tests := []struct {
		name     string
		weight   float64
		distance int
		ratio    float64
		want     float64
	}{
		{"no distance", 0.8, 0, 10, 0.8},
		{"reference ratio", 1.0, 10, 10, 0.8},
		{"aggressive ratio", 1.0, 10, 30, 0.78},
		{"light ratio", 1.0, 10, 2, 0.808},
		{"floored at zero", 0.3, 100, 10, 0},
		{"weight clamped", 1.7, 0, 10, 1},
		{"negative distance", 0.6, -4, 10, 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, c.EffectiveWeight(tt.weight, tt.distance, tt.ratio), 1e-9)
		})
	}
}

func TestSurvivalBoundaries(t *testing.T) {
	c := Default()

	assert.True(t, c.Survives(1.0, 0, c.ReferenceRatio))
	for _, d := range []int{1, 5, 50} {
		for _, r := range []float64{1, 10, 40} {
			assert.False(t, c.Survives(0.0, d, r), "d=%d r=%v", d, r)
		}
	}

	// 0.7 - 10*0.02 lands exactly on the threshold.
	assert.True(t, c.Survives(0.7, 10, 10))
	assert.False(t, c.Survives(0.7, 11, 10))
}

func TestMonotonicity(t *testing.T) {
	c := Default()
	for _, w := range []float64{0.1, 0.5, 0.9, 1} {
		prev := c.EffectiveWeight(w, 0, 10)
		for d := 1; d <= 60; d++ {
			cur := c.EffectiveWeight(w, d, 10)
			assert.LessOrEqual(t, cur, prev, "distance w=%v d=%d", w, d)
			prev = cur
		}

		prev = c.EffectiveWeight(w, 5, 0)
		for r := 1.0; r <= 100; r += 3 {
			cur := c.EffectiveWeight(w, 5, r)
			assert.LessOrEqual(t, cur, prev, "ratio w=%v r=%v", w, r)
			prev = cur
		}
	}
}

func TestPreviewSurvival(t *testing.T) {
	c := Default()
	pins := []transcript.Pin{
		{ID: "keep", MessageID: "m1", Weight: 0.95},
		{ID: "edge", MessageID: "m2", Weight: 0.6},
		{ID: "lose", MessageID: "m3", Weight: 0.2},
	}

	p := c.PreviewSurvival(pins, Scenario{Distance: 5, Ratio: 10})
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 2, p.Surviving)
	assert.Len(t, p.PerPin, 3)
	assert.True(t, p.PerPin[1].Survives)
	assert.InDelta(t, 0.5, p.PerPin[1].EffectiveWeight, 1e-9)
	assert.False(t, p.PerPin[2].Survives)

	empty := c.PreviewSurvival(nil, Scenario{Distance: 1, Ratio: 10})
	assert.Equal(t, 0, empty.Total)
	assert.NotNil(t, empty.PerPin)
}

func TestExplain(t *testing.T) {
	b := Default().Explain(0.9, Scenario{Distance: 10, Ratio: 20})
	assert.InDelta(t, 1.05, b.RatioFactor, 1e-9)
	assert.InDelta(t, 0.21, b.Decay, 1e-9)
	assert.InDelta(t, 0.69, b.EffectiveWeight, 1e-9)
	assert.True(t, b.Survives)
	assert.Contains(t, b.Formula, "0.6900")
}
