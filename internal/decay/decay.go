// Package decay predicts whether pinned content survives compression.
//
//	effective = max(0, weight - distance * rate * ratioFactor)
//	ratioFactor = max(0, 1 + (ratio - referenceRatio) * ratioDecayFactor)
//
// Content survives when effective >= threshold. Everything here is pure.
package decay

import (
	"fmt"
	"math"

	"github.com/lazypower/strata/internal/transcript"
)

const (
	DefaultDecayRate         = 0.02
	DefaultReferenceRatio    = 10.0
	DefaultRatioDecayFactor  = 0.005
	DefaultSurvivalThreshold = 0.5
)

// Calculator holds the decay constants.
type Calculator struct {
	DecayRate         float64
	ReferenceRatio    float64
	RatioDecayFactor  float64
	SurvivalThreshold float64
}

// Default returns a Calculator with the standard constants.
func Default() Calculator {
	return Calculator{
		DecayRate:         DefaultDecayRate,
		ReferenceRatio:    DefaultReferenceRatio,
		RatioDecayFactor:  DefaultRatioDecayFactor,
		SurvivalThreshold: DefaultSurvivalThreshold,
	}
}

// Scenario is a hypothetical compression: Distance passes at Ratio.
type Scenario struct {
	Distance int     `json:"distance"`
	Ratio    float64 `json:"ratio"`
}

// RatioFactor scales decay by how far ratio is from the reference.
func (c Calculator) RatioFactor(ratio float64) float64 {
	return math.Max(0, 1+(ratio-c.ReferenceRatio)*c.RatioDecayFactor)
}

// EffectiveWeight applies decay to weight. Weight is clamped to [0,1] and
// negative distances count as 0. The result is rounded to nine decimals so
// values landing exactly on the threshold are not lost to float error.
func (c Calculator) EffectiveWeight(weight float64, distance int, ratio float64) float64 {
	weight = clamp(weight)
	if distance < 0 {
		distance = 0
	}
	w := weight - float64(distance)*c.DecayRate*c.RatioFactor(ratio)
	return math.Max(0, math.Round(w*1e9)/1e9)
}

// Survives reports whether weight is still at or above the threshold.
func (c Calculator) Survives(weight float64, distance int, ratio float64) bool {
	return c.EffectiveWeight(weight, distance, ratio) >= c.SurvivalThreshold
}

// PinVerdict is the prediction for one pin.
type PinVerdict struct {
	PinID           string  `json:"pinId"`
	MessageID       string  `json:"messageId"`
	Weight          float64 `json:"weight"`
	EffectiveWeight float64 `json:"effectiveWeight"`
	Survives        bool    `json:"survives"`
}

// Preview summarizes a scenario over a set of pins.
type Preview struct {
	Scenario  Scenario     `json:"scenario"`
	Total     int          `json:"total"`
	Surviving int          `json:"surviving"`
	PerPin    []PinVerdict `json:"perPin"`
}

// PreviewSurvival evaluates s for every pin.
func (c Calculator) PreviewSurvival(pins []transcript.Pin, s Scenario) Preview {
	p := Preview{Scenario: s, Total: len(pins), PerPin: make([]PinVerdict, 0, len(pins))}
	for _, pin := range pins {
		eff := c.EffectiveWeight(pin.Weight, s.Distance, s.Ratio)
		v := PinVerdict{
			PinID:           pin.ID,
			MessageID:       pin.MessageID,
			Weight:          pin.Weight,
			EffectiveWeight: eff,
			Survives:        eff >= c.SurvivalThreshold,
		}
		if v.Survives {
			p.Surviving++
		}
		p.PerPin = append(p.PerPin, v)
	}
	return p
}

// Breakdown shows each term of the formula for one evaluation.
type Breakdown struct {
	Formula         string  `json:"formula"`
	Weight          float64 `json:"weight"`
	Distance        int     `json:"distance"`
	Ratio           float64 `json:"ratio"`
	DecayRate       float64 `json:"decayRate"`
	RatioFactor     float64 `json:"ratioFactor"`
	Decay           float64 `json:"decay"`
	EffectiveWeight float64 `json:"effectiveWeight"`
	Threshold       float64 `json:"threshold"`
	Survives        bool    `json:"survives"`
}

// Explain returns the worked formula for weight under s.
func (c Calculator) Explain(weight float64, s Scenario) Breakdown {
	weight = clamp(weight)
	rf := c.RatioFactor(s.Ratio)
	eff := c.EffectiveWeight(weight, s.Distance, s.Ratio)
	dist := s.Distance
	if dist < 0 {
		dist = 0
	}
	decay := float64(dist) * c.DecayRate * rf
	return Breakdown{
		Formula: fmt.Sprintf("max(0, %.2f - %d * %.4f * %.4f) = %.4f (threshold %.2f)",
			weight, dist, c.DecayRate, rf, eff, c.SurvivalThreshold),
		Weight:          weight,
		Distance:        dist,
		Ratio:           s.Ratio,
		DecayRate:       c.DecayRate,
		RatioFactor:     rf,
		Decay:           decay,
		EffectiveWeight: eff,
		Threshold:       c.SurvivalThreshold,
		Survives:        eff >= c.SurvivalThreshold,
	}
}

func clamp(w float64) float64 {
	switch {
	case math.IsNaN(w) || w < 0:
		return 0
	case w > 1:
		return 1
	}
	return w
}
