package engine

import (
	"context"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/decay"
	"github.com/lazypower/strata/internal/lock"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/transcript"
)

// Pinned content is read from, and weights are written back to, the
// original log. The manifest only keeps PinnedCount.

// GetPins returns the pins of a conversation in log order.
func (e *Engine) GetPins(ctx context.Context, collection, id string) ([]transcript.Pin, error) {
	conv, err := e.conversation(collection, id)
	if err != nil {
		return nil, err
	}
	res, _, err := e.readLog(conv.SourcePath)
	if err != nil {
		return nil, err
	}
	pins := transcript.ExtractPins(res.Messages)
	if pins == nil {
		pins = []transcript.Pin{}
	}
	return pins, nil
}

// SetPinWeight changes a pin's weight in the original log and records the
// change in the pin's history. It takes the sync lock since it rewrites the
// log.
func (e *Engine) SetPinWeight(ctx context.Context, collection, id, pinID string, weight float64) (*transcript.Pin, error) {
	if weight < 0 || weight > 1 {
		return nil, apperr.New(apperr.ErrInvalidWeight, "%v", weight)
	}
	lk, err := e.acquire(collection, id, lock.OpSync, "")
	if err != nil {
		return nil, err
	}
	defer e.release(lk)

	conv, err := e.conversation(collection, id)
	if err != nil {
		return nil, err
	}
	pin, err := transcript.SetPinWeight(conv.SourcePath, pinID, weight, e.now())
	if err != nil {
		return nil, err
	}
	e.logger.WithField("action", "pin_weight").
		WithField("conversation", id).
		WithField("pin", pinID).
		WithField("weight", weight).
		Info("pin weight updated")
	return pin, nil
}

// DecayReport is a survival prediction for a conversation's pins, with the
// worked formula for each.
type DecayReport struct {
	ConversationID string            `json:"conversationId"`
	Preview        decay.Preview     `json:"preview"`
	Explanations   []decay.Breakdown `json:"explanations"`
}

// PreviewDecay predicts which pins survive scenario. A zero ratio means the
// ratio of the conversation's latest version, or the reference ratio when
// there is none.
func (e *Engine) PreviewDecay(ctx context.Context, collection, id string, scenario decay.Scenario) (*DecayReport, error) {
	if scenario.Distance < 0 || scenario.Ratio < 0 {
		return nil, apperr.New(apperr.ErrInvalidInput, "distance and ratio must not be negative")
	}
	conv, err := e.conversation(collection, id)
	if err != nil {
		return nil, err
	}
	if scenario.Ratio == 0 {
		scenario.Ratio = latestRatio(conv, e.decay.ReferenceRatio)
	}
	pins, err := e.GetPins(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	r := &DecayReport{
		ConversationID: id,
		Preview:        e.decay.PreviewSurvival(pins, scenario),
		Explanations:   make([]decay.Breakdown, 0, len(pins)),
	}
	for _, p := range pins {
		r.Explanations = append(r.Explanations, e.decay.Explain(p.Weight, scenario))
	}
	return r, nil
}

func latestRatio(conv *manifest.Conversation, fallback float64) float64 {
	if n := len(conv.Derivatives); n > 0 {
		return conv.Derivatives[n-1].CompressionRatio
	}
	return fallback
}
