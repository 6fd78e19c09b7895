package llm

import (
	"context"
	"strings"

	"github.com/lazypower/strata/internal/decay"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/transcript"
)

// Truncator is a deterministic offline compressor. It groups consecutive
// messages and cuts each group to its share of the target, so the output
// approaches the requested ratio without calling a model.
type Truncator struct {
	calc decay.Calculator
}

// NewTruncator returns a Truncator using the default decay constants for
// the weighted pin policy.
func NewTruncator() *Truncator {
	return &Truncator{calc: decay.Default()}
}

// Compress condenses req.Messages. Pins kept by the policy are carried
// verbatim in a trailing system message.
func (t *Truncator) Compress(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kept := keptPins(req, t.calc)
	clean := make([]transcript.Message, len(req.Messages))
	for i, m := range req.Messages {
		m.Text = transcript.DropPins(m.Text)
		m.Tokens = transcript.EstimateTokens(m.Text)
		clean[i] = m
	}

	var out []OutputMessage
	switch req.Settings.Mode {
	case manifest.ModeTiered:
		prev := 0
		for _, tier := range req.Settings.Tiers {
			lo := len(clean) * prev / 100
			hi := len(clean) * tier.UpToPercent / 100
			out = appendCondensed(out, clean[lo:hi], tier.Ratio)
			prev = tier.UpToPercent
		}
	default:
		out = appendCondensed(out, clean, req.Settings.Ratio)
	}

	if len(kept) > 0 {
		tags := make([]string, len(kept))
		for i, p := range kept {
			tags[i] = transcript.PinTag(p.ID, p.Weight, p.Content)
		}
		text := strings.Join(tags, "\n")
		out = append(out, OutputMessage{Role: "system", Text: text, Tokens: transcript.EstimateTokens(text)})
	}
	if len(out) == 0 {
		out = append(out, OutputMessage{Role: "system", Text: "(empty)", Tokens: 1})
	}
	return &Result{Messages: out, Provider: "builtin"}, nil
}

func appendCondensed(out []OutputMessage, msgs []transcript.Message, ratio float64) []OutputMessage {
	for _, c := range transcript.Condense(msgs, ratio) {
		out = append(out, OutputMessage{Role: c.Role, Text: c.Text, Tokens: c.Tokens})
	}
	return out
}

// keptPins returns the pins the policy of req keeps verbatim.
func keptPins(req Request, calc decay.Calculator) []transcript.Pin {
	pins := transcript.ExtractPins(req.Messages)
	switch req.Settings.PinPolicy {
	case manifest.PinDrop:
		return nil
	case manifest.PinWeighted:
		ratio := req.Settings.EffectiveRatio()
		var kept []transcript.Pin
		for _, p := range pins {
			if calc.Survives(p.Weight, req.PinDistance, ratio) {
				kept = append(kept, p)
			}
		}
		return kept
	default:
		return pins
	}
}

func survivingPins(req Request) []transcript.Pin {
	return keptPins(req, decay.Default())
}
