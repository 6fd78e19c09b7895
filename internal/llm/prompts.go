package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lazypower/strata/internal/manifest"
)

// InternalSentinel prefixes every prompt strata sends so hooks and log
// readers can recognize and skip its own traffic.
const InternalSentinel = "[strata-internal]"

type promptMessage struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	Text string `json:"text"`
}

// CompressionPrompt renders the instructions and JSON payload for req.
func CompressionPrompt(req Request) (string, error) {
	payload := make([]promptMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = m.Type
		}
		payload = append(payload, promptMessage{ID: m.ID, Role: role, Text: m.Text})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode messages: %w", err)
	}

	return fmt.Sprintf(`%s
You are a conversation compression system. Rewrite the conversation below so it keeps the
decisions, facts, open questions and outcomes while using far fewer tokens.

TARGET:
%s

PINNED CONTENT:
Spans written as <pin id='...' weight='...'>...</pin> are pinned. %s

Rules:
- Keep message order; merge adjacent messages freely
- Never invent content that is not in the input
- Report an honest token estimate for each output message
- Return ONLY JSON, no other text

Return:
{"messages": [{"role": "user|assistant", "text": "...", "tokens": 123}]}

CONVERSATION (%d messages):
%s`, InternalSentinel, describeTarget(req.Settings), describePins(req), len(payload), data), nil
}

func describeTarget(s manifest.Settings) string {
	if s.Mode == manifest.ModeTiered {
		var b strings.Builder
		prev := 0
		for _, t := range s.Tiers {
			fmt.Fprintf(&b, "- messages from %d%% to %d%% of the conversation: compress about %.1fx\n", prev, t.UpToPercent, t.Ratio)
			prev = t.UpToPercent
		}
		return strings.TrimRight(b.String(), "\n")
	}
	return fmt.Sprintf("- compress the whole conversation about %.1fx (output tokens ≈ input tokens / %.1f)", s.Ratio, s.Ratio)
}

func describePins(req Request) string {
	switch req.Settings.PinPolicy {
	case manifest.PinDrop:
		return "Treat them like any other text."
	case manifest.PinWeighted:
		kept := survivingPins(req)
		if len(kept) == 0 {
			return "None of them need to be kept verbatim."
		}
		ids := make([]string, len(kept))
		for i, p := range kept {
			ids[i] = p.ID
		}
		return fmt.Sprintf("Copy these pins verbatim, tag included: %s. Treat the others like any other text.", strings.Join(ids, ", "))
	default:
		return "Copy every pin verbatim, tag included."
	}
}
