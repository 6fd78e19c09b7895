package transcript

import (
	"math"
	"strings"
)

const (
	minGroupChars  = 80
	edgeGroupBoost = 2
)

// Condensed is one message produced by Condense.
type Condensed struct {
	Role   string
	Text   string
	Tokens int
}

// Condense reduces msgs to roughly len(msgs)/ratio messages and
// SumTokens(msgs)/ratio tokens. Rules:
//   - consecutive messages are grouped round(ratio) at a time
//   - each group keeps about its share of the token budget, split evenly
//     between its messages
//   - the first and last group get twice the budget
//   - role of a group is the role of its first message
//
// A ratio below 1 is treated as 1.
func Condense(msgs []Message, ratio float64) []Condensed {
	if len(msgs) == 0 {
		return nil
	}
	if ratio < 1 || math.IsNaN(ratio) {
		ratio = 1
	}
	size := int(math.Round(ratio))
	if size < 1 {
		size = 1
	}

	var groups [][]Message
	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}
		groups = append(groups, msgs[start:end])
	}

	out := make([]Condensed, 0, len(groups))
	for i, g := range groups {
		budget := int(float64(SumTokens(g)) / ratio * 4)
		if i == 0 || i == len(groups)-1 {
			budget *= edgeGroupBoost
		}
		if budget < minGroupChars {
			budget = minGroupChars
		}
		text := condenseGroup(g, budget)
		out = append(out, Condensed{
			Role:   roleOf(g[0]),
			Text:   text,
			Tokens: EstimateTokens(text),
		})
	}
	return out
}

func condenseGroup(g []Message, budget int) string {
	if len(g) == 1 && len(g[0].Text) <= budget {
		return g[0].Text
	}
	share := budget / len(g)
	var b strings.Builder
	for i, m := range g {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[")
		b.WriteString(strings.ToUpper(roleOf(m)))
		b.WriteString("] ")
		b.WriteString(truncate(m.Text, share))
	}
	return b.String()
}

func roleOf(m Message) string {
	if m.Role != "" {
		return m.Role
	}
	return m.Type
}

// truncate cuts s to at most n bytes on a rune boundary, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return "..."
	}
	cut := n - 3
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
