package compose

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/transcript"
)

// Section is the content chosen for one component.
type Section struct {
	ConversationID string
	VersionID      string
	Messages       []manifest.ContentMessage
}

type jsonlLine struct {
	ConversationID string `json:"conversationId"`
	VersionID      string `json:"versionId"`
	Role           string `json:"role"`
	Text           string `json:"text"`
	Tokens         int    `json:"tokens"`
}

// Render concatenates sections in order in the given canonical format. Plain
// text drops pin markup but keeps the pinned content.
func Render(format, title string, sections []Section) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatMarkdown:
		if title != "" {
			fmt.Fprintf(&buf, "# %s\n\n", title)
		}
		for _, s := range sections {
			fmt.Fprintf(&buf, "## %s (%s, %d tokens)\n\n", s.ConversationID, s.VersionID, tokens(s.Messages))
			for _, m := range s.Messages {
				fmt.Fprintf(&buf, "**%s:** %s\n\n", m.Role, m.Text)
			}
		}
	case FormatJSONL:
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		for _, s := range sections {
			for _, m := range s.Messages {
				line := jsonlLine{ConversationID: s.ConversationID, VersionID: s.VersionID, Role: m.Role, Text: m.Text, Tokens: m.Tokens}
				if err := enc.Encode(line); err != nil {
					return nil, fmt.Errorf("encode jsonl: %w", err)
				}
			}
		}
	case FormatText:
		if title != "" {
			fmt.Fprintf(&buf, "%s\n\n", title)
		}
		for _, s := range sections {
			fmt.Fprintf(&buf, "=== %s (%s) ===\n", s.ConversationID, s.VersionID)
			for _, m := range s.Messages {
				fmt.Fprintf(&buf, "[%s] %s\n", m.Role, transcript.StripPins(m.Text))
			}
			buf.WriteString("\n")
		}
	default:
		return nil, apperr.New(apperr.ErrInvalidComposition, "unknown format %q", format)
	}
	return buf.Bytes(), nil
}

func tokens(msgs []manifest.ContentMessage) int {
	n := 0
	for _, m := range msgs {
		n += m.Tokens
	}
	return n
}
