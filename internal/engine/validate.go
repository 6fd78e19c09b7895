package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/llm"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/transcript"
)

// maxMessageChars caps one output message (~10K tokens).
const maxMessageChars = 40000

// validateOutput checks the compressor's answer and converts it to content
// messages. Oversized messages are truncated rather than rejected.
func (e *Engine) validateOutput(conversationID string, res *llm.Result) ([]manifest.ContentMessage, error) {
	if res == nil || len(res.Messages) == 0 {
		return nil, apperr.New(apperr.ErrMalformedOutput, "no messages returned")
	}

	out := make([]manifest.ContentMessage, 0, len(res.Messages))
	for i, m := range res.Messages {
		if m.Tokens < 0 {
			return nil, apperr.New(apperr.ErrMalformedOutput, "message %d has negative token count %d", i, m.Tokens)
		}
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		if len(text) > maxMessageChars {
			e.logger.WithField("action", "validate_output").
				WithField("conversation", conversationID).
				Warnf("truncating message %d (%d -> %d chars)", i, len(text), maxMessageChars)
			text = truncateClean(text, maxMessageChars)
			m.Tokens = 0
		}
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role == "" {
			role = "assistant"
		}
		tokens := m.Tokens
		if tokens == 0 {
			tokens = transcript.EstimateTokens(text)
		}
		out = append(out, manifest.ContentMessage{Role: role, Text: text, Tokens: tokens})
	}
	if len(out) == 0 {
		return nil, apperr.New(apperr.ErrMalformedOutput, "every returned message was empty")
	}
	return out, nil
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	truncated := s[:maxLen]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > 0 && idx > maxLen-200 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
