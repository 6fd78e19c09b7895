// Package llm talks to the external compression collaborator.
package llm

import (
	"context"
	"fmt"

	"github.com/lazypower/strata/internal/config"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/transcript"
)

// Compressor rewrites a slice of a conversation into fewer tokens.
// Implementations may be slow; callers bound them with ctx.
type Compressor interface {
	Compress(ctx context.Context, req Request) (*Result, error)
}

// Request is one compression job.
type Request struct {
	ConversationID string
	Messages       []transcript.Message
	Settings       manifest.Settings
	Model          string
	// PinDistance is the number of compression passes the content will have
	// been through once this one completes. Used by the weighted pin policy.
	PinDistance int
}

// OutputMessage is one rewritten message with its token count.
type OutputMessage struct {
	Role   string `json:"role"`
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// Result is the collaborator's answer.
type Result struct {
	Messages []OutputMessage
	Provider string
}

// TotalTokens sums the output token counts.
func (r *Result) TotalTokens() int {
	n := 0
	for _, m := range r.Messages {
		n += m.Tokens
	}
	return n
}

// NewCompressor creates a compressor based on the config provider setting.
func NewCompressor(cfg config.LLMConfig) (Compressor, error) {
	switch cfg.Provider {
	case "claude-cli", "":
		model := cfg.Model
		if model == "" {
			model = "haiku"
		}
		return NewSubprocess(cfg.Command, model), nil
	case "builtin":
		return NewTruncator(), nil
	case "mock":
		return &Mock{}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}
