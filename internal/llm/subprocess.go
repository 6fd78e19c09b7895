package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/transcript"
)

// Subprocess runs a command that reads a prompt on stdin and writes a JSON
// document on stdout. The default command is `claude -p`.
type Subprocess struct {
	command []string
	model   string
}

// NewSubprocess creates a subprocess compressor. An empty command means
// `claude -p --model <model> --max-turns 1`. The literal argument "{model}"
// in a custom command is replaced by the model name.
func NewSubprocess(command []string, model string) *Subprocess {
	return &Subprocess{command: command, model: model}
}

func (s *Subprocess) args(model string) []string {
	if len(s.command) == 0 {
		return []string{"claude", "-p", "--model", model, "--max-turns", "1"}
	}
	out := make([]string, len(s.command))
	for i, a := range s.command {
		out[i] = strings.ReplaceAll(a, "{model}", model)
	}
	return out
}

// Compress sends the prompt to the command and parses its answer. The
// caller's deadline is the only timeout.
func (s *Subprocess) Compress(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = s.model
	}
	prompt, err := CompressionPrompt(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrCompressionFailed, err, "build prompt")
	}

	argv := s.args(model)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(prompt)

	// Strip CLAUDE_* env vars so a nested claude does not fire the parent's hooks
	cmd.Env = filterEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.ErrCompressionTimeout, ctx.Err(), "%s", argv[0])
		}
		return nil, apperr.Wrap(apperr.ErrCompressionFailed, err, "%s (stderr: %s)", argv[0], strings.TrimSpace(stderr.String()))
	}

	msgs, err := ParseOutput(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	return &Result{Messages: msgs, Provider: "subprocess:" + argv[0]}, nil
}

type outputDoc struct {
	Messages []OutputMessage `json:"messages"`
}

// ParseOutput decodes the collaborator's answer: either {"messages":[...]}
// or a bare array, optionally inside a ```json fence. Missing token counts
// are estimated; an empty result or a negative count is malformed.
func ParseOutput(data []byte) ([]OutputMessage, error) {
	body := stripFence(strings.TrimSpace(string(data)))
	if body == "" {
		return nil, apperr.New(apperr.ErrMalformedOutput, "empty output")
	}

	var msgs []OutputMessage
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &msgs); err != nil {
			return nil, apperr.Wrap(apperr.ErrMalformedOutput, err, "decode message array")
		}
	} else {
		start := strings.Index(body, "{")
		end := strings.LastIndex(body, "}")
		if start < 0 || end < start {
			return nil, apperr.New(apperr.ErrMalformedOutput, "no JSON object in output")
		}
		var doc outputDoc
		if err := json.Unmarshal([]byte(body[start:end+1]), &doc); err != nil {
			return nil, apperr.Wrap(apperr.ErrMalformedOutput, err, "decode output")
		}
		msgs = doc.Messages
	}

	if len(msgs) == 0 {
		return nil, apperr.New(apperr.ErrMalformedOutput, "no messages")
	}
	for i := range msgs {
		if msgs[i].Tokens < 0 {
			return nil, apperr.New(apperr.ErrMalformedOutput, "message %d has %d tokens", i, msgs[i].Tokens)
		}
		if msgs[i].Tokens == 0 {
			msgs[i].Tokens = transcript.EstimateTokens(msgs[i].Text)
		}
		if msgs[i].Role == "" {
			msgs[i].Role = "assistant"
		}
	}
	return msgs, nil
}

func stripFence(s string) string {
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	rest := s[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// filterEnv removes CLAUDE_* environment variables to prevent recursive hooks.
func filterEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		if !strings.HasPrefix(e, "CLAUDE_") {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
