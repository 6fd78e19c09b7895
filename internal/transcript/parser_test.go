package transcript

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLines(t *testing.T) {
	lines := `{"type":"user","uuid":"u1","timestamp":"2026-03-01T09:00:00Z","message":{"role":"user","content":"Hello, help me with Go code"}}
{"type":"assistant","uuid":"a1","parentUuid":"u1","timestamp":"2026-03-01T09:00:05Z","message":{"role":"assistant","content":"Sure, I can help with Go.","usage":{"input_tokens":100,"output_tokens":7}}}
{"type":"user","uuid":"u2","parentUuid":"a1","message":{"role":"user","content":"Write a function to sort a slice"}}`

	res, err := ParseLines(lines)
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(res.Messages))
	}
	if res.ValidCount != 3 || res.SkippedCount != 0 {
		t.Errorf("valid=%d skipped=%d, want 3/0", res.ValidCount, res.SkippedCount)
	}

	m := res.Messages[1]
	if m.ID != "a1" || m.ParentID != "u1" || m.Index != 1 {
		t.Errorf("message[1] = %+v", m)
	}
	if m.Tokens != 7 {
		t.Errorf("assistant tokens = %d, want usage output_tokens 7", m.Tokens)
	}
	if res.Messages[0].Tokens != EstimateTokens("Hello, help me with Go code") {
		t.Errorf("user tokens = %d, want estimate", res.Messages[0].Tokens)
	}
	if res.Messages[0].Timestamp.IsZero() {
		t.Error("expected timestamp on first message")
	}
}

func TestParseLinesContentArray(t *testing.T) {
	lines := `{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":[{"type":"text","text":"Here is the code:"},{"type":"tool_use","id":"tu_1","name":"Write"}]}}
{"type":"user","uuid":"u2","message":{"role":"user","content":[{"type":"tool_result","content":"written"}]}}`

	res, err := ParseLines(lines)
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "Here is the code:\n[tool_use: Write]", res.Messages[0].Text)
	assert.Equal(t, "[tool_result] written", res.Messages[1].Text)
}

func TestParseTalliesMalformedLines(t *testing.T) {
	lines := `{"type":"user","uuid":"u1","message":{"role":"user","content":"first"}}
{not json
{"type":"user","message":{"role":"user","content":"no uuid"}}
{"type":"user","uuid":"u2","timestamp":"yesterday","message":{"role":"user","content":"bad ts"}}
{"type":"assistant","uuid":"a2","message":{"role":"assistant","content":"last"}}`

	res, err := ParseLines(lines)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ValidCount)
	assert.Equal(t, 3, res.SkippedCount)
	require.Len(t, res.Errors, 3)
	assert.Equal(t, 2, res.Errors[0].Line)
	assert.Equal(t, 3, res.Errors[1].Line)
	assert.Equal(t, 4, res.Errors[2].Line)
	assert.InDelta(t, 0.6, res.SkipRate(), 1e-9)

	// Indexes stay dense over the surviving messages.
	assert.Equal(t, 0, res.Messages[0].Index)
	assert.Equal(t, 1, res.Messages[1].Index)
}

func TestParseIgnoresNonConversationalTypes(t *testing.T) {
	lines := `{"type":"summary","summary":"a summary","leafUuid":"x"}
{"type":"file-history-snapshot","snapshot":{}}
{"type":"system","uuid":"s1","content":"Conversation compacted"}`

	res, err := ParseLines(lines)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "system", res.Messages[0].Type)
	assert.Equal(t, "Conversation compacted", res.Messages[0].Text)
	assert.Zero(t, res.SkippedCount)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	writeFile(t, path, strings.Join([]string{
		`{"type":"user","uuid":"u1","message":{"role":"user","content":"abcdefgh"}}`,
		`{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":"abcd"}}`,
	}, "\n"))

	res, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalTokens())
	assert.Equal(t, 1, IndexOf(res.Messages, "a1"))
	assert.Equal(t, -1, IndexOf(res.Messages, "zz"))

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 40), 10},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
