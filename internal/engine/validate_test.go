package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/llm"
)

func validator() *Engine {
	logger, _ := test.NewNullLogger()
	return &Engine{logger: logger}
}

func TestValidateOutput_Valid(t *testing.T) {
	out, err := validator().validateOutput("c", &llm.Result{Messages: []llm.OutputMessage{
		{Role: "User", Text: "  asked about sqlite  ", Tokens: 4},
		{Role: "", Text: "answered with WAL mode", Tokens: 0},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Role != "user" || out[0].Text != "asked about sqlite" || out[0].Tokens != 4 {
		t.Errorf("first message = %+v", out[0])
	}
	if out[1].Role != "assistant" {
		t.Errorf("empty role = %q, want assistant", out[1].Role)
	}
	if out[1].Tokens == 0 {
		t.Error("missing token count was not estimated")
	}
}

func TestValidateOutput_Rejects(t *testing.T) {
	tests := []struct {
		name string
		res  *llm.Result
	}{
		{"nil", nil},
		{"empty", &llm.Result{}},
		{"negative tokens", &llm.Result{Messages: []llm.OutputMessage{{Role: "assistant", Text: "x", Tokens: -1}}}},
		{"all blank", &llm.Result{Messages: []llm.OutputMessage{{Role: "assistant", Text: "   "}}}},
	}
	for _, tt := range tests {
		_, err := validator().validateOutput("c", tt.res)
		if !errors.Is(err, apperr.ErrMalformedOutput) {
			t.Errorf("%s: err = %v, want ErrMalformedOutput", tt.name, err)
		}
	}
}

func TestValidateOutput_TruncatesOversized(t *testing.T) {
	long := strings.Repeat("word ", maxMessageChars/5+100)
	out, err := validator().validateOutput("c", &llm.Result{Messages: []llm.OutputMessage{{Role: "assistant", Text: long, Tokens: 99999}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out[0].Text) > maxMessageChars {
		t.Errorf("text not truncated: %d chars", len(out[0].Text))
	}
	if out[0].Tokens == 99999 {
		t.Error("token count not re-estimated after truncation")
	}
}

func TestTruncateClean(t *testing.T) {
	s := "hello world this is a test"
	result := truncateClean(s, 15)
	if len(result) > 15 {
		t.Errorf("truncateClean result too long: %d", len(result))
	}
	// Should cut at word boundary
	if strings.HasSuffix(result, " ") {
		t.Error("truncated result has trailing space")
	}

	if got := truncateClean("short", 15); got != "short" {
		t.Errorf("short string changed: %q", got)
	}

	multi := strings.Repeat("é", 10)
	if got := truncateClean(multi, 5); !strings.HasPrefix(multi, got) || len(got)%2 != 0 {
		t.Errorf("cut inside a rune: %q", got)
	}
}
