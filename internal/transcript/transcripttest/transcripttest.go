// Package transcripttest builds JSONL conversation logs for tests.
package transcripttest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Base is the timestamp of the first generated message.
var Base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Line renders one conversational record.
func Line(typ, id, parent, text string, ts time.Time) string {
	rec := map[string]any{
		"type":       typ,
		"uuid":       id,
		"parentUuid": parent,
		"timestamp":  ts.Format(time.RFC3339Nano),
		"sessionId":  "sess-test",
		"message": map[string]any{
			"role":    typ,
			"content": text,
		},
	}
	data, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// ID returns the uuid used for the i-th generated message.
func ID(i int) string {
	return fmt.Sprintf("m-%04d", i)
}

// Lines generates n alternating user/assistant records, one minute apart.
// Each text is 40 characters long so it estimates to 10 tokens.
func Lines(n int) []string {
	return LinesFrom(0, n)
}

// LinesFrom generates records start..start+n-1.
func LinesFrom(start, n int) []string {
	lines := make([]string, 0, n)
	for i := start; i < start+n; i++ {
		typ := "user"
		if i%2 == 1 {
			typ = "assistant"
		}
		parent := ""
		if i > 0 {
			parent = ID(i - 1)
		}
		text := fmt.Sprintf("message number %04d %s", i, strings.Repeat("x", 20))
		lines = append(lines, Line(typ, ID(i), parent, text, Base.Add(time.Duration(i)*time.Minute)))
	}
	return lines
}

// Write writes lines to dir/name and returns the path.
func Write(t testing.TB, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

// Append adds lines to the end of the log at path.
func Append(t testing.TB, path string, lines []string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		t.Fatalf("append transcript: %v", err)
	}
}
