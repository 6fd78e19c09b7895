// Package transcript reads Claude Code JSONL conversation logs.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Entry represents a single line in a Claude Code JSONL transcript.
type Entry struct {
	Type       string          `json:"type"` // "user", "assistant", "system"
	UUID       string          `json:"uuid"`
	ParentUUID string          `json:"parentUuid"`
	Timestamp  string          `json:"timestamp"`
	SessionID  string          `json:"sessionId"`
	Message    json.RawMessage `json:"message"`
	Content    json.RawMessage `json:"content"` // system entries carry content at top level
}

// RawMessage is the parsed message envelope.
type RawMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"` // string or []ContentItem
	Usage   *Usage          `json:"usage,omitempty"`
}

// Usage holds token counts from the API response.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// ContentItem represents a single content block (text, tool_use, tool_result).
type ContentItem struct {
	Type    string          `json:"type"` // "text", "tool_use", "tool_result", "thinking"
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Message is one conversational record of a log, in file order.
type Message struct {
	Index     int       `json:"index"`
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId,omitempty"`
	Type      string    `json:"type"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Tokens    int       `json:"tokens"`
}

// LineError describes a line that could not be turned into a Message.
type LineError struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

// ParseResult is the outcome of reading a log. Malformed lines are tallied,
// never silently dropped, so callers can refuse to work on shrunken input.
type ParseResult struct {
	Messages     []Message   `json:"-"`
	ValidCount   int         `json:"validCount"`
	SkippedCount int         `json:"skippedCount"`
	Errors       []LineError `json:"errors,omitempty"`
}

// maxRecordedErrors bounds Errors; SkippedCount keeps counting past it.
const maxRecordedErrors = 50

// SkipRate is the fraction of candidate lines that failed to parse.
func (r *ParseResult) SkipRate() float64 {
	total := r.ValidCount + r.SkippedCount
	if total == 0 {
		return 0
	}
	return float64(r.SkippedCount) / float64(total)
}

// TotalTokens sums the per-message token counts.
func (r *ParseResult) TotalTokens() int {
	return SumTokens(r.Messages)
}

// SumTokens sums Tokens over msgs.
func SumTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += m.Tokens
	}
	return total
}

// ParseFile reads a JSONL transcript file.
func ParseFile(path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// ParseLines parses transcript content from a string.
func ParseLines(content string) (*ParseResult, error) {
	return Parse(strings.NewReader(content))
}

// Parse reads JSONL records from r. Lines whose type is not a conversational
// one (summaries, snapshots, progress) are ignored without counting as errors.
func Parse(r io.Reader) (*ParseResult, error) {
	res := &ParseResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		msg, err := parseLine(line)
		if err != nil {
			res.SkippedCount++
			if len(res.Errors) < maxRecordedErrors {
				res.Errors = append(res.Errors, LineError{Line: lineNo, Err: err.Error()})
			}
			continue
		}
		if msg == nil {
			continue
		}
		msg.Index = len(res.Messages)
		res.Messages = append(res.Messages, *msg)
		res.ValidCount++
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return res, nil
}

func parseLine(line []byte) (*Message, error) {
	var entry Entry
	if err := json.Unmarshal(line, &entry); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	switch entry.Type {
	case "user", "assistant", "system":
	default:
		return nil, nil
	}
	if entry.UUID == "" {
		return nil, fmt.Errorf("%s entry without uuid", entry.Type)
	}

	msg := &Message{
		ID:       entry.UUID,
		ParentID: entry.ParentUUID,
		Type:     entry.Type,
		Role:     entry.Type,
	}
	if entry.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q", entry.Timestamp)
		}
		msg.Timestamp = ts
	}

	var usage *Usage
	if len(entry.Message) > 0 && string(entry.Message) != "null" {
		var raw RawMessage
		if err := json.Unmarshal(entry.Message, &raw); err != nil {
			return nil, fmt.Errorf("invalid message: %w", err)
		}
		if raw.Role != "" {
			msg.Role = raw.Role
		}
		msg.Text = extractText(raw.Content)
		usage = raw.Usage
	} else if len(entry.Content) > 0 {
		msg.Text = extractText(entry.Content)
	}

	msg.Tokens = EstimateTokens(msg.Text)
	if usage != nil && entry.Type == "assistant" && usage.OutputTokens > 0 {
		msg.Tokens = int(usage.OutputTokens)
	}
	return msg, nil
}

// extractText handles the polymorphic content field.
// It may be a plain string or an array of ContentItem.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []ContentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	var texts []string
	for _, item := range items {
		switch item.Type {
		case "text", "thinking":
			if item.Text != "" {
				texts = append(texts, item.Text)
			}
		case "tool_use":
			texts = append(texts, "[tool_use: "+item.Name+"]")
		case "tool_result":
			if inner := extractText(item.Content); inner != "" {
				texts = append(texts, "[tool_result] "+inner)
			}
		}
	}
	return strings.Join(texts, "\n")
}

// EstimateTokens approximates a token count at 4 characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// IndexOf returns the position of the message with the given id, or -1.
func IndexOf(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
