package transcript

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lazypower/strata/internal/apperr"
)

// Pinned content lives inline in message text:
//
//	<pin id='p1' weight='0.80' history='0.50>0.80@2026-01-02T03:04:05Z'>keep this</pin>
//
// Attributes are single-quoted so the tag can be rewritten inside a JSONL
// line without re-encoding the record.

// WeightChange is one edit of a pin's weight.
type WeightChange struct {
	From float64   `json:"from"`
	To   float64   `json:"to"`
	At   time.Time `json:"at"`
}

// Pin is a pinned-content marker found in the original log.
type Pin struct {
	ID        string         `json:"id"`
	MessageID string         `json:"messageId"`
	Content   string         `json:"content"`
	Weight    float64        `json:"weight"`
	History   []WeightChange `json:"history,omitempty"`
	// Distance is the number of messages between the pin's message and the
	// end of the log; callers may override it with a session distance.
	Distance int `json:"distance"`
}

var pinRe = regexp.MustCompile(`<pin id='([A-Za-z0-9_.-]+)' weight='([0-9.]+)'(?: history='([^']*)')?>([\s\S]*?)</pin>`)

// ExtractPins returns every pin in msgs, in message order.
func ExtractPins(msgs []Message) []Pin {
	var pins []Pin
	for i, m := range msgs {
		if !strings.Contains(m.Text, "<pin ") {
			continue
		}
		for _, sm := range pinRe.FindAllStringSubmatch(m.Text, -1) {
			w, err := strconv.ParseFloat(sm[2], 64)
			if err != nil {
				continue
			}
			pins = append(pins, Pin{
				ID:        sm[1],
				MessageID: m.ID,
				Content:   sm[4],
				Weight:    w,
				History:   parseHistory(sm[3]),
				Distance:  len(msgs) - 1 - i,
			})
		}
	}
	return pins
}

// FindPin returns the pin with the given id.
func FindPin(pins []Pin, id string) (Pin, bool) {
	for _, p := range pins {
		if p.ID == id {
			return p, true
		}
	}
	return Pin{}, false
}

// PinTag renders a pin span.
func PinTag(id string, weight float64, content string) string {
	return fmt.Sprintf("<pin id='%s' weight='%s'>%s</pin>", id, formatWeight(weight), content)
}

// StripPins replaces pin spans with their bare content.
func StripPins(text string) string {
	return pinRe.ReplaceAllString(text, "$4")
}

// DropPins removes pin spans and their content.
func DropPins(text string) string {
	return pinRe.ReplaceAllString(text, "")
}

// rewriteAttempts bounds how often SetPinWeight re-reads a log that grew
// while its rewrite was being prepared.
const rewriteAttempts = 3

// SetPinWeight rewrites every occurrence of the pin's opening tag in the log
// at path, recording the transition in its history.
//
// The log is rewritten in place, starting at the first changed line, so a
// writer that keeps it open with O_APPEND goes on appending to the same
// file. If the log grows between the read and the write the rewrite starts
// over. An append racing the write itself can still be overwritten; callers
// that own the writer should pause it for the duration of the call.
func SetPinWeight(path, pinID string, weight float64, at time.Time) (*Pin, error) {
	if weight < 0 || weight > 1 {
		return nil, apperr.New(apperr.ErrInvalidWeight, "%v", weight)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	for attempt := 1; ; attempt++ {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read transcript: %w", err)
		}
		out, off, err := rewritePinTags(string(data), pinID, weight, at)
		if err != nil {
			return nil, err
		}

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat transcript: %w", err)
		}
		if info.Size() != int64(len(data)) {
			if attempt < rewriteAttempts {
				continue
			}
			return nil, fmt.Errorf("rewrite pin %s: log kept changing while being rewritten", pinID)
		}

		if _, err := f.WriteAt([]byte(out[off:]), int64(off)); err != nil {
			return nil, fmt.Errorf("write transcript: %w", err)
		}
		if err := f.Sync(); err != nil {
			return nil, fmt.Errorf("sync transcript: %w", err)
		}
		break
	}

	res, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	pin, ok := FindPin(ExtractPins(res.Messages), pinID)
	if !ok {
		return nil, apperr.New(apperr.ErrPinNotFound, "%s after rewrite", pinID)
	}
	return &pin, nil
}

// rewritePinTags returns data with the pin's tags updated and the offset of
// the first byte that differs. Tags only ever grow, so everything before the
// offset is unchanged and the result is never shorter than data.
func rewritePinTags(data, pinID string, weight float64, at time.Time) (string, int, error) {
	// Some writers escape the angle brackets as \u003c and \u003e.
	openRe := regexp.MustCompile(`(?:<|\\u003c)pin id='` + regexp.QuoteMeta(pinID) +
		`' weight='([0-9.]+)'(?: history='([^']*)')?(?:>|\\u003e)`)

	lines := strings.SplitAfter(data, "\n")
	first := -1
	for i, line := range lines {
		loc := openRe.FindStringSubmatchIndex(line)
		if loc == nil {
			continue
		}
		old, err := strconv.ParseFloat(line[loc[2]:loc[3]], 64)
		if err != nil {
			return "", 0, fmt.Errorf("parse weight of pin %s: %w", pinID, err)
		}
		var history []WeightChange
		if loc[4] >= 0 {
			history = parseHistory(strings.ReplaceAll(line[loc[4]:loc[5]], `\u003e`, ">"))
		}
		history = append(history, WeightChange{From: old, To: weight, At: at.UTC()})

		tag := fmt.Sprintf("<pin id='%s' weight='%s' history='%s'>",
			pinID, formatWeight(weight), formatHistory(history))
		lines[i] = line[:loc[0]] + tag + line[loc[1]:]
		if first < 0 {
			first = i
		}
	}
	if first < 0 {
		return "", 0, apperr.New(apperr.ErrPinNotFound, "%s", pinID)
	}

	off := 0
	for _, line := range lines[:first] {
		off += len(line)
	}
	return strings.Join(lines, ""), off, nil
}

func formatWeight(w float64) string {
	return strconv.FormatFloat(w, 'f', 2, 64)
}

func formatHistory(h []WeightChange) string {
	parts := make([]string, len(h))
	for i, c := range h {
		parts[i] = formatWeight(c.From) + ">" + formatWeight(c.To) + "@" + c.At.Format(time.RFC3339)
	}
	return strings.Join(parts, ";")
}

func parseHistory(s string) []WeightChange {
	if s == "" {
		return nil
	}
	var out []WeightChange
	for _, part := range strings.Split(s, ";") {
		weights, at, ok := strings.Cut(part, "@")
		if !ok {
			continue
		}
		from, to, ok := strings.Cut(weights, ">")
		if !ok {
			continue
		}
		f, err1 := strconv.ParseFloat(from, 64)
		t, err2 := strconv.ParseFloat(to, 64)
		ts, err3 := time.Parse(time.RFC3339, at)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		out = append(out, WeightChange{From: f, To: t, At: ts})
	}
	return out
}
