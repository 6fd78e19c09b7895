package manifest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion is written into every manifest document.
const SchemaVersion = 1

// OriginalVersionID names the synthetic, never-persisted record that stands
// for the uncompressed log.
const OriginalVersionID = "original"

// Level is the aggressiveness tag of a derivative.
type Level string

const (
	LevelLight      Level = "light"
	LevelModerate   Level = "moderate"
	LevelAggressive Level = "aggressive"
	LevelCustom     Level = "custom"
	LevelOriginal   Level = "original"
)

// Mode selects how a ratio is applied across the compressed range.
type Mode string

const (
	ModeUniform Mode = "uniform"
	ModeTiered  Mode = "tiered"
)

// PinPolicy controls what the compressor does with pinned content.
type PinPolicy string

const (
	PinPreserve PinPolicy = "preserve" // keep every pin verbatim
	PinWeighted PinPolicy = "weighted" // keep pins whose decayed weight survives
	PinDrop     PinPolicy = "drop"     // strip pins like any other text
)

// Tier compresses the slice of the range up to UpToPercent (exclusive of the
// previous tier's bound) at Ratio. Earlier tiers cover older messages.
type Tier struct {
	UpToPercent int     `json:"upToPercent"`
	Ratio       float64 `json:"ratio"`
}

// Settings is the validated compression configuration of a derivative.
type Settings struct {
	Mode         Mode      `json:"mode"`
	Ratio        float64   `json:"ratio,omitempty"`
	Preset       string    `json:"preset,omitempty"`
	Tiers        []Tier    `json:"tiers,omitempty"`
	Model        string    `json:"model,omitempty"`
	SkipMessages int       `json:"skipMessages,omitempty"`
	PinPolicy    PinPolicy `json:"pinPolicy"`
}

// Key is a canonical rendering of s. Two settings with the same key produce
// the same derivative.
func (s Settings) Key() string {
	var b strings.Builder
	b.WriteString(string(s.Mode))
	switch s.Mode {
	case ModeTiered:
		b.WriteString(":tiers=")
		for i, t := range s.Tiers {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%dx%s", t.UpToPercent, strconv.FormatFloat(t.Ratio, 'f', 4, 64))
		}
	default:
		b.WriteString(":ratio=")
		b.WriteString(strconv.FormatFloat(s.Ratio, 'f', 4, 64))
	}
	fmt.Fprintf(&b, ":model=%s:skip=%d:pins=%s", s.Model, s.SkipMessages, s.PinPolicy)
	return b.String()
}

// EffectiveRatio is the target original/output ratio of s. Tiered settings
// average their tiers weighted by the share of the range each covers.
func (s Settings) EffectiveRatio() float64 {
	if s.Mode != ModeTiered {
		return s.Ratio
	}
	prev := 0
	total := 0.0
	for _, t := range s.Tiers {
		total += float64(t.UpToPercent-prev) * t.Ratio
		prev = t.UpToPercent
	}
	if prev == 0 {
		return 0
	}
	return total / float64(prev)
}

// Range is the slice [StartIndex, EndIndex] (inclusive) of the original
// message sequence a derivative represents.
type Range struct {
	StartIndex     int    `json:"startIndex"`
	EndIndex       int    `json:"endIndex"`
	StartMessageID string `json:"startMessageId"`
	EndMessageID   string `json:"endMessageId"`
}

// Len is the number of messages covered.
func (r Range) Len() int {
	return r.EndIndex - r.StartIndex + 1
}

// Derivative is an immutable compression result.
type Derivative struct {
	VersionID          string    `json:"versionId"`
	PartNumber         int       `json:"partNumber"`
	Level              Level     `json:"level"`
	Settings           Settings  `json:"settings"`
	Range              Range     `json:"messageRange"`
	OutputTokenCount   int       `json:"outputTokenCount"`
	OutputMessageCount int       `json:"outputMessageCount"`
	CompressionRatio   float64   `json:"compressionRatio"`
	CreatedAt          time.Time `json:"createdAt"`
	UsedInCompositions int       `json:"usedInCompositions"`
	File               string    `json:"file,omitempty"`
}

// IsOriginal reports whether d is the synthetic original record.
func (d Derivative) IsOriginal() bool {
	return d.VersionID == OriginalVersionID
}

// Conversation is the manifest entry of one tracked log.
type Conversation struct {
	ID                   string       `json:"id"`
	SourcePath           string       `json:"sourcePath"`
	OriginalTokenCount   int          `json:"originalTokenCount"`
	OriginalMessageCount int          `json:"originalMessageCount"`
	FirstTimestamp       time.Time    `json:"firstTimestamp"`
	LastTimestamp        time.Time    `json:"lastTimestamp"`
	RegisteredAt         time.Time    `json:"registeredAt"`
	LastAccessedAt       time.Time    `json:"lastAccessedAt"`
	FirstMessageID       string       `json:"firstMessageId,omitempty"`
	LastSyncedMessageID  string       `json:"lastSyncedMessageId,omitempty"`
	LastSyncedTimestamp  time.Time    `json:"lastSyncedTimestamp"`
	PinnedCount          int          `json:"pinnedCount"`
	Derivatives          []Derivative `json:"derivatives"`
}

// Original returns the synthetic record covering the whole known log.
func (c *Conversation) Original() Derivative {
	end := c.OriginalMessageCount - 1
	r := Range{StartIndex: 0, EndIndex: end}
	if c.OriginalMessageCount > 0 {
		r.StartMessageID = c.FirstMessageID
		r.EndMessageID = c.LastSyncedMessageID
	}
	return Derivative{
		VersionID:          OriginalVersionID,
		PartNumber:         0,
		Level:              LevelOriginal,
		Range:              r,
		OutputTokenCount:   c.OriginalTokenCount,
		OutputMessageCount: c.OriginalMessageCount,
		CompressionRatio:   1,
		CreatedAt:          c.RegisteredAt,
	}
}

// HighestPart returns the largest part number recorded, or 0.
func (c *Conversation) HighestPart() int {
	highest := 0
	for _, d := range c.Derivatives {
		if d.PartNumber > highest {
			highest = d.PartNumber
		}
	}
	return highest
}

// PartRange returns the range shared by every record of part n.
func (c *Conversation) PartRange(n int) (Range, bool) {
	for _, d := range c.Derivatives {
		if d.PartNumber == n {
			return d.Range, true
		}
	}
	return Range{}, false
}

// Part returns the records of part n in creation order.
func (c *Conversation) Part(n int) []Derivative {
	var out []Derivative
	for _, d := range c.Derivatives {
		if d.PartNumber == n {
			out = append(out, d)
		}
	}
	return out
}

// Parts returns the distinct part numbers in ascending order.
func (c *Conversation) Parts() []int {
	seen := make(map[int]bool)
	var parts []int
	for _, d := range c.Derivatives {
		if !seen[d.PartNumber] {
			seen[d.PartNumber] = true
			parts = append(parts, d.PartNumber)
		}
	}
	sort.Ints(parts)
	return parts
}

// Find returns the record with the given version id, including the
// synthetic original.
func (c *Conversation) Find(versionID string) (Derivative, bool) {
	if versionID == OriginalVersionID {
		return c.Original(), true
	}
	for _, d := range c.Derivatives {
		if d.VersionID == versionID {
			return d, true
		}
	}
	return Derivative{}, false
}

// Candidates returns the original followed by every real record.
func (c *Conversation) Candidates() []Derivative {
	out := make([]Derivative, 0, len(c.Derivatives)+1)
	out = append(out, c.Original())
	return append(out, c.Derivatives...)
}

// ContentMessage is one message of a derivative's content file.
type ContentMessage struct {
	Role   string `json:"role"`
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// Component is one conversation's slot in a composition.
type Component struct {
	ConversationID string    `json:"conversationId"`
	VersionID      string    `json:"versionId"` // "auto" or a concrete version
	Allocation     int       `json:"allocation"`
	Order          int       `json:"order"`
	ResolvedID     string    `json:"resolvedVersionId,omitempty"`
	OutputTokens   int       `json:"outputTokens"`
	Timestamp      time.Time `json:"timestamp"`
}

// AutoVersion asks the composition engine to pick the best-fitting version.
const AutoVersion = "auto"

// Composition is a budget-constrained concatenation of derivatives.
type Composition struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Budget      int         `json:"budget"`
	Strategy    string      `json:"strategy"`
	Components  []Component `json:"components"`
	Formats     []string    `json:"formats"`
	TotalTokens int         `json:"totalTokens"`
	Warnings    []string    `json:"warnings,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// CompositionSet is the per-collection composition registry document.
type CompositionSet struct {
	Version      int                     `json:"version"`
	Compositions map[string]*Composition `json:"compositions"`
}
