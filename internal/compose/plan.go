package compose

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/manifest"
)

// Select picks the candidate with the greatest OutputTokenCount not above
// quota. When nothing fits it returns the smallest candidate and overflow.
// Among equal sizes the earlier candidate wins.
func Select(candidates []manifest.Derivative, quota int) (choice manifest.Derivative, overflow bool) {
	best, smallest := -1, -1
	for i, c := range candidates {
		if c.OutputTokenCount <= quota && (best < 0 || c.OutputTokenCount > candidates[best].OutputTokenCount) {
			best = i
		}
		if smallest < 0 || c.OutputTokenCount < candidates[smallest].OutputTokenCount {
			smallest = i
		}
	}
	if best >= 0 {
		return candidates[best], false
	}
	if smallest < 0 {
		return manifest.Derivative{}, true
	}
	return candidates[smallest], true
}

// ComponentRequest names one conversation of a composition.
type ComponentRequest struct {
	ConversationID string `json:"conversationId"`
	VersionID      string `json:"versionId,omitempty"`
	Allocation     int    `json:"allocation,omitempty"`
}

// Request describes a composition to build.
type Request struct {
	Name       string             `json:"name"`
	Budget     int                `json:"budget"`
	Strategy   string             `json:"strategy"`
	Components []ComponentRequest `json:"components"`
	Formats    []string           `json:"formats"`
}

// Plan allocates the budget and resolves a version per component. It does
// not read content or touch the manifest. convs must hold every requested
// conversation.
func Plan(req Request, convs map[string]*manifest.Conversation) (*manifest.Composition, error) {
	strategy, err := ParseStrategy(req.Strategy)
	if err != nil {
		return nil, err
	}
	formats, err := NormalizeFormats(req.Formats)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(req.Components))
	inputs := make([]Input, len(req.Components))
	for i, cr := range req.Components {
		if seen[cr.ConversationID] {
			return nil, apperr.New(apperr.ErrInvalidComposition, "conversation %s listed twice", cr.ConversationID)
		}
		seen[cr.ConversationID] = true
		conv, ok := convs[cr.ConversationID]
		if !ok {
			return nil, apperr.New(apperr.ErrConversationNotFound, "%s", cr.ConversationID)
		}
		inputs[i] = Input{
			OriginalTokens: conv.OriginalTokenCount,
			Timestamp:      conv.LastTimestamp,
			Manual:         cr.Allocation,
		}
	}

	quotas, err := Allocate(strategy, req.Budget, inputs)
	if err != nil {
		return nil, err
	}

	comp := &manifest.Composition{
		Name:     req.Name,
		Budget:   req.Budget,
		Strategy: string(strategy),
		Formats:  formats,
	}
	if strategy == Manual {
		comp.Warnings = append(comp.Warnings, BudgetWarnings(req.Budget, quotas)...)
	}

	for i, cr := range req.Components {
		conv := convs[cr.ConversationID]
		version := cr.VersionID
		if version == "" {
			version = manifest.AutoVersion
		}
		c := manifest.Component{
			ConversationID: cr.ConversationID,
			VersionID:      version,
			Allocation:     quotas[i],
			Order:          i,
			Timestamp:      conv.LastTimestamp,
		}
		d, warnings := Resolve(conv, version, quotas[i])
		c.ResolvedID = d.VersionID
		c.OutputTokens = d.OutputTokenCount
		comp.Warnings = append(comp.Warnings, warnings...)
		comp.TotalTokens += d.OutputTokenCount
		comp.Components = append(comp.Components, c)
	}
	return comp, nil
}

// Resolve maps a requested version to a record of conv. A pinned version is
// used as is; a pinned version that no longer exists falls back to
// auto-selection under quota with a version_missing warning.
func Resolve(conv *manifest.Conversation, version string, quota int) (manifest.Derivative, []string) {
	var warnings []string
	if version != manifest.AutoVersion {
		if d, ok := conv.Find(version); ok {
			if d.OutputTokenCount > quota {
				warnings = append(warnings, fmt.Sprintf("over_quota: %s %s has %d tokens, quota %d",
					conv.ID, d.VersionID, d.OutputTokenCount, quota))
			}
			return d, warnings
		}
		warnings = append(warnings, fmt.Sprintf("version_missing: %s %s no longer exists, auto-selected instead", conv.ID, version))
	}

	d, overflow := Select(conv.Candidates(), quota)
	if overflow {
		warnings = append(warnings, fmt.Sprintf("overflow: %s smallest version %s has %d tokens, quota %d",
			conv.ID, d.VersionID, d.OutputTokenCount, quota))
	}
	return d, warnings
}

// Formats.
const (
	FormatMarkdown = "markdown"
	FormatJSONL    = "jsonl"
	FormatText     = "text"
)

var formatAliases = map[string]string{
	"markdown": FormatMarkdown,
	"md":       FormatMarkdown,
	"jsonl":    FormatJSONL,
	"text":     FormatText,
	"txt":      FormatText,
}

// NormalizeFormats canonicalizes and dedupes formats. None means markdown.
func NormalizeFormats(formats []string) ([]string, error) {
	if len(formats) == 0 {
		return []string{FormatMarkdown}, nil
	}
	set := make(map[string]bool)
	for _, f := range formats {
		canon, ok := formatAliases[strings.ToLower(strings.TrimSpace(f))]
		if !ok {
			return nil, apperr.New(apperr.ErrInvalidComposition, "unknown format %q", f)
		}
		set[canon] = true
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

// Extension is the file extension of a canonical format.
func Extension(format string) string {
	switch format {
	case FormatJSONL:
		return "jsonl"
	case FormatText:
		return "txt"
	}
	return "md"
}
