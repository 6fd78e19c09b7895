package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/lazypower/strata/internal/apperr"
	"github.com/lazypower/strata/internal/manifest"
)

// Ratio bounds for uniform settings and tiers.
const (
	minRatio = 1.5
	maxRatio = 100
	maxTiers = 8
)

// uniformPresets maps an aggressiveness level to its uniform ratio.
var uniformPresets = map[manifest.Level]float64{
	manifest.LevelLight:      3,
	manifest.LevelModerate:   10,
	manifest.LevelAggressive: 25,
}

// tierPresets compress older messages harder than recent ones.
var tierPresets = map[manifest.Level][]manifest.Tier{
	manifest.LevelLight:      {{UpToPercent: 50, Ratio: 5}, {UpToPercent: 100, Ratio: 2}},
	manifest.LevelModerate:   {{UpToPercent: 50, Ratio: 20}, {UpToPercent: 80, Ratio: 10}, {UpToPercent: 100, Ratio: 4}},
	manifest.LevelAggressive: {{UpToPercent: 50, Ratio: 40}, {UpToPercent: 80, Ratio: 20}, {UpToPercent: 100, Ratio: 8}},
}

// SettingsRequest is the loose, caller-facing form of compression settings.
// Every field is optional; ResolveSettings fills the gaps and rejects
// anything it cannot turn into manifest.Settings.
type SettingsRequest struct {
	Level        string          `json:"level,omitempty"` // light, moderate, aggressive, custom
	Mode         string          `json:"mode,omitempty"`  // uniform, tiered
	Ratio        float64         `json:"ratio,omitempty"`
	Preset       string          `json:"preset,omitempty"` // tier preset, named like the levels
	Tiers        []manifest.Tier `json:"tiers,omitempty"`
	Model        string          `json:"model,omitempty"`
	SkipMessages int             `json:"skipMessages,omitempty"`
	PinPolicy    string          `json:"pinPolicy,omitempty"` // preserve, weighted, drop
}

// ResolveSettings validates req into strict settings and the level tag of
// the derivative they produce. defaultLevel applies when req names neither
// a level, a ratio, a preset nor tiers.
func ResolveSettings(req SettingsRequest, defaultLevel string) (manifest.Settings, manifest.Level, error) {
	var s manifest.Settings

	switch manifest.PinPolicy(strings.ToLower(req.PinPolicy)) {
	case "", manifest.PinWeighted:
		s.PinPolicy = manifest.PinWeighted
	case manifest.PinPreserve:
		s.PinPolicy = manifest.PinPreserve
	case manifest.PinDrop:
		s.PinPolicy = manifest.PinDrop
	default:
		return s, "", invalidSettings("unknown pin policy %q", req.PinPolicy)
	}
	if req.SkipMessages < 0 {
		return s, "", invalidSettings("skipMessages must be >= 0, got %d", req.SkipMessages)
	}
	s.SkipMessages = req.SkipMessages
	s.Model = strings.TrimSpace(req.Model)

	level := manifest.Level(strings.ToLower(strings.TrimSpace(req.Level)))
	mode := manifest.Mode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if mode == "" {
		if req.Preset != "" || len(req.Tiers) > 0 {
			mode = manifest.ModeTiered
		} else {
			mode = manifest.ModeUniform
		}
	}
	if level == "" && req.Ratio == 0 && req.Preset == "" && len(req.Tiers) == 0 {
		level = manifest.Level(defaultLevel)
	}

	switch mode {
	case manifest.ModeUniform:
		s.Mode = manifest.ModeUniform
		if len(req.Tiers) > 0 || req.Preset != "" {
			return s, "", invalidSettings("uniform mode takes a ratio, not tiers")
		}
		return resolveUniform(s, level, req.Ratio)
	case manifest.ModeTiered:
		s.Mode = manifest.ModeTiered
		if req.Ratio != 0 {
			return s, "", invalidSettings("tiered mode takes tiers, not a ratio")
		}
		return resolveTiered(s, level, req.Preset, req.Tiers)
	}
	return s, "", invalidSettings("unknown mode %q", req.Mode)
}

func resolveUniform(s manifest.Settings, level manifest.Level, ratio float64) (manifest.Settings, manifest.Level, error) {
	if ratio == 0 {
		preset, ok := uniformPresets[level]
		if !ok {
			return s, "", invalidSettings("level %q needs an explicit ratio", level)
		}
		s.Ratio = preset
		return s, level, nil
	}
	if err := checkRatio(ratio); err != nil {
		return s, "", err
	}
	s.Ratio = ratio
	return s, levelForRatio(ratio), nil
}

func resolveTiered(s manifest.Settings, level manifest.Level, preset string, tiers []manifest.Tier) (manifest.Settings, manifest.Level, error) {
	if preset != "" && len(tiers) > 0 {
		return s, "", invalidSettings("give a tier preset or a tier table, not both")
	}
	if preset == "" && len(tiers) == 0 {
		preset = string(level)
	}
	if preset != "" {
		p := manifest.Level(strings.ToLower(preset))
		table, ok := tierPresets[p]
		if !ok {
			return s, "", invalidSettings("unknown tier preset %q", preset)
		}
		s.Preset = string(p)
		s.Tiers = append([]manifest.Tier(nil), table...)
		return s, p, nil
	}

	if len(tiers) > maxTiers {
		return s, "", invalidSettings("at most %d tiers, got %d", maxTiers, len(tiers))
	}
	prev := 0
	for i, t := range tiers {
		if t.UpToPercent <= prev || t.UpToPercent > 100 {
			return s, "", invalidSettings("tier %d: upToPercent %d must be in (%d, 100]", i, t.UpToPercent, prev)
		}
		if err := checkRatio(t.Ratio); err != nil {
			return s, "", invalidSettings("tier %d: ratio %v outside [%v, %v]", i, t.Ratio, minRatio, float64(maxRatio))
		}
		prev = t.UpToPercent
	}
	if prev != 100 {
		return s, "", invalidSettings("last tier must reach 100%%, got %d%%", prev)
	}
	s.Tiers = append([]manifest.Tier(nil), tiers...)
	return s, manifest.LevelCustom, nil
}

func checkRatio(r float64) error {
	if math.IsNaN(r) || math.IsInf(r, 0) || r < minRatio || r > maxRatio {
		return invalidSettings("ratio %v outside [%v, %v]", r, minRatio, float64(maxRatio))
	}
	return nil
}

func levelForRatio(r float64) manifest.Level {
	for level, preset := range uniformPresets {
		if preset == r {
			return level
		}
	}
	return manifest.LevelCustom
}

func invalidSettings(format string, args ...any) error {
	return apperr.New(apperr.ErrInvalidSettings, format, args...)
}

// newVersionID returns v<part>-<level>-<8 hex>.
func newVersionID(part int, level manifest.Level) string {
	return fmt.Sprintf("v%d-%s-%s", part, level, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
