package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/strata/internal/client"
	"github.com/lazypower/strata/internal/engine"
	"github.com/lazypower/strata/internal/manifest"
)

// settingsFlags are shared by compress and recompress.
type settingsFlags struct {
	level     string
	mode      string
	ratio     float64
	preset    string
	tiers     []string
	model     string
	skip      int
	pinPolicy string
	wait      time.Duration
	holder    string
}

func (f *settingsFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.level, "level", "", "light, moderate, aggressive or custom (default from config)")
	fs.StringVar(&f.mode, "mode", "", "uniform or tiered")
	fs.Float64Var(&f.ratio, "ratio", 0, "target compression ratio for uniform mode")
	fs.StringVar(&f.preset, "preset", "", "tier preset (light, moderate, aggressive)")
	fs.StringArrayVar(&f.tiers, "tier", nil, "custom tier as UPTO%:RATIO, oldest first (repeatable)")
	fs.StringVar(&f.model, "model", "", "compressor model override")
	fs.IntVar(&f.skip, "skip", 0, "leave the first N messages of the range out of the compressor input")
	fs.StringVar(&f.pinPolicy, "pin-policy", "", "preserve, weighted or drop")
	fs.DurationVar(&f.wait, "wait", 0, "retry while another job holds the conversation, up to this long")
	fs.StringVar(&f.holder, "holder", "", "lock holder name (default host:pid of the server)")
}

func (f *settingsFlags) request() (engine.SettingsRequest, error) {
	tiers, err := parseTiers(f.tiers)
	if err != nil {
		return engine.SettingsRequest{}, err
	}
	return engine.SettingsRequest{
		Level:        f.level,
		Mode:         f.mode,
		Ratio:        f.ratio,
		Preset:       f.preset,
		Tiers:        tiers,
		Model:        f.model,
		SkipMessages: f.skip,
		PinPolicy:    f.pinPolicy,
	}, nil
}

func (f *settingsFlags) client() (*client.Client, error) {
	c, err := newClient()
	if err != nil {
		return nil, err
	}
	if f.wait > 0 {
		c = c.WithWait(f.wait)
	}
	return c, nil
}

// parseTiers reads "30:12" as the oldest 30% compressed at 12x.
func parseTiers(specs []string) ([]manifest.Tier, error) {
	var tiers []manifest.Tier
	for _, s := range specs {
		pct, ratio, ok := strings.Cut(s, ":")
		if !ok {
			return nil, fmt.Errorf("tier %q: want UPTO%%:RATIO", s)
		}
		p, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(pct), "%"))
		if err != nil {
			return nil, fmt.Errorf("tier %q: bad percentage: %w", s, err)
		}
		r, err := strconv.ParseFloat(strings.TrimSpace(ratio), 64)
		if err != nil {
			return nil, fmt.Errorf("tier %q: bad ratio: %w", s, err)
		}
		tiers = append(tiers, manifest.Tier{UpToPercent: p, Ratio: r})
	}
	return tiers, nil
}

var compressFlags settingsFlags

var compressCmd = &cobra.Command{
	Use:   "compress <conversation>",
	Short: "Compress the messages added since the last part",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := compressFlags.request()
		if err != nil {
			return err
		}
		c, err := compressFlags.client()
		if err != nil {
			return err
		}
		d, err := c.Compress(cmd.Context(), flagCollection, args[0], s, compressFlags.holder)
		if err != nil {
			return err
		}
		return printDerivative(cmd, d)
	},
}

var recompressFlags settingsFlags

var recompressCmd = &cobra.Command{
	Use:   "recompress <conversation> <part>",
	Short: "Compress an existing part again with different settings",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		part, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("part %q is not a number", args[1])
		}
		s, err := recompressFlags.request()
		if err != nil {
			return err
		}
		c, err := recompressFlags.client()
		if err != nil {
			return err
		}
		d, err := c.Recompress(cmd.Context(), flagCollection, args[0], part, s, recompressFlags.holder)
		if err != nil {
			return err
		}
		return printDerivative(cmd, d)
	},
}

func init() {
	compressFlags.register(compressCmd)
	recompressFlags.register(recompressCmd)
}

func printDerivative(cmd *cobra.Command, d *manifest.Derivative) error {
	if flagJSON {
		return printJSON(cmd, d)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: part %d, messages %d-%d, %s tokens in %d messages (%s)\n",
		okStyle.Render(d.VersionID), d.PartNumber, d.Range.StartIndex, d.Range.EndIndex,
		formatTokens(d.OutputTokenCount), d.OutputMessageCount, formatRatio(d.CompressionRatio))
	return nil
}
