package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lazypower/strata/internal/decay"
)

var pinsCmd = &cobra.Command{
	Use:   "pins",
	Short: "Inspect pinned content and predict its survival",
}

var pinsListCmd = &cobra.Command{
	Use:   "list <conversation>",
	Short: "List the pins of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		pins, err := c.Pins(cmd.Context(), flagCollection, args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, pins)
		}
		t := Table{
			Headers: []string{"Pin", "Message", "Weight", "Distance", "Content"},
			Numeric: []int{2, 3},
		}
		for _, p := range pins {
			t.Rows = append(t.Rows, []string{
				p.ID, p.MessageID, strconv.FormatFloat(p.Weight, 'f', 2, 64),
				strconv.Itoa(p.Distance), clip(p.Content, 60),
			})
		}
		t.Render(cmd.OutOrStdout(), "no pinned content")
		return nil
	},
}

var pinsSetCmd = &cobra.Command{
	Use:   "set <conversation> <pin> <weight>",
	Short: "Change a pin's weight in the original log",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("weight %q is not a number", args[2])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		pin, err := c.SetPinWeight(cmd.Context(), flagCollection, args[0], args[1], w)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, pin)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s weight %.2f (%d changes)\n", pin.ID, pin.Weight, len(pin.History))
		return nil
	},
}

var (
	pinsPreviewDistance int
	pinsPreviewRatio    float64
	pinsPreviewExplain  bool
)

var pinsPreviewCmd = &cobra.Command{
	Use:   "preview <conversation>",
	Short: "Predict which pins survive a compression scenario",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rep, err := c.PreviewDecay(cmd.Context(), flagCollection, args[0],
			decay.Scenario{Distance: pinsPreviewDistance, Ratio: pinsPreviewRatio})
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, rep)
		}
		out := cmd.OutOrStdout()
		p := rep.Preview
		fmt.Fprintf(out, "distance %d, ratio %s: %d of %d pins survive\n",
			p.Scenario.Distance, formatRatio(p.Scenario.Ratio), p.Surviving, p.Total)
		t := Table{
			Headers: []string{"Pin", "Weight", "Effective", "Survives"},
			Numeric: []int{1, 2},
		}
		for _, v := range p.PerPin {
			verdict := okStyle.Render("yes")
			if !v.Survives {
				verdict = warnStyle.Render("no")
			}
			t.Rows = append(t.Rows, []string{
				v.PinID, strconv.FormatFloat(v.Weight, 'f', 2, 64),
				strconv.FormatFloat(v.EffectiveWeight, 'f', 3, 64), verdict,
			})
		}
		t.Render(out, "no pinned content")
		if pinsPreviewExplain {
			for i, b := range rep.Explanations {
				if i < len(p.PerPin) {
					fmt.Fprintf(out, "%s: ", p.PerPin[i].PinID)
				}
				fmt.Fprintln(out, b.Formula)
			}
		}
		return nil
	},
}

func init() {
	fs := pinsPreviewCmd.Flags()
	fs.IntVar(&pinsPreviewDistance, "distance", 1, "sessions between the pin and the compression")
	fs.Float64Var(&pinsPreviewRatio, "ratio", 0, "compression ratio (default: latest version's ratio)")
	fs.BoolVar(&pinsPreviewExplain, "explain", false, "print the worked formula for each pin")

	pinsCmd.AddCommand(pinsListCmd)
	pinsCmd.AddCommand(pinsSetCmd)
	pinsCmd.AddCommand(pinsPreviewCmd)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
