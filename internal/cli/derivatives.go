package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lazypower/strata/internal/manifest"
)

var derivativesCmd = &cobra.Command{
	Use:     "derivatives",
	Aliases: []string{"versions"},
	Short:   "Inspect and delete compressed versions",
}

var derivativesListCmd = &cobra.Command{
	Use:   "list <conversation>",
	Short: "List the versions of a conversation, original first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ds, err := c.Derivatives(cmd.Context(), flagCollection, args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, ds)
		}
		derivativeTable(ds).Render(cmd.OutOrStdout(), "no versions")
		return nil
	},
}

var derivativesShowContent bool

var derivativesShowCmd = &cobra.Command{
	Use:   "show <conversation> <version>",
	Short: "Show a version's record, or its content with --content",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if derivativesShowContent {
			content, err := c.DerivativeContent(cmd.Context(), flagCollection, args[0], args[1])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd, content)
			}
			for _, m := range content.Messages {
				fmt.Fprintf(out, "[%s] %s\n\n", m.Role, m.Text)
			}
			return nil
		}

		d, err := c.Derivative(cmd.Context(), flagCollection, args[0], args[1])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, d)
		}
		fmt.Fprintf(out, "%s\n", titleStyle.Render(d.VersionID))
		fmt.Fprintf(out, "  part:        %d\n", d.PartNumber)
		fmt.Fprintf(out, "  level:       %s\n", d.Level)
		fmt.Fprintf(out, "  mode:        %s\n", d.Settings.Mode)
		fmt.Fprintf(out, "  range:       %d-%d (%s .. %s)\n", d.Range.StartIndex, d.Range.EndIndex, d.Range.StartMessageID, d.Range.EndMessageID)
		fmt.Fprintf(out, "  output:      %s tokens, %d messages\n", formatTokens(d.OutputTokenCount), d.OutputMessageCount)
		fmt.Fprintf(out, "  ratio:       %s\n", formatRatio(d.CompressionRatio))
		fmt.Fprintf(out, "  created:     %s\n", formatTime(d.CreatedAt))
		fmt.Fprintf(out, "  cited by:    %d compositions\n", d.UsedInCompositions)
		return nil
	},
}

var derivativesDeleteForce bool

var derivativesDeleteCmd = &cobra.Command{
	Use:   "delete <conversation> <version>",
	Short: "Delete a version",
	Long:  "Delete a version. Versions cited by a composition are kept unless --force is given.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.DeleteDerivative(cmd.Context(), flagCollection, args[0], args[1], derivativesDeleteForce)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, d)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (part %d)\n", d.VersionID, d.PartNumber)
		return nil
	},
}

func init() {
	derivativesShowCmd.Flags().BoolVar(&derivativesShowContent, "content", false, "print the version's messages")
	derivativesDeleteCmd.Flags().BoolVar(&derivativesDeleteForce, "force", false, "delete even if compositions cite it")

	derivativesCmd.AddCommand(derivativesListCmd)
	derivativesCmd.AddCommand(derivativesShowCmd)
	derivativesCmd.AddCommand(derivativesDeleteCmd)
}

func derivativeTable(ds []manifest.Derivative) Table {
	t := Table{
		Headers: []string{"Version", "Part", "Level", "Messages", "Tokens", "Ratio", "Cited", "Created"},
		Numeric: []int{1, 3, 4, 5, 6},
	}
	for _, d := range ds {
		part := strconv.Itoa(d.PartNumber)
		if d.IsOriginal() {
			part = "-"
		}
		t.Rows = append(t.Rows, []string{
			d.VersionID,
			part,
			string(d.Level),
			fmt.Sprintf("%d-%d", d.Range.StartIndex, d.Range.EndIndex),
			formatTokens(d.OutputTokenCount),
			formatRatio(d.CompressionRatio),
			strconv.Itoa(d.UsedInCompositions),
			formatTime(d.CreatedAt),
		})
	}
	return t
}
