package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/strata/internal/compose"
	"github.com/lazypower/strata/internal/manifest"
)

var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Build documents from several conversations under a token budget",
}

var (
	composeName     string
	composeBudget   int
	composeStrategy string
	composeFormats  []string
)

func addComposeFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&composeName, "name", "", "composition name")
	fs.IntVar(&composeBudget, "budget", 0, "total token budget")
	fs.StringVar(&composeStrategy, "strategy", "equal", "allocation strategy: equal, proportional, recency or manual")
	fs.StringSliceVar(&composeFormats, "format", nil, "output formats: markdown, jsonl, text (default markdown)")
}

// parseComponents reads CONVERSATION[@VERSION][=TOKENS] arguments.
func parseComponents(args []string) ([]compose.ComponentRequest, error) {
	out := make([]compose.ComponentRequest, 0, len(args))
	for _, a := range args {
		var cr compose.ComponentRequest
		ref, alloc, hasAlloc := strings.Cut(a, "=")
		if hasAlloc {
			n, err := strconv.Atoi(alloc)
			if err != nil {
				return nil, fmt.Errorf("component %q: bad token allocation: %w", a, err)
			}
			cr.Allocation = n
		}
		cr.ConversationID, cr.VersionID, _ = strings.Cut(ref, "@")
		out = append(out, cr)
	}
	return out, nil
}

func composeRequest(args []string) (compose.Request, error) {
	comps, err := parseComponents(args)
	if err != nil {
		return compose.Request{}, err
	}
	return compose.Request{
		Name:       composeName,
		Budget:     composeBudget,
		Strategy:   composeStrategy,
		Components: comps,
		Formats:    composeFormats,
	}, nil
}

var composeCreateCmd = &cobra.Command{
	Use:   "create <conversation[@version][=tokens]>...",
	Short: "Create and record a composition",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := composeRequest(args)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		comp, err := c.CreateComposition(cmd.Context(), flagCollection, req)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, comp)
		}
		showComposition(cmd, comp)
		return nil
	},
}

var composePreviewCmd = &cobra.Command{
	Use:   "preview <conversation[@version][=tokens]>...",
	Short: "Plan a composition without recording it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := composeRequest(args)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.PreviewComposition(cmd.Context(), flagCollection, req)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, p)
		}
		showComposition(cmd, p.Composition)
		t := Table{
			Title:   "Pin survival",
			Headers: []string{"Conversation", "Version", "Pins", "Surviving"},
			Numeric: []int{2, 3},
		}
		for _, d := range p.Decay {
			t.Rows = append(t.Rows, []string{d.ConversationID, d.VersionID,
				strconv.Itoa(d.Preview.Total), strconv.Itoa(d.Preview.Surviving)})
		}
		t.Render(cmd.OutOrStdout(), "no pinned content")
		return nil
	},
}

var composeShowFormat string

var composeShowCmd = &cobra.Command{
	Use:   "show <composition>",
	Short: "Print a composition's rendered content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		data, err := c.CompositionContent(cmd.Context(), flagCollection, args[0], composeShowFormat)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var composeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List compositions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		comps, err := c.Compositions(cmd.Context(), flagCollection)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, comps)
		}
		t := Table{
			Title:   "Compositions in " + flagCollection,
			Headers: []string{"ID", "Name", "Strategy", "Budget", "Tokens", "Parts", "Created"},
			Numeric: []int{3, 4, 5},
		}
		for _, comp := range comps {
			t.Rows = append(t.Rows, []string{
				comp.ID, comp.Name, comp.Strategy,
				formatTokens(comp.Budget), formatTokens(comp.TotalTokens),
				strconv.Itoa(len(comp.Components)), formatTime(comp.CreatedAt),
			})
		}
		t.Render(cmd.OutOrStdout(), "no compositions")
		return nil
	},
}

var composeDeleteCmd = &cobra.Command{
	Use:   "delete <composition>",
	Short: "Delete a composition and release the versions it cites",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DeleteComposition(cmd.Context(), flagCollection, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func init() {
	addComposeFlags(composeCreateCmd)
	addComposeFlags(composePreviewCmd)
	composeShowCmd.Flags().StringVar(&composeShowFormat, "format", compose.FormatMarkdown, "markdown, jsonl or text")

	composeCmd.AddCommand(composeCreateCmd)
	composeCmd.AddCommand(composePreviewCmd)
	composeCmd.AddCommand(composeShowCmd)
	composeCmd.AddCommand(composeListCmd)
	composeCmd.AddCommand(composeDeleteCmd)
}

func showComposition(cmd *cobra.Command, comp *manifest.Composition) {
	out := cmd.OutOrStdout()
	title := comp.Name
	if comp.ID != "" {
		title += " (" + comp.ID + ")"
	}
	fmt.Fprintf(out, "%s\n", titleStyle.Render(strings.TrimSpace(title)))
	fmt.Fprintf(out, "  strategy %s, %s of %s tokens, formats %s\n",
		comp.Strategy, formatTokens(comp.TotalTokens), formatTokens(comp.Budget), strings.Join(comp.Formats, ", "))
	t := Table{
		Headers: []string{"#", "Conversation", "Requested", "Resolved", "Allocation", "Tokens"},
		Numeric: []int{0, 4, 5},
	}
	for _, c := range comp.Components {
		t.Rows = append(t.Rows, []string{
			strconv.Itoa(c.Order), c.ConversationID, c.VersionID, c.ResolvedID,
			formatTokens(c.Allocation), formatTokens(c.OutputTokens),
		})
	}
	t.Render(out, "no components")
	if w := formatWarnings(comp.Warnings); w != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), w)
	}
}
