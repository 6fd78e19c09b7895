package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lazypower/strata/internal/engine"
	"github.com/lazypower/strata/internal/manifest"
)

var registerCmd = &cobra.Command{
	Use:   "register <log.jsonl>...",
	Short: "Register conversation logs in a collection",
	Long:  "Register one or more append-only conversation logs. The conversation id is the file name without its extension.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRegister,
}

func runRegister(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		conv, err := c.Register(ctx, flagCollection, args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, conv)
		}
		fmt.Fprintf(out, "registered %s: %d messages, %s tokens, %d pinned\n",
			conv.ID, conv.OriginalMessageCount, formatTokens(conv.OriginalTokenCount), conv.PinnedCount)
		return nil
	}

	rep, err := c.RegisterBatch(ctx, flagCollection, args)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(cmd, rep)
	}
	for _, id := range rep.Succeeded {
		fmt.Fprintf(out, "registered %s\n", id)
	}
	for _, f := range rep.Failed {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", warnStyle.Render(fmt.Sprintf("failed %s: %s", f.Path, f.Error)))
	}
	if len(rep.Failed) > 0 {
		return fmt.Errorf("%d of %d logs not registered", len(rep.Failed), len(args))
	}
	return nil
}

var (
	unregisterDeleteFiles bool
	unregisterForce       bool
)

var unregisterCmd = &cobra.Command{
	Use:   "unregister <conversation>",
	Short: "Remove a conversation from a collection",
	Long:  "Remove a conversation's records. The original log is never touched.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		opts := engine.UnregisterOptions{DeleteFiles: unregisterDeleteFiles, Force: unregisterForce}
		if err := c.Unregister(cmd.Context(), flagCollection, args[0], opts); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "unregistered %s\n", args[0])
		return nil
	},
}

func init() {
	unregisterCmd.Flags().BoolVar(&unregisterDeleteFiles, "delete-files", false, "also delete stored versions and the manifest")
	unregisterCmd.Flags().BoolVar(&unregisterForce, "force", false, "unregister even if compositions cite its versions")
}

var syncCmd = &cobra.Command{
	Use:   "sync <conversation>",
	Short: "Rescan a conversation's log for new messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rep, err := c.Sync(cmd.Context(), flagCollection, args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, rep)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d new messages, %d total\n",
			args[0], rep.NewMessages, rep.Conversation.OriginalMessageCount)
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations [conversation]",
	Aliases: []string{"ls"},
	Short:   "List conversations, or show one",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runConversations,
}

func runConversations(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if len(args) == 1 {
		conv, err := c.Conversation(ctx, flagCollection, args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, conv)
		}
		showConversation(cmd, conv)
		return nil
	}

	convs, err := c.Conversations(ctx, flagCollection)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(cmd, convs)
	}
	t := Table{
		Title:   "Conversations in " + flagCollection,
		Headers: []string{"ID", "Messages", "Tokens", "Parts", "Versions", "Pinned", "Last message"},
		Numeric: []int{1, 2, 3, 4, 5},
	}
	for _, conv := range convs {
		t.Rows = append(t.Rows, []string{
			conv.ID,
			strconv.Itoa(conv.OriginalMessageCount),
			formatTokens(conv.OriginalTokenCount),
			strconv.Itoa(conv.HighestPart()),
			strconv.Itoa(len(conv.Derivatives)),
			strconv.Itoa(conv.PinnedCount),
			formatTime(conv.LastTimestamp),
		})
	}
	t.Render(cmd.OutOrStdout(), "no conversations registered")
	return nil
}

func showConversation(cmd *cobra.Command, conv *manifest.Conversation) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", titleStyle.Render(conv.ID))
	fmt.Fprintf(out, "  source:      %s\n", conv.SourcePath)
	fmt.Fprintf(out, "  messages:    %d (%s tokens)\n", conv.OriginalMessageCount, formatTokens(conv.OriginalTokenCount))
	fmt.Fprintf(out, "  span:        %s .. %s\n", formatTime(conv.FirstTimestamp), formatTime(conv.LastTimestamp))
	fmt.Fprintf(out, "  synced:      %s (last message %s)\n", formatTime(conv.LastSyncedTimestamp), conv.LastSyncedMessageID)
	fmt.Fprintf(out, "  pinned:      %d\n", conv.PinnedCount)
	fmt.Fprintln(out)
	derivativeTable(conv.Candidates()).Render(out, "no versions")
}
