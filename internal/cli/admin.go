package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/strata/internal/store"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and clean up job locks",
}

var locksStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List held locks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		locks, err := c.Locks(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd, locks)
		}
		t := Table{Headers: []string{"Collection", "Conversation", "Op", "Holder", "Acquired", "Expires in"}}
		for _, lk := range locks {
			t.Rows = append(t.Rows, []string{
				lk.Key.Collection, lk.Key.Conversation, string(lk.Key.Op), lk.Holder,
				formatTime(lk.AcquiredAt), time.Until(lk.ExpiresAt).Round(time.Second).String(),
			})
		}
		t.Render(cmd.OutOrStdout(), "no locks held")
		return nil
	},
}

var locksCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reclaim expired locks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		n, err := c.CleanupLocks(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d stale locks\n", n)
		return nil
	},
}

var (
	jobsConversation string
	jobsStatus       string
	jobsLimit        int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "Show the compression job history, or one job",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var jobs []store.Job
		if len(args) == 1 {
			j, err := c.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			jobs = []store.Job{*j}
		} else {
			jobs, err = c.Jobs(cmd.Context(), store.JobFilter{
				Collection:     flagCollection,
				ConversationID: jobsConversation,
				Status:         jobsStatus,
				Limit:          jobsLimit,
			})
			if err != nil {
				return err
			}
		}
		if flagJSON {
			return printJSON(cmd, jobs)
		}
		t := Table{Headers: []string{"Job", "Op", "Conversation", "Part", "Status", "Version / error", "Started", "Took"}}
		for _, j := range jobs {
			detail := j.VersionID
			if j.ErrorCode != "" {
				detail = j.ErrorCode
			}
			part := "-"
			if j.PartNumber > 0 {
				part = strconv.Itoa(j.PartNumber)
			}
			t.Rows = append(t.Rows, []string{
				j.ID, j.Op, j.ConversationID, part, j.Status, detail,
				formatMillis(j.StartedAt), j.Duration().Round(time.Millisecond).String(),
			})
		}
		t.Render(cmd.OutOrStdout(), "no jobs recorded")
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [conversation]",
	Short: "Check that recorded parts still partition each log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		ok, reports, err := c.Verify(cmd.Context(), flagCollection, id)
		if err != nil {
			return err
		}
		if flagJSON {
			if err := printJSON(cmd, reports); err != nil {
				return err
			}
		} else {
			out := cmd.OutOrStdout()
			for _, r := range reports {
				if r.OK {
					fmt.Fprintf(out, "%s %s: %d parts, %d versions\n", okStyle.Render("ok"), r.ConversationID, r.Parts, r.Versions)
					continue
				}
				fmt.Fprintf(out, "%s %s: %s\n", warnStyle.Render("FAIL"), r.ConversationID, strings.Join(r.Problems, "; "))
			}
		}
		if !ok {
			return fmt.Errorf("verification failed")
		}
		return nil
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsConversation, "conversation", "", "only jobs of this conversation")
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "running, succeeded, failed or rejected")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "maximum number of jobs")

	locksCmd.AddCommand(locksStatusCmd)
	locksCmd.AddCommand(locksCleanupCmd)
}
