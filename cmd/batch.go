package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-cli/internal/model"
)

var batchCmd = &cobra.Command{
	Use:   "batch [id]",
	Short: "Show progress of a demo run or cluster scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		b, err := st.GetBatch(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get batch")
		}
		runs, err := st.ListPromptRunsByBatch(ctx, b.ID)
		if err != nil {
			return eris.Wrap(err, "list batch runs")
		}
		return printBatch(os.Stdout, b, runs)
	},
}

func printBatch(w io.Writer, b *model.Batch, runs []model.PromptRun) error {
	fmt.Fprintf(w, "Batch:     %s (%s)\n", b.ID, b.Kind)
	fmt.Fprintf(w, "Workspace: %s\n", b.WorkspaceID)
	fmt.Fprintf(w, "Status:    %s\n", b.Status)
	fmt.Fprintf(w, "Progress:  %d%% (%d completed, %d failed, %d total)\n",
		b.Progress, b.CompletedJobs, b.FailedJobs, b.TotalJobs)
	if len(runs) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPROMPT\tENGINE\tSTATUS\tCOST\tSTARTED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(r.ID), shortID(r.PromptID), r.EngineKey, r.Status, r.CostCents,
			r.StartedAt.Format(time.DateTime), truncate(r.Error, 60))
	}
	return eris.Wrap(tw.Flush(), "flush table")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(batchCmd)
}
