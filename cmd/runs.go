package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jacklau/reviewbot/internal/dispatch"
	"github.com/jacklau/reviewbot/internal/notify"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent workflow runs from the journal",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to show")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	if ephemeral {
		return fmt.Errorf("--ephemeral keeps no journal to list")
	}
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return printRuns(ctx, cmd.OutOrStdout(), dispatch.NewSQLJournal(db.Conn()), runsLimit)
}

func printRuns(ctx context.Context, out io.Writer, j dispatch.Journal, limit int) error {
	runs, err := j.RecentRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded yet.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tFUNCTION\tSTATUS\tUPDATED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.FunctionID, r.Status,
			notify.TimeAgo(r.UpdatedAt), notify.Excerpt(r.Error, 80))
	}
	return w.Flush()
}
