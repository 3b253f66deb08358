package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/triage/internal/control"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect or abandon delayed retries interrupted by a shutdown",
}

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending retries",
	Args:  cobra.NoArgs,
	Run:   runPendingList,
}

var pendingAbandonCmd = &cobra.Command{
	Use:   "abandon [run-id...]",
	Short: "Remove pending retries, all of them when no run id is given",
	Run:   runPendingAbandon,
}

func init() {
	pendingCmd.AddCommand(pendingListCmd, pendingAbandonCmd)
	rootCmd.AddCommand(pendingCmd)
}

func runPendingList(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	app := newEngine(ctx, cfg, control.Options{})
	defer app.Close()

	items, err := app.Coordinator().ListPending(ctx)
	if err != nil {
		slog.Error("Failed to list pending retries", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "DUE\tPIPELINE\tRUN\tENTRY\tREASON")
	for _, p := range items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.DueAt.Local().Format(time.DateTime), p.PipelineName, p.RunID, p.EntryID, p.Reason)
	}
	_ = w.Flush()
}

func runPendingAbandon(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	app := newEngine(ctx, cfg, control.Options{})
	defer app.Close()

	n, err := app.Coordinator().AbandonPending(ctx, args...)
	if err != nil {
		slog.Error("Failed to abandon pending retries", "error", err)
		os.Exit(1)
	}
	fmt.Printf("abandoned %d pending retries\n", n)
}
