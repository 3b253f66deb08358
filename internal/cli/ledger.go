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

var (
	ledgerPipeline string
	ledgerSince    time.Duration
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show recent triage decisions",
	Run:   runLedger,
}

func init() {
	ledgerCmd.Flags().StringVar(&ledgerPipeline, "pipeline", "", "only show this pipeline")
	ledgerCmd.Flags().DurationVar(&ledgerSince, "since", 24*time.Hour, "how far back to look")
	rootCmd.AddCommand(ledgerCmd)
}

func runLedger(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Warn("No database configured, the in-memory ledger is always empty")
	}

	ctx := context.Background()
	app := newEngine(ctx, cfg, control.Options{})
	defer app.Close()

	since := time.Now().Add(-ledgerSince)
	entries, err := app.Ledger().RecentEntries(ctx, ledgerPipeline, since)
	if err != nil {
		slog.Error("Failed to query ledger", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "RECORDED\tPIPELINE\tRUN\tTYPE\tCONF\tDECISION\tOUTCOME\tREASON")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.RecordedAt.Local().Format(time.DateTime),
			e.PipelineName,
			e.RunID,
			e.Classification.ErrorType,
			e.Classification.ConfidenceScore,
			e.Verdict.Decision,
			e.ActionOutcome,
			e.Verdict.Reason,
		)
	}
	_ = w.Flush()

	stats, err := app.Ledger().Stats(ctx, since)
	if err != nil {
		slog.Error("Failed to load ledger stats", "error", err)
		os.Exit(1)
	}
	fmt.Printf("\ntotal=%d retries=%d escalations=%d succeeded=%d failed=%d pending=%d degraded=%d\n",
		stats.Total, stats.Retries, stats.Escalations, stats.Succeeded, stats.Failed, stats.Pending, stats.Degraded)
}
