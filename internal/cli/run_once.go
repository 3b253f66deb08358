package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vietddude/triage/internal/control"
)

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single polling cycle and exit",
	Run:   runOnce,
}

func init() {
	rootCmd.AddCommand(runOnceCmd)
}

func runOnce(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	// An interrupt during a retry delay records the run as pending.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := newEngine(ctx, cfg, control.Options{})
	defer app.Close()

	sum, err := app.RunOnce(ctx)
	if err != nil {
		slog.Error("Polling cycle failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("seen=%d triaged=%d duplicates=%d failed=%d\n", sum.Seen, sum.Triaged, sum.Duplicates, sum.Failed)
	if sum.Failed > 0 {
		os.Exit(1)
	}
}
