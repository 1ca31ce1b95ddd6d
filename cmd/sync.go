package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/davidschrooten/compsync/internal/indexer"
)

// syncCmd runs one bulk sync and prints its report
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy every relational row into the search index",
	Long: `Run a single windowed bulk sync from the compensation_records table into the
search index and print the run report as JSON. Use it to rebuild the index or
to recover from change events lost while the listener was down.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Int("window-size", 0, "Rows per bulk window (overrides config)")
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if size, _ := cmd.Flags().GetInt("window-size"); size > 0 {
		a.cfg.Sync.WindowSize = size
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One-shot runs have no change capture
	svc, err := indexer.NewService(ctx, a.db, a.search, nil, a.state, a.cfg.Sync, a.logger.Named("indexer"))
	if err != nil {
		return fmt.Errorf("failed to initialize indexer: %w", err)
	}

	report, err := svc.SyncAll(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to print report: %w", err)
	}

	if report.Failed > 0 {
		return fmt.Errorf("%d of %d records failed to sync", report.Failed, report.Total)
	}
	return nil
}
