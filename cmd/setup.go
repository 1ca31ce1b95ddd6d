package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// setupCmd installs schema and change capture triggers
var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the schema, search index and change capture triggers",
	Long: `Migrate the compensation_records table, create the search index and install
the triggers that publish row changes. Every step is idempotent.`,
	RunE: runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
	setupCmd.Flags().Bool("teardown", false, "Remove the change capture triggers instead")
}

func runSetup(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()

	if teardown, _ := cmd.Flags().GetBool("teardown"); teardown {
		if err := a.source.Teardown(ctx); err != nil {
			return err
		}
		a.logger.Info("Removed change capture triggers")
		return nil
	}

	if err := a.db.Migrate(ctx); err != nil {
		return err
	}
	if err := a.search.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("failed to create search index: %w", err)
	}
	if err := a.source.Setup(ctx); err != nil {
		return err
	}

	a.logger.Info("Setup complete",
		zap.String("driver", a.cfg.Database.Driver),
		zap.String("transport", a.cfg.Transport()),
		zap.String("index", a.cfg.Search.IndexName))
	return nil
}
