package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidschrooten/compsync/internal/api"
	"github.com/davidschrooten/compsync/internal/federation"
	"github.com/davidschrooten/compsync/internal/indexer"
	"github.com/davidschrooten/compsync/internal/metrics"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the compsync server",
	Long: `Start the HTTP server that answers federated compensation queries.
On startup the search index is ensured, a bulk sync runs when enabled and
change capture keeps the index current until shutdown.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().String("host", "", "Host to bind the server to (overrides config)")
	serverCmd.Flags().Int("port", 0, "Port to bind the server to (overrides config)")
	serverCmd.Flags().Bool("skip-sync", false, "Skip the startup bulk sync")
}

func runServer(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		a.cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		a.cfg.Server.Port = port
	}
	if skip, _ := cmd.Flags().GetBool("skip-sync"); skip {
		a.cfg.Sync.OnStartup = false
	}

	metrics.Register()

	// Cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.source.Setup(ctx); err != nil {
		return fmt.Errorf("failed to install change capture: %w", err)
	}

	indexerService, err := indexer.NewService(ctx, a.db, a.search, a.source, a.state, a.cfg.Sync, a.logger.Named("indexer"))
	if err != nil {
		return fmt.Errorf("failed to initialize indexer: %w", err)
	}
	if err := indexerService.Start(ctx); err != nil {
		indexerService.Stop()
		return fmt.Errorf("failed to start indexer: %w", err)
	}
	defer indexerService.Stop()

	router := federation.NewRouter(a.search, a.db, a.cfg.Federation, a.logger.Named("federation"))
	apiServer := api.NewServer(router, indexerService, a.logger.Named("api"))

	server := &http.Server{
		Addr:         a.cfg.Server.Address(),
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("Starting server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	a.logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	a.logger.Info("Server exited")
	return nil
}
