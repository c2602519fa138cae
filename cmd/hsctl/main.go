package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hs-classifier/backend/internal/app"
	"github.com/hs-classifier/backend/pkg/config"
	"github.com/hs-classifier/backend/pkg/logger"
)

var (
	logLevel string
	cfg      *config.Config
	rootCmd  = &cobra.Command{
		Use:   "hsctl",
		Short: "Operate the HS code catalog and classifier",
		Long: `hsctl loads the customs tariff catalog, builds its embeddings and runs
classifications from the command line.

Configuration is read the same way as the API server: config.yaml, .env and
HSC_* environment variables.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	cancel()
	logger.Sync()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load()
	if err != nil {
		return err
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	if err := logger.Init(logLevel, "console", "stderr"); err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// openServices connects the configured catalog; callers must Close it.
func openServices(ctx context.Context) (*app.App, error) {
	services, err := app.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	return services, nil
}
