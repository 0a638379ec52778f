package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"renung/internal/app"
	"renung/internal/config"
)

var (
	configFile string
	envFiles   []string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "renung",
		Short:         "Renung card room server",
		Long:          "Renung serves two-player reflection card rooms over HTTP and WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFiles...); err != nil {
				return err
			}
			path := configFile
			if path == "" {
				path = os.Getenv("RENUNG_CONFIG_FILE")
			}
			cfg, err := config.LoadConfigWithPrecedence(path)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "JSON config file (default $RENUNG_CONFIG_FILE)")
	cmd.Flags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")
	return cmd
}

// run serves until ctx is cancelled, then shuts down within the configured
// timeout.
func run(ctx context.Context, cfg *config.Config) error {
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error("renung exited", "err", err)
		os.Exit(1)
	}
}
