package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/plexrelay/internal/app"
	"github.com/JakeFAU/plexrelay/internal/config"
)

// newServeCmd creates the 'serve' subcommand, which runs the relay until
// SIGINT/SIGTERM.
func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			relayApp, err := app.Build(cmd.Context(), &cfg, app.WithVersion(Version))
			if err != nil {
				return fmt.Errorf("build relay: %w", err)
			}
			return runRelay(cmd.Context(), relayApp)
		},
	}
}

// relayRunner is the part of *app.App the serve command drives, so tests can
// substitute a fake.
type relayRunner interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// runRelay runs r and always releases its resources, including when Run
// fails before serving (e.g. the port is taken).
func runRelay(ctx context.Context, r relayRunner) error {
	defer func() {
		// Close is idempotent; a clean Run has already called it.
		_ = r.Close(context.WithoutCancel(ctx)) //nolint:errcheck
	}()
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run relay: %w", err)
	}
	return nil
}

// loadConfig reads configuration and applies the PORT convention used by
// Cloud Run and similar platforms.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 {
			return config.Config{}, fmt.Errorf("invalid PORT %q", raw)
		}
		cfg.Server.Port = port
	}
	return cfg, nil
}
