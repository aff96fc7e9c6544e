// Package cmd defines and implements the CLI commands for the plexrelay executable.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags "-X github.com/JakeFAU/plexrelay/cmd.Version=...".
var Version = "dev"

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "plexrelay",
		Short: "Relays Plex webhooks to Discord and other chat endpoints.",
		Long: `plexrelay receives Plex Media Server webhooks, coalesces bursts of related
events (a season of new episodes, an album of tracks) into a single
notification, and fans each notification out to every configured endpoint.`,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			// A missing .env file is the normal case outside local development.
			_ = godotenv.Load() //nolint:errcheck
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON, or TOML); env vars use the PLEXRELAY_ prefix")

	cmd.AddCommand(newServeCmd(&cfgFile))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "plexrelay: %v\n", err)
		return err
	}
	return nil
}
