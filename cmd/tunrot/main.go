package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/systmms/tunrot/cmd/tunrot/commands"
	"github.com/systmms/tunrot/internal/config"
	dserrors "github.com/systmms/tunrot/internal/errors"
	"github.com/systmms/tunrot/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := run()
	// Wipe the sealed rotation key before exiting.
	memguard.Purge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", dserrors.SimplifyError(err))
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "tunrot",
		Short: "Staged token rotation for tunnel servers and clients",
		Long: `tunrot rotates the shared tokens between a tunnel server and its clients.

The server stages a new token set, clients pull it on their next poll and
switch over, and the server finalizes the rotation once the grace period
has passed.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "tunrot.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewServerCommand(cfg),
		commands.NewRotationCommand(cfg),
		commands.NewAgentCommand(cfg),
	)

	return rootCmd.Execute()
}
