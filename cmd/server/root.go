package main

import (
	"fmt"

	"github.com/phrazzld/genpipe/internal/config"
	"github.com/phrazzld/genpipe/internal/platform/logger"
	"github.com/spf13/cobra"
)

// newRootCommand wires the subcommands. Configuration is loaded once in
// PersistentPreRunE and shared through the command's state.
func newRootCommand() *cobra.Command {
	st := &state{}

	root := &cobra.Command{
		Use:           "genpipe",
		Short:         "Asynchronous image generation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			l, err := logger.Setup(cfg.Server)
			if err != nil {
				return fmt.Errorf("failed to set up logger: %w", err)
			}
			st.cfg = cfg
			st.logger = l
			return nil
		},
	}

	root.AddCommand(
		newServeCommand(st),
		newWorkerCommand(st),
		newMigrateCommand(st),
		newCreditsCommand(st),
		newTokenCommand(st),
	)
	return root
}
