package main

import (
	"github.com/spf13/cobra"
)

// rootOptions 全局参数
type rootOptions struct {
	ConfigDir string
	EnvPrefix string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "sagaguard",
		Short:         "Idempotency and compensation coordination for distributed workflows",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config", ".", "directory containing config.yaml")
	cmd.PersistentFlags().StringVar(&opts.EnvPrefix, "env-prefix", "SAGAGUARD", "environment variable prefix")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))
	cmd.AddCommand(newStuckCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newLedgerCommand(opts))
	return cmd
}
