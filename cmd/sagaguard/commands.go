package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ceyewan/sagaguard/xerrors"
)

// withApp 加载配置并装配组件，fn 返回后逆序关闭
func withApp(ctx context.Context, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, _, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	return xerrors.Join(runErr, a.shutdown(context.WithoutCancel(ctx)))
}

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired idempotency records now, without taking the cleanup lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				deleted, err := a.scheduler.RunNow(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired records\n", deleted)
				return nil
			})
		},
	}
}

func newStuckCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List PROCESSING records older than --timeout as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout <= 0 {
				return xerrors.Wrap(xerrors.ErrInvalidInput, "--timeout must be positive")
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				records, err := a.coord.FindStuck(ctx, timeout, time.Now())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, r := range records {
					if err := enc.Encode(r); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "processing age after which a record counts as stuck")
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the SQL tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				if err := a.migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migration finished")
				return nil
			})
		},
	}
}

func newLedgerCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the compensation ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print compensation statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				stats, err := a.ledger.Statistics(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			})
		},
	})
	return cmd
}
