package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/stepflow/graph/schedule"
)

func newCleanupCmd(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished executions older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("days") {
				days = a.cfg.Cleanup.RetentionDays
			}
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := schedule.CleanupOldExecutions(ctx, st, days, time.Now())
			if err != nil {
				return err
			}
			a.logger.Info("cleanup finished", slog.Int64("deleted", n), slog.Int("days_kept", days))
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d executions older than %d days\n", n, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", schedule.DefaultRetentionDays, "days of executions to keep (default: cleanup.retention_days)")
	return cmd
}
