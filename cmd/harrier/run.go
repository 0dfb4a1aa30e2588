package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var req domain.RunRequest

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run detection once for a tenant and print the summary as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfgFile)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if req.LookbackHours == 0 {
				req.LookbackHours = a.cfg.Worker.LookbackHours
			}
			req.TraceID = uuid.New().String()

			summary, err := a.worker.Run(ctx, req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}

	cmd.Flags().StringVarP(&req.TenantID, "tenant", "t", "", "tenant to analyse")
	cmd.Flags().IntVar(&req.LookbackHours, "lookback-hours", 0, "only load transactions from the last N hours (0 uses the config value)")
	cmd.MarkFlagRequired("tenant")
	return cmd
}
