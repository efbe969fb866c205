package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the ops HTTP server",
		Long: `Starts the cron scheduler (ingest, audit and statistics jobs) together with
the ops API. Blocks until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [source-url]",
		Short: "Ingest one source, or every source when no URL is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				report, err := appInstance.IngestURL(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("ingest %s: %w", args[0], err)
				}
				return printJSON(cmd, report)
			}
			report, err := appInstance.IngestAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("ingest cycle: %w", err)
			}
			appInstance.Logger().Info("ingest cycle finished",
				zap.Int("sources", report.Sources),
				zap.Int("added", report.Added),
			)
			return printJSON(cmd, report)
		},
	}
}

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Probe today's window of articles and prune dead links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Audit(cmd.Context())
			if err != nil {
				return fmt.Errorf("audit: %w", err)
			}
			return printJSON(cmd, report)
		},
	}
}

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Append a statistics snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snapshot, err := appInstance.Snapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			return printJSON(cmd, snapshot)
		},
	}
}
