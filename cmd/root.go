// Package cmd defines the blogcrawler CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
	"github.com/JakeFAU/blogroll-crawler/internal/audit"
	"github.com/JakeFAU/blogroll-crawler/internal/config"
	"github.com/JakeFAU/blogroll-crawler/internal/ingest"
	"github.com/JakeFAU/blogroll-crawler/internal/registry"
	"github.com/JakeFAU/blogroll-crawler/internal/server"
)

type appKeyType string

const appKey appKeyType = "app"

// App is what the commands drive. Tests inject a fake through newApp.
type App interface {
	Logger() *zap.Logger
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	IngestURL(ctx context.Context, rawURL string) (ingest.SourceReport, error)
	IngestAll(ctx context.Context) (ingest.CycleReport, error)
	Audit(ctx context.Context) (audit.Report, error)
	Snapshot(ctx context.Context) (aggregator.StatisticSnapshot, error)
	ImportSources(ctx context.Context, path string) (registry.ImportReport, error)
	AddSource(ctx context.Context, seed registry.Seed) (aggregator.Source, bool, error)
	RefreshSource(ctx context.Context, rawURL string) (aggregator.SourceMetadata, error)
	ResetCrawlError(ctx context.Context, rawURL string) (aggregator.Source, error)
}

var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, &cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "blogcrawler",
		Short: "Aggregates articles from a registry of independent blogs.",
		Long: `blogcrawler polls the RSS feeds of registered blogs, extracts and enriches
new articles, stores cover images and keeps the archive healthy with a daily
liveness audit and statistics snapshots.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				return appInstance.Close(context.Background())
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newAuditCmd(),
		newSnapshotCmd(),
		newSourcesCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
