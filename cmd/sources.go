package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/blogroll-crawler/internal/registry"
)

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage the source registry",
	}
	cmd.AddCommand(
		newSourcesImportCmd(),
		newSourcesAddCmd(),
		newSourcesRefreshCmd(),
		newSourcesResetCmd(),
	)
	return cmd
}

func newSourcesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Register the blogs listed in a YAML seed file",
		Example: `  # seeds.yaml
  sources:
    - url: https://blog.example.com
      rss: https://blog.example.com/feed.xml
    - url: https://notes.example.org`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.ImportSources(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("import sources: %w", err)
			}
			return printJSON(cmd, report)
		},
	}
}

func newSourcesAddCmd() *cobra.Command {
	var seed registry.Seed
	cmd := &cobra.Command{
		Use:   "add <homepage-url>",
		Short: "Register one blog; missing fields are read from its homepage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			seed.URL = args[0]
			source, created, err := appInstance.AddSource(cmd.Context(), seed)
			if err != nil {
				return fmt.Errorf("add source: %w", err)
			}
			return printJSON(cmd, map[string]any{"created": created, "source": source})
		},
	}
	cmd.Flags().StringVar(&seed.Name, "name", "", "display name")
	cmd.Flags().StringVar(&seed.RSS, "rss", "", "feed URL")
	cmd.Flags().StringVar(&seed.Description, "description", "", "short description")
	return cmd
}

func newSourcesRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <homepage-url>",
		Short: "Re-read a source's name, feed and icon from its homepage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			meta, err := appInstance.RefreshSource(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("refresh source: %w", err)
			}
			return printJSON(cmd, meta)
		},
	}
}

func newSourcesResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-errors <homepage-url>",
		Short: "Zero a source's crawl error counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			source, err := appInstance.ResetCrawlError(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("reset crawl error: %w", err)
			}
			return printJSON(cmd, source)
		},
	}
}
