package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"climalog/internal/app"
	"climalog/internal/config"
	"climalog/internal/logging"
	"climalog/internal/modules/climate/repository"
	"climalog/internal/modules/climate/service"
	"climalog/internal/modules/climate/types"
	"climalog/internal/utils"
)

const appName = "climalog-admin"

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	readDays      int
	readNotBefore string
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Maintenance commands for the climalog store and devices",
	Long: `climalog-admin shares the service configuration (environment and .env)
and runs one-off operations against the reading store and the loggers.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s (commit: %s, built: %s)\n", appName, version, commit, date)
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create the reading tables and indexes for every configured source",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(cmd.Context(), func(ctx context.Context, cfg config.Config, c *app.Components) error {
			slog.Info("schema ready", "sources", cfg.Sources())
			return nil
		})
	},
}

var truncateCmd = &cobra.Command{
	Use:   "truncate <source>",
	Short: "Delete every reading of a source and reset its id sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(cmd.Context(), func(ctx context.Context, cfg config.Config, c *app.Components) error {
			source := types.Source(args[0])
			if err := c.Repository.Truncate(ctx, source); err != nil {
				return err
			}
			slog.Info("source truncated", "source", source)
			return nil
		})
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll [source...]",
	Short: "Poll devices once and store their readings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(cmd.Context(), func(ctx context.Context, cfg config.Config, c *app.Components) error {
			c.ConnectPublisher(ctx)

			var results []service.Result
			if len(args) == 0 {
				results = c.Poller.PollOnce(ctx)
			} else {
				for _, arg := range args {
					res, err := c.Poller.PollSource(ctx, types.Source(arg))
					if err != nil {
						return err
					}
					results = append(results, res)
				}
			}
			if err := printJSON(results); err != nil {
				return err
			}
			for _, res := range results {
				if !res.OK() {
					return fmt.Errorf("poll %s failed: %w", res.Source, res.Err)
				}
			}
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <source>",
	Short: "Print the readings of a source inside the lookback window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(cmd.Context(), func(ctx context.Context, cfg config.Config, c *app.Components) error {
			opts := repository.ReadOptions{LookbackDays: readDays}
			if readNotBefore != "" {
				t, err := utils.ParseTime(readNotBefore, cfg.Location)
				if err != nil {
					return fmt.Errorf("--not-before: %w", err)
				}
				opts.NotBefore = t
			}
			rows, err := c.Repository.Read(ctx, types.Source(args[0]), opts)
			if err != nil {
				return err
			}
			return printJSON(rows)
		})
	},
}

func init() {
	readCmd.Flags().IntVar(&readDays, "days", 0, "lookback window in days (default LOOKBACK_DAYS)")
	readCmd.Flags().StringVar(&readNotBefore, "not-before", "", "only rows after this date or RFC3339 time")

	rootCmd.AddCommand(versionCmd, schemaCmd, truncateCmd, pollCmd, readCmd)
}

// withComponents loads the configuration, builds the application graph and
// hands it to fn. Build already ensures the schema.
func withComponents(ctx context.Context, fn func(context.Context, config.Config, *app.Components) error) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.NewWithWriter(os.Stderr, cfg, version, appName)
	slog.SetDefault(logger)

	c, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, cfg, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
