package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FACorreiaa/grocery-tracker/cmd/api"
	"github.com/FACorreiaa/grocery-tracker/pkg/config"
	"github.com/FACorreiaa/grocery-tracker/pkg/interceptors"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "grocery-tracker",
		Short:        "Product grouping API for receipt line items",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newSeedCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer deps.Cleanup()

			if err := api.Serve(ctx, deps); err != nil {
				logger.Error("server exited with error", slog.Any("error", err))
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-global <file.csv>",
		Short: "Import shared mapping rules from a CSV file",
		Long: `Import shared mapping rules from a CSV file with the header
original_name,mapped_name,category. Names already present in the shared
table are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, _, err := bootstrap()
			if err != nil {
				return err
			}
			defer deps.Cleanup()

			result, err := api.SeedGlobalRules(cmd.Context(), deps, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inserted=%d skipped=%d failed=%d\n",
				result.Succeeded, result.Skipped, len(result.Failed))
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var admin bool

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for local development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tokens := interceptors.NewTokenManager([]byte(cfg.Auth.JWTSecret), api.AccessTokenTTL)
			token, err := api.IssueToken(tokens, args[0], admin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant permission to edit shared rules")
	return cmd
}

func bootstrap() (*api.Dependencies, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Observability.LogLevel)
	slog.SetDefault(logger)

	deps, err := api.InitDependencies(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return deps, logger, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
