package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"freely/api/internal/config"
	"freely/api/internal/logging"
	"freely/api/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:          "freely-api",
		Short:        "Freely risk analysis and proposal API",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.AddCommand(serve, newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogDebug)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Manage the Postgres schema",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.DatabaseURL) == "" {
				return fmt.Errorf("DATABASE_URL is required for migrate")
			}
			logger := logging.Must(cfg.LogDebug)
			defer func() { _ = logger.Sync() }()
			return migrate(cmd.Context(), cfg, direction, logger)
		},
	}
	return cmd
}

func migrate(ctx context.Context, cfg config.Config, direction string, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	switch direction {
	case "up":
		if err := store.ApplyMigrations(ctx, db); err != nil {
			return err
		}
	case "down":
		if err := store.RollbackMigrations(ctx, db); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate direction %q", direction)
	}
	version, err := store.MigrationVersion(ctx, db)
	if err != nil {
		return err
	}
	logger.Info("schema version", zap.String("direction", direction), zap.Int64("version", version))
	return nil
}
