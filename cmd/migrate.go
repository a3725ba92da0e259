package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"recurix/pkg/config"
	"recurix/pkg/logger"
	"recurix/pkg/session"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply session store migrations",
	Long:  "Applies pending schema migrations to the configured session store and prints the schema version.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadOrDefault()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}

		return runMigrate(cmd.Context(), cfg.Store.DSN, cmd.OutOrStdout(), appLogger)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(ctx context.Context, dsn string, out io.Writer, log *slog.Logger) error {
	store, err := session.Open(ctx, dsn, log)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s store at schema version %d\n", store.Dialect(), version)
	return nil
}
