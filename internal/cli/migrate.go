package cli

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	alarmrepo "iiot-gateway/internal/alarms/infrastructure/postgres"
	bufferrepo "iiot-gateway/internal/buffering/infrastructure/postgres"
	"iiot-gateway/internal/config"
	"iiot-gateway/internal/faults"
	"iiot-gateway/internal/observability/logging"
)

// schemaMigrator is implemented by every Postgres-backed store.
type schemaMigrator interface {
	EnsureSchema(ctx context.Context) error
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the alarm and dead-letter tables if they are missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			if cfg.Postgres.DSN == "" {
				return faults.NotConfigured("migrate", "postgres.dsn")
			}
			db, err := openDB(cmd.Context(), cfg.Postgres)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := migrate(cmd.Context(), db); err != nil {
				return err
			}
			logger.Info("schema up to date")
			return nil
		},
	}
}

func migrate(ctx context.Context, db *sql.DB) error {
	stores := map[string]schemaMigrator{
		"alarms":       alarmrepo.NewAlarmRepository(db),
		"dead letters": bufferrepo.NewDeadLetterStore(db),
	}
	for name, store := range stores {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

func openDB(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}
