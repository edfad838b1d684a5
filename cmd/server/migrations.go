package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/genflow/internal/config"
	"github.com/phrazzld/genflow/internal/platform/postgres"
)

// runMigrations executes one goose command against the configured database.
func runMigrations(ctx context.Context, cfg *config.Config, command string, l *slog.Logger) error {
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrations require the postgres driver, configured driver is %q", cfg.Database.Driver)
	}

	l.Info("running migrations",
		"command", command,
		"database_url", postgres.MaskDatabaseURL(cfg.Database.URL))

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			l.Error("failed to close database connection", "error", err)
		}
	}()

	return postgres.Migrate(ctx, db, command, l)
}
