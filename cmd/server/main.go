// Package main implements the genflow server. One binary runs any mix of
// the api, worker and scheduler roles against a shared task record store.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/phrazzld/genflow/internal/config"
	"github.com/phrazzld/genflow/internal/platform/logger"
)

func main() {
	fs := pflag.NewFlagSet("genflow", pflag.ExitOnError)
	fs.String("config", "", "path to a configuration file")
	fs.StringSlice("role", nil, "roles to run: api, worker, scheduler (default all)")
	fs.Int("port", 0, "HTTP port for the api role")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("db-driver", "", "task store driver: postgres or memory")
	queues := fs.StringSlice("queues", nil, "queue classes the worker role binds (default all)")
	migrate := fs.String("migrate", "", "run a migration command (up, down, reset, status, version) and exit")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.LoadWithFlags(fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	l, err := logger.Setup(cfg.Server)
	if err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrate != "" {
		if err := runMigrations(ctx, cfg, *migrate, l); err != nil {
			l.Error("migration failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, *queues, l); err != nil {
		l.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, queues []string, l *slog.Logger) error {
	l.Info("server configuration loaded",
		"roles", cfg.Server.Roles,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"database_driver", cfg.Database.Driver)

	app, err := newApplication(ctx, cfg, queues, l)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return app.Run(ctx)
}
