package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/ordoscan/ordoscan/internal/common"
	"github.com/ordoscan/ordoscan/internal/repository"
)

// dbhealth verifies the prescription store is reachable and the schema is in
// place, then reports the analyzed-record count.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if cfg.Database.DSN == "" {
		logger.Error("DB_URL env var is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pool, err := repository.Open(ctx, repository.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		DialTimeout:     cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		logger.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer repository.Close(pool, logger)

	if err := repository.HealthCheck(ctx, pool, 1*time.Second, logger); err != nil {
		logger.Error("database health: FAIL", "error", err)
		os.Exit(1)
	}
	logger.Info("database health: OK")

	if err := repository.Migrate(ctx, pool, logger); err != nil {
		os.Exit(1)
	}

	var analyzed int
	if err := pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM prescriptions WHERE status = 'analysis_done'").Scan(&analyzed); err != nil {
		logger.Error("counting analyzed prescriptions", "error", err)
		os.Exit(1)
	}
	logger.Info("analyzed prescriptions", "count", analyzed)
}
