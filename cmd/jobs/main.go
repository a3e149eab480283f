package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemyapp/liveterm-relay/internal/cache"
	"github.com/telemyapp/liveterm-relay/internal/config"
	"github.com/telemyapp/liveterm-relay/internal/jobs"
	"github.com/telemyapp/liveterm-relay/internal/logging"
	"github.com/telemyapp/liveterm-relay/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logging.Logger.Fatalf("load config: %v", err)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logging.Logger.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logging.Logger.Fatalf("ping db: %v", err)
	}

	st := store.New(pool)
	jobs.NewRunner(st, newSweeper(cfg, pool), cfg.StaleParticipantAfter).Start(ctx)

	logging.Logger.Info("liveterm jobs worker started")
	<-ctx.Done()
	logging.Logger.Info("liveterm jobs worker stopping")
}

// newSweeper returns nil for backends with native expiry.
func newSweeper(cfg config.Config, pool *pgxpool.Pool) jobs.Sweeper {
	if cfg.CacheProvider == "redis" {
		return nil
	}
	return cache.NewPostgres(pool)
}
