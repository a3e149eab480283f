package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemyapp/liveterm-relay/internal/api"
	"github.com/telemyapp/liveterm-relay/internal/auth"
	"github.com/telemyapp/liveterm-relay/internal/cache"
	"github.com/telemyapp/liveterm-relay/internal/config"
	"github.com/telemyapp/liveterm-relay/internal/eventlog"
	"github.com/telemyapp/liveterm-relay/internal/logging"
	"github.com/telemyapp/liveterm-relay/internal/metrics"
	"github.com/telemyapp/liveterm-relay/internal/registry"
	"github.com/telemyapp/liveterm-relay/internal/relay"
	"github.com/telemyapp/liveterm-relay/internal/session"
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

	authorizer, err := newAuthorizer(cfg)
	if err != nil {
		logging.Logger.Fatalf("init authorizer: %v", err)
	}
	kv, closeKV, err := newCache(cfg, pool)
	if err != nil {
		logging.Logger.Fatalf("init cache: %v", err)
	}
	defer closeKV()

	st := store.New(pool)
	liveness := cache.NewLiveness(kv, cfg.CacheTTL)

	writer := eventlog.NewWriter(st, cfg.EventQueueSize)
	writerCtx, stopWriter := context.WithCancel(context.Background())
	go writer.Run(writerCtx)

	reg := registry.New()
	reg.ExportMetrics(metrics.Default())
	sessions := session.NewService(st, writer, liveness, reg)
	live := relay.NewHandler(authorizer, sessions, reg, writer, liveness, relay.Options{
		AllowedOrigins:    cfg.AllowedOrigins,
		AdmitTimeout:      cfg.AdmitTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendBuffer:        cfg.PeerSendBuffer,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		InputRate:         cfg.InputRateLimit,
		InputBurst:        cfg.InputRateBurst,
	})
	handler := api.NewRouter(cfg, authorizer, sessions, live)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
		// No read/write timeout: upgraded connections live for the whole session.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// Shutdown does not track hijacked connections.
		reg.CloseAll("server shutting down")
		waitForDetach(shutdownCtx, reg)
		stopWriter()
	}()

	logging.Logger.WithField("addr", cfg.ListenAddr).Info("live session relay listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Logger.Fatalf("http server: %v", err)
	}
	<-writer.Done()
	logging.Logger.Info("event log drained, exiting")
}

func newAuthorizer(cfg config.Config) (auth.Authorizer, error) {
	switch cfg.AuthMode {
	case "hmac":
		if cfg.JWTSecret == "" {
			return nil, errors.New("hmac auth mode requires a jwt secret")
		}
		return auth.NewHMACAuthorizer(cfg.JWTSecret), nil
	case "unverified":
		logging.Logger.Warn("AUTH_MODE=unverified: bearer tokens are decoded without signature checks; do not use outside local development")
		return auth.NewUnverifiedAuthorizer(), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}

// newCache returns the configured liveness backend and a func releasing it.
func newCache(cfg config.Config, pool *pgxpool.Pool) (cache.KV, func(), error) {
	switch cfg.CacheProvider {
	case "redis":
		r, err := cache.NewRedisFromURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case "postgres", "":
		return cache.NewPostgres(pool), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache provider %q", cfg.CacheProvider)
	}
}

func waitForDetach(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for reg.Sessions() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
