package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/muscu-offline/pkg/cache"
	"github.com/Sternrassler/muscu-offline/pkg/logging"
	"github.com/Sternrassler/muscu-offline/pkg/network"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("shim-proxy failed")
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		logging.Setup(logging.DefaultConfig())
		return err
	}

	logging.Setup(logging.Config{
		Level:  logging.ParseLogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})
	logger := logging.NewLogger(logging.ComponentProxy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	netCfg := network.DefaultConfig(cfg.UserAgent)
	netCfg.Timeout = cfg.RequestTimeout
	fetcher, err := network.New(netCfg)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}

	srv, err := newServer(cfg, store, fetcher)
	if err != nil {
		return err
	}

	// An unreachable upstream at startup is not fatal: requests pass
	// through uncontrolled until POST /_shim/update succeeds.
	if err := srv.update(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial install failed")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", httpServer.Addr).
			Str("upstream", cfg.UpstreamURL).
			Str("store", cfg.Store).
			Msg("Starting shim proxy")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	return nil
}

// openStore opens the configured cache store. The returned func releases
// its resources.
func openStore(ctx context.Context, cfg Config) (cache.Store, func() error, error) {
	switch cfg.Store {
	case storeRedis:
		opts, err := redisOptions(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		redisClient := redis.NewClient(opts)
		store := cache.NewRedisStore(redisClient)
		if err := store.Ping(ctx); err != nil {
			redisClient.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
		}
		log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
		return store, redisClient.Close, nil

	case storeSQLite:
		store, err := cache.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("Opened SQLite store")
		return store, store.Close, nil

	default:
		return cache.NewMemoryStore(), func() error { return nil }, nil
	}
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: raw}, nil
}
