package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := newLogger(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("relay exited", "error", err)
		os.Exit(1)
	}
}

// run builds every component in dependency order and tears them down in
// reverse. It returns an error when startup fails or the relay loses the broker.
func run(configPath string, logger *slog.Logger) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	opts.MinIdleConns = cfg.Redis.PoolMin
	opts.PoolSize = cfg.Redis.PoolMax
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("redis connected", "addr", opts.Addr, "db", opts.DB)

	broker, err := OpenBroker(cfg.Broker, cfg.Redis.URL, rdb, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	store := NewStore(rdb, cfg.Store.Prefix, cfg.Store.DefaultSize)
	registry := NewRegistry(logger)
	metrics, err := NewMetrics(nil, registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	limiter := NewRateLimiter(cfg.RateLimitPerIP)
	go limiter.Run(ctx)

	// The relay must be subscribed before the gateway accepts connections. It
	// is detached from the signal context and only ends through Stop, after
	// the gateway has closed its sockets.
	relay := NewRelay(broker, store, registry, metrics, logger)
	if err := relay.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	srv := NewServer(cfg, registry, store, broker, limiter, metrics, logger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-relay.Done():
		runErr = relay.Err()
		if runErr == nil {
			runErr = errors.New("relay stopped unexpectedly")
		}
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	srv.Shutdown(shutdownCtx)
	if err := relay.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("stop relay: %w", err)
	}
	cancel()

	logger.Info("relay stopped")
	return runErr
}
