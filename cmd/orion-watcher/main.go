// orion-watcher samples host resources and publishes observation events
// onto the bus for the correlator to chew on.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/orion-homelab/orion/internal/bus"
	"github.com/orion-homelab/orion/internal/ops"
	"github.com/orion-homelab/orion/internal/shutdown"
	"github.com/orion-homelab/orion/internal/validator"
	"github.com/orion-homelab/orion/internal/watcher"
)

const (
	serviceName = "orion-watcher"
	version     = "1.0.0"
)

type config struct {
	redisAddr     string
	redisPassword string
	contractsDir  string
	streamPrefix  string
	httpPort      int
	pollInterval  time.Duration
}

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg := config{}
	flag.StringVar(&cfg.redisAddr, "redis-addr", envOr("ORION_REDIS_ADDR", "localhost:6379"), "Redis address")
	flag.StringVar(&cfg.redisPassword, "redis-password", os.Getenv("ORION_REDIS_PASSWORD"), "Redis password")
	flag.StringVar(&cfg.contractsDir, "contracts-dir", "contracts", "directory with JSON Schema contracts")
	flag.StringVar(&cfg.streamPrefix, "stream-prefix", "orion", "Redis stream name prefix")
	flag.IntVar(&cfg.httpPort, "http-port", 8084, "health and metrics port")
	flag.DurationVar(&cfg.pollInterval, "poll-interval", time.Minute, "resource sampling interval")
	flag.Parse()

	os.Exit(run(cfg))
}

func run(cfg config) int {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		PoolSize: 10,
	})
	defer client.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Error("[Watcher] Redis unreachable", "addr", cfg.redisAddr, "error", err)
		return 1
	}

	v, err := validator.New(cfg.contractsDir)
	if err != nil {
		slog.Error("[Watcher] Contract validator setup failed", "error", err)
		return 1
	}

	eventBus := bus.New(client, v, cfg.streamPrefix, bus.DefaultMaxLen)
	w := watcher.New(eventBus, serviceName, cfg.pollInterval)

	opsServer := ops.NewServer(serviceName, version, fmt.Sprintf(":%d", cfg.httpPort))
	opsServer.SetHealthFields(func() map[string]any {
		return map[string]any{"poll_interval": cfg.pollInterval.String()}
	})
	opsServer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var interrupted atomic.Bool
	go func() {
		sig := <-sigCh
		slog.Info("[Watcher] Shutdown signal received", "signal", sig.String())
		if sig == os.Interrupt {
			interrupted.Store(true)
		}
		cancel()
	}()

	slog.Info("[Watcher] Started", "poll_interval", cfg.pollInterval)

	w.Run(ctx)

	code := 0
	if interrupted.Load() {
		code = 130
	}

	sd := shutdown.NewCoordinator(shutdown.DefaultTimeout)
	if err := sd.Wait(ctx,
		func(ctx context.Context) error { return opsServer.Shutdown(ctx) },
		func(context.Context) error { return client.Close() },
	); err != nil {
		slog.Error("[Watcher] Shutdown incomplete", "error", err)
		if code == 0 {
			code = 2
		}
	}

	slog.Info("[Watcher] Stopped", "code", code)
	return code
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
