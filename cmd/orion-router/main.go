// orion-router consumes inference requests from the shared stream and
// dispatches each to a healthy worker, preferring nodes that already have
// the requested model resident.
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

	"github.com/orion-homelab/orion/internal/inference"
	"github.com/orion-homelab/orion/internal/ops"
	"github.com/orion-homelab/orion/internal/shutdown"
)

const (
	serviceName = "orion-router"
	version     = "1.0.0"
)

type config struct {
	redisAddr     string
	redisPassword string
	streamPrefix  string
	httpPort      int
	maxTemp       float64
	maxRAM        float64
}

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	defaults := inference.DefaultThresholds()

	cfg := config{}
	flag.StringVar(&cfg.redisAddr, "redis-addr", envOr("ORION_REDIS_ADDR", "localhost:6379"), "Redis address")
	flag.StringVar(&cfg.redisPassword, "redis-password", os.Getenv("ORION_REDIS_PASSWORD"), "Redis password")
	flag.StringVar(&cfg.streamPrefix, "stream-prefix", "orion:inference", "inference stream name prefix")
	flag.IntVar(&cfg.httpPort, "http-port", 8081, "health and metrics port")
	flag.Float64Var(&cfg.maxTemp, "max-temp", defaults.MaxTempCelsius, "exclude nodes above this CPU temperature")
	flag.Float64Var(&cfg.maxRAM, "max-ram", defaults.MaxRAMPercent, "exclude nodes above this RAM percentage")
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
		slog.Error("[Router] Redis unreachable", "addr", cfg.redisAddr, "error", err)
		return 1
	}

	registry := inference.NewHealthRegistry(client, serviceName)
	reader := inference.NewHealthReader(registry, inference.Thresholds{
		MaxTempCelsius: cfg.maxTemp,
		MaxRAMPercent:  cfg.maxRAM,
	})
	dispatcher := inference.NewDispatcher(client, inference.NewStickyRouter(reader), cfg.streamPrefix)

	opsServer := ops.NewServer(serviceName, version, fmt.Sprintf(":%d", cfg.httpPort))
	opsServer.SetHealthFields(func() map[string]any {
		stats := dispatcher.Stats()
		return map[string]any{
			"total_routed": stats.TotalRouted,
			"errors":       stats.Errors,
		}
	})
	opsServer.HandleJSON("/stats", func() (any, error) {
		return dispatcher.Stats(), nil
	})
	opsServer.HandleJSON("/nodes", func() (any, error) {
		nodesCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return reader.AvailableNodes(nodesCtx)
	})
	opsServer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var interrupted atomic.Bool
	go func() {
		sig := <-sigCh
		slog.Info("[Router] Shutdown signal received", "signal", sig.String())
		if sig == os.Interrupt {
			interrupted.Store(true)
		}
		cancel()
	}()

	slog.Info("[Router] Started",
		"stream", dispatcher.RequestStream(), "max_temp", cfg.maxTemp, "max_ram", cfg.maxRAM)

	code := 0
	if err := dispatcher.Run(ctx); err != nil {
		slog.Error("[Router] Unrecoverable failure", "error", err)
		cancel()
		code = 2
	} else if interrupted.Load() {
		code = 130
	}

	sd := shutdown.NewCoordinator(shutdown.DefaultTimeout)
	if err := sd.Wait(ctx,
		func(ctx context.Context) error { return opsServer.Shutdown(ctx) },
		func(context.Context) error { return client.Close() },
	); err != nil {
		slog.Error("[Router] Shutdown incomplete", "error", err)
		if code == 0 {
			code = 2
		}
	}

	slog.Info("[Router] Stopped", "code", code)
	return code
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
