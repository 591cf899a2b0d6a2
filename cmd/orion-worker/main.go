// orion-worker runs next to an Ollama instance. It publishes node health
// to the shared registry, consumes its per-node request stream and runs
// the inference calls, deregistering on the way out so the router never
// routes to a stopped node.
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
	serviceName = "orion-worker"
	version     = "1.0.0"
)

type config struct {
	nodeID        string
	ollamaHost    string
	redisAddr     string
	redisPassword string
	streamPrefix  string
	httpPort      int
}

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	hostname, _ := os.Hostname()

	cfg := config{}
	flag.StringVar(&cfg.nodeID, "node-id", envOr("ORION_NODE_ID", hostname), "unique node id in the health registry")
	flag.StringVar(&cfg.ollamaHost, "ollama-host", envOr("OLLAMA_HOST", "http://localhost:11434"), "Ollama base URL")
	flag.StringVar(&cfg.redisAddr, "redis-addr", envOr("ORION_REDIS_ADDR", "localhost:6379"), "Redis address")
	flag.StringVar(&cfg.redisPassword, "redis-password", os.Getenv("ORION_REDIS_PASSWORD"), "Redis password")
	flag.StringVar(&cfg.streamPrefix, "stream-prefix", "orion:inference", "inference stream name prefix")
	flag.IntVar(&cfg.httpPort, "http-port", 8083, "health and metrics port")
	flag.Parse()

	if cfg.nodeID == "" {
		slog.Error("[Worker] -node-id is required")
		os.Exit(1)
	}

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
		slog.Error("[Worker] Redis unreachable", "addr", cfg.redisAddr, "error", err)
		return 1
	}

	agent, err := inference.NewWorkerAgent(cfg.nodeID, cfg.ollamaHost, client, cfg.streamPrefix, inference.DefaultThresholds())
	if err != nil {
		slog.Error("[Worker] Agent setup failed", "error", err)
		return 1
	}

	opsServer := ops.NewServer(serviceName, version, fmt.Sprintf(":%d", cfg.httpPort))
	opsServer.SetHealthFields(func() map[string]any {
		return map[string]any{
			"node_id":     cfg.nodeID,
			"ollama_host": cfg.ollamaHost,
			"stream":      agent.StreamName(),
		}
	})
	opsServer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var interrupted atomic.Bool
	go func() {
		sig := <-sigCh
		slog.Info("[Worker] Shutdown signal received", "signal", sig.String())
		if sig == os.Interrupt {
			interrupted.Store(true)
		}
		cancel()
	}()

	slog.Info("[Worker] Started",
		"node_id", cfg.nodeID, "ollama_host", cfg.ollamaHost, "stream", agent.StreamName())

	code := 0
	if err := agent.Run(ctx); err != nil {
		slog.Error("[Worker] Unrecoverable failure", "error", err)
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
		slog.Error("[Worker] Shutdown incomplete", "error", err)
		if code == 0 {
			code = 2
		}
	}

	slog.Info("[Worker] Stopped", "code", code)
	return code
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
