// orion-edge runs on the robot. It receives commands over MQTT and Redis
// Streams, filters them through the safety kernel (dead man's switch plus
// safe-state manager) and reports health with the safety sub-object.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/orion-homelab/orion/internal/contracts"
	"github.com/orion-homelab/orion/internal/edge"
	"github.com/orion-homelab/orion/internal/ops"
	"github.com/orion-homelab/orion/internal/shutdown"
	"github.com/orion-homelab/orion/internal/validator"
)

const (
	serviceName = "orion-edge"
	version     = "1.0.0"
)

type config struct {
	deviceID        string
	redisAddr       string
	redisPassword   string
	mqttBroker      string
	contractsDir    string
	streamPrefix    string
	httpPort        int
	watchdogTimeout time.Duration
	heartbeat       time.Duration
}

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg := config{}
	flag.StringVar(&cfg.deviceID, "device-id", os.Getenv("ORION_DEVICE_ID"), "unique device id (required)")
	flag.StringVar(&cfg.redisAddr, "redis-addr", envOr("ORION_REDIS_ADDR", "localhost:6379"), "Redis address")
	flag.StringVar(&cfg.redisPassword, "redis-password", os.Getenv("ORION_REDIS_PASSWORD"), "Redis password")
	flag.StringVar(&cfg.mqttBroker, "mqtt-broker", envOr("ORION_MQTT_BROKER", "mqtt://localhost:1883"), "MQTT broker URL")
	flag.StringVar(&cfg.contractsDir, "contracts-dir", "contracts", "directory with JSON Schema contracts")
	flag.StringVar(&cfg.streamPrefix, "stream-prefix", "orion", "Redis stream name prefix")
	flag.IntVar(&cfg.httpPort, "http-port", 8082, "health and metrics port")
	flag.DurationVar(&cfg.watchdogTimeout, "watchdog-timeout", 5*time.Second, "dead man's switch timeout")
	flag.DurationVar(&cfg.heartbeat, "heartbeat", 2*time.Second, "health heartbeat interval")
	flag.Parse()

	// A wrong device id would make this body obey another robot's
	// commands; there is no safe default.
	if cfg.deviceID == "" {
		slog.Error("[Edge] -device-id is required")
		os.Exit(1)
	}

	os.Exit(run(cfg))
}

func run(cfg config) int {
	v, err := validator.New(cfg.contractsDir)
	if err != nil {
		slog.Error("[Edge] Contract validator setup failed", "error", err)
		return 1
	}

	agent := edge.NewAgent(cfg.deviceID, cfg.watchdogTimeout, edge.LogActuator{}, v)
	defer agent.Stop()

	mqtt := edge.NewMQTTClient(cfg.mqttBroker, serviceName+"-"+cfg.deviceID, cfg.deviceID)
	stream := edge.NewCommandStream(cfg.redisAddr, cfg.redisPassword, cfg.streamPrefix, cfg.deviceID)

	// Transport recovery is proof of life from the core.
	mqtt.OnConnectionUp(func() { agent.Watchdog().Reset() })
	mqtt.OnConnectionDown(func(err error) {
		slog.Warn("[Edge] MQTT connection lost", "error", err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mqtt.Connect(ctx); err != nil {
		// Degraded start: the Redis channel still carries commands and the
		// watchdog covers the silence.
		slog.Warn("[Edge] MQTT connect failed, continuing on Redis only", "error", err)
	}
	if err := stream.Connect(ctx); err != nil {
		slog.Warn("[Edge] Redis connect failed, continuing on MQTT only", "error", err)
	} else {
		agent.Watchdog().Reset()
	}

	opsServer := ops.NewServer(serviceName, version, fmt.Sprintf(":%d", cfg.httpPort))
	opsServer.SetHealthFields(func() map[string]any {
		return map[string]any{
			"device_id":          cfg.deviceID,
			"safe_mode":          agent.SafeState().InSafeMode(),
			"watchdog_triggered": agent.Watchdog().IsTriggered(),
			"mqtt_connected":     mqtt.IsConnected(),
			"uptime_seconds":     agent.Uptime(),
		}
	})
	opsServer.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var interrupted atomic.Bool
	go func() {
		sig := <-sigCh
		slog.Info("[Edge] Shutdown signal received", "signal", sig.String())
		if sig == os.Interrupt {
			interrupted.Store(true)
		}
		cancel()
	}()

	errCh := make(chan error, 4)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mqtt.SubscribeCommands(ctx, agent.HandleCommand); err != nil {
			slog.Warn("[Edge] MQTT command subscription unavailable", "error", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := stream.SubscribeCommands(ctx, agent.HandleCommand); err != nil {
			errCh <- fmt.Errorf("redis command subscription: %w", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		agent.RunHeartbeat(ctx, cfg.heartbeat, mqtt, stream)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		runBatteryTelemetry(ctx, agent, mqtt, stream)
	}()

	slog.Info("[Edge] Started",
		"device_id", cfg.deviceID, "watchdog_timeout", cfg.watchdogTimeout,
		"mqtt_broker", cfg.mqttBroker, "redis_addr", cfg.redisAddr)

	code := 0
	select {
	case <-ctx.Done():
		if interrupted.Load() {
			code = 130
		}
	case err := <-errCh:
		slog.Error("[Edge] Unrecoverable failure", "error", err)
		cancel()
		code = 2
	}

	wg.Wait()

	sd := shutdown.NewCoordinator(shutdown.DefaultTimeout)
	if err := sd.Wait(ctx,
		func(ctx context.Context) error { return opsServer.Shutdown(ctx) },
		func(ctx context.Context) error { return mqtt.Close(ctx) },
		func(context.Context) error { return stream.Close() },
	); err != nil {
		slog.Error("[Edge] Shutdown incomplete", "error", err)
		if code == 0 {
			code = 2
		}
	}

	slog.Info("[Edge] Stopped", "code", code)
	return code
}

// runBatteryTelemetry emits a simulated battery reading every 10 s. The
// hardware battery driver replaces the sampler on a real body.
func runBatteryTelemetry(ctx context.Context, agent *edge.Agent, mqtt *edge.MQTTClient, stream *edge.CommandStream) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	level := 100.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level -= 0.05
			if level < 5 {
				level = 100
			}
			agent.PublishTelemetry(ctx, contracts.TelemetryBattery, map[string]any{
				"percent":  level,
				"charging": false,
			}, mqtt, stream)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
