// orion-core is the control-plane process: it correlates events into
// incidents, decides on actions under the configured autonomy level,
// coordinates approvals for risky actions and executes what is allowed.
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
	"github.com/redis/go-redis/v9"

	"github.com/orion-homelab/orion/internal/approval"
	"github.com/orion-homelab/orion/internal/audit"
	"github.com/orion-homelab/orion/internal/bus"
	"github.com/orion-homelab/orion/internal/contracts"
	"github.com/orion-homelab/orion/internal/correlator"
	"github.com/orion-homelab/orion/internal/council"
	"github.com/orion-homelab/orion/internal/decider"
	"github.com/orion-homelab/orion/internal/executor"
	"github.com/orion-homelab/orion/internal/guard"
	"github.com/orion-homelab/orion/internal/ops"
	"github.com/orion-homelab/orion/internal/policy"
	"github.com/orion-homelab/orion/internal/shutdown"
	"github.com/orion-homelab/orion/internal/validator"
)

const (
	serviceName = "orion-core"
	version     = "1.0.0"
)

type config struct {
	redisAddr     string
	redisPassword string
	contractsDir  string
	streamPrefix  string
	httpPort      int
	autonomy      string
	policyDir     string
	dataRoot      string
	council       bool
}

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg := config{}
	flag.StringVar(&cfg.redisAddr, "redis-addr", envOr("ORION_REDIS_ADDR", "localhost:6379"), "Redis address")
	flag.StringVar(&cfg.redisPassword, "redis-password", os.Getenv("ORION_REDIS_PASSWORD"), "Redis password")
	flag.StringVar(&cfg.contractsDir, "contracts-dir", "contracts", "directory with JSON Schema contracts")
	flag.StringVar(&cfg.streamPrefix, "stream-prefix", "orion", "Redis stream name prefix")
	flag.IntVar(&cfg.httpPort, "http-port", 8080, "health and metrics port")
	flag.StringVar(&cfg.autonomy, "autonomy", envOr("ORION_AUTONOMY", contracts.AutonomyN0), "autonomy level (N0, N2 or N3)")
	flag.StringVar(&cfg.policyDir, "policy-dir", "policies", "directory with action policy files")
	flag.StringVar(&cfg.dataRoot, "data-root", "data", "root directory for the audit trail")
	flag.BoolVar(&cfg.council, "council", false, "review actionable decisions through the validation overlay")
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
		slog.Error("[Core] Redis unreachable", "addr", cfg.redisAddr, "error", err)
		return 1
	}

	v, err := validator.New(cfg.contractsDir)
	if err != nil {
		slog.Error("[Core] Contract validator setup failed", "error", err)
		return 1
	}
	auditStore, err := audit.New(cfg.dataRoot)
	if err != nil {
		slog.Error("[Core] Audit store setup failed", "error", err)
		return 1
	}
	policies, err := policy.Load(cfg.policyDir)
	if err != nil {
		slog.Error("[Core] Policy load failed", "error", err)
		return 1
	}
	admins, err := approval.LoadAdmins(cfg.policyDir)
	if err != nil {
		slog.Error("[Core] Admin registry load failed", "error", err)
		return 1
	}

	eventBus := bus.New(client, v, cfg.streamPrefix, bus.DefaultMaxLen)
	eventBus.OnInvalid = func(contractType string, message map[string]any, cause error) {
		if err := auditStore.AppendDropped(contractType, message, cause); err != nil {
			slog.Error("[Core] Failed to audit dropped message", "type", contractType, "error", err)
		}
	}

	cooldown := guard.NewCooldownTracker()
	breaker := guard.NewCircuitBreaker()

	handlers := map[string]executor.Handler{
		"acknowledge_incident": &executor.AcknowledgeHandler{Audit: auditStore},
		"clear_cache":          &executor.ClearCacheHandler{Audit: auditStore},
		"restart_service":      &executor.RestartServiceHandler{Docker: executor.NewDockerRestarter(), StopTimeoutSec: 10},
	}
	exec := executor.New(eventBus, policies, cooldown, breaker, handlers, serviceName)
	coord := approval.New(admins, policies, auditStore, exec.ExecuteApproved)

	deciderOpts := []decider.Option{}
	if cfg.council {
		overlay, err := council.New(serviceName, []council.Validator{council.LocalValidator{}})
		if err != nil {
			slog.Error("[Core] Council setup failed", "error", err)
			return 1
		}
		deciderOpts = append(deciderOpts, decider.WithOverlay(overlay))
	}
	dec, err := decider.New(eventBus, policies, cooldown, breaker, serviceName, cfg.autonomy, deciderOpts...)
	if err != nil {
		slog.Error("[Core] Decider setup failed", "error", err)
		return 1
	}
	corr := correlator.New(eventBus, serviceName)

	opsServer := ops.NewServer(serviceName, version, fmt.Sprintf(":%d", cfg.httpPort))
	opsServer.SetHealthFields(func() map[string]any {
		return map[string]any{
			"autonomy":          cfg.autonomy,
			"open_incidents":    corr.OpenCount(),
			"pending_approvals": coord.PendingCount(),
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
		slog.Info("[Core] Shutdown signal received", "signal", sig.String())
		if sig == os.Interrupt {
			interrupted.Store(true)
		}
		cancel()
	}()

	consumer, _ := os.Hostname()
	if consumer == "" {
		consumer = serviceName
	}

	errCh := make(chan error, 16)
	var wg sync.WaitGroup
	subscribe := func(contractType, group string, handler bus.Handler) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := eventBus.Subscribe(ctx, contractType, group, consumer, handler); err != nil {
				errCh <- fmt.Errorf("%s subscription: %w", contractType, err)
			}
		}()
	}

	subscribe(contracts.TypeEvent, "orion-correlator-group", func(m map[string]any) error {
		e, err := contracts.Decode[contracts.Event](m)
		if err != nil {
			return nil
		}
		corr.HandleEvent(ctx, e)
		return nil
	})
	subscribe(contracts.TypeIncident, "orion-decider-group", func(m map[string]any) error {
		inc, err := contracts.Decode[contracts.Incident](m)
		if err != nil {
			return nil
		}
		return dec.HandleIncident(ctx, inc)
	})
	subscribe(contracts.TypeApprovalRequest, "orion-approval-group", func(m map[string]any) error {
		req, err := contracts.Decode[contracts.ApprovalRequest](m)
		if err != nil {
			return nil
		}
		return coord.HandleRequest(ctx, req)
	})
	subscribe(contracts.TypeApprovalDecision, "orion-approval-group", func(m map[string]any) error {
		d, err := contracts.Decode[contracts.ApprovalDecision](m)
		if err != nil {
			return nil
		}
		return coord.HandleDecision(ctx, d)
	})
	subscribe(contracts.TypeDecision, "orion-executor-group", func(m map[string]any) error {
		d, err := contracts.Decode[contracts.Decision](m)
		if err != nil {
			return nil
		}
		return exec.HandleDecision(ctx, d)
	})

	// Audit tap: every stream lands in the append-only trail, independent
	// of the component consumers.
	for _, contractType := range []string{
		contracts.TypeEvent, contracts.TypeIncident, contracts.TypeDecision,
		contracts.TypeApprovalRequest, contracts.TypeApprovalDecision,
		contracts.TypeAction, contracts.TypeOutcome, contracts.TypeValidation,
	} {
		ct := contractType
		subscribe(ct, "orion-audit-group", func(m map[string]any) error {
			return auditStore.Append(ct, m)
		})
	}

	wg.Add(2)
	go func() { defer wg.Done(); corr.Run(ctx) }()
	go func() { defer wg.Done(); coord.Run(ctx) }()

	slog.Info("[Core] Started",
		"autonomy", cfg.autonomy, "stream_prefix", cfg.streamPrefix,
		"council", cfg.council, "http_port", cfg.httpPort)

	code := 0
	select {
	case <-ctx.Done():
		if interrupted.Load() {
			code = 130
		}
	case err := <-errCh:
		slog.Error("[Core] Unrecoverable failure", "error", err)
		cancel()
		code = 2
	}

	wg.Wait()

	sd := shutdown.NewCoordinator(shutdown.DefaultTimeout)
	if err := sd.Wait(ctx,
		func(ctx context.Context) error { return opsServer.Shutdown(ctx) },
		func(context.Context) error { return auditStore.Close() },
		func(context.Context) error { return client.Close() },
	); err != nil {
		slog.Error("[Core] Shutdown incomplete", "error", err)
		if code == 0 {
			code = 2
		}
	}

	slog.Info("[Core] Stopped", "code", code)
	return code
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
