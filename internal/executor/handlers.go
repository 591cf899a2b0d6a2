package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orion-homelab/orion/internal/contracts"
)

// Auditor is the slice of the audit store the in-process handlers need.
type Auditor interface {
	Append(contractType string, record any) error
}

// AcknowledgeHandler implements acknowledge_incident: a pure bookkeeping
// action that records the acknowledgment in the audit trail.
type AcknowledgeHandler struct {
	Audit Auditor
}

// Execute implements Handler.
func (h *AcknowledgeHandler) Execute(_ context.Context, action contracts.Action) error {
	incidentID, _ := action.Parameters["incident_id"].(string)
	if incidentID == "" {
		return fmt.Errorf("acknowledge_incident requires an incident_id parameter")
	}
	if err := h.Audit.Append("acknowledgment", map[string]any{
		"incident_id": incidentID,
		"action_id":   action.ActionID,
		"decision_id": action.DecisionID,
	}); err != nil {
		return fmt.Errorf("record acknowledgment: %w", err)
	}
	slog.Info("[Executor] Incident acknowledged", "incident_id", incidentID)
	return nil
}

// ClearCacheHandler implements clear_cache. The homelab services expose no
// uniform cache interface; the handler records the request and succeeds, so
// the pipeline semantics (cooldowns, outcomes) are fully exercised.
type ClearCacheHandler struct {
	Audit Auditor
}

// Execute implements Handler.
func (h *ClearCacheHandler) Execute(_ context.Context, action contracts.Action) error {
	if err := h.Audit.Append("cache_clear", map[string]any{
		"action_id":   action.ActionID,
		"decision_id": action.DecisionID,
		"parameters":  action.Parameters,
	}); err != nil {
		return fmt.Errorf("record cache clear: %w", err)
	}
	slog.Info("[Executor] Cache clear recorded", "action_id", action.ActionID)
	return nil
}

// ContainerRestarter restarts a named container. The production
// implementation wraps the Docker SDK; tests substitute a fake.
type ContainerRestarter interface {
	RestartContainer(ctx context.Context, name string, timeoutSeconds int) error
}

// RestartServiceHandler implements restart_service, the canonical RISKY
// action: it bounces the Docker container named by the service parameter.
type RestartServiceHandler struct {
	Docker         ContainerRestarter
	StopTimeoutSec int
}

// Execute implements Handler.
func (h *RestartServiceHandler) Execute(ctx context.Context, action contracts.Action) error {
	service, _ := action.Parameters["service"].(string)
	if service == "" || service == "unknown" {
		return fmt.Errorf("restart_service requires a service parameter")
	}
	timeout := h.StopTimeoutSec
	if timeout <= 0 {
		timeout = 10
	}
	if err := h.Docker.RestartContainer(ctx, service, timeout); err != nil {
		return fmt.Errorf("restart container %s: %w", service, err)
	}
	slog.Info("[Executor] Service restarted", "service", service)
	return nil
}
