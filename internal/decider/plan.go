package decider

import (
	"github.com/orion-homelab/orion/internal/contracts"
	"github.com/orion-homelab/orion/internal/policy"
)

// PlanAction derives the candidate remediation for an incident type, or nil
// when the incident is observation-only. The mapping is deliberately small;
// anything not listed gets no action rather than a guess.
func PlanAction(inc contracts.Incident) *contracts.ProposedAction {
	switch inc.IncidentType {
	case "service_outage":
		return &contracts.ProposedAction{
			ActionType: "restart_service",
			Parameters: map[string]any{
				"service":     serviceName(inc),
				"incident_id": inc.IncidentID,
			},
		}
	case "resource_anomaly":
		return &contracts.ProposedAction{
			ActionType: "clear_cache",
			Parameters: map[string]any{
				"incident_id": inc.IncidentID,
			},
		}
	case "edge_device_failure", "correlation_detected":
		return &contracts.ProposedAction{
			ActionType: "acknowledge_incident",
			Parameters: map[string]any{
				"incident_id": inc.IncidentID,
			},
		}
	default:
		// service_recovery and unmapped types are observation-only.
		return nil
	}
}

// ActionScope resolves the cooldown scope for an action from the parameter
// key the policy names. Empty key means a global (per-action-type) scope.
func ActionScope(policies *policy.Store, action *contracts.ProposedAction) string {
	key := policies.ScopeKey(action.ActionType)
	if key == "" {
		return "global"
	}
	if v, ok := action.Parameters[key].(string); ok && v != "" {
		return v
	}
	return "global"
}

func serviceName(inc contracts.Incident) string {
	for _, key := range []string{"service", "service_name"} {
		if v, ok := inc.Labels[key]; ok && v != "" {
			return v
		}
	}
	return "unknown"
}
