// Package decider maps incidents to decisions under a fixed autonomy level.
//
// N0 observes only. N2 executes SAFE actions automatically and blocks
// everything else. N3 adds approval-gated RISKY actions. UNKNOWN
// classifications are always handled as RISKY. Every decision carries a
// reasoning string naming the incident type and the rule that produced it.
package decider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orion-homelab/orion/internal/contracts"
	"github.com/orion-homelab/orion/internal/guard"
	"github.com/orion-homelab/orion/internal/policy"
)

// Publisher is the slice of the event bus the decider needs.
type Publisher interface {
	Publish(ctx context.Context, message any, contractType string) (string, error)
}

// Overlay is the optional validation layer consulted after actionable
// decisions. A BLOCKED result, an error or a timeout all downgrade the
// decision to NO_ACTION.
type Overlay interface {
	Review(ctx context.Context, decision contracts.Decision) (contracts.Validation, error)
}

// Decider turns incidents into decisions.
type Decider struct {
	bus      Publisher
	policies *policy.Store
	cooldown *guard.CooldownTracker
	breaker  *guard.CircuitBreaker
	overlay  Overlay

	source   string
	autonomy string
	clock    func() time.Time
}

// Option adjusts a Decider.
type Option func(*Decider)

// WithOverlay enables the validation overlay.
func WithOverlay(o Overlay) Option {
	return func(d *Decider) { d.overlay = o }
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Decider) { d.clock = clock }
}

// New creates a Decider. autonomy must be one of N0, N2, N3.
func New(bus Publisher, policies *policy.Store, cooldown *guard.CooldownTracker, breaker *guard.CircuitBreaker, source, autonomy string, opts ...Option) (*Decider, error) {
	switch autonomy {
	case contracts.AutonomyN0, contracts.AutonomyN2, contracts.AutonomyN3:
	default:
		return nil, fmt.Errorf("invalid autonomy level %q", autonomy)
	}
	d := &Decider{
		bus:      bus,
		policies: policies,
		cooldown: cooldown,
		breaker:  breaker,
		source:   source,
		autonomy: autonomy,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// HandleIncident forms and publishes exactly one decision for the incident.
// In N3, a RISKY decision also publishes the matching approval request.
func (d *Decider) HandleIncident(ctx context.Context, inc contracts.Incident) error {
	decision := d.decide(inc)

	if d.overlay != nil && decision.DecisionType != contracts.DecisionNoAction {
		decision = d.reviewed(ctx, decision, inc)
	}

	if _, err := d.bus.Publish(ctx, decision, contracts.TypeDecision); err != nil {
		return fmt.Errorf("publish decision for incident %s: %w", inc.IncidentID, err)
	}
	decisionsTotal.WithLabelValues(decision.DecisionType).Inc()
	slog.Info("[Decider] Decision published",
		"decision_id", decision.DecisionID, "incident_id", inc.IncidentID,
		"type", decision.DecisionType, "classification", decision.SafetyClassification)

	if decision.DecisionType == contracts.DecisionRequestApproval {
		if err := d.publishApprovalRequest(ctx, decision, inc); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decider) decide(inc contracts.Incident) contracts.Decision {
	base := contracts.Decision{
		Version:       contracts.Version,
		DecisionID:    uuid.New().String(),
		Timestamp:     d.clock(),
		Source:        d.source,
		IncidentID:    inc.IncidentID,
		AutonomyLevel: d.autonomy,
	}

	if d.autonomy == contracts.AutonomyN0 {
		base.DecisionType = contracts.DecisionNoAction
		base.SafetyClassification = contracts.ClassSafe
		base.Reasoning = fmt.Sprintf("incident %s observed: autonomy N0 observes only, no action taken (%s)",
			inc.IncidentType, inc.Description)
		return base
	}

	action := PlanAction(inc)
	if action == nil {
		base.DecisionType = contracts.DecisionNoAction
		base.SafetyClassification = contracts.ClassSafe
		base.Reasoning = fmt.Sprintf("incident %s has no remediation mapping, no action taken", inc.IncidentType)
		return base
	}

	class := d.policies.Classify(action.ActionType)
	base.SafetyClassification = class

	switch class {
	case contracts.ClassSafe:
		return d.decideSafe(base, inc, action)
	case contracts.ClassRisky, contracts.ClassUnknown:
		if d.autonomy == contracts.AutonomyN2 {
			base.DecisionType = contracts.DecisionNoAction
			base.Reasoning = fmt.Sprintf("incident %s maps to %s classified %s: autonomy N2 blocks non-SAFE actions",
				inc.IncidentType, action.ActionType, class)
			return base
		}
		// N3: UNKNOWN is handled as RISKY, approval required either way.
		pol, ok := d.policies.ApprovalPolicyFor(action.ActionType)
		if !ok {
			base.DecisionType = contracts.DecisionNoAction
			base.Reasoning = fmt.Sprintf("incident %s maps to %s classified %s with no approval policy: fail closed, no action",
				inc.IncidentType, action.ActionType, class)
			return base
		}
		expires := d.clock().Add(time.Duration(pol.TimeoutSeconds) * time.Second)
		base.DecisionType = contracts.DecisionRequestApproval
		base.ProposedAction = action
		base.ExpiresAt = &expires
		base.Reasoning = fmt.Sprintf("incident %s maps to %s classified %s: autonomy N3 requires admin approval before execution",
			inc.IncidentType, action.ActionType, class)
		return base
	default:
		base.DecisionType = contracts.DecisionNoAction
		base.Reasoning = fmt.Sprintf("incident %s produced unexpected classification %q: fail closed, no action",
			inc.IncidentType, class)
		return base
	}
}

func (d *Decider) decideSafe(base contracts.Decision, inc contracts.Incident, action *contracts.ProposedAction) contracts.Decision {
	scope := ActionScope(d.policies, action)

	// Check only, never claim: the executor's Allow owns the half-open
	// probe slot.
	if err := d.breaker.Check(action.ActionType); err != nil {
		base.DecisionType = contracts.DecisionNoAction
		base.Reasoning = fmt.Sprintf("incident %s maps to SAFE %s but the circuit breaker blocks it: %v",
			inc.IncidentType, action.ActionType, err)
		return base
	}
	// Check only, never reserve: the executor owns the reservation so a
	// decision that is later rejected does not burn the cooldown.
	if rem := d.cooldown.Remaining(action.ActionType, scope, d.policies.CooldownSeconds(action.ActionType)); rem > 0 {
		base.DecisionType = contracts.DecisionNoAction
		base.Reasoning = fmt.Sprintf("incident %s maps to SAFE %s but it is rate limited: %s remaining",
			inc.IncidentType, action.ActionType, rem.Round(time.Second))
		return base
	}

	base.DecisionType = contracts.DecisionExecuteSafe
	base.ProposedAction = action
	base.Reasoning = fmt.Sprintf("incident %s maps to %s classified SAFE: autonomy %s executes SAFE actions automatically",
		inc.IncidentType, action.ActionType, d.autonomy)
	return base
}

// reviewed runs the validation overlay. Any failure to obtain a clean
// APPROVED result downgrades the decision.
func (d *Decider) reviewed(ctx context.Context, decision contracts.Decision, inc contracts.Incident) contracts.Decision {
	validation, err := d.overlay.Review(ctx, decision)
	if err != nil {
		slog.Error("[Decider] Validation overlay unavailable, failing closed",
			"decision_id", decision.DecisionID, "error", err)
		return d.downgrade(decision, inc, fmt.Sprintf("validation overlay unavailable (%v)", err))
	}

	if _, pubErr := d.bus.Publish(ctx, validation, contracts.TypeValidation); pubErr != nil {
		slog.Error("[Decider] Failed to publish validation record",
			"validation_id", validation.ValidationID, "error", pubErr)
	}

	if validation.Result != contracts.ValidationApproved {
		return d.downgrade(decision, inc, fmt.Sprintf("validation %s blocked the decision: %s",
			validation.ValidationID, validation.Critique))
	}
	return decision
}

func (d *Decider) downgrade(decision contracts.Decision, inc contracts.Incident, cause string) contracts.Decision {
	overlayBlocksTotal.Inc()
	decision.DecisionType = contracts.DecisionNoAction
	decision.ProposedAction = nil
	decision.ExpiresAt = nil
	decision.Reasoning = fmt.Sprintf("incident %s action withheld: %s", inc.IncidentType, cause)
	return decision
}

func (d *Decider) publishApprovalRequest(ctx context.Context, decision contracts.Decision, inc contracts.Incident) error {
	req := contracts.ApprovalRequest{
		Version:           contracts.Version,
		ApprovalRequestID: uuid.New().String(),
		Timestamp:         d.clock(),
		Source:            d.source,
		DecisionID:        decision.DecisionID,
		IncidentID:        inc.IncidentID,
		ActionType:        decision.ProposedAction.ActionType,
		Parameters:        decision.ProposedAction.Parameters,
		Reasoning:         decision.Reasoning,
		ExpiresAt:         *decision.ExpiresAt,
	}
	if _, err := d.bus.Publish(ctx, req, contracts.TypeApprovalRequest); err != nil {
		return fmt.Errorf("publish approval request for decision %s: %w", decision.DecisionID, err)
	}
	slog.Info("[Decider] Approval requested",
		"approval_request_id", req.ApprovalRequestID, "decision_id", decision.DecisionID,
		"action_type", req.ActionType, "expires_at", req.ExpiresAt.Format(time.RFC3339))
	return nil
}
