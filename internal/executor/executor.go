// Package executor performs actions and reports outcomes.
//
// The executor is the last gate before side effects and re-checks
// everything upstream already checked: classification against policy,
// approval state and expiry at the moment of execution. It never invents
// actions and never retries; a failure triggers the action's declared
// rollback and an honest outcome.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orion-homelab/orion/internal/contracts"
	"github.com/orion-homelab/orion/internal/decider"
	"github.com/orion-homelab/orion/internal/guard"
	"github.com/orion-homelab/orion/internal/policy"
)

// Publisher is the slice of the event bus the executor needs.
type Publisher interface {
	Publish(ctx context.Context, message any, contractType string) (string, error)
}

// Handler executes one action type. Rollback is consulted only after a
// failed Execute; a nil rollback error yields a rolled_back outcome.
type Handler interface {
	Execute(ctx context.Context, action contracts.Action) error
}

// RollbackHandler is implemented by handlers with a declared rollback.
type RollbackHandler interface {
	Handler
	Rollback(ctx context.Context, action contracts.Action) error
}

// overrides carried from a force approval. Zero value means no overrides.
type overrides struct {
	breaker  bool
	cooldown bool
}

// Executor dispatches SAFE decisions and approved RISKY actions.
type Executor struct {
	bus      Publisher
	policies *policy.Store
	cooldown *guard.CooldownTracker
	breaker  *guard.CircuitBreaker
	handlers map[string]Handler
	source   string
	clock    func() time.Time
}

// Option adjusts an Executor.
type Option func(*Executor)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.clock = clock }
}

// New creates an Executor with the given handler set.
func New(bus Publisher, policies *policy.Store, cooldown *guard.CooldownTracker, breaker *guard.CircuitBreaker, handlers map[string]Handler, source string, opts ...Option) *Executor {
	e := &Executor{
		bus:      bus,
		policies: policies,
		cooldown: cooldown,
		breaker:  breaker,
		handlers: handlers,
		source:   source,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleDecision consumes one decision. Only EXECUTE_SAFE_ACTION leads to
// execution here; approval-gated decisions arrive through ExecuteApproved.
func (e *Executor) HandleDecision(ctx context.Context, d contracts.Decision) error {
	if d.DecisionType != contracts.DecisionExecuteSafe {
		return nil
	}
	if d.ProposedAction == nil {
		slog.Error("[Executor] SAFE decision without an action", "decision_id", d.DecisionID)
		return nil
	}

	action := e.buildAction(d.DecisionID, d.ProposedAction)

	// Defense in depth: the decider already classified, classify again.
	if class := e.policies.Classify(action.ActionType); class != contracts.ClassSafe {
		e.emitOutcome(ctx, action, contracts.OutcomeRejected, 0,
			fmt.Sprintf("action %s classifies as %s, refusing automatic execution", action.ActionType, class))
		return nil
	}
	action.SafetyClassification = contracts.ClassSafe

	e.execute(ctx, action, overrides{})
	return nil
}

// ExecuteApproved runs an approved RISKY action. The approval is
// re-verified at this moment: approved verb, matching decision id,
// unexpired. Anything else is a rejected outcome.
func (e *Executor) ExecuteApproved(ctx context.Context, req contracts.ApprovalRequest, dec contracts.ApprovalDecision) {
	action := e.buildAction(req.DecisionID, &contracts.ProposedAction{
		ActionType: req.ActionType,
		Parameters: req.Parameters,
	})
	action.SafetyClassification = e.policies.Classify(action.ActionType)

	switch {
	case !dec.Approved():
		e.emitOutcome(ctx, action, contracts.OutcomeRejected, 0,
			fmt.Sprintf("approval decision is %q, not an approval", dec.Decision))
		return
	case dec.DecisionID != req.DecisionID:
		e.emitOutcome(ctx, action, contracts.OutcomeRejected, 0, "approval decision id does not match the request")
		return
	case !e.clock().Before(req.ExpiresAt):
		e.emitOutcome(ctx, action, contracts.OutcomeRejected, 0, "approval expired before execution")
		return
	}

	ov := overrides{}
	if dec.Decision == contracts.ApprovalVerbForce {
		ov.breaker = dec.OverrideCircuitBreaker
		ov.cooldown = dec.OverrideCooldown
	}
	e.execute(ctx, action, ov)
}

func (e *Executor) execute(ctx context.Context, action contracts.Action, ov overrides) {
	scope := decider.ActionScope(e.policies, &contracts.ProposedAction{
		ActionType: action.ActionType,
		Parameters: action.Parameters,
	})

	// The cooldown check runs first: Allow claims the half-open probe slot,
	// so nothing may reject the action between Allow and the outcome.
	if !ov.cooldown {
		if err := e.cooldown.CheckAndReserve(action.ActionType, scope, e.policies.CooldownSeconds(action.ActionType)); err != nil {
			e.emitOutcome(ctx, action, contracts.OutcomeRejected, 0, err.Error())
			return
		}
	} else {
		slog.Warn("[Executor] Cooldown bypassed by force override", "action_type", action.ActionType)
	}
	if !ov.breaker {
		if err := e.breaker.Allow(action.ActionType); err != nil {
			e.emitOutcome(ctx, action, contracts.OutcomeRejected, 0, err.Error())
			return
		}
	} else {
		slog.Warn("[Executor] Circuit breaker bypassed by force override", "action_type", action.ActionType)
	}

	if _, err := e.bus.Publish(ctx, action, contracts.TypeAction); err != nil {
		slog.Error("[Executor] Failed to publish action", "action_id", action.ActionID, "error", err)
	}

	handler, ok := e.handlers[action.ActionType]
	if !ok {
		e.breaker.RecordFailure(action.ActionType)
		e.emitOutcome(ctx, action, contracts.OutcomeFailed, 0,
			fmt.Sprintf("no handler registered for action type %q", action.ActionType))
		return
	}

	started := e.clock()
	err := handler.Execute(ctx, action)
	elapsed := e.clock().Sub(started).Milliseconds()

	if err == nil {
		e.breaker.RecordSuccess(action.ActionType)
		e.cooldown.Record(action.ActionType, scope)
		e.emitOutcome(ctx, action, contracts.OutcomeSuccess, elapsed, "")
		return
	}

	e.breaker.RecordFailure(action.ActionType)
	slog.Error("[Executor] Action failed", "action_id", action.ActionID, "action_type", action.ActionType, "error", err)

	if rb, ok := handler.(RollbackHandler); ok {
		if rbErr := rb.Rollback(ctx, action); rbErr != nil {
			e.emitOutcome(ctx, action, contracts.OutcomeFailed, elapsed,
				fmt.Sprintf("execute: %v; rollback: %v", err, rbErr))
			return
		}
		e.emitOutcome(ctx, action, contracts.OutcomeRolledBack, elapsed, err.Error())
		return
	}
	e.emitOutcome(ctx, action, contracts.OutcomeFailed, elapsed, err.Error())
}

func (e *Executor) buildAction(decisionID string, proposed *contracts.ProposedAction) contracts.Action {
	params := proposed.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return contracts.Action{
		Version:    contracts.Version,
		ActionID:   uuid.New().String(),
		Timestamp:  e.clock(),
		Source:     e.source,
		DecisionID: decisionID,
		ActionType: proposed.ActionType,
		Parameters: params,
	}
}

func (e *Executor) emitOutcome(ctx context.Context, action contracts.Action, status string, elapsedMs int64, errText string) {
	outcome := contracts.Outcome{
		Version:         contracts.Version,
		OutcomeID:       uuid.New().String(),
		Timestamp:       e.clock(),
		Source:          e.source,
		ActionID:        action.ActionID,
		Status:          status,
		ExecutionTimeMs: elapsedMs,
		Error:           errText,
	}
	if _, err := e.bus.Publish(ctx, outcome, contracts.TypeOutcome); err != nil {
		slog.Error("[Executor] Failed to publish outcome", "outcome_id", outcome.OutcomeID, "error", err)
		return
	}
	slog.Info("[Executor] Outcome published",
		"outcome_id", outcome.OutcomeID, "action_id", action.ActionID,
		"action_type", action.ActionType, "status", status, "elapsed_ms", elapsedMs)
}
