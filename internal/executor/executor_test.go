package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orion-homelab/orion/internal/contracts"
	"github.com/orion-homelab/orion/internal/guard"
	"github.com/orion-homelab/orion/internal/policy"
)

type fakeBus struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	message      any
	contractType string
}

func (b *fakeBus) Publish(_ context.Context, message any, contractType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{message, contractType})
	return "1-0", nil
}

func (b *fakeBus) outcomes() []contracts.Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []contracts.Outcome
	for _, p := range b.published {
		if p.contractType == contracts.TypeOutcome {
			out = append(out, p.message.(contracts.Outcome))
		}
	}
	return out
}

func (b *fakeBus) actions() []contracts.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []contracts.Action
	for _, p := range b.published {
		if p.contractType == contracts.TypeAction {
			out = append(out, p.message.(contracts.Action))
		}
	}
	return out
}

type scriptedHandler struct {
	mu          sync.Mutex
	execErr     error
	rollbackErr error
	executed    int
	rolledBack  int
}

func (h *scriptedHandler) Execute(context.Context, contracts.Action) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executed++
	return h.execErr
}

func (h *scriptedHandler) Rollback(context.Context, contracts.Action) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rolledBack++
	return h.rollbackErr
}

// plainHandler has no rollback.
type plainHandler struct {
	execErr  error
	executed int
}

func (h *plainHandler) Execute(context.Context, contracts.Action) error {
	h.executed++
	return h.execErr
}

func loadTestPolicies(t *testing.T) *policy.Store {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"actions_safe.yaml":  "safe_actions:\n  - action_type: clear_cache\n",
		"actions_risky.yaml": "risky_actions:\n  - action_type: restart_service\n",
		"cooldowns.yaml": "action_cooldowns:\n  - action_type: restart_service\n    cooldown: 5m\n" +
			"    applies_per: service\n",
		"approval.yaml": "approval_policies:\n  - action_type: restart_service\n    timeout_seconds: 300\n" +
			"    override_allowed: true\n",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	s, err := policy.Load(dir)
	require.NoError(t, err)
	return s
}

func safeDecision() contracts.Decision {
	return contracts.Decision{
		Version:              contracts.Version,
		DecisionID:           uuid.New().String(),
		Timestamp:            time.Now().UTC(),
		Source:               "orion-core",
		IncidentID:           uuid.New().String(),
		DecisionType:         contracts.DecisionExecuteSafe,
		SafetyClassification: contracts.ClassSafe,
		AutonomyLevel:        contracts.AutonomyN2,
		ProposedAction: &contracts.ProposedAction{
			ActionType: "clear_cache",
			Parameters: map[string]any{"incident_id": uuid.New().String()},
		},
	}
}

func approvedPair(expiresIn time.Duration) (contracts.ApprovalRequest, contracts.ApprovalDecision) {
	req := contracts.ApprovalRequest{
		Version:           contracts.Version,
		ApprovalRequestID: uuid.New().String(),
		Timestamp:         time.Now().UTC(),
		Source:            "orion-core",
		DecisionID:        uuid.New().String(),
		IncidentID:        uuid.New().String(),
		ActionType:        "restart_service",
		Parameters:        map[string]any{"service": "jellyfin"},
		ExpiresAt:         time.Now().UTC().Add(expiresIn),
	}
	dec := contracts.ApprovalDecision{
		Version:           contracts.Version,
		ApprovalID:        uuid.New().String(),
		Timestamp:         time.Now().UTC(),
		Source:            "admin-cli",
		ApprovalRequestID: req.ApprovalRequestID,
		DecisionID:        req.DecisionID,
		Decision:          contracts.ApprovalVerbApprove,
		ApproverID:        "admin-primary",
		ExpiresAt:         req.ExpiresAt,
	}
	return req, dec
}

func newExecutor(t *testing.T, bus *fakeBus, handlers map[string]Handler) *Executor {
	t.Helper()
	return New(bus, loadTestPolicies(t), guard.NewCooldownTracker(), guard.NewCircuitBreaker(), handlers, "orion-core")
}

func TestHandleDecision_SafeActionSucceeds(t *testing.T) {
	bus := &fakeBus{}
	handler := &scriptedHandler{}
	e := newExecutor(t, bus, map[string]Handler{"clear_cache": handler})

	require.NoError(t, e.HandleDecision(context.Background(), safeDecision()))

	assert.Equal(t, 1, handler.executed)
	require.Len(t, bus.actions(), 1, "the concrete action is published before execution")
	outcomes := bus.outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeSuccess, outcomes[0].Status)
	assert.Equal(t, bus.actions()[0].ActionID, outcomes[0].ActionID)
}

func TestHandleDecision_IgnoresNonExecutable(t *testing.T) {
	bus := &fakeBus{}
	handler := &scriptedHandler{}
	e := newExecutor(t, bus, map[string]Handler{"clear_cache": handler})

	d := safeDecision()
	d.DecisionType = contracts.DecisionNoAction
	require.NoError(t, e.HandleDecision(context.Background(), d))

	d = safeDecision()
	d.DecisionType = contracts.DecisionRequestApproval
	require.NoError(t, e.HandleDecision(context.Background(), d))

	assert.Zero(t, handler.executed)
	assert.Empty(t, bus.outcomes())
}

func TestHandleDecision_ReclassifiesDefensively(t *testing.T) {
	bus := &fakeBus{}
	handler := &scriptedHandler{}
	e := newExecutor(t, bus, map[string]Handler{"restart_service": handler})

	// A decision claiming EXECUTE_SAFE for a RISKY action must be refused
	// no matter what upstream said.
	d := safeDecision()
	d.ProposedAction.ActionType = "restart_service"
	require.NoError(t, e.HandleDecision(context.Background(), d))

	assert.Zero(t, handler.executed)
	outcomes := bus.outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeRejected, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "RISKY")
}

func TestHandleDecision_FailureTriggersRollback(t *testing.T) {
	bus := &fakeBus{}
	handler := &scriptedHandler{execErr: errors.New("cache service not responding")}
	e := newExecutor(t, bus, map[string]Handler{"clear_cache": handler})

	require.NoError(t, e.HandleDecision(context.Background(), safeDecision()))

	assert.Equal(t, 1, handler.executed)
	assert.Equal(t, 1, handler.rolledBack)
	outcomes := bus.outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeRolledBack, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "not responding")
}

func TestHandleDecision_RollbackFailureReportsBoth(t *testing.T) {
	bus := &fakeBus{}
	handler := &scriptedHandler{
		execErr:     errors.New("execute boom"),
		rollbackErr: errors.New("rollback boom"),
	}
	e := newExecutor(t, bus, map[string]Handler{"clear_cache": handler})

	require.NoError(t, e.HandleDecision(context.Background(), safeDecision()))

	outcomes := bus.outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "execute boom")
	assert.Contains(t, outcomes[0].Error, "rollback boom")
}

func TestHandleDecision_NoRollbackHandlerFails(t *testing.T) {
	bus := &fakeBus{}
	handler := &plainHandler{execErr: errors.New("boom")}
	e := newExecutor(t, bus, map[string]Handler{"clear_cache": handler})

	require.NoError(t, e.HandleDecision(context.Background(), safeDecision()))

	outcomes := bus.outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeFailed, outcomes[0].Status)
}

func TestHandleDecision_MissingHandlerFails(t *testing.T) {
	bus := &fakeBus{}
	e := newExecutor(t, bus, map[string]Handler{})

	require.NoError(t, e.HandleDecision(context.Background(), safeDecision()))

	outcomes := bus.outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "no handler")
}

func TestExecuteApproved_RunsRiskyAction(t *testing.T) {
	bus := &fakeBus{}
	handler := &scriptedHandler{}
	e := newExecutor(t, bus, map[string]Handler{"restart_service": handler})

	req, dec := approvedPair(5 * time.Minute)
	e.ExecuteApproved(context.Background(), req, dec)

	assert.Equal(t, 1, handler.executed)
	outcomes := bus.outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeSuccess, outcomes[0].Status)
}

func TestExecuteApproved_ExpiredAtExecutionRejected(t *testing.T) {
	bus := &fakeBus{}
	handler := &scriptedHandler{}
	e := newExecutor(t, bus, map[string]Handler{"restart_service": handler})

	req, dec := approvedPair(-time.Second)
	e.ExecuteApproved(context.Background(), req, dec)

	assert.Zero(t, handler.executed, "expiry is re-checked at the moment of execution")
	outcomes := bus.outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeRejected, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "expired")
}

func TestExecuteApproved_DenyVerbRejected(t *testing.T) {
	bus := &fakeBus{}
	handler := &scriptedHandler{}
	e := newExecutor(t, bus, map[string]Handler{"restart_service": handler})

	req, dec := approvedPair(5 * time.Minute)
	dec.Decision = contracts.ApprovalVerbDeny
	e.ExecuteApproved(context.Background(), req, dec)

	assert.Zero(t, handler.executed)
	outcomes := bus.outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeRejected, outcomes[0].Status)
}

func TestExecuteApproved_DecisionIDMismatchRejected(t *testing.T) {
	bus := &fakeBus{}
	handler := &scriptedHandler{}
	e := newExecutor(t, bus, map[string]Handler{"restart_service": handler})

	req, dec := approvedPair(5 * time.Minute)
	dec.DecisionID = uuid.New().String()
	e.ExecuteApproved(context.Background(), req, dec)

	assert.Zero(t, handler.executed)
	outcomes := bus.outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.OutcomeRejected, outcomes[0].Status)
}

func TestExecuteApproved_CooldownBlocksRepeat(t *testing.T) {
	bus := &fakeBus{}
	handler := &scriptedHandler{}
	e := newExecutor(t, bus, map[string]Handler{"restart_service": handler})

	req, dec := approvedPair(5 * time.Minute)
	e.ExecuteApproved(context.Background(), req, dec)
	e.ExecuteApproved(context.Background(), req, dec)

	assert.Equal(t, 1, handler.executed)
	outcomes := bus.outcomes()
	require.Len(t, outcomes, 2)
	assert.Equal(t, contracts.OutcomeSuccess, outcomes[0].Status)
	assert.Equal(t, contracts.OutcomeRejected, outcomes[1].Status)
	assert.Contains(t, outcomes[1].Error, "cooldown")
}

func TestExecuteApproved_CooldownRejectionLeavesProbeFree(t *testing.T) {
	bus := &fakeBus{}
	handler := &scriptedHandler{}
	base := time.Now().UTC()
	offset := time.Duration(0)
	breaker := guard.NewCircuitBreaker(guard.WithBreakerClock(func() time.Time { return base.Add(offset) }))
	e := New(bus, loadTestPolicies(t), guard.NewCooldownTracker(), breaker,
		map[string]Handler{"restart_service": handler}, "orion-core")

	req, dec := approvedPair(5 * time.Minute)
	e.ExecuteApproved(context.Background(), req, dec)
	require.Equal(t, 1, handler.executed)

	for i := 0; i < guard.DefaultFailureThreshold; i++ {
		breaker.RecordFailure("restart_service")
	}
	offset = guard.DefaultOpenDuration
	require.Equal(t, guard.StateHalfOpen, breaker.State("restart_service"))

	// The cooldown from the first run rejects the repeat before the
	// breaker is consulted, so the half-open probe stays available.
	e.ExecuteApproved(context.Background(), req, dec)
	assert.Equal(t, 1, handler.executed)
	outcomes := bus.outcomes()
	require.Len(t, outcomes, 2)
	assert.Equal(t, contracts.OutcomeRejected, outcomes[1].Status)
	assert.Contains(t, outcomes[1].Error, "cooldown")
	assert.NoError(t, breaker.Allow("restart_service"), "a rejected run must not hold the probe")
}

func TestExecuteApproved_ForceOverridesGuards(t *testing.T) {
	bus := &fakeBus{}
	handler := &scriptedHandler{}
	e := newExecutor(t, bus, map[string]Handler{"restart_service": handler})

	req, dec := approvedPair(5 * time.Minute)
	e.ExecuteApproved(context.Background(), req, dec)
	require.Equal(t, 1, handler.executed)

	forced := dec
	forced.Decision = contracts.ApprovalVerbForce
	forced.Reason = "restart is urgent, cooldown verified safe"
	forced.OverrideCooldown = true
	e.ExecuteApproved(context.Background(), req, forced)

	assert.Equal(t, 2, handler.executed, "force with the override skips the cooldown gate")
	outcomes := bus.outcomes()
	require.Len(t, outcomes, 2)
	assert.Equal(t, contracts.OutcomeSuccess, outcomes[1].Status)
}
