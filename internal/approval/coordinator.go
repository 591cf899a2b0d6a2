package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orion-homelab/orion/internal/contracts"
	"github.com/orion-homelab/orion/internal/policy"
)

// Request states.
const (
	StatePending  = "PENDING"
	StateApproved = "APPROVED"
	StateDenied   = "DENIED"
	StateExpired  = "EXPIRED"
	StateRejected = "REJECTED"
)

// minForceReasonLen is the minimum justification length on a force.
const minForceReasonLen = 10

// Auditor records coordinator activity in the append-only trail.
type Auditor interface {
	Append(contractType string, record any) error
}

// ApprovedFunc receives a validated, non-expired approval together with its
// request. The core wires this to the executor.
type ApprovedFunc func(ctx context.Context, req contracts.ApprovalRequest, dec contracts.ApprovalDecision)

type entry struct {
	request contracts.ApprovalRequest
	state   string
}

// Coordinator is the approval state machine. Each request reaches at most
// one terminal state; replays and unknown identities are audited no-ops.
// All state is in-memory; pending approvals are lost on restart, which
// fails closed (the action simply never runs).
type Coordinator struct {
	mu         sync.Mutex
	admins     *AdminRegistry
	policies   *policy.Store
	audit      Auditor
	onApproved ApprovedFunc
	clock      func() time.Time

	requests map[string]*entry // approval_request_id -> entry
}

// Option adjusts a Coordinator.
type Option func(*Coordinator)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// New creates a Coordinator.
func New(admins *AdminRegistry, policies *policy.Store, audit Auditor, onApproved ApprovedFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		admins:     admins,
		policies:   policies,
		audit:      audit,
		onApproved: onApproved,
		clock:      func() time.Time { return time.Now().UTC() },
		requests:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleRequest registers a new approval request as PENDING. Duplicate
// request ids are ignored.
func (c *Coordinator) HandleRequest(ctx context.Context, req contracts.ApprovalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.requests[req.ApprovalRequestID]; ok {
		slog.Debug("[Approval] Duplicate request ignored", "approval_request_id", req.ApprovalRequestID)
		return nil
	}
	c.requests[req.ApprovalRequestID] = &entry{request: req, state: StatePending}
	slog.Info("[Approval] Request pending",
		"approval_request_id", req.ApprovalRequestID, "action_type", req.ActionType,
		"expires_at", req.ExpiresAt.Format(time.RFC3339))
	return c.audit.Append(contracts.TypeApprovalRequest, req)
}

// HandleDecision applies an inbound approval decision. Invalid identity,
// unknown request, terminal replay, expired request and malformed force
// decisions are all audited rejections that never authorize execution.
func (c *Coordinator) HandleDecision(ctx context.Context, dec contracts.ApprovalDecision) error {
	c.mu.Lock()

	verdict, e := c.evaluate(dec)
	if verdict != "" {
		c.mu.Unlock()
		return c.reject(dec, verdict)
	}

	now := c.clock()
	switch dec.Decision {
	case contracts.ApprovalVerbDeny:
		e.state = StateDenied
		c.mu.Unlock()
		slog.Info("[Approval] Request denied",
			"approval_request_id", dec.ApprovalRequestID, "approver_id", dec.ApproverID, "reason", dec.Reason)
		return c.audit.Append(contracts.TypeApprovalDecision, dec)

	case contracts.ApprovalVerbApprove, contracts.ApprovalVerbForce:
		e.state = StateApproved
		req := e.request
		c.mu.Unlock()

		slog.Info("[Approval] Request approved",
			"approval_request_id", dec.ApprovalRequestID, "approver_id", dec.ApproverID,
			"decision", dec.Decision, "remaining", req.ExpiresAt.Sub(now).Round(time.Second))
		if err := c.audit.Append(contracts.TypeApprovalDecision, dec); err != nil {
			return err
		}
		if c.onApproved != nil {
			c.onApproved(ctx, req, dec)
		}
		return nil

	default:
		c.mu.Unlock()
		return c.reject(dec, fmt.Sprintf("unknown decision verb %q", dec.Decision))
	}
}

// evaluate checks the decision against the state machine under c.mu. It
// returns a non-empty rejection cause, or the live entry to transition.
func (c *Coordinator) evaluate(dec contracts.ApprovalDecision) (string, *entry) {
	if !c.admins.IsAdmin(dec.ApproverID) {
		return fmt.Sprintf("approver %q is not on the admin list", dec.ApproverID), nil
	}

	e, ok := c.requests[dec.ApprovalRequestID]
	if !ok {
		return fmt.Sprintf("unknown approval request %q", dec.ApprovalRequestID), nil
	}
	if e.state != StatePending {
		return fmt.Sprintf("request already terminal in state %s", e.state), nil
	}
	if e.request.DecisionID != dec.DecisionID {
		return fmt.Sprintf("decision id mismatch: request carries %q", e.request.DecisionID), nil
	}
	if !c.clock().Before(e.request.ExpiresAt) {
		e.state = StateExpired
		return "request expired before the decision arrived", nil
	}

	if dec.Decision == contracts.ApprovalVerbForce {
		if len(dec.Reason) < minForceReasonLen {
			return "force requires a substantive reason", nil
		}
		pol, ok := c.policies.ApprovalPolicyFor(e.request.ActionType)
		if !ok || !pol.OverrideAllowed {
			return fmt.Sprintf("policy for %s does not allow overrides", e.request.ActionType), nil
		}
	}
	return "", e
}

func (c *Coordinator) reject(dec contracts.ApprovalDecision, cause string) error {
	slog.Warn("[Approval] Decision rejected",
		"approval_request_id", dec.ApprovalRequestID, "approver_id", dec.ApproverID, "cause", cause)
	return c.audit.Append("approval_rejection", map[string]any{
		"rejected_at":         c.clock(),
		"cause":               cause,
		"approval_request_id": dec.ApprovalRequestID,
		"decision_id":         dec.DecisionID,
		"approver_id":         dec.ApproverID,
		"decision":            dec.Decision,
	})
}

// Sweep expires pending requests whose deadline has passed. Expiry is an
// escalation, never an approval: it is logged, audited and the action
// never runs. Expired and terminal entries are pruned so the request map
// stays bounded; a decision arriving after the prune rejects through the
// unknown-request path.
func (c *Coordinator) Sweep(ctx context.Context) {
	now := c.clock()

	c.mu.Lock()
	var expired []contracts.ApprovalRequest
	for id, e := range c.requests {
		switch {
		case e.state == StatePending && !now.Before(e.request.ExpiresAt):
			expired = append(expired, e.request)
			delete(c.requests, id)
		case e.state != StatePending:
			delete(c.requests, id)
		}
	}
	c.mu.Unlock()

	for _, req := range expired {
		slog.Error("[Approval] ESCALATION: request expired without a decision",
			"approval_request_id", req.ApprovalRequestID, "decision_id", req.DecisionID,
			"action_type", req.ActionType)
		if err := c.audit.Append("escalation", map[string]any{
			"escalated_at":        now,
			"approval_request_id": req.ApprovalRequestID,
			"decision_id":         req.DecisionID,
			"action_type":         req.ActionType,
			"cause":               "approval expired without a decision",
		}); err != nil {
			slog.Error("[Approval] Failed to audit escalation", "error", err)
		}
	}
}

// Run drives the expiry sweep until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("[Approval] Sweep loop stopped")
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// State returns the current state of a request, "" if unknown.
func (c *Coordinator) State(requestID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.requests[requestID]; ok {
		return e.state
	}
	return ""
}

// PendingCount returns the number of PENDING requests.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.requests {
		if e.state == StatePending {
			n++
		}
	}
	return n
}
