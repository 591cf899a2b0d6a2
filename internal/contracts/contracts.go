// Package contracts defines the typed messages exchanged on the ORION bus.
//
// Every message shares a common envelope: a "1.0" version constant, a UUID
// identifier, a UTC timestamp and a source string. The authoritative wire
// definitions are the JSON Schema files under contracts/; these structs
// mirror them one to one.
package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Version is the schema version carried by every message.
const Version = "1.0"

// Contract type names, used as schema keys and to derive stream names.
const (
	TypeEvent             = "event"
	TypeIncident          = "incident"
	TypeDecision          = "decision"
	TypeApprovalRequest   = "approval_request"
	TypeApprovalDecision  = "approval_decision"
	TypeAction            = "action"
	TypeOutcome           = "outcome"
	TypeValidation        = "validation"
	TypeInferenceRequest  = "inference_request"
	TypeInferenceResponse = "inference_response"
)

// Severity levels for events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Decision types emitted by the decider.
const (
	DecisionNoAction        = "NO_ACTION"
	DecisionExecuteSafe     = "EXECUTE_SAFE_ACTION"
	DecisionRequestApproval = "REQUEST_APPROVAL"
)

// Safety classifications. UNKNOWN is always handled as RISKY by callers.
const (
	ClassSafe    = "SAFE"
	ClassRisky   = "RISKY"
	ClassUnknown = "UNKNOWN"
)

// Autonomy levels.
const (
	AutonomyN0 = "N0"
	AutonomyN2 = "N2"
	AutonomyN3 = "N3"
)

// Outcome statuses.
const (
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeRolledBack = "rolled_back"
	OutcomeRejected   = "rejected"
)

// Event is a raw observation emitted by a watcher.
type Event struct {
	Version   string         `json:"version"`
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds an Event with a fresh UUID and UTC timestamp.
func NewEvent(source, eventType, severity string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Version:   Version,
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		EventType: eventType,
		Severity:  severity,
		Data:      data,
	}
}

// Window bounds an incident's correlation interval.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Incident is a correlated situation produced by the correlator.
type Incident struct {
	Version           string   `json:"version"`
	IncidentID        string   `json:"incident_id"`
	Timestamp         time.Time `json:"timestamp"`
	Source            string   `json:"source"`
	IncidentType      string   `json:"incident_type"`
	Severity          string   `json:"severity"`
	EventIDs          []string `json:"event_ids"`
	CorrelationWindow Window   `json:"correlation_window"`
	Fingerprint       string   `json:"fingerprint"`
	Description       string   `json:"description"`
	// Labels carry the identity-bearing event fields (service, device_id,
	// resource_type) forward so downstream stages never parse descriptions.
	Labels map[string]string `json:"labels,omitempty"`
}

// ProposedAction is the action payload attached to actionable decisions.
type ProposedAction struct {
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters"`
}

// Decision is the decider's output for one incident.
type Decision struct {
	Version              string          `json:"version"`
	DecisionID           string          `json:"decision_id"`
	Timestamp            time.Time       `json:"timestamp"`
	Source               string          `json:"source"`
	IncidentID           string          `json:"incident_id"`
	DecisionType         string          `json:"decision_type"`
	SafetyClassification string          `json:"safety_classification"`
	Reasoning            string          `json:"reasoning"`
	AutonomyLevel        string          `json:"autonomy_level"`
	ProposedAction       *ProposedAction `json:"proposed_action,omitempty"`
	ExpiresAt            *time.Time      `json:"expires_at,omitempty"`
}

// ApprovalRequest asks the admin to authorize a RISKY action.
type ApprovalRequest struct {
	Version           string         `json:"version"`
	ApprovalRequestID string         `json:"approval_request_id"`
	Timestamp         time.Time      `json:"timestamp"`
	Source            string         `json:"source"`
	DecisionID        string         `json:"decision_id"`
	IncidentID        string         `json:"incident_id"`
	ActionType        string         `json:"action_type"`
	Parameters        map[string]any `json:"parameters"`
	Reasoning         string         `json:"reasoning"`
	ExpiresAt         time.Time      `json:"expires_at"`
}

// Approval decision verbs.
const (
	ApprovalVerbApprove = "approve"
	ApprovalVerbDeny    = "deny"
	ApprovalVerbForce   = "force"
)

// ApprovalDecision is the admin's answer to an ApprovalRequest.
type ApprovalDecision struct {
	Version           string    `json:"version"`
	ApprovalID        string    `json:"approval_id"`
	Timestamp         time.Time `json:"timestamp"`
	Source            string    `json:"source"`
	ApprovalRequestID string    `json:"approval_request_id"`
	DecisionID        string    `json:"decision_id"`
	Decision          string    `json:"decision"`
	ApproverID        string    `json:"approver_id"`
	Reason            string    `json:"reason"`
	ExpiresAt         time.Time `json:"expires_at"`
	// Overrides are honored only on "force" decisions.
	OverrideCircuitBreaker bool `json:"override_circuit_breaker,omitempty"`
	OverrideCooldown       bool `json:"override_cooldown,omitempty"`
}

// Approved reports whether the decision authorizes execution.
func (d *ApprovalDecision) Approved() bool {
	return d.Decision == ApprovalVerbApprove || d.Decision == ApprovalVerbForce
}

// Expired reports whether the approval is no longer valid at t.
func (d *ApprovalDecision) Expired(t time.Time) bool {
	return !t.Before(d.ExpiresAt)
}

// Action is the concrete command derived from a decision.
type Action struct {
	Version              string         `json:"version"`
	ActionID             string         `json:"action_id"`
	Timestamp            time.Time      `json:"timestamp"`
	Source               string         `json:"source"`
	DecisionID           string         `json:"decision_id"`
	ActionType           string         `json:"action_type"`
	SafetyClassification string         `json:"safety_classification"`
	Parameters           map[string]any `json:"parameters"`
}

// Outcome is the executor's report for one action.
type Outcome struct {
	Version         string    `json:"version"`
	OutcomeID       string    `json:"outcome_id"`
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"`
	ActionID        string    `json:"action_id"`
	Status          string    `json:"status"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	Error           string    `json:"error,omitempty"`
}

// Validation results from the council overlay.
const (
	ValidationApproved = "APPROVED"
	ValidationBlocked  = "BLOCKED"
)

// Validation is the optional review-layer record attached to a decision.
type Validation struct {
	Version             string    `json:"version"`
	ValidationID        string    `json:"validation_id"`
	Timestamp           time.Time `json:"timestamp"`
	Source              string    `json:"source"`
	DecisionID          string    `json:"decision_id"`
	Result              string    `json:"result"`
	Confidence          float64   `json:"confidence"`
	Critique            string    `json:"critique"`
	ValidatorsUsed      []string  `json:"validators_used"`
	SafetyVetoTriggered bool      `json:"safety_veto_triggered"`
}
