// Package council is the optional decision-review overlay.
//
// A panel of validators independently assesses an actionable decision; the
// council aggregates their verdicts with confidence-weighted voting. Any
// high-confidence disapproval is a safety veto that blocks outright. The
// council fails closed: if no validator produces a usable verdict, the
// review errors and the caller must withhold the action.
package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orion-homelab/orion/internal/contracts"
)

// Aggregation thresholds.
const (
	// ApproveThreshold is the minimum weighted approval score.
	ApproveThreshold = 0.7
	// VetoThreshold is the disapproval confidence that blocks outright.
	VetoThreshold = 0.8
	// DefaultValidatorTimeout bounds each validator call.
	DefaultValidatorTimeout = 30 * time.Second
)

// ErrNoVerdicts means every validator failed; the caller must fail closed.
var ErrNoVerdicts = errors.New("no validator produced a verdict")

// Verdict is one validator's assessment.
type Verdict struct {
	Approve    bool
	Confidence float64
	Critique   string
}

// Validator assesses a single decision.
type Validator interface {
	Name() string
	Assess(ctx context.Context, decision contracts.Decision) (Verdict, error)
}

// Council aggregates validator verdicts into a validation record.
type Council struct {
	validators []Validator
	source     string
	timeout    time.Duration
	clock      func() time.Time
}

// Option adjusts a Council.
type Option func(*Council)

// WithTimeout overrides the per-validator timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Council) { c.timeout = d }
}

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Council) { c.clock = clock }
}

// New creates a Council over the given validators.
func New(source string, validators []Validator, opts ...Option) (*Council, error) {
	if len(validators) == 0 {
		return nil, errors.New("council requires at least one validator")
	}
	c := &Council{
		validators: validators,
		source:     source,
		timeout:    DefaultValidatorTimeout,
		clock:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Review collects verdicts and aggregates them. Individual validator
// failures are tolerated; total failure returns ErrNoVerdicts.
func (c *Council) Review(ctx context.Context, decision contracts.Decision) (contracts.Validation, error) {
	type named struct {
		name    string
		verdict Verdict
	}
	var verdicts []named
	var used []string

	for _, v := range c.validators {
		vctx, cancel := context.WithTimeout(ctx, c.timeout)
		verdict, err := v.Assess(vctx, decision)
		cancel()
		if err != nil {
			slog.Warn("[Council] Validator failed", "validator", v.Name(), "decision_id", decision.DecisionID, "error", err)
			continue
		}
		verdicts = append(verdicts, named{v.Name(), verdict})
		used = append(used, v.Name())
	}

	if len(verdicts) == 0 {
		return contracts.Validation{}, fmt.Errorf("%w for decision %s", ErrNoVerdicts, decision.DecisionID)
	}

	validation := contracts.Validation{
		Version:        contracts.Version,
		ValidationID:   uuid.New().String(),
		Timestamp:      c.clock(),
		Source:         c.source,
		DecisionID:     decision.DecisionID,
		ValidatorsUsed: used,
	}

	var approveWeight, totalWeight float64
	var critiques []string
	for _, v := range verdicts {
		totalWeight += v.verdict.Confidence
		if v.verdict.Approve {
			approveWeight += v.verdict.Confidence
		} else {
			critiques = append(critiques, fmt.Sprintf("%s: %s", v.name, v.verdict.Critique))
			if v.verdict.Confidence >= VetoThreshold {
				validation.Result = contracts.ValidationBlocked
				validation.SafetyVetoTriggered = true
				validation.Confidence = v.verdict.Confidence
				validation.Critique = fmt.Sprintf("safety veto by %s: %s", v.name, v.verdict.Critique)
				slog.Warn("[Council] Safety veto",
					"decision_id", decision.DecisionID, "validator", v.name, "confidence", v.verdict.Confidence)
				return validation, nil
			}
		}
	}

	score := 0.0
	if totalWeight > 0 {
		score = approveWeight / totalWeight
	}
	validation.Confidence = score

	if score >= ApproveThreshold {
		validation.Result = contracts.ValidationApproved
		validation.Critique = fmt.Sprintf("weighted approval %.2f from %d validator(s)", score, len(verdicts))
	} else {
		validation.Result = contracts.ValidationBlocked
		validation.Critique = fmt.Sprintf("weighted approval %.2f below threshold %.2f; %s",
			score, ApproveThreshold, strings.Join(critiques, "; "))
	}

	slog.Info("[Council] Review complete",
		"decision_id", decision.DecisionID, "result", validation.Result,
		"confidence", validation.Confidence, "validators", len(verdicts))
	return validation, nil
}
