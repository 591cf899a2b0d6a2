package council

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/orion-homelab/orion/internal/contracts"
)

// LocalValidator is a model-free heuristic reviewer. It disapproves of
// destructive vocabulary in the proposed action and otherwise approves with
// moderate confidence. It exists so the council always has a panel member
// even when no model backend is reachable.
type LocalValidator struct{}

// Name implements Validator.
func (LocalValidator) Name() string { return "local" }

// destructiveTerms flag actions the local reviewer will not endorse.
var destructiveTerms = []string{"delete", "remove", "wipe", "format", "destroy", "purge", "shutdown"}

// Assess implements Validator.
func (LocalValidator) Assess(_ context.Context, decision contracts.Decision) (Verdict, error) {
	if decision.ProposedAction == nil {
		return Verdict{Approve: true, Confidence: 0.9, Critique: "no side effects proposed"}, nil
	}
	subject := strings.ToLower(decision.ProposedAction.ActionType + " " + decision.Reasoning)
	for _, term := range destructiveTerms {
		if strings.Contains(subject, term) {
			return Verdict{
				Approve:    false,
				Confidence: 0.85,
				Critique:   fmt.Sprintf("action vocabulary contains %q, needs a human", term),
			}, nil
		}
	}
	return Verdict{Approve: true, Confidence: 0.6, Critique: "no destructive vocabulary detected"}, nil
}

// ChatClient is the slice of the inference layer a model-backed validator
// needs. The real implementation routes through the inference bus; tests
// use a canned client.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []contracts.ChatMessage) (string, error)
}

// ModelValidator asks a model to review the decision and parses a
// structured VERDICT/CONFIDENCE answer out of the reply.
type ModelValidator struct {
	name   string
	model  string
	client ChatClient
}

// NewModelValidator creates a model-backed validator.
func NewModelValidator(name, model string, client ChatClient) *ModelValidator {
	return &ModelValidator{name: name, model: model, client: client}
}

// Name implements Validator.
func (v *ModelValidator) Name() string { return v.name }

const reviewPrompt = `You are a safety reviewer for homelab automation.
Review the proposed action and answer with exactly two lines:
VERDICT: APPROVE or BLOCK
CONFIDENCE: a number between 0.0 and 1.0
Then one line of critique.`

// Assess implements Validator.
func (v *ModelValidator) Assess(ctx context.Context, decision contracts.Decision) (Verdict, error) {
	actionDesc := "no action"
	if decision.ProposedAction != nil {
		actionDesc = decision.ProposedAction.ActionType
	}
	reply, err := v.client.Chat(ctx, v.model, []contracts.ChatMessage{
		{Role: "system", Content: reviewPrompt},
		{Role: "user", Content: fmt.Sprintf("Action: %s\nClassification: %s\nReasoning: %s",
			actionDesc, decision.SafetyClassification, decision.Reasoning)},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("validator %s chat: %w", v.name, err)
	}
	return parseVerdict(reply)
}

var (
	verdictRe    = regexp.MustCompile(`(?i)VERDICT:\s*(APPROVE|BLOCK)`)
	confidenceRe = regexp.MustCompile(`(?i)CONFIDENCE:\s*([01](?:\.\d+)?)`)
)

// parseVerdict extracts the structured answer. An unparseable reply is an
// error, not a default approval.
func parseVerdict(reply string) (Verdict, error) {
	vm := verdictRe.FindStringSubmatch(reply)
	if vm == nil {
		return Verdict{}, fmt.Errorf("no VERDICT line in reply")
	}
	cm := confidenceRe.FindStringSubmatch(reply)
	if cm == nil {
		return Verdict{}, fmt.Errorf("no CONFIDENCE line in reply")
	}
	conf, err := strconv.ParseFloat(cm[1], 64)
	if err != nil || conf < 0 || conf > 1 {
		return Verdict{}, fmt.Errorf("bad confidence %q", cm[1])
	}

	critique := ""
	if idx := confidenceRe.FindStringIndex(reply); idx != nil {
		rest := reply[idx[1]:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			critique = strings.TrimSpace(rest[nl+1:])
		}
	}
	if critique == "" {
		critique = "no critique given"
	}

	return Verdict{
		Approve:    strings.EqualFold(vm[1], "APPROVE"),
		Confidence: conf,
		Critique:   critique,
	}, nil
}
