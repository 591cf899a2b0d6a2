// Package policy loads the declarative action policies.
//
// Policies are the single source of truth for SAFE vs RISKY classification,
// cooldowns and approval rules. The loader is fail-closed: overlapping
// SAFE/RISKY sets, RISKY actions without an approval policy, or approval
// timeouts above the hard cap refuse to load.
package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/orion-homelab/orion/internal/contracts"
)

// MaxApprovalTimeoutSeconds is the hard cap on approval expiry.
const MaxApprovalTimeoutSeconds = 3600

// ApprovalPolicy governs how a RISKY action gets approved.
type ApprovalPolicy struct {
	TimeoutSeconds    int  `yaml:"timeout_seconds"`
	RequiredApprovers int  `yaml:"required_approvers"`
	OverrideAllowed   bool `yaml:"override_allowed"`
}

// Store holds the loaded, immutable policy sets. Hot reload requires a
// restart.
type Store struct {
	safe      map[string]bool
	risky     map[string]bool
	cooldowns map[string]int
	scopeKeys map[string]string // action_type -> parameter key used as cooldown scope
	approval  map[string]ApprovalPolicy
}

type safeFile struct {
	SafeActions []struct {
		ActionType  string `yaml:"action_type"`
		Description string `yaml:"description"`
	} `yaml:"safe_actions"`
}

type riskyFile struct {
	RiskyActions []struct {
		ActionType  string `yaml:"action_type"`
		Description string `yaml:"description"`
	} `yaml:"risky_actions"`
}

type cooldownFile struct {
	ActionCooldowns []struct {
		ActionType string `yaml:"action_type"`
		Cooldown   string `yaml:"cooldown"`
		AppliesPer string `yaml:"applies_per"`
	} `yaml:"action_cooldowns"`
}

type approvalFile struct {
	ApprovalPolicies []struct {
		ActionType string `yaml:"action_type"`
		ApprovalPolicy `yaml:",inline"`
	} `yaml:"approval_policies"`
}

// Load reads actions_safe.yaml, actions_risky.yaml, cooldowns.yaml and
// approval.yaml from dir and verifies the invariants.
func Load(dir string) (*Store, error) {
	s := &Store{
		safe:      make(map[string]bool),
		risky:     make(map[string]bool),
		cooldowns: make(map[string]int),
		scopeKeys: make(map[string]string),
		approval:  make(map[string]ApprovalPolicy),
	}

	var safe safeFile
	if err := readYAML(filepath.Join(dir, "actions_safe.yaml"), &safe); err != nil {
		return nil, err
	}
	for _, a := range safe.SafeActions {
		s.safe[a.ActionType] = true
	}

	var risky riskyFile
	if err := readYAML(filepath.Join(dir, "actions_risky.yaml"), &risky); err != nil {
		return nil, err
	}
	for _, a := range risky.RiskyActions {
		s.risky[a.ActionType] = true
	}

	var cooldowns cooldownFile
	if err := readYAML(filepath.Join(dir, "cooldowns.yaml"), &cooldowns); err != nil {
		return nil, err
	}
	for _, c := range cooldowns.ActionCooldowns {
		secs, err := parseDuration(c.Cooldown)
		if err != nil {
			return nil, fmt.Errorf("cooldown for %s: %w", c.ActionType, err)
		}
		s.cooldowns[c.ActionType] = secs
		if c.AppliesPer != "" {
			s.scopeKeys[c.ActionType] = c.AppliesPer
		}
	}

	var approvals approvalFile
	if err := readYAML(filepath.Join(dir, "approval.yaml"), &approvals); err != nil {
		return nil, err
	}
	for _, p := range approvals.ApprovalPolicies {
		s.approval[p.ActionType] = p.ApprovalPolicy
	}

	if err := s.verify(); err != nil {
		return nil, err
	}

	slog.Info("[Policy] Policies loaded",
		"safe", len(s.safe), "risky", len(s.risky),
		"cooldowns", len(s.cooldowns), "approval_policies", len(s.approval))
	return s, nil
}

func (s *Store) verify() error {
	for a := range s.safe {
		if s.risky[a] {
			return fmt.Errorf("action %q is in both SAFE and RISKY sets", a)
		}
	}
	for a := range s.risky {
		p, ok := s.approval[a]
		if !ok {
			return fmt.Errorf("RISKY action %q has no approval policy", a)
		}
		if p.TimeoutSeconds <= 0 || p.TimeoutSeconds > MaxApprovalTimeoutSeconds {
			return fmt.Errorf("RISKY action %q approval timeout %ds out of range (0, %d]",
				a, p.TimeoutSeconds, MaxApprovalTimeoutSeconds)
		}
	}
	return nil
}

// Classify returns SAFE, RISKY or UNKNOWN. Callers must treat UNKNOWN as
// RISKY.
func (s *Store) Classify(actionType string) string {
	switch {
	case s.safe[actionType]:
		return contracts.ClassSafe
	case s.risky[actionType]:
		return contracts.ClassRisky
	default:
		return contracts.ClassUnknown
	}
}

// CooldownSeconds returns the cooldown for an action, 0 if unspecified.
func (s *Store) CooldownSeconds(actionType string) int {
	return s.cooldowns[actionType]
}

// ScopeKey returns the parameter key whose value scopes the action's
// cooldown (e.g. "service"), or "" for a global cooldown.
func (s *Store) ScopeKey(actionType string) string {
	return s.scopeKeys[actionType]
}

// ApprovalPolicyFor returns the approval policy for an action.
func (s *Store) ApprovalPolicyFor(actionType string) (ApprovalPolicy, bool) {
	p, ok := s.approval[actionType]
	return p, ok
}

// SafeActions returns a copy of the SAFE action set.
func (s *Store) SafeActions() []string { return keys(s.safe) }

// RiskyActions returns a copy of the RISKY action set.
func (s *Store) RiskyActions() []string { return keys(s.risky) }

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func readYAML(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(out); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// parseDuration converts "60s", "5m" or "1h" to seconds. A bare number is
// taken as seconds.
func parseDuration(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	mult := 1
	switch {
	case strings.HasSuffix(s, "h"):
		mult, s = 3600, strings.TrimSuffix(s, "h")
	case strings.HasSuffix(s, "m"):
		mult, s = 60, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "s"):
		s = strings.TrimSuffix(s, "s")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q", s)
	}
	return n * mult, nil
}
