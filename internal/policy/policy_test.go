package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orion-homelab/orion/internal/contracts"
)

func writePolicyDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func validPolicyFiles() map[string]string {
	return map[string]string{
		"actions_safe.yaml": `safe_actions:
  - action_type: acknowledge_incident
  - action_type: clear_cache
`,
		"actions_risky.yaml": `risky_actions:
  - action_type: restart_service
`,
		"cooldowns.yaml": `action_cooldowns:
  - action_type: acknowledge_incident
    cooldown: 60s
  - action_type: clear_cache
    cooldown: 5m
  - action_type: restart_service
    cooldown: 5m
    applies_per: service
`,
		"approval.yaml": `approval_policies:
  - action_type: restart_service
    timeout_seconds: 300
    required_approvers: 1
    override_allowed: true
`,
	}
}

func TestLoad_Classification(t *testing.T) {
	dir := writePolicyDir(t, validPolicyFiles())
	s, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, contracts.ClassSafe, s.Classify("acknowledge_incident"))
	assert.Equal(t, contracts.ClassSafe, s.Classify("clear_cache"))
	assert.Equal(t, contracts.ClassRisky, s.Classify("restart_service"))
	assert.Equal(t, contracts.ClassUnknown, s.Classify("format_disk"),
		"unlisted actions must classify UNKNOWN")
}

func TestLoad_CooldownsAndScopes(t *testing.T) {
	dir := writePolicyDir(t, validPolicyFiles())
	s, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 60, s.CooldownSeconds("acknowledge_incident"))
	assert.Equal(t, 300, s.CooldownSeconds("clear_cache"))
	assert.Equal(t, 300, s.CooldownSeconds("restart_service"))
	assert.Equal(t, 0, s.CooldownSeconds("unlisted"))

	assert.Equal(t, "service", s.ScopeKey("restart_service"))
	assert.Equal(t, "", s.ScopeKey("clear_cache"), "no applies_per means a global cooldown")
}

func TestLoad_RejectsSafeRiskyOverlap(t *testing.T) {
	files := validPolicyFiles()
	files["actions_risky.yaml"] = `risky_actions:
  - action_type: restart_service
  - action_type: clear_cache
`
	files["approval.yaml"] += `  - action_type: clear_cache
    timeout_seconds: 300
`
	_, err := Load(writePolicyDir(t, files))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both SAFE and RISKY")
}

func TestLoad_RejectsRiskyWithoutApprovalPolicy(t *testing.T) {
	files := validPolicyFiles()
	files["approval.yaml"] = `approval_policies: []
`
	_, err := Load(writePolicyDir(t, files))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no approval policy")
}

func TestLoad_RejectsTimeoutAboveCap(t *testing.T) {
	files := validPolicyFiles()
	files["approval.yaml"] = `approval_policies:
  - action_type: restart_service
    timeout_seconds: 7200
`
	_, err := Load(writePolicyDir(t, files))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestLoad_MissingFileFails(t *testing.T) {
	files := validPolicyFiles()
	delete(files, "cooldowns.yaml")
	_, err := Load(writePolicyDir(t, files))
	require.Error(t, err)
}

func TestApprovalPolicyFor(t *testing.T) {
	s, err := Load(writePolicyDir(t, validPolicyFiles()))
	require.NoError(t, err)

	pol, ok := s.ApprovalPolicyFor("restart_service")
	require.True(t, ok)
	assert.Equal(t, 300, pol.TimeoutSeconds)
	assert.Equal(t, 1, pol.RequiredApprovers)
	assert.True(t, pol.OverrideAllowed)

	_, ok = s.ApprovalPolicyFor("clear_cache")
	assert.False(t, ok)
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"60s", 60},
		{"5m", 300},
		{"1h", 3600},
		{"90", 90},
		{" 30s ", 30},
	}
	for _, tc := range cases {
		got, err := parseDuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := parseDuration("")
	assert.Error(t, err)
	_, err = parseDuration("soon")
	assert.Error(t, err)
}
