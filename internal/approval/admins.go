// Package approval tracks outstanding RISKY approvals and enforces the
// rule that silence is never permission: an approval request either gets a
// valid, identity-checked terminal decision before its expiry or it
// escalates and the action never runs.
package approval

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// AdminRegistry is the declared admin list. Approval decisions from any
// other identity are rejected and audited.
type AdminRegistry struct {
	admins map[string]string // approver_id -> display name
}

type adminFile struct {
	Admins []struct {
		ApproverID string `yaml:"approver_id"`
		Name       string `yaml:"name"`
	} `yaml:"admins"`
}

// LoadAdmins reads admin.yaml from the policy directory. An empty admin
// list is a configuration error: N3 would be unusable and every approval
// would silently expire.
func LoadAdmins(policyDir string) (*AdminRegistry, error) {
	path := filepath.Join(policyDir, "admin.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read admin list: %w", err)
	}
	var doc adminFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse admin.yaml: %w", err)
	}
	if len(doc.Admins) == 0 {
		return nil, fmt.Errorf("admin.yaml declares no admins")
	}

	r := &AdminRegistry{admins: make(map[string]string, len(doc.Admins))}
	for _, a := range doc.Admins {
		if a.ApproverID == "" {
			return nil, fmt.Errorf("admin entry with empty approver_id")
		}
		r.admins[a.ApproverID] = a.Name
	}
	slog.Info("[Approval] Admin list loaded", "admins", len(r.admins))
	return r, nil
}

// NewAdminRegistry builds a registry from ids directly (tests).
func NewAdminRegistry(ids ...string) *AdminRegistry {
	r := &AdminRegistry{admins: make(map[string]string, len(ids))}
	for _, id := range ids {
		r.admins[id] = id
	}
	return r
}

// IsAdmin reports whether the identity is on the declared list.
func (r *AdminRegistry) IsAdmin(approverID string) bool {
	_, ok := r.admins[approverID]
	return ok
}
