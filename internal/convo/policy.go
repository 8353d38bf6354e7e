package convo

import (
	"fmt"
	"os"

	"github.com/haydenbarnes/convo-sync/internal/store"
	"gopkg.in/yaml.v3"
)

// AccessTarget is the (access set, access role) pair an access-mode
// change aims for.
type AccessTarget struct {
	Access []store.AccessFlag `yaml:"access"`
	Role   store.AccessRole   `yaml:"role"`
}

// AccessPolicy maps the two access modes onto concrete targets. The
// defaults match the service's semantics; deployments can override them
// from a YAML file.
type AccessPolicy struct {
	TeamOnly  AccessTarget `yaml:"team_only"`
	GuestRoom AccessTarget `yaml:"guest_room"`
}

// DefaultAccessPolicy returns the built-in policy table.
func DefaultAccessPolicy() AccessPolicy {
	return AccessPolicy{
		TeamOnly: AccessTarget{
			Access: []store.AccessFlag{store.AccessInvite},
			Role:   store.RoleTeam,
		},
		GuestRoom: AccessTarget{
			Access: []store.AccessFlag{store.AccessInvite, store.AccessCode},
			Role:   store.RoleNonActivated,
		},
	}
}

// LoadAccessPolicy reads policy overrides from a YAML file, starting
// from the defaults. An empty path returns the defaults unchanged.
func LoadAccessPolicy(path string) (AccessPolicy, error) {
	policy := DefaultAccessPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("reading access policy file: %w", err)
	}

	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("parsing access policy file: %w", err)
	}

	return policy, nil
}

// Target returns the policy target for the requested mode.
func (p AccessPolicy) Target(teamOnly bool) AccessTarget {
	if teamOnly {
		return p.TeamOnly
	}

	return p.GuestRoom
}
