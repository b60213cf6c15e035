package responders

import (
	"fmt"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

// BuildAgents compiles rule sets into agents, applying opts to each.
func BuildAgents(sets []*RuleSet, opts ...Option) ([]agenkit.Agent, error) {
	agents := make([]agenkit.Agent, 0, len(sets))
	for _, rs := range sets {
		a, err := NewRuleAgent(rs, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to build agent %s: %w", rs.Agent.ID, err)
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// LoadTeam returns the built-in rule sets overlaid with those in dir, if dir
// is non-empty.
func LoadTeam(dir string) ([]*RuleSet, error) {
	sets, err := Builtin()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return sets, nil
	}
	extra, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return Merge(sets, extra), nil
}
