// Package responders implements keyword-driven agents whose replies are
// described by YAML rule sets.
//
// A rule set names an agent, an ordered list of rules and a fallback. The
// first rule with any keyword contained in the lower-cased message wins, so
// rule order is priority order. Replies are text/template documents rendered
// with the message, the agent's Info and a crisis assessment of the message.
package responders

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// ErrInvalidRuleSet is wrapped by all rule set validation failures.
var ErrInvalidRuleSet = errors.New("invalid rule set")

// Rule is one keyword-triggered reply.
type Rule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Type     string   `yaml:"type"`
	Status   string   `yaml:"status"`
	Template string   `yaml:"template"`
}

// RuleSet describes one agent.
type RuleSet struct {
	Agent          agenkit.Info `yaml:"agent"`
	ResponsePrefix string       `yaml:"response_prefix"`
	Rules          []Rule       `yaml:"rules"`
	Fallback       Rule         `yaml:"fallback"`

	// Source is the file the rule set was loaded from.
	Source string `yaml:"-"`
}

// Validate checks that the rule set can be turned into an agent.
func (rs *RuleSet) Validate() error {
	if rs.Agent.ID == "" {
		return fmt.Errorf("%w: agent.id is required", ErrInvalidRuleSet)
	}
	if strings.TrimSpace(rs.Fallback.Template) == "" {
		return fmt.Errorf("%w: %s: fallback template is required", ErrInvalidRuleSet, rs.Agent.ID)
	}
	seen := make(map[string]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		if r.Name == "" {
			return fmt.Errorf("%w: %s: rule %d has no name", ErrInvalidRuleSet, rs.Agent.ID, i)
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: %s: duplicate rule %q", ErrInvalidRuleSet, rs.Agent.ID, r.Name)
		}
		seen[r.Name] = true
		if len(r.Keywords) == 0 {
			return fmt.Errorf("%w: %s: rule %q has no keywords", ErrInvalidRuleSet, rs.Agent.ID, r.Name)
		}
		if strings.TrimSpace(r.Template) == "" {
			return fmt.Errorf("%w: %s: rule %q has no template", ErrInvalidRuleSet, rs.Agent.ID, r.Name)
		}
	}
	return nil
}

// ParseRuleSet decodes and validates a YAML rule set.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	if rs.Agent.Name == "" {
		rs.Agent.Name = rs.Agent.ID
	}
	if rs.ResponsePrefix == "" {
		rs.ResponsePrefix = rs.Agent.ID
	}
	if rs.Fallback.Name == "" {
		rs.Fallback.Name = "general"
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Builtin returns the embedded rule sets, sorted by agent ID.
func Builtin() ([]*RuleSet, error) {
	return loadFS(builtinFS, "builtin")
}

// LoadDir reads every *.yaml and *.yml file in dir.
func LoadDir(dir string) ([]*RuleSet, error) {
	return loadFS(os.DirFS(dir), ".")
}

func loadFS(fsys fs.FS, root string) ([]*RuleSet, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule directory: %w", err)
	}

	var sets []*RuleSet
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		path := filepath.ToSlash(filepath.Join(root, entry.Name()))
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		rs, err := ParseRuleSet(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		rs.Source = entry.Name()
		sets = append(sets, rs)
	}

	sort.Slice(sets, func(i, j int) bool { return sets[i].Agent.ID < sets[j].Agent.ID })
	return sets, nil
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Merge overlays sets onto base by agent ID. Later sets win.
func Merge(base []*RuleSet, overlays ...[]*RuleSet) []*RuleSet {
	byID := make(map[string]*RuleSet, len(base))
	for _, rs := range base {
		byID[rs.Agent.ID] = rs
	}
	for _, overlay := range overlays {
		for _, rs := range overlay {
			byID[rs.Agent.ID] = rs
		}
	}
	merged := make([]*RuleSet, 0, len(byID))
	for _, rs := range byID {
		merged = append(merged, rs)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Agent.ID < merged[j].Agent.ID })
	return merged
}
