package responders

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

func builtinAgent(t *testing.T, id string, opts ...Option) *RuleAgent {
	t.Helper()
	sets, err := Builtin()
	if err != nil {
		t.Fatalf("Builtin() error = %v", err)
	}
	for _, rs := range sets {
		if rs.Agent.ID == id {
			a, err := NewRuleAgent(rs, opts...)
			if err != nil {
				t.Fatalf("NewRuleAgent(%s) error = %v", id, err)
			}
			return a
		}
	}
	t.Fatalf("builtin rule set %s not found", id)
	return nil
}

func TestBuiltin_LoadsTeam(t *testing.T) {
	sets, err := Builtin()
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"analysis-agent", "crisis-manager", "monitoring-agent", "triage-agent"}
	if len(sets) != len(want) {
		t.Fatalf("expected %d rule sets, got %d", len(want), len(sets))
	}
	for i, rs := range sets {
		if rs.Agent.ID != want[i] {
			t.Errorf("sets[%d] = %s, want %s", i, rs.Agent.ID, want[i])
		}
		if _, err := NewRuleAgent(rs); err != nil {
			t.Errorf("rule set %s does not compile: %v", rs.Agent.ID, err)
		}
	}
}

func TestRuleAgent_CrisisRule(t *testing.T) {
	agent := builtinAgent(t, "crisis-manager", WithCompany("Acme"))

	resp, err := agent.Process(context.Background(), agenkit.NewMessage("user", "crisis: Payment system down before launch"))
	if err != nil {
		t.Fatal(err)
	}

	if resp.MetadataString(agenkit.MetaType) != "crisis_response" {
		t.Errorf("expected type crisis_response, got %s", resp.MetadataString(agenkit.MetaType))
	}
	if resp.MetadataString(agenkit.MetaStatus) != "active" {
		t.Errorf("expected status active, got %s", resp.MetadataString(agenkit.MetaStatus))
	}
	if resp.Author != "crisis-manager" {
		t.Errorf("expected author crisis-manager, got %s", resp.Author)
	}
	for _, want := range []string{"CRISIS PROTOCOL ACTIVATED", "P0 (payment)", "Company: Acme", "ETA resolution: 15m0s"} {
		if !strings.Contains(resp.Content, want) {
			t.Errorf("expected content to contain %q, got:\n%s", want, resp.Content)
		}
	}
}

func TestRuleAgent_RuleOrderIsPriority(t *testing.T) {
	agent := builtinAgent(t, "crisis-manager")

	// "emergency" and "status" both match; the crisis rule is declared first.
	resp, err := agent.Process(context.Background(), agenkit.NewMessage("user", "emergency status please"))
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.MetadataString(agenkit.MetaRule); got != "crisis" {
		t.Errorf("expected rule crisis, got %s", got)
	}
}

func TestRuleAgent_Fallback(t *testing.T) {
	agent := builtinAgent(t, "triage-agent")

	resp, err := agent.Process(context.Background(), agenkit.NewMessage("user", "good morning"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.MetadataString(agenkit.MetaType) != "general" {
		t.Errorf("expected general type, got %s", resp.MetadataString(agenkit.MetaType))
	}
	if !strings.Contains(resp.Content, `You said: "good morning"`) {
		t.Errorf("expected echo of message, got:\n%s", resp.Content)
	}
}

func TestRuleAgent_CaseInsensitive(t *testing.T) {
	agent := builtinAgent(t, "monitoring-agent")

	if got := agent.Match("HEALTH check").Name; got != "health" {
		t.Errorf("expected health rule, got %s", got)
	}
}

func TestRuleAgent_TriageNumbersActions(t *testing.T) {
	agent := builtinAgent(t, "triage-agent")

	resp, err := agent.Process(context.Background(), agenkit.NewMessage("user", "triage the payment outage"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Content, "1. Assemble crisis response team") {
		t.Errorf("expected numbered action list, got:\n%s", resp.Content)
	}
}

func TestRuleAgent_ResponseIDStable(t *testing.T) {
	agent := builtinAgent(t, "analysis-agent")
	ctx := context.Background()

	a, _ := agent.Process(ctx, agenkit.NewMessage("user", "analyze latency"))
	b, _ := agent.Process(ctx, agenkit.NewMessage("user", "analyze latency"))

	idA := a.MetadataString(agenkit.MetaResponseID)
	if idA != b.MetadataString(agenkit.MetaResponseID) {
		t.Errorf("expected stable response id, got %s and %s", idA, b.MetadataString(agenkit.MetaResponseID))
	}
	if !strings.HasPrefix(idA, "analysis-") {
		t.Errorf("expected analysis- prefix, got %s", idA)
	}
}

func TestRuleAgent_EmptyMessage(t *testing.T) {
	agent := builtinAgent(t, "crisis-manager")

	for _, msg := range []*agenkit.Message{nil, agenkit.NewMessage("user", "  ")} {
		_, err := agent.Process(context.Background(), msg)
		if !errors.Is(err, agenkit.ErrEmptyMessage) {
			t.Errorf("expected ErrEmptyMessage, got %v", err)
		}
	}
}

func TestRuleAgent_IntrospectCountsHits(t *testing.T) {
	agent := builtinAgent(t, "crisis-manager")
	ctx := context.Background()

	_, _ = agent.Process(ctx, agenkit.NewMessage("user", "status"))
	_, _ = agent.Process(ctx, agenkit.NewMessage("user", "status?"))
	_, _ = agent.Process(ctx, agenkit.NewMessage("user", "hi"))

	result := agenkit.Introspect(agent)
	hits, ok := result.InternalState["hits"].(map[string]int)
	if !ok {
		t.Fatalf("expected hits map, got %T", result.InternalState["hits"])
	}
	if hits["status"] != 2 || hits["general"] != 1 {
		t.Errorf("unexpected hits: %v", hits)
	}
}

func TestParseRuleSet_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no id", "fallback: {template: hi}"},
		{"no fallback", "agent: {id: x}"},
		{"rule without keywords", "agent: {id: x}\nfallback: {template: hi}\nrules: [{name: a, template: t}]"},
		{"duplicate rule", "agent: {id: x}\nfallback: {template: hi}\nrules: [{name: a, keywords: [k], template: t}, {name: a, keywords: [k], template: t}]"},
		{"bad yaml", "agent: ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRuleSet([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidRuleSet) {
				t.Errorf("expected ErrInvalidRuleSet, got %v", err)
			}
		})
	}
}

func TestNewRuleAgent_BadTemplate(t *testing.T) {
	rs, err := ParseRuleSet([]byte("agent: {id: x}\nfallback: {template: \"{{.Nope\"}"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewRuleAgent(rs); !errors.Is(err, ErrInvalidRuleSet) {
		t.Errorf("expected ErrInvalidRuleSet, got %v", err)
	}
}

const customCrisis = `agent:
  id: crisis-manager
  name: Custom Crisis Manager
  model: gpt-4o
fallback:
  template: "custom fallback: {{.Message}}"
`

func TestLoadTeam_OverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "crisis.yaml"), []byte(customCrisis), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	sets, err := LoadTeam(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 4 {
		t.Fatalf("expected 4 rule sets, got %d", len(sets))
	}

	agents, err := BuildAgents(sets)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range agents {
		if a.Name() != "crisis-manager" {
			continue
		}
		if a.Info().Name != "Custom Crisis Manager" {
			t.Errorf("expected override, got %s", a.Info().Name)
		}
	}
}

func TestDirWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	reloaded := make(chan []*RuleSet, 1)

	w, err := NewDirWatcher(dir, func(sets []*RuleSet) error {
		reloaded <- sets
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(filepath.Join(dir, "crisis.yaml"), []byte(customCrisis), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case sets := <-reloaded:
		if len(sets) != 1 || sets[0].Agent.ID != "crisis-manager" {
			t.Errorf("unexpected reload result: %+v", sets)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
