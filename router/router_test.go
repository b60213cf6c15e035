package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

func TestModelRouter_Route(t *testing.T) {
	r := NewModelRouter(Config{})

	tests := []struct {
		query string
		want  string
	}{
		{"headphones", ModelMini},
		{"please analyze the checkout funnel", ModelStandard},
		{"build a comprehensive launch plan", ModelAdvanced},
		{"show technical performance numbers", ModelTechnical},
		{"I want to buy wireless headphones", ModelMini},
		// Length is checked before keywords.
		{"analyze", ModelMini},
		// First rule wins when several match.
		{"compare plan options for the launch", ModelStandard},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := r.Route(tt.query).Model; got != tt.want {
				t.Errorf("Route(%q) = %s, want %s", tt.query, got, tt.want)
			}
		})
	}
}

func TestModelRouter_Select(t *testing.T) {
	r := NewModelRouter(Config{})

	tests := []struct {
		name   string
		prompt string
		want   Complexity
	}{
		{"image keyword", "describe this image", Complex},
		{"image marker", "[IMAGE: http://x/y.png]", Complex},
		{"short", "plan it", Simple},
		{"long without reasoning", strings.Repeat("tell me about headphones ", 3), Simple},
		{"long with reasoning", "please compare the two vendors and tell me which fits the budget", Complex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Select(tt.prompt)
			if got.Complexity != tt.want {
				t.Errorf("Select(%q) = %s, want %s", tt.prompt, got.Complexity, tt.want)
			}
			wantDeployment := ModelMini
			if tt.want == Complex {
				wantDeployment = ModelAdvanced
			}
			if got.Deployment != wantDeployment {
				t.Errorf("deployment = %s, want %s", got.Deployment, wantDeployment)
			}
		})
	}
}

func TestModelRouter_EstimateLatency(t *testing.T) {
	r := NewModelRouter(Config{})
	r.SetRand(func() float64 { return 0 })

	query := strings.Repeat("a", 100)
	if got := r.EstimateLatency(ModelMini, query); got != 600*time.Millisecond {
		t.Errorf("expected 600ms for mini, got %v", got)
	}
	if got := r.EstimateLatency("unknown", ""); got != 200*time.Millisecond {
		t.Errorf("expected default 200ms, got %v", got)
	}

	r.SetRand(func() float64 { return 0.5 })
	if got := r.EstimateLatency(ModelAutoRouter, ""); got != 200*time.Millisecond {
		t.Errorf("expected 50ms base + 150ms jitter, got %v", got)
	}
}

func TestModelRouter_CustomRules(t *testing.T) {
	r := NewModelRouter(Config{
		Rules:        []ModelRule{{Model: "custom", Keywords: []string{"refund"}}},
		DefaultModel: "fallback",
	})

	if got := r.Route("customer asks for a refund").Model; got != "custom" {
		t.Errorf("expected custom, got %s", got)
	}
	if got := r.Route("customer asks a question").Model; got != "fallback" {
		t.Errorf("expected fallback, got %s", got)
	}
}

type echoAgent struct {
	name string
	caps []string
	err  error
}

func (a *echoAgent) Name() string           { return a.name }
func (a *echoAgent) Capabilities() []string { return a.caps }
func (a *echoAgent) Info() agenkit.Info     { return agenkit.Info{ID: a.name} }
func (a *echoAgent) Process(ctx context.Context, m *agenkit.Message) (*agenkit.Message, error) {
	if a.err != nil {
		return nil, a.err
	}
	return agenkit.NewMessage("assistant", a.name+": "+m.Content), nil
}

type mapLookup map[string]agenkit.Agent

func (m mapLookup) Lookup(name string) (agenkit.Agent, bool) {
	a, ok := m[name]
	return a, ok
}

func newTestRouter(t *testing.T, defaultCategory string) *AgentRouter {
	t.Helper()
	agents := mapLookup{}
	for _, r := range DefaultRoutes() {
		agents[r.Agent] = &echoAgent{name: r.Agent, caps: []string{r.Category}}
	}
	ar, err := NewAgentRouter(&AgentRouterConfig{
		Routes:          DefaultRoutes(),
		Agents:          agents,
		DefaultCategory: defaultCategory,
		Models:          NewModelRouter(Config{}),
	})
	if err != nil {
		t.Fatal(err)
	}
	return ar
}

func TestAgentRouter_RoutesByKeyword(t *testing.T) {
	ar := newTestRouter(t, "crisis")

	tests := []struct {
		content string
		agent   string
	}{
		{"crisis: payment outage", "crisis-manager"},
		{"please triage this", "triage-agent"},
		{"health check", "monitoring-agent"},
		{"analyze the logs", "analysis-agent"},
		{"hello", "crisis-manager"},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			resp, err := ar.Process(context.Background(), agenkit.NewMessage("user", tt.content))
			if err != nil {
				t.Fatal(err)
			}
			if got := resp.MetadataString("routed_agent"); got != tt.agent {
				t.Errorf("routed_agent = %s, want %s", got, tt.agent)
			}
			if resp.MetadataString(agenkit.MetaModel) == "" {
				t.Error("expected model metadata")
			}
		})
	}
}

func TestAgentRouter_NoDefault(t *testing.T) {
	ar := newTestRouter(t, "")

	_, err := ar.Process(context.Background(), agenkit.NewMessage("user", "hello"))
	if !errors.Is(err, ErrNoCategory) {
		t.Errorf("expected ErrNoCategory, got %v", err)
	}
}

func TestAgentRouter_MissingAgent(t *testing.T) {
	ar, err := NewAgentRouter(&AgentRouterConfig{
		Routes: []Route{{Category: "crisis", Agent: "gone", Keywords: []string{"crisis"}}},
		Agents: mapLookup{},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = ar.Process(context.Background(), agenkit.NewMessage("user", "crisis"))
	if err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Errorf("expected not registered error, got %v", err)
	}
}

func TestAgentRouter_InvalidConfig(t *testing.T) {
	if _, err := NewAgentRouter(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewAgentRouter(&AgentRouterConfig{Agents: mapLookup{}}); err == nil {
		t.Error("expected error for no routes")
	}
	_, err := NewAgentRouter(&AgentRouterConfig{
		Agents:          mapLookup{},
		Routes:          DefaultRoutes(),
		DefaultCategory: "missing",
	})
	if err == nil {
		t.Error("expected error for unknown default category")
	}
}

func TestAgentClassifier(t *testing.T) {
	classifierAgent := &replyAgent{reply: " Triage \n"}
	c := NewAgentClassifier(classifierAgent, []string{"crisis", "triage"})

	got, err := c.Classify(context.Background(), agenkit.NewMessage("user", "what first?"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "triage" {
		t.Errorf("expected triage, got %s", got)
	}
	if !strings.Contains(classifierAgent.lastPrompt, "crisis, triage") {
		t.Errorf("expected prompt to list categories, got %q", classifierAgent.lastPrompt)
	}

	classifierAgent.reply = "weather"
	if _, err := c.Classify(context.Background(), agenkit.NewMessage("user", "x")); !errors.Is(err, ErrNoCategory) {
		t.Errorf("expected ErrNoCategory, got %v", err)
	}
}

func TestChainClassifier_FallsThrough(t *testing.T) {
	chain := ChainClassifier{
		NewAgentClassifier(&echoAgent{name: "broken", err: errors.New("no credentials")}, []string{"crisis"}),
		NewKeywordClassifier(DefaultRoutes()),
	}

	got, err := chain.Classify(context.Background(), agenkit.NewMessage("user", "health check"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "monitoring" {
		t.Errorf("expected monitoring, got %s", got)
	}
}

type replyAgent struct {
	reply      string
	lastPrompt string
}

func (a *replyAgent) Name() string           { return "reply" }
func (a *replyAgent) Capabilities() []string { return nil }
func (a *replyAgent) Info() agenkit.Info     { return agenkit.Info{ID: "reply"} }
func (a *replyAgent) Process(ctx context.Context, m *agenkit.Message) (*agenkit.Message, error) {
	a.lastPrompt = m.Content
	return agenkit.NewMessage("assistant", a.reply), nil
}
