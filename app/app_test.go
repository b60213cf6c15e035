package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/adapter/llm"
	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
	"github.com/scttfrdmn/agenkit/incident-go/config"
	"github.com/scttfrdmn/agenkit/incident-go/incident"
	"github.com/scttfrdmn/agenkit/incident-go/middleware"
	"github.com/scttfrdmn/agenkit/incident-go/responders"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Audit.Enabled = false
	cfg.Incident.Timings = incident.Timings{}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestNew_RegistersEveryAgent(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	for _, name := range []string{
		"crisis-manager", "triage-agent", "monitoring-agent", "analysis-agent",
		"monitor-agent-llm", "triage-agent-llm", "fix-agent-llm", RouterName,
	} {
		if _, ok := a.Registry.Lookup(name); !ok {
			t.Errorf("expected %s to be registered", name)
		}
	}
	if a.Metrics == nil {
		t.Error("expected a metrics registry by default")
	}
	if _, ok := a.Transcriber.(*llm.StaticTranscriber); !ok {
		t.Errorf("expected static transcriber, got %T", a.Transcriber)
	}
}

func TestNew_RoutesThroughRegistry(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	resp, err := a.Router.Process(context.Background(), agenkit.NewMessage("user", "please check the system health"))
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.MetadataString("routed_agent"); got != "monitoring-agent" {
		t.Errorf("expected monitoring-agent, got %q", got)
	}
}

func TestNew_CompanyReachesResponders(t *testing.T) {
	cfg := testConfig(t)
	cfg.Team.Company = "ShopCo"
	cfg.Team.Contest = "Launch Week"
	a := newTestApp(t, cfg)

	agent, _ := a.Registry.Lookup("crisis-manager")
	if info := agent.Info(); info.Company != "ShopCo" || info.Contest != "Launch Week" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestApp_ReloadResponders(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	rs, err := responders.ParseRuleSet([]byte(`
agent:
  id: comms-agent
  name: Comms Agent
rules:
  - name: update
    keywords: [update]
    template: "Status update posted"
fallback:
  template: "Comms ready"
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ReloadResponders([]*responders.RuleSet{rs}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"comms-agent", "crisis-manager", "fix-agent-llm", RouterName} {
		if _, ok := a.Registry.Lookup(name); !ok {
			t.Errorf("expected %s after reload", name)
		}
	}
}

func TestApp_TeamMiddleware(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	a := newTestApp(t, cfg)

	agent, _ := a.Team.Agent(incident.RoleTriage)
	var chain []string
	for {
		chain = append(chain, strings.TrimPrefix(fmt.Sprintf("%T", agent), "*"))
		u, ok := agent.(middleware.Unwrapper)
		if !ok {
			break
		}
		agent = u.Unwrap()
	}
	got := strings.Join(chain, ">")
	want := "observability.TracingDecorator>middleware.RetryDecorator>middleware.TimeoutDecorator>llm.Agent"
	if got != want {
		t.Errorf("expected chain %s, got %s", want, got)
	}

	cfg.LLM.Provider = config.ProviderOpenAI
	withBreaker := a.TeamMiddleware()
	if len(withBreaker) != 4 {
		t.Errorf("expected a circuit breaker for model-backed agents, got %d middleware", len(withBreaker))
	}
}

func TestApp_ResponseCycle(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	a.Coordinator.TriggerFailure(ctx)
	a.Coordinator.Wait()

	snap, err := a.Coordinator.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Metrics.TotalIncidents != 1 || len(snap.History) != 1 {
		t.Errorf("expected one resolved incident, got %+v", snap.Metrics)
	}
	if snap.Status != incident.StatusHealthy {
		t.Errorf("expected healthy after resolution, got %s", snap.Status)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	next := testConfig(t)
	next.Incident.AutoResolution = false

	if err := a.ApplyConfig(context.Background(), next); err != nil {
		t.Fatal(err)
	}
	if a.Coordinator.AutoResolution() {
		t.Error("expected auto resolution to be turned off")
	}
}

func TestModelsFor(t *testing.T) {
	if _, _, err := ModelsFor(config.LLMConfig{Provider: "anthropic"}); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}

	factory, tr, err := ModelsFor(config.LLMConfig{
		Provider:           config.ProviderAzure,
		APIKey:             "key",
		Endpoint:           "https://example.openai.azure.com",
		Deployments:        map[string]string{"gpt-4o": "prod-4o"},
		TranscriptionModel: "whisper-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	model, err := factory(incident.Member{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if model.Model() != "prod-4o" {
		t.Errorf("expected mapped deployment, got %q", model.Model())
	}
	if tr.Model() != "whisper-1" {
		t.Errorf("unexpected transcription model %q", tr.Model())
	}
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(ctx); err != nil {
		t.Errorf("second close: %v", err)
	}
}
