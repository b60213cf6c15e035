package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/adapter/registry"
	"github.com/scttfrdmn/agenkit/incident-go/assess"
	"github.com/scttfrdmn/agenkit/incident-go/responders"
)

func builtinRegistry(t *testing.T) *registry.AgentRegistry {
	t.Helper()
	sets, err := responders.Builtin()
	if err != nil {
		t.Fatal(err)
	}
	agents, err := responders.BuildAgents(sets)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.NewAgentRegistry(nil)
	if err := reg.ReplaceAll(agents); err != nil {
		t.Fatal(err)
	}
	return reg
}

func constStep(name, out string) Step {
	return Step{Name: name, Handler: func(context.Context, *Run) (string, error) { return out, nil }}
}

func TestWorkflow_RunsStepsInOrder(t *testing.T) {
	var order []string
	step := func(name string) Step {
		return Step{Name: name, Handler: func(_ context.Context, run *Run) (string, error) {
			order = append(order, name)
			return name + " done", nil
		}}
	}
	wf, err := New(DefaultDefinition(), []Step{step("a"), step("b"), step("c")}, nil)
	if err != nil {
		t.Fatal(err)
	}

	run, err := wf.Run(context.Background(), "input")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(order, ",") != "a,b,c" {
		t.Errorf("expected a,b,c, got %v", order)
	}
	if run.Status != StatusCompleted || run.FinishedAt == nil {
		t.Errorf("expected completed run, got %+v", run)
	}
	if run.Output("b") != "b done" {
		t.Errorf("expected output of b, got %q", run.Output("b"))
	}
	if run.ID == "" || len(run.ID) != 26 {
		t.Errorf("expected a ULID run id, got %q", run.ID)
	}
}

func TestWorkflow_StopsAtFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	steps := []Step{
		constStep("first", "ok"),
		{Name: "second", Handler: func(context.Context, *Run) (string, error) { return "", boom }},
		constStep("third", "never"),
	}
	wf, _ := New(DefaultDefinition(), steps, nil)

	run, err := wf.Run(context.Background(), "x")
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	want := []StepStatus{StatusCompleted, StatusFailed, StatusPending}
	for i, s := range run.Steps {
		if s.Status != want[i] {
			t.Errorf("step %s: expected %s, got %s", s.Name, want[i], s.Status)
		}
	}
	if run.Status != StatusFailed || run.Steps[1].Error != "boom" {
		t.Errorf("unexpected run %+v", run)
	}
}

func TestWorkflow_CancelledContext(t *testing.T) {
	wf, _ := New(DefaultDefinition(), []Step{constStep("only", "ok")}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := wf.Run(ctx, "x")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if run.Steps[0].Status != StatusFailed {
		t.Errorf("expected failed step, got %s", run.Steps[0].Status)
	}
}

func TestWorkflow_Deadline(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	def := DefaultDefinition()
	def.Deadline = time.Minute
	steps := []Step{
		{Name: "slow", Handler: func(context.Context, *Run) (string, error) {
			now = now.Add(2 * time.Minute)
			return "late", nil
		}},
		constStep("after", "never"),
	}
	wf, _ := New(def, steps, nil)
	wf.SetClock(func() time.Time { return now })

	if _, err := wf.Run(context.Background(), "x"); !errors.Is(err, ErrDeadlineExceeded) {
		t.Errorf("expected ErrDeadlineExceeded, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(DefaultDefinition(), nil, nil); err == nil {
		t.Error("expected error without steps")
	}
	if _, err := New(DefaultDefinition(), []Step{constStep("a", ""), constStep("a", "")}, nil); err == nil {
		t.Error("expected duplicate step error")
	}
	if _, err := New(DefaultDefinition(), []Step{{Name: "a"}}, nil); err == nil {
		t.Error("expected missing handler error")
	}
}

func TestCrisis_Config(t *testing.T) {
	def := DefaultDefinition()
	def.Company = "ShopCo"
	wf, err := NewCrisis(def, nil, builtinRegistry(t), nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg := wf.Config()
	if cfg.Type != "crisis_management" || cfg.DeadlineText != "30 minutes" || cfg.Model != "gpt-5" {
		t.Errorf("unexpected config %+v", cfg)
	}
	want := []string{StepAssessCrisis, StepActivateTeam, StepImplementSolution,
		StepCommunicateStakeholders, StepMonitorProgress, StepValidateSuccess}
	if strings.Join(cfg.Steps, ",") != strings.Join(want, ",") {
		t.Errorf("expected steps %v, got %v", want, cfg.Steps)
	}
	if len(cfg.Capabilities) != 4 {
		t.Errorf("expected 4 capabilities, got %v", cfg.Capabilities)
	}
}

func TestCrisis_EndToEnd(t *testing.T) {
	def := DefaultDefinition()
	def.Company = "ShopCo"
	wf, err := NewCrisis(def, assess.New(assess.DefaultConfig()), builtinRegistry(t), nil)
	if err != nil {
		t.Fatal(err)
	}

	run, err := wf.Run(context.Background(), "Critical outage: payment checkout is down for all users")
	if err != nil {
		t.Fatal(err)
	}
	if run.Assessment == nil || run.Assessment.Severity != assess.SeverityCritical {
		t.Fatalf("expected a critical assessment, got %+v", run.Assessment)
	}
	for _, s := range run.Steps {
		if s.Status != StatusCompleted || s.Output == "" {
			t.Errorf("step %s: status %s output %q", s.Name, s.Status, s.Output)
		}
	}
	if msg := run.Output(StepCommunicateStakeholders); !strings.HasPrefix(msg, "ShopCo update:") {
		t.Errorf("unexpected stakeholder message %q", msg)
	}
}

func TestCrisis_MissingAgent(t *testing.T) {
	wf, err := NewCrisis(DefaultDefinition(), nil, registry.NewAgentRegistry(nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	run, err := wf.Run(context.Background(), "search is down")
	if err == nil {
		t.Fatal("expected error without registered responders")
	}
	if run.Steps[0].Status != StatusCompleted || run.Steps[1].Status != StatusFailed {
		t.Errorf("expected assessment to run before the missing agent, got %+v", run.Steps)
	}

	if _, err := NewCrisis(DefaultDefinition(), nil, nil, nil); err == nil {
		t.Error("expected error without lookup")
	}
}
