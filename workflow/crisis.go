package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
	"github.com/scttfrdmn/agenkit/incident-go/assess"
	"github.com/scttfrdmn/agenkit/incident-go/router"
)

// Responders that the crisis workflow consults.
const (
	CrisisManager   = "crisis-manager"
	TriageAgent     = "triage-agent"
	MonitoringAgent = "monitoring-agent"
	AnalysisAgent   = "analysis-agent"
)

// NewCrisis builds the crisis management workflow. Agents are resolved
// through agents on every run, so hot-reloaded responders are picked up.
func NewCrisis(def Definition, assessor *assess.Assessor, agents router.AgentLookup, logger *slog.Logger) (*Workflow, error) {
	if assessor == nil {
		assessor = assess.New(assess.DefaultConfig())
	}
	if agents == nil {
		return nil, fmt.Errorf("crisis workflow needs an agent lookup")
	}
	c := &crisis{assessor: assessor, agents: agents, def: def}

	steps := []Step{
		{Name: StepAssessCrisis, Description: "Assess severity and type", Handler: c.assessCrisis},
		{Name: StepActivateTeam, Description: "Activate the response team", Handler: c.activateTeam},
		{Name: StepImplementSolution, Description: "Prioritize and apply the playbook", Handler: c.implementSolution},
		{Name: StepCommunicateStakeholders, Description: "Inform stakeholders", Handler: c.communicate},
		{Name: StepMonitorProgress, Description: "Watch service health", Handler: c.monitorProgress},
		{Name: StepValidateSuccess, Description: "Confirm the crisis is over", Handler: c.validate},
	}
	return New(def, steps, logger)
}

type crisis struct {
	assessor *assess.Assessor
	agents   router.AgentLookup
	def      Definition
}

func (c *crisis) assessCrisis(_ context.Context, run *Run) (string, error) {
	a := c.assessor.Assess(run.Input)
	run.Assessment = &a
	return fmt.Sprintf("%s (%s) %s crisis, confidence %.2f",
		a.Severity, a.Severity.Label(), a.Type, a.Confidence), nil
}

func (c *crisis) activateTeam(ctx context.Context, run *Run) (string, error) {
	return c.ask(ctx, CrisisManager, fmt.Sprintf("Crisis: %s. What is the team status?", run.Input))
}

func (c *crisis) implementSolution(ctx context.Context, run *Run) (string, error) {
	prompt := "Please prioritize the response to: " + run.Input
	if run.Assessment != nil && len(run.Assessment.Actions) > 0 {
		prompt += ". Planned actions: " + strings.Join(run.Assessment.Actions, "; ")
	}
	return c.ask(ctx, TriageAgent, prompt)
}

func (c *crisis) communicate(_ context.Context, run *Run) (string, error) {
	var b strings.Builder
	if c.def.Company != "" {
		fmt.Fprintf(&b, "%s update: ", c.def.Company)
	}
	b.WriteString("we are responding to an incident")
	if a := run.Assessment; a != nil {
		fmt.Fprintf(&b, " (%s, %s)", a.Severity, a.Type)
		if a.ETA > 0 {
			fmt.Fprintf(&b, ", expected resolution within %s", a.ETA)
		}
	}
	if c.def.Contest != "" {
		fmt.Fprintf(&b, ". %s remains on schedule", c.def.Contest)
	}
	b.WriteString(".")
	return b.String(), nil
}

func (c *crisis) monitorProgress(ctx context.Context, _ *Run) (string, error) {
	return c.ask(ctx, MonitoringAgent, "Report current health and metrics")
}

func (c *crisis) validate(ctx context.Context, run *Run) (string, error) {
	return c.ask(ctx, AnalysisAgent, "Give your recommendation on closing: "+run.Input)
}

func (c *crisis) ask(ctx context.Context, name, prompt string) (string, error) {
	agent, ok := c.agents.Lookup(name)
	if !ok {
		return "", fmt.Errorf("agent %q is not registered", name)
	}
	resp, err := agent.Process(ctx, agenkit.NewMessage("user", prompt))
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return resp.Content, nil
}
