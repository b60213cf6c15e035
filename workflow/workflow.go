// Package workflow runs the crisis management workflow: an ordered pipeline
// of steps from assessment to validation.
//
// Each step sees the run record left by the steps before it. The pipeline
// stops at the first failed step; the remaining steps stay pending.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/scttfrdmn/agenkit/incident-go/assess"
)

// StepStatus is the progress of one step or of a whole run.
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusFailed     StepStatus = "failed"
)

// Step names of the crisis workflow, in order.
const (
	StepAssessCrisis            = "assess_crisis"
	StepActivateTeam            = "activate_team"
	StepImplementSolution       = "implement_solution"
	StepCommunicateStakeholders = "communicate_stakeholders"
	StepMonitorProgress         = "monitor_progress"
	StepValidateSuccess         = "validate_success"
)

// ErrDeadlineExceeded is returned when a run outlives its deadline.
var ErrDeadlineExceeded = errors.New("workflow deadline exceeded")

// Handler performs one step and returns a short summary of its output.
type Handler func(ctx context.Context, run *Run) (string, error)

// Step is one named stage of a workflow.
type Step struct {
	Name        string
	Description string
	Handler     Handler
}

// Definition describes a workflow for discovery.
type Definition struct {
	Name         string        `json:"name" mapstructure:"name"`
	Description  string        `json:"description" mapstructure:"description"`
	Type         string        `json:"type" mapstructure:"type"`
	Company      string        `json:"company,omitempty" mapstructure:"company"`
	Contest      string        `json:"contest,omitempty" mapstructure:"contest"`
	Deadline     time.Duration `json:"-" mapstructure:"deadline"`
	DeadlineText string        `json:"deadline" mapstructure:"-"`
	Model        string        `json:"model" mapstructure:"model"`
	Steps        []string      `json:"steps" mapstructure:"-"`
	Capabilities []string      `json:"capabilities" mapstructure:"capabilities"`
}

// DefaultDefinition returns the crisis workflow metadata.
func DefaultDefinition() Definition {
	return Definition{
		Name:        "Crisis Management Workflow",
		Description: "Handle a product launch crisis end to end",
		Type:        "crisis_management",
		Deadline:    30 * time.Minute,
		Model:       "gpt-5",
		Capabilities: []string{
			"crisis_assessment",
			"team_coordination",
			"stakeholder_communication",
			"progress_monitoring",
		},
	}
}

// StepResult records one step of a run.
type StepResult struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Run is the record of one workflow execution.
type Run struct {
	ID         string             `json:"id"`
	Workflow   string             `json:"workflow"`
	Input      string             `json:"input"`
	Status     StepStatus         `json:"status"`
	Assessment *assess.Assessment `json:"assessment,omitempty"`
	Steps      []StepResult       `json:"steps"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Deadline   time.Time          `json:"deadline"`
}

// Output returns the output of the named step, if it completed.
func (r *Run) Output(step string) string {
	for _, s := range r.Steps {
		if s.Name == step && s.Status == StatusCompleted {
			return s.Output
		}
	}
	return ""
}

// Workflow executes its steps in order.
type Workflow struct {
	def    Definition
	steps  []Step
	logger *slog.Logger
	now    func() time.Time
}

// New creates a workflow. At least one step is required.
func New(def Definition, steps []Step, logger *slog.Logger) (*Workflow, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("at least one step is required")
	}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.Name == "" || s.Handler == nil {
			return nil, fmt.Errorf("step %d needs a name and a handler", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate step %q", s.Name)
		}
		seen[s.Name] = true
	}
	if logger == nil {
		logger = slog.Default()
	}
	if def.Deadline <= 0 {
		def.Deadline = DefaultDefinition().Deadline
	}
	def.DeadlineText = formatDeadline(def.Deadline)
	def.Steps = make([]string, len(steps))
	for i, s := range steps {
		def.Steps[i] = s.Name
	}
	return &Workflow{def: def, steps: steps, logger: logger, now: time.Now}, nil
}

func formatDeadline(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}

// SetClock replaces the time source.
func (w *Workflow) SetClock(now func() time.Time) {
	w.now = now
}

// Config returns the workflow metadata.
func (w *Workflow) Config() Definition {
	def := w.def
	def.Steps = append([]string(nil), w.def.Steps...)
	def.Capabilities = append([]string(nil), w.def.Capabilities...)
	return def
}

// Run executes every step for input. The returned run is complete even when
// a step fails; the error names the failed step.
func (w *Workflow) Run(ctx context.Context, input string) (*Run, error) {
	start := w.now().UTC()
	run := &Run{
		ID:        ulid.Make().String(),
		Workflow:  w.def.Name,
		Input:     input,
		Status:    StatusInProgress,
		Steps:     make([]StepResult, len(w.steps)),
		StartedAt: start,
		Deadline:  start.Add(w.def.Deadline),
	}
	for i, s := range w.steps {
		run.Steps[i] = StepResult{Name: s.Name, Status: StatusPending}
	}
	w.logger.Info("workflow started", "workflow", w.def.Name, "run", run.ID)

	for i, step := range w.steps {
		err := ctx.Err()
		if err == nil && w.now().After(run.Deadline) {
			err = ErrDeadlineExceeded
		}

		result := &run.Steps[i]
		began := w.now().UTC()
		result.StartedAt = &began
		result.Status = StatusInProgress

		var output string
		if err == nil {
			output, err = step.Handler(ctx, run)
		}
		finished := w.now().UTC()
		result.FinishedAt = &finished

		if err != nil {
			result.Status = StatusFailed
			result.Error = err.Error()
			run.Status = StatusFailed
			run.FinishedAt = &finished
			w.logger.Warn("workflow step failed", "run", run.ID, "step", step.Name, "error", err)
			return run, fmt.Errorf("step %d (%s) failed: %w", i, step.Name, err)
		}

		result.Status = StatusCompleted
		result.Output = output
		w.logger.Debug("workflow step completed", "run", run.ID, "step", step.Name)
	}

	finished := w.now().UTC()
	run.Status = StatusCompleted
	run.FinishedAt = &finished
	w.logger.Info("workflow completed", "workflow", w.def.Name, "run", run.ID,
		"duration", finished.Sub(start).String())
	return run, nil
}
