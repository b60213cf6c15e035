package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

// Agent is an agenkit.Agent backed by an LLM and a system prompt.
type Agent struct {
	info   agenkit.Info
	model  LLM
	prompt string
	opts   []CallOption
}

// NewAgent creates an LLM-backed agent. info.Model is filled from the LLM
// when empty.
func NewAgent(info agenkit.Info, model LLM, systemPrompt string, opts ...CallOption) (*Agent, error) {
	if info.ID == "" {
		return nil, fmt.Errorf("agent id cannot be empty")
	}
	if model == nil {
		return nil, fmt.Errorf("llm cannot be nil")
	}
	if info.Name == "" {
		info.Name = info.ID
	}
	if info.Model == "" {
		info.Model = model.Model()
	}
	return &Agent{info: info, model: model, prompt: systemPrompt, opts: opts}, nil
}

// Name returns the agent ID.
func (a *Agent) Name() string {
	return a.info.ID
}

// Capabilities returns the declared capabilities.
func (a *Agent) Capabilities() []string {
	return append([]string(nil), a.info.Capabilities...)
}

// Info returns the agent metadata.
func (a *Agent) Info() agenkit.Info {
	info := a.info
	info.Capabilities = a.Capabilities()
	return info
}

// Process sends the system prompt and the message to the LLM.
func (a *Agent) Process(ctx context.Context, message *agenkit.Message) (*agenkit.Message, error) {
	if message.IsEmpty() {
		return nil, agenkit.ErrEmptyMessage
	}

	messages := make([]*agenkit.Message, 0, 2)
	if a.prompt != "" {
		messages = append(messages, agenkit.NewMessage("system", a.prompt))
	}
	messages = append(messages, agenkit.NewMessage("user", message.Content))

	resp, err := a.model.Complete(ctx, messages, a.opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.info.ID, err)
	}

	out := agenkit.NewMessage("assistant", strings.TrimSpace(resp.Content)).
		WithAuthor(a.info.ID).
		WithMetadata(agenkit.MetaModel, a.model.Model()).
		WithMetadata(agenkit.MetaType, "llm_response").
		WithMetadata(agenkit.MetaStatus, "active")
	if usage, ok := resp.Metadata["usage"]; ok {
		out.WithMetadata("usage", usage)
	}
	return out, nil
}
