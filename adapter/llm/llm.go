// Package llm provides the minimal LLM contract used by the response team.
//
// The interface is intentionally small so the team can run against a hosted
// model (OpenAI or Azure OpenAI) or against canned replies when no
// credentials are configured, without changing agent code.
package llm

import (
	"context"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

// LLM is the minimal interface for agent-LLM interaction.
//
// Example:
//
//	model := NewOpenAILLM("sk-...", "gpt-4o-mini")
//	messages := []*agenkit.Message{
//	    agenkit.NewMessage("system", "You are the triage agent."),
//	    agenkit.NewMessage("user", "Search is returning 503s"),
//	}
//	response, err := model.Complete(ctx, messages, WithTemperature(0.2))
type LLM interface {
	// Complete generates a single completion. The response has role
	// "agent" and carries provider data (model, usage) in its metadata.
	Complete(ctx context.Context, messages []*agenkit.Message, opts ...CallOption) (*agenkit.Message, error)

	// Stream generates completion chunks. The channel is closed when the
	// stream ends; a chunk with an "error" metadata key reports failure.
	Stream(ctx context.Context, messages []*agenkit.Message, opts ...CallOption) (<-chan *agenkit.Message, error)

	// Model returns the model identifier for this LLM instance.
	Model() string

	// Unwrap returns the underlying provider client.
	Unwrap() interface{}
}

// CallOptions holds provider-specific options for LLM calls.
type CallOptions struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64

	// Provider-specific options
	Extra map[string]interface{}
}

// CallOption is a functional option for configuring LLM calls.
type CallOption func(*CallOptions)

// WithTemperature sets the sampling temperature (typically 0.0-2.0).
func WithTemperature(temperature float64) CallOption {
	return func(opts *CallOptions) {
		opts.Temperature = &temperature
	}
}

// WithMaxTokens sets the maximum number of tokens to generate.
func WithMaxTokens(maxTokens int) CallOption {
	return func(opts *CallOptions) {
		opts.MaxTokens = &maxTokens
	}
}

// WithTopP sets the nucleus sampling parameter.
func WithTopP(topP float64) CallOption {
	return func(opts *CallOptions) {
		opts.TopP = &topP
	}
}

// WithExtra adds a provider-specific option.
func WithExtra(key string, value interface{}) CallOption {
	return func(opts *CallOptions) {
		if opts.Extra == nil {
			opts.Extra = make(map[string]interface{})
		}
		opts.Extra[key] = value
	}
}

// BuildCallOptions creates CallOptions from functional options.
func BuildCallOptions(opts ...CallOption) *CallOptions {
	options := &CallOptions{
		Extra: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
