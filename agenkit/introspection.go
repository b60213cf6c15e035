package agenkit

import (
	"fmt"
	"time"
)

// IntrospectionResult is a snapshot of an agent's internal state.
//
// The agents listing serves one of these per registered agent so operators
// can see which rules are loaded and how often each has fired.
type IntrospectionResult struct {
	// Timestamp when introspection was performed (UTC)
	Timestamp time.Time `json:"timestamp"`

	// AgentName is the name of the agent that was introspected
	AgentName string `json:"agent_name"`

	// Info is the agent's descriptive metadata
	Info Info `json:"info"`

	// InternalState contains agent-specific internal state
	InternalState map[string]interface{} `json:"internal_state"`
}

// Introspector is implemented by agents that expose internal state.
type Introspector interface {
	Introspect() *IntrospectionResult
}

// NewIntrospectionResult creates a new introspection result with validation.
func NewIntrospectionResult(info Info, internalState map[string]interface{}) (*IntrospectionResult, error) {
	if internalState == nil {
		internalState = make(map[string]interface{})
	}
	if info.Capabilities == nil {
		info.Capabilities = []string{}
	}
	result := &IntrospectionResult{
		Timestamp:     time.Now().UTC(),
		AgentName:     info.Name,
		Info:          info,
		InternalState: internalState,
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

// Validate validates the introspection result.
func (r *IntrospectionResult) Validate() error {
	if r.AgentName == "" {
		return fmt.Errorf("agent_name cannot be empty")
	}
	if r.InternalState == nil {
		return fmt.Errorf("internal_state cannot be nil (use empty map instead)")
	}
	return nil
}

// Introspect returns the agent's own snapshot if it implements Introspector,
// or a default result built from Name and Info otherwise.
func Introspect(agent Agent) *IntrospectionResult {
	if in, ok := agent.(Introspector); ok {
		if result := in.Introspect(); result != nil {
			return result
		}
	}
	info := agent.Info()
	if info.Name == "" {
		info.Name = agent.Name()
	}
	if info.Capabilities == nil {
		info.Capabilities = agent.Capabilities()
	}
	return &IntrospectionResult{
		Timestamp:     time.Now().UTC(),
		AgentName:     agent.Name(),
		Info:          info,
		InternalState: make(map[string]interface{}),
	}
}
