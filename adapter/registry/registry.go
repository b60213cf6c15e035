// Package registry provides agent discovery for the incident response team.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

// AgentRegistration contains information about a registered agent.
type AgentRegistration struct {
	Agent        agenkit.Agent
	RegisteredAt time.Time
	LastActive   time.Time
	Calls        int
}

// AgentRegistry is a thread-safe name to agent map.
//
// Rule file reloads swap the whole set atomically with ReplaceAll so
// concurrent lookups never observe a partially loaded team.
type AgentRegistry struct {
	agents map[string]*AgentRegistration
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry(logger *slog.Logger) *AgentRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentRegistry{
		agents: make(map[string]*AgentRegistration),
		logger: logger,
	}
}

// Register adds or replaces an agent.
//
// Returns:
//   - error: If agent is nil or its name is empty
func (r *AgentRegistry) Register(agent agenkit.Agent) error {
	if agent == nil {
		return fmt.Errorf("agent cannot be nil")
	}
	if agent.Name() == "" {
		return fmt.Errorf("agent name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.Name()]; exists {
		r.logger.Info("re-registering agent", "agent", agent.Name())
	} else {
		r.logger.Info("registering new agent", "agent", agent.Name())
	}
	r.agents[agent.Name()] = &AgentRegistration{
		Agent:        agent,
		RegisteredAt: time.Now().UTC(),
	}
	return nil
}

// ReplaceAll swaps the registered set for agents. Call counts survive for
// agents whose name is kept.
func (r *AgentRegistry) ReplaceAll(agents []agenkit.Agent) error {
	next := make(map[string]*AgentRegistration, len(agents))
	now := time.Now().UTC()
	for _, agent := range agents {
		if agent == nil || agent.Name() == "" {
			return fmt.Errorf("agent name cannot be empty")
		}
		next[agent.Name()] = &AgentRegistration{Agent: agent, RegisteredAt: now}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, reg := range next {
		if old, ok := r.agents[name]; ok {
			reg.Calls = old.Calls
			reg.LastActive = old.LastActive
		}
	}
	r.agents = next
	r.logger.Info("agent set replaced", "count", len(next))
	return nil
}

// Unregister removes an agent.
func (r *AgentRegistry) Unregister(agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentName]; exists {
		delete(r.agents, agentName)
		r.logger.Info("unregistered agent", "agent", agentName)
	} else {
		r.logger.Warn("attempted to unregister unknown agent", "agent", agentName)
	}
}

// Lookup finds an agent by name.
func (r *AgentRegistry) Lookup(agentName string) (agenkit.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.agents[agentName]
	if !ok {
		return nil, false
	}
	return reg.Agent, true
}

// Touch records a call to the named agent.
func (r *AgentRegistry) Touch(agentName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.agents[agentName]; ok {
		reg.Calls++
		reg.LastActive = time.Now().UTC()
	}
}

// ListAgents lists all registrations sorted by agent name.
func (r *AgentRegistry) ListAgents() []AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]AgentRegistration, 0, len(r.agents))
	for _, reg := range r.agents {
		agents = append(agents, *reg)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].Agent.Name() < agents[j].Agent.Name()
	})
	return agents
}

// Agents returns the registered agents keyed by name.
func (r *AgentRegistry) Agents() map[string]agenkit.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]agenkit.Agent, len(r.agents))
	for name, reg := range r.agents {
		out[name] = reg.Agent
	}
	return out
}

// Len returns the number of registered agents.
func (r *AgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.agents)
}
