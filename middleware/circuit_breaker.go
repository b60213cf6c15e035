package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed passes requests through.
	StateClosed CircuitState = iota
	// StateOpen fails requests fast.
	StateOpen
	// StateHalfOpen lets trial requests through to test recovery.
	StateHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open. Default: 60s
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of half-open successes that close the
	// circuit. Default: 2
	SuccessThreshold int

	// Timeout bounds each call. Default: 30s
	Timeout time.Duration

	// OnStateChange is called with the lock held; it must not call back
	// into the breaker.
	OnStateChange func(agent string, from, to CircuitState)

	Logger *slog.Logger
}

// DefaultCircuitBreakerConfig returns a circuit breaker config with sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreakerStats is a snapshot of breaker counters.
type CircuitBreakerStats struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	RejectedRequests   int64            `json:"rejected_requests"`
	StateChanges       map[string]int64 `json:"state_changes"`
	LastStateChange    time.Time        `json:"last_state_change"`
	CurrentState       string           `json:"current_state"`
}

// CircuitBreakerError is returned when the circuit breaker is open.
type CircuitBreakerError struct {
	Agent        string
	FailureCount int
}

// Error implements the error interface.
func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is OPEN (failed %d times)", e.Agent, e.FailureCount)
}

// CircuitBreakerDecorator wraps an agent with circuit breaker protection.
//
// State transitions:
//   - CLOSED -> OPEN: after FailureThreshold consecutive failures
//   - OPEN -> HALF_OPEN: after RecoveryTimeout
//   - HALF_OPEN -> CLOSED: after SuccessThreshold consecutive successes
//   - HALF_OPEN -> OPEN: on any failure
type CircuitBreakerDecorator struct {
	agent  agenkit.Agent
	config CircuitBreakerConfig
	now    func() time.Time

	mu           sync.Mutex
	state        CircuitState
	failureCount int
	successCount int
	lastFailure  time.Time
	stats        CircuitBreakerStats
}

var _ agenkit.Agent = (*CircuitBreakerDecorator)(nil)

// NewCircuitBreakerDecorator creates a new circuit breaker decorator.
func NewCircuitBreakerDecorator(agent agenkit.Agent, config CircuitBreakerConfig) *CircuitBreakerDecorator {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &CircuitBreakerDecorator{
		agent:  agent,
		config: config,
		now:    time.Now,
		state:  StateClosed,
		stats:  CircuitBreakerStats{StateChanges: make(map[string]int64)},
	}
}

// Name returns the name of the underlying agent.
func (c *CircuitBreakerDecorator) Name() string {
	return c.agent.Name()
}

// Capabilities returns the capabilities of the underlying agent.
func (c *CircuitBreakerDecorator) Capabilities() []string {
	return c.agent.Capabilities()
}

// Info returns the metadata of the underlying agent.
func (c *CircuitBreakerDecorator) Info() agenkit.Info {
	return c.agent.Info()
}

// Unwrap returns the decorated agent.
func (c *CircuitBreakerDecorator) Unwrap() agenkit.Agent {
	return c.agent
}

// State returns the current circuit breaker state.
func (c *CircuitBreakerDecorator) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a copy of the breaker counters.
func (c *CircuitBreakerDecorator) Stats() CircuitBreakerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.StateChanges = make(map[string]int64, len(c.stats.StateChanges))
	for k, v := range c.stats.StateChanges {
		s.StateChanges[k] = v
	}
	s.CurrentState = c.state.String()
	return s
}

// Introspect exposes the breaker state in the agents listing.
func (c *CircuitBreakerDecorator) Introspect() *agenkit.IntrospectionResult {
	result := agenkit.Introspect(c.agent)
	result.InternalState["circuit_breaker"] = c.Stats()
	return result
}

func (c *CircuitBreakerDecorator) changeState(newState CircuitState) {
	if c.state == newState {
		return
	}
	oldState := c.state
	c.state = newState
	c.stats.LastStateChange = c.now()
	c.stats.StateChanges[fmt.Sprintf("%s->%s", oldState, newState)]++

	c.config.Logger.Warn("circuit breaker state changed",
		"agent", c.agent.Name(),
		"from", oldState.String(),
		"to", newState.String(),
	)
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(c.agent.Name(), oldState, newState)
	}
}

func (c *CircuitBreakerDecorator) onSuccess() {
	c.stats.SuccessfulRequests++

	switch c.state {
	case StateHalfOpen:
		c.successCount++
		if c.successCount >= c.config.SuccessThreshold {
			c.changeState(StateClosed)
			c.failureCount = 0
			c.successCount = 0
		}
	case StateClosed:
		c.failureCount = 0
	}
}

func (c *CircuitBreakerDecorator) onFailure() {
	c.stats.FailedRequests++
	c.failureCount++
	c.lastFailure = c.now()

	switch c.state {
	case StateHalfOpen:
		c.changeState(StateOpen)
		c.successCount = 0
	case StateClosed:
		if c.failureCount >= c.config.FailureThreshold {
			c.changeState(StateOpen)
		}
	}
}

// Process calls the agent unless the circuit is open.
func (c *CircuitBreakerDecorator) Process(ctx context.Context, message *agenkit.Message) (*agenkit.Message, error) {
	c.mu.Lock()
	c.stats.TotalRequests++
	if c.state == StateOpen {
		if c.now().Sub(c.lastFailure) >= c.config.RecoveryTimeout {
			c.changeState(StateHalfOpen)
			c.successCount = 0
		} else {
			c.stats.RejectedRequests++
			failures := c.failureCount
			c.mu.Unlock()
			return nil, &CircuitBreakerError{Agent: c.agent.Name(), FailureCount: failures}
		}
	}
	c.mu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	response, err := c.agent.Process(timeoutCtx, message)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		// Bad input says nothing about the agent's health.
		if errors.Is(err, agenkit.ErrEmptyMessage) {
			return nil, err
		}
		c.onFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request exceeded timeout of %v: %w", c.config.Timeout, err)
		}
		return nil, err
	}

	c.onSuccess()
	return response, nil
}
