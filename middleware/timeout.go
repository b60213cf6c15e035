package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

// TimeoutConfig configures timeout behavior.
type TimeoutConfig struct {
	// Timeout bounds each call. Default: 30s
	Timeout time.Duration
}

// DefaultTimeoutConfig returns a timeout config with sensible defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout: 30 * time.Second,
	}
}

// TimeoutStats is a snapshot of timeout counters.
type TimeoutStats struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	TimedOutRequests   int64         `json:"timed_out_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	MinDuration        time.Duration `json:"min_duration"`
	MaxDuration        time.Duration `json:"max_duration"`
	AvgDuration        time.Duration `json:"avg_duration"`
}

type timeoutMetrics struct {
	mu    sync.Mutex
	stats TimeoutStats
	total time.Duration
}

func (m *timeoutMetrics) record(d time.Duration, outcome *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.TotalRequests++
	*outcome++
	m.total += d
	if m.stats.TotalRequests == 1 || d < m.stats.MinDuration {
		m.stats.MinDuration = d
	}
	if d > m.stats.MaxDuration {
		m.stats.MaxDuration = d
	}
}

func (m *timeoutMetrics) snapshot() TimeoutStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	if s.TotalRequests > 0 {
		s.AvgDuration = m.total / time.Duration(s.TotalRequests)
	}
	return s
}

// TimeoutError is returned when an agent does not answer in time.
type TimeoutError struct {
	AgentName string
	Timeout   time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to agent '%s' timed out after %v", e.AgentName, e.Timeout)
}

// Unwrap lets errors.Is match context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// TimeoutDecorator bounds each call to the wrapped agent.
//
// The agent runs in its own goroutine so a call that ignores its context
// still returns to the caller on time.
type TimeoutDecorator struct {
	agent   agenkit.Agent
	config  TimeoutConfig
	metrics timeoutMetrics
}

var _ agenkit.Agent = (*TimeoutDecorator)(nil)

// NewTimeoutDecorator creates a new timeout decorator.
func NewTimeoutDecorator(agent agenkit.Agent, config TimeoutConfig) *TimeoutDecorator {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &TimeoutDecorator{
		agent:  agent,
		config: config,
	}
}

// Name returns the name of the underlying agent.
func (t *TimeoutDecorator) Name() string {
	return t.agent.Name()
}

// Capabilities returns the capabilities of the underlying agent.
func (t *TimeoutDecorator) Capabilities() []string {
	return t.agent.Capabilities()
}

// Info returns the metadata of the underlying agent.
func (t *TimeoutDecorator) Info() agenkit.Info {
	return t.agent.Info()
}

// Unwrap returns the decorated agent.
func (t *TimeoutDecorator) Unwrap() agenkit.Agent {
	return t.agent
}

// Stats returns a snapshot of the timeout counters.
func (t *TimeoutDecorator) Stats() TimeoutStats {
	return t.metrics.snapshot()
}

// Process calls the agent and gives up after the configured timeout.
func (t *TimeoutDecorator) Process(ctx context.Context, message *agenkit.Message) (*agenkit.Message, error) {
	start := time.Now()

	timeoutCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	type result struct {
		msg *agenkit.Message
		err error
	}
	done := make(chan result, 1)

	go func() {
		msg, err := t.agent.Process(timeoutCtx, message)
		done <- result{msg, err}
	}()

	select {
	case res := <-done:
		d := time.Since(start)
		switch {
		case res.err == nil:
			t.metrics.record(d, &t.metrics.stats.SuccessfulRequests)
			return res.msg, nil
		case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			t.metrics.record(d, &t.metrics.stats.TimedOutRequests)
			return nil, &TimeoutError{AgentName: t.agent.Name(), Timeout: t.config.Timeout}
		default:
			t.metrics.record(d, &t.metrics.stats.FailedRequests)
			return nil, res.err
		}
	case <-timeoutCtx.Done():
		d := time.Since(start)
		if ctx.Err() != nil {
			t.metrics.record(d, &t.metrics.stats.FailedRequests)
			return nil, ctx.Err()
		}
		t.metrics.record(d, &t.metrics.stats.TimedOutRequests)
		return nil, &TimeoutError{AgentName: t.agent.Name(), Timeout: t.config.Timeout}
	}
}
