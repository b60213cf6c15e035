package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

// RateLimiterConfig configures a token bucket.
type RateLimiterConfig struct {
	// Rate is the number of tokens added per second. Default: 10
	Rate float64

	// Capacity is the bucket size. Default: 10
	Capacity int

	// Wait makes callers block for a token instead of failing fast.
	Wait bool
}

// DefaultRateLimiterConfig returns a rate limiter config with sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:     10.0,
		Capacity: 10,
		Wait:     true,
	}
}

// RateLimitError is returned when no token is available.
type RateLimitError struct {
	Agent           string
	TokensAvailable float64
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %.2f tokens available", e.Agent, e.TokensAvailable)
}

// RateLimiterDecorator limits calls to an agent with a token bucket. The LLM
// backed agents use it to stay inside the provider quota.
type RateLimiterDecorator struct {
	agent  agenkit.Agent
	config RateLimiterConfig
	now    func() time.Time

	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
	allowed    int64
	rejected   int64
}

var _ agenkit.Agent = (*RateLimiterDecorator)(nil)

// NewRateLimiterDecorator creates a new rate limiter decorator.
func NewRateLimiterDecorator(agent agenkit.Agent, config RateLimiterConfig) *RateLimiterDecorator {
	if config.Rate <= 0 {
		config.Rate = 10.0
	}
	if config.Capacity < 1 {
		config.Capacity = 10
	}
	return &RateLimiterDecorator{
		agent:      agent,
		config:     config,
		now:        time.Now,
		tokens:     float64(config.Capacity),
		lastUpdate: time.Now(),
	}
}

// Name returns the name of the underlying agent.
func (r *RateLimiterDecorator) Name() string {
	return r.agent.Name()
}

// Capabilities returns the capabilities of the underlying agent.
func (r *RateLimiterDecorator) Capabilities() []string {
	return r.agent.Capabilities()
}

// Info returns the metadata of the underlying agent.
func (r *RateLimiterDecorator) Info() agenkit.Info {
	return r.agent.Info()
}

// Unwrap returns the decorated agent.
func (r *RateLimiterDecorator) Unwrap() agenkit.Agent {
	return r.agent
}

// Counts returns how many calls were allowed and rejected.
func (r *RateLimiterDecorator) Counts() (allowed, rejected int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allowed, r.rejected
}

// refill must be called with r.mu held.
func (r *RateLimiterDecorator) refill() {
	now := r.now()
	r.tokens += now.Sub(r.lastUpdate).Seconds() * r.config.Rate
	if r.tokens > float64(r.config.Capacity) {
		r.tokens = float64(r.config.Capacity)
	}
	r.lastUpdate = now
}

// take returns zero when a token was taken, otherwise the wait until one
// is available.
func (r *RateLimiterDecorator) take() (time.Duration, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		r.allowed++
		return 0, r.tokens
	}
	deficit := 1 - r.tokens
	return time.Duration(deficit / r.config.Rate * float64(time.Second)), r.tokens
}

func (r *RateLimiterDecorator) reject(available float64) error {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
	return &RateLimitError{Agent: r.agent.Name(), TokensAvailable: available}
}

// Process waits for or fails on a token, then calls the agent.
func (r *RateLimiterDecorator) Process(ctx context.Context, message *agenkit.Message) (*agenkit.Message, error) {
	for {
		wait, available := r.take()
		if wait == 0 {
			return r.agent.Process(ctx, message)
		}
		if !r.config.Wait {
			return nil, r.reject(available)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.mu.Lock()
			r.rejected++
			r.mu.Unlock()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
