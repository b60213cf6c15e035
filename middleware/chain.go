package middleware

import (
	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

// Middleware decorates an agent.
type Middleware func(agenkit.Agent) agenkit.Agent

// Chain applies middleware so the first one listed is outermost.
func Chain(agent agenkit.Agent, mws ...Middleware) agenkit.Agent {
	for i := len(mws) - 1; i >= 0; i-- {
		agent = mws[i](agent)
	}
	return agent
}

// Retry returns a Middleware form of NewRetryDecorator.
func Retry(config RetryConfig) Middleware {
	return func(a agenkit.Agent) agenkit.Agent {
		return NewRetryDecorator(a, config)
	}
}

// CircuitBreaker returns a Middleware form of NewCircuitBreakerDecorator.
func CircuitBreaker(config CircuitBreakerConfig) Middleware {
	return func(a agenkit.Agent) agenkit.Agent {
		return NewCircuitBreakerDecorator(a, config)
	}
}

// Timeout returns a Middleware form of NewTimeoutDecorator.
func Timeout(config TimeoutConfig) Middleware {
	return func(a agenkit.Agent) agenkit.Agent {
		return NewTimeoutDecorator(a, config)
	}
}

// RateLimit returns a Middleware form of NewRateLimiterDecorator.
func RateLimit(config RateLimiterConfig) Middleware {
	return func(a agenkit.Agent) agenkit.Agent {
		return NewRateLimiterDecorator(a, config)
	}
}

// Unwrapper is implemented by decorators.
type Unwrapper interface {
	Unwrap() agenkit.Agent
}

// Innermost strips every decorator from agent.
func Innermost(agent agenkit.Agent) agenkit.Agent {
	for {
		u, ok := agent.(Unwrapper)
		if !ok {
			return agent
		}
		agent = u.Unwrap()
	}
}
