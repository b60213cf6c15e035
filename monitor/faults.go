// Package monitor watches the search service: it routes each query to a
// model tier, injects faults while the service is failing and reports
// latency and failures to the incident coordinator.
package monitor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// FailureMode is how a failing search request misbehaves.
type FailureMode string

const (
	ModeTimeout      FailureMode = "timeout"
	ModeUnavailable  FailureMode = "error_503"
	ModeEmptyResults FailureMode = "empty_results"
	ModeSlowResponse FailureMode = "slow_response"
)

var (
	// ErrTimeout is returned for an injected timeout.
	ErrTimeout = errors.New("search request timed out after 30s")
	// ErrUnavailable is returned for an injected 503.
	ErrUnavailable = errors.New("503 service unavailable: search backend not responding")
)

// FaultInjector picks and applies a failure for each request made while
// the service is down.
type FaultInjector struct {
	// Modes are the failures to choose from. Default: all four.
	Modes []FailureMode
	// SlowDelay is how long a slow response stalls. Default: 3s
	SlowDelay time.Duration

	mu     sync.Mutex
	choose func(n int) int
}

// NewFaultInjector creates an injector choosing uniformly at random.
func NewFaultInjector() *FaultInjector {
	return &FaultInjector{
		Modes:     []FailureMode{ModeTimeout, ModeUnavailable, ModeEmptyResults, ModeSlowResponse},
		SlowDelay: 3 * time.Second,
		choose:    rand.Intn,
	}
}

// SetChooser replaces the random choice of failure mode.
func (f *FaultInjector) SetChooser(choose func(n int) int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.choose = choose
}

// Next picks the failure mode for one request.
func (f *FaultInjector) Next() FailureMode {
	if len(f.Modes) == 0 {
		return ModeUnavailable
	}
	f.mu.Lock()
	i := f.choose(len(f.Modes))
	f.mu.Unlock()
	return f.Modes[i]
}

// Inject applies one failure to a request for query. Timeouts and 503s are
// errors; empty and slow responses return a degraded Result.
func (f *FaultInjector) Inject(ctx context.Context, query string) (Result, error) {
	mode := f.Next()
	res := Result{Query: query, Results: []Hit{}, FailureMode: mode}

	switch mode {
	case ModeTimeout:
		return res, ErrTimeout
	case ModeEmptyResults:
		res.Error = "No results found"
		return res, nil
	case ModeSlowResponse:
		t := time.NewTimer(f.SlowDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return res, ctx.Err()
		}
		res.Warning = "Slow response"
		res.ProcessingTime = f.SlowDelay.Seconds()
		return res, nil
	default:
		return res, ErrUnavailable
	}
}
