package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/incident"
	"github.com/scttfrdmn/agenkit/incident-go/router"
)

// ErrEmptyQuery is returned for a blank search query.
var ErrEmptyQuery = errors.New("query is required")

// Hit is one search result.
type Hit struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

// Result is the answer to one search request.
type Result struct {
	Query          string      `json:"query"`
	Model          string      `json:"model_used,omitempty"`
	Reason         string      `json:"routing_reason,omitempty"`
	Results        []Hit       `json:"results"`
	Total          int         `json:"total"`
	ProcessingTime float64     `json:"processing_time"`
	Error          string      `json:"error,omitempty"`
	Warning        string      `json:"warning,omitempty"`
	FailureMode    FailureMode `json:"failure_mode,omitempty"`
}

// Backend is the search service being watched.
type Backend interface {
	Search(ctx context.Context, query string) ([]Hit, error)
}

// Responder is the part of the incident coordinator the watcher reports to.
type Responder interface {
	FailureMode() bool
	AutoResolution() bool
	Detect(ctx context.Context) (incident.Incident, bool)
	TriggerFailure(ctx context.Context) (incident.Incident, bool)
	SetDegraded(ctx context.Context, degraded bool)
	RecordRequest(d time.Duration, ok bool)
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Router    *router.ModelRouter
	Responder Responder
	// Faults is used while the service is failing. Default: NewFaultInjector()
	Faults *FaultInjector
	// Backend answers healthy requests. When nil every query has no hits.
	Backend Backend
	Logger  *slog.Logger
	// SlowThreshold marks the service degraded. Default: 2s
	SlowThreshold time.Duration
	// SimulateLatency makes each request take its estimated model latency.
	SimulateLatency bool
}

// Watcher runs search requests and reports on them.
type Watcher struct {
	router    *router.ModelRouter
	responder Responder
	faults    *FaultInjector
	backend   Backend
	logger    *slog.Logger
	slow      time.Duration
	simulate  bool
}

// NewWatcher creates a watcher.
func NewWatcher(config *WatcherConfig) (*Watcher, error) {
	if config == nil || config.Responder == nil {
		return nil, fmt.Errorf("watcher needs a responder")
	}
	w := &Watcher{
		router:    config.Router,
		responder: config.Responder,
		faults:    config.Faults,
		backend:   config.Backend,
		logger:    config.Logger,
		slow:      config.SlowThreshold,
		simulate:  config.SimulateLatency,
	}
	if w.router == nil {
		w.router = router.NewModelRouter(router.DefaultConfig())
	}
	if w.faults == nil {
		w.faults = NewFaultInjector()
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.slow <= 0 {
		w.slow = 2 * time.Second
	}
	return w, nil
}

// Do runs one search request for query.
func (w *Watcher) Do(ctx context.Context, query string) (Result, error) {
	if strings.TrimSpace(query) == "" {
		return Result{}, ErrEmptyQuery
	}
	start := time.Now()
	decision := w.router.Route(query)
	w.logger.Debug("search routed", "query", query, "model", decision.Model, "reason", decision.Reason)

	if w.responder.FailureMode() {
		if w.responder.AutoResolution() {
			if inc, opened := w.responder.Detect(ctx); opened {
				w.logger.Warn("search failure detected", "incident", inc.ID)
			}
		}
		res, err := w.faults.Inject(ctx, query)
		res.Model, res.Reason = decision.Model, decision.Reason
		w.responder.RecordRequest(time.Since(start), false)
		w.logger.Warn("search request failed", "query", query, "mode", string(res.FailureMode))
		return res, err
	}

	var hits []Hit
	if w.backend != nil {
		var err error
		hits, err = w.backend.Search(ctx, query)
		if err != nil {
			w.responder.RecordRequest(time.Since(start), false)
			w.logger.Error("search backend failed", "query", query, "error", err)
			if w.responder.AutoResolution() {
				w.responder.TriggerFailure(ctx)
			}
			return Result{Query: query, Model: decision.Model, Reason: decision.Reason, Results: []Hit{}},
				fmt.Errorf("search backend: %w", err)
		}
	}
	if hits == nil {
		hits = []Hit{}
	}

	latency := w.router.EstimateLatency(decision.Model, query)
	if w.simulate {
		t := time.NewTimer(latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Result{}, ctx.Err()
		}
	}
	w.responder.RecordRequest(latency, true)
	w.responder.SetDegraded(ctx, latency > w.slow)

	return Result{
		Query:          query,
		Model:          decision.Model,
		Reason:         decision.Reason,
		Results:        hits,
		Total:          len(hits),
		ProcessingTime: latency.Seconds(),
	}, nil
}

// Route exposes the watcher's model routing decision for query.
func (w *Watcher) Route(query string) router.Decision {
	return w.router.Route(query)
}
