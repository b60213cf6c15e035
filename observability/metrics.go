package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
	"github.com/scttfrdmn/agenkit/incident-go/incident"
	"github.com/scttfrdmn/agenkit/incident-go/middleware"
)

var (
	meterMu       sync.Mutex
	meterProvider *sdkmetric.MeterProvider
)

// InitMetrics installs a global meter provider exporting to reg. Serve reg
// with promhttp to expose the metrics.
func InitMetrics(ctx context.Context, serviceName string, reg promclient.Registerer) (*sdkmetric.MeterProvider, error) {
	if serviceName == "" {
		serviceName = TracerName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []prometheus.Option{}
	if reg != nil {
		opts = append(opts, prometheus.WithRegisterer(reg))
	}
	exporter, err := prometheus.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	meterMu.Lock()
	meterProvider = mp
	meterMu.Unlock()
	return mp, nil
}

// Meter returns a meter from the current global provider.
func Meter() metric.Meter {
	return otel.Meter(TracerName)
}

// MetricsDecorator counts calls to an agent and records their latency.
type MetricsDecorator struct {
	agent    agenkit.Agent
	requests metric.Int64Counter
	errors   metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewMetricsDecorator wraps agent using meter, or the global meter if nil.
func NewMetricsDecorator(agent agenkit.Agent, meter metric.Meter) (*MetricsDecorator, error) {
	if meter == nil {
		meter = Meter()
	}
	requests, err := meter.Int64Counter("incident.agent.requests",
		metric.WithDescription("Agent calls"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	errs, err := meter.Int64Counter("incident.agent.errors",
		metric.WithDescription("Failed agent calls"), metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}
	latency, err := meter.Float64Histogram("incident.agent.latency",
		metric.WithDescription("Agent processing latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}
	return &MetricsDecorator{agent: agent, requests: requests, errors: errs, latency: latency}, nil
}

// Metrics returns a Middleware form of NewMetricsDecorator. Instrument
// creation errors leave the agent undecorated.
func Metrics(meter metric.Meter) middleware.Middleware {
	return func(a agenkit.Agent) agenkit.Agent {
		d, err := NewMetricsDecorator(a, meter)
		if err != nil {
			otel.Handle(err)
			return a
		}
		return d
	}
}

// Name returns the agent name.
func (m *MetricsDecorator) Name() string { return m.agent.Name() }

// Capabilities returns the agent capabilities.
func (m *MetricsDecorator) Capabilities() []string { return m.agent.Capabilities() }

// Info returns the wrapped agent's metadata.
func (m *MetricsDecorator) Info() agenkit.Info { return m.agent.Info() }

// Unwrap returns the wrapped agent.
func (m *MetricsDecorator) Unwrap() agenkit.Agent { return m.agent }

// Process processes a message and records the outcome.
func (m *MetricsDecorator) Process(ctx context.Context, message *agenkit.Message) (*agenkit.Message, error) {
	start := time.Now()
	response, err := m.agent.Process(ctx, message)
	ms := float64(time.Since(start).Microseconds()) / 1000.0

	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("agent.name", m.agent.Name()),
		attribute.String("agent.model", m.agent.Info().Model),
		attribute.String("status", status),
	)
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, ms, attrs)
	if err != nil {
		m.errors.Add(ctx, 1, attrs)
		return nil, err
	}
	return response, nil
}

// IncidentMetrics exports the incident lifecycle as OpenTelemetry
// instruments. It implements incident.Recorder.
type IncidentMetrics struct {
	opened     metric.Int64Counter
	resolved   metric.Int64Counter
	resolution metric.Float64Histogram
	activities metric.Int64Counter
	requests   metric.Int64Counter
	latency    metric.Float64Histogram
}

var _ incident.Recorder = (*IncidentMetrics)(nil)

// NewIncidentMetrics creates the instruments on meter, or the global meter
// if nil.
func NewIncidentMetrics(meter metric.Meter) (*IncidentMetrics, error) {
	if meter == nil {
		meter = Meter()
	}
	var (
		m   IncidentMetrics
		err error
	)
	if m.opened, err = meter.Int64Counter("incident.opened",
		metric.WithDescription("Incidents detected"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("failed to create opened counter: %w", err)
	}
	if m.resolved, err = meter.Int64Counter("incident.resolved",
		metric.WithDescription("Incidents resolved"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("failed to create resolved counter: %w", err)
	}
	if m.resolution, err = meter.Float64Histogram("incident.resolution_time",
		metric.WithDescription("Time from failure to resolution"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create resolution histogram: %w", err)
	}
	if m.activities, err = meter.Int64Counter("incident.agent.activities",
		metric.WithDescription("Logged agent actions"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("failed to create activity counter: %w", err)
	}
	if m.requests, err = meter.Int64Counter("search.requests",
		metric.WithDescription("Search requests observed"), metric.WithUnit("1")); err != nil {
		return nil, fmt.Errorf("failed to create search counter: %w", err)
	}
	if m.latency, err = meter.Float64Histogram("search.response_time",
		metric.WithDescription("Search response time"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create search histogram: %w", err)
	}
	return &m, nil
}

// IncidentOpened counts a detected incident.
func (m *IncidentMetrics) IncidentOpened(ctx context.Context, inc incident.Incident) {
	m.opened.Add(ctx, 1, metric.WithAttributes(
		attribute.String("severity", string(inc.Severity)),
		attribute.String("type", inc.Type),
	))
}

// IncidentResolved counts a resolution and records its duration.
func (m *IncidentMetrics) IncidentResolved(ctx context.Context, inc incident.Incident) {
	attrs := metric.WithAttributes(attribute.String("resolution", string(inc.Resolution)))
	m.resolved.Add(ctx, 1, attrs)
	if inc.ResolutionSecs > 0 {
		m.resolution.Record(ctx, inc.ResolutionSecs, attrs)
	}
}

// ActivityLogged counts an agent action by role and model.
func (m *IncidentMetrics) ActivityLogged(ctx context.Context, a incident.Activity) {
	m.activities.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", string(a.Role)),
		attribute.String("model", a.Model),
	))
}

// RequestObserved counts a search request and records its latency.
func (m *IncidentMetrics) RequestObserved(ctx context.Context, d time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.requests.Add(ctx, 1, attrs)
	m.latency.Record(ctx, d.Seconds(), attrs)
}

// ShutdownMetrics flushes and stops the provider installed by InitMetrics.
func ShutdownMetrics(ctx context.Context) error {
	meterMu.Lock()
	mp := meterProvider
	meterProvider = nil
	meterMu.Unlock()
	if mp == nil {
		return nil
	}
	return mp.Shutdown(ctx)
}
