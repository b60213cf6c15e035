// Package observability wires OpenTelemetry tracing and metrics, slog
// logging and the admin audit log for the incident service.
package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
	"github.com/scttfrdmn/agenkit/incident-go/middleware"
)

// TracerName is the instrumentation scope of spans created here.
const TracerName = "incident-go"

// traceContextKey holds W3C trace headers in message metadata.
const traceContextKey = "trace_context"

// TracingConfig selects span exporters. With neither set, spans are
// created but not exported.
type TracingConfig struct {
	ServiceName string `mapstructure:"service_name"`
	// OTLPEndpoint is a host:port gRPC collector address.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	// Console prints finished spans to stdout.
	Console bool `mapstructure:"console"`
	// SampleRatio is the fraction of new traces recorded. Default: 1
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

var (
	providerMu     sync.Mutex
	tracerProvider *sdktrace.TracerProvider
)

// InitTracing installs a global tracer provider for config and the W3C
// propagator.
func InitTracing(ctx context.Context, config TracingConfig) (*sdktrace.TracerProvider, error) {
	if config.ServiceName == "" {
		config.ServiceName = TracerName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(config.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ratio := config.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}

	if config.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	if config.Console {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	providerMu.Lock()
	tracerProvider = tp
	providerMu.Unlock()
	return tp, nil
}

// Tracer returns a tracer from the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// ExtractTraceContext returns ctx with the remote span carried in metadata.
func ExtractTraceContext(ctx context.Context, metadata map[string]interface{}) context.Context {
	raw, ok := metadata[traceContextKey]
	if !ok {
		return ctx
	}
	carrier := make(propagation.MapCarrier)
	switch m := raw.(type) {
	case map[string]string:
		for k, v := range m {
			carrier[k] = v
		}
	case map[string]interface{}:
		for k, v := range m {
			if s, ok := v.(string); ok {
				carrier[k] = s
			}
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectTraceContext stores the span of ctx in metadata and returns it.
func InjectTraceContext(ctx context.Context, metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	carrier := make(propagation.MapCarrier)
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		tc := make(map[string]interface{}, len(carrier))
		for k, v := range carrier {
			tc[k] = v
		}
		metadata[traceContextKey] = tc
	}
	return metadata
}

// TracingDecorator records a span around each call to an agent.
type TracingDecorator struct {
	agent    agenkit.Agent
	spanName string
	tracer   trace.Tracer
}

// NewTracingDecorator wraps agent. An empty spanName becomes
// "agent.<name>.process".
func NewTracingDecorator(agent agenkit.Agent, spanName string) *TracingDecorator {
	if spanName == "" {
		spanName = fmt.Sprintf("agent.%s.process", agent.Name())
	}
	return &TracingDecorator{agent: agent, spanName: spanName, tracer: Tracer()}
}

// Tracing returns a Middleware form of NewTracingDecorator.
func Tracing() middleware.Middleware {
	return func(a agenkit.Agent) agenkit.Agent {
		return NewTracingDecorator(a, "")
	}
}

// Name returns the agent name.
func (t *TracingDecorator) Name() string { return t.agent.Name() }

// Capabilities returns the agent capabilities.
func (t *TracingDecorator) Capabilities() []string { return t.agent.Capabilities() }

// Info returns the wrapped agent's metadata.
func (t *TracingDecorator) Info() agenkit.Info { return t.agent.Info() }

// Unwrap returns the wrapped agent.
func (t *TracingDecorator) Unwrap() agenkit.Agent { return t.agent }

// Process processes a message inside a span.
func (t *TracingDecorator) Process(ctx context.Context, message *agenkit.Message) (*agenkit.Message, error) {
	if message != nil && message.Metadata != nil {
		ctx = ExtractTraceContext(ctx, message.Metadata)
	}
	ctx, span := t.tracer.Start(ctx, t.spanName, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	info := t.agent.Info()
	span.SetAttributes(
		attribute.String("agent.name", t.agent.Name()),
		attribute.String("agent.model", info.Model),
	)
	if message != nil {
		span.SetAttributes(
			attribute.String("message.role", message.Role),
			attribute.Int("message.content_length", len(message.Content)),
		)
	}

	response, err := t.agent.Process(ctx, message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")

	if m := response.MetadataString(agenkit.MetaModel); m != "" {
		span.SetAttributes(attribute.String("response.model", m))
	}
	response.Metadata = InjectTraceContext(ctx, response.Metadata)
	return response, nil
}

// ShutdownTracing flushes and stops the provider installed by InitTracing.
func ShutdownTracing(ctx context.Context) error {
	providerMu.Lock()
	tp := tracerProvider
	tracerProvider = nil
	providerMu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
