package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// AuditAction names an operator action on the incident service.
type AuditAction string

const (
	ActionTriggerFailure    AuditAction = "trigger_failure"
	ActionManualFix         AuditAction = "manual_fix"
	ActionAutoResolution    AuditAction = "auto_resolution"
	ActionClearBanners      AuditAction = "clear_banners"
	ActionReloadResponders  AuditAction = "reload_responders"
	ActionRateLimitExceeded AuditAction = "rate_limit_exceeded"
	ActionValidationFailure AuditAction = "validation_failure"
)

// AuditSeverity represents the severity level of an audit event.
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "info"
	AuditWarning  AuditSeverity = "warning"
	AuditError    AuditSeverity = "error"
	AuditCritical AuditSeverity = "critical"
)

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	Action    AuditAction            `json:"action"`
	Severity  AuditSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Result    string                 `json:"result,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SpanID    string                 `json:"span_id,omitempty"`
}

// NewAuditEvent creates an event stamped with the span of ctx, if any.
func NewAuditEvent(ctx context.Context, action AuditAction, severity AuditSeverity, message string) *AuditEvent {
	event := &AuditEvent{
		Action:    action,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]interface{}),
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		event.SpanID = sc.SpanID().String()
	}
	return event
}

// AuditSink receives audit events.
type AuditSink interface {
	Write(event *AuditEvent) error
}

// TextAuditSink writes one human-readable line per event.
type TextAuditSink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewTextAuditSink creates a text sink writing to out, stdout if nil.
func NewTextAuditSink(out io.Writer) *TextAuditSink {
	if out == nil {
		out = os.Stdout
	}
	return &TextAuditSink{out: out}
}

// Write formats event as a single line.
func (s *TextAuditSink) Write(event *AuditEvent) error {
	parts := []string{
		event.Timestamp.Format(time.RFC3339),
		string(event.Severity),
		fmt.Sprintf("[%s]", event.Action),
	}
	if event.Actor != "" {
		parts = append(parts, "actor="+event.Actor)
	}
	if event.Resource != "" {
		parts = append(parts, "resource="+event.Resource)
	}
	if event.Result != "" {
		parts = append(parts, "result="+event.Result)
	}
	parts = append(parts, event.Message)
	if event.TraceID != "" {
		parts = append(parts, "trace_id="+event.TraceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.out, strings.Join(parts, " "))
	return err
}

// JSONAuditSink writes one JSON object per event.
type JSONAuditSink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONAuditSink creates a JSON sink writing to out, stdout if nil.
func NewJSONAuditSink(out io.Writer) *JSONAuditSink {
	if out == nil {
		out = os.Stdout
	}
	return &JSONAuditSink{out: out}
}

// Write encodes event as JSON.
func (s *JSONAuditSink) Write(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.out.Write(append(data, '\n'))
	return err
}

// FileAuditSink appends JSON events to a file.
type FileAuditSink struct {
	*JSONAuditSink
	file *os.File
}

// NewFileAuditSink opens path for appending.
func NewFileAuditSink(path string) (*FileAuditSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileAuditSink{JSONAuditSink: NewJSONAuditSink(f), file: f}, nil
}

// Close closes the file.
func (s *FileAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// AuditLogger fans events out to its sinks. A nil *AuditLogger discards
// everything.
type AuditLogger struct {
	sinks  []AuditSink
	logger *slog.Logger
}

// NewAuditLogger creates a logger. Sink errors are reported to logger.
func NewAuditLogger(logger *slog.Logger, sinks ...AuditSink) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{sinks: sinks, logger: logger}
}

// Log sends event to every sink.
func (l *AuditLogger) Log(event *AuditEvent) {
	if l == nil {
		return
	}
	for _, sink := range l.sinks {
		if err := sink.Write(event); err != nil {
			l.logger.Error("audit sink failed", "action", string(event.Action), "error", err)
		}
	}
}

// Admin records an operator action on resource.
func (l *AuditLogger) Admin(ctx context.Context, actor string, action AuditAction, resource, message string, metadata map[string]interface{}) {
	event := NewAuditEvent(ctx, action, AuditInfo, message)
	if action == ActionTriggerFailure {
		event.Severity = AuditWarning
	}
	event.Actor = actor
	event.Resource = resource
	event.Result = "success"
	for k, v := range metadata {
		event.Metadata[k] = v
	}
	l.Log(event)
}

// ConfigurationChange records a setting moving from oldValue to newValue.
func (l *AuditLogger) ConfigurationChange(ctx context.Context, actor string, action AuditAction, setting string, oldValue, newValue interface{}) {
	event := NewAuditEvent(ctx, action, AuditInfo,
		fmt.Sprintf("%s changed from %v to %v", setting, oldValue, newValue))
	event.Actor = actor
	event.Resource = setting
	event.Result = "success"
	event.Metadata["old_value"] = oldValue
	event.Metadata["new_value"] = newValue
	l.Log(event)
}

// RateLimited records a request rejected by the rate limiter.
func (l *AuditLogger) RateLimited(ctx context.Context, client, endpoint string) {
	event := NewAuditEvent(ctx, ActionRateLimitExceeded, AuditWarning,
		fmt.Sprintf("rate limit exceeded for %s on %s", client, endpoint))
	event.Actor = client
	event.Resource = endpoint
	event.Result = "rate_limited"
	l.Log(event)
}

// ValidationFailure records a rejected request body.
func (l *AuditLogger) ValidationFailure(ctx context.Context, client, endpoint, reason string) {
	event := NewAuditEvent(ctx, ActionValidationFailure, AuditWarning,
		fmt.Sprintf("invalid request to %s: %s", endpoint, reason))
	event.Actor = client
	event.Resource = endpoint
	event.Result = "rejected"
	event.Metadata["reason"] = reason
	l.Log(event)
}
