package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

type failingSink struct{ calls int }

func (s *failingSink) Write(*AuditEvent) error {
	s.calls++
	return errors.New("disk full")
}

func TestAuditLogger_AdminJSON(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLogger(nil, NewJSONAuditSink(&buf))

	audit.Admin(context.Background(), "127.0.0.1", ActionTriggerFailure, "search",
		"search failure triggered", map[string]interface{}{"incident_id": "INC-1"})

	var event AuditEvent
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatal(err)
	}
	if event.Action != ActionTriggerFailure || event.Severity != AuditWarning {
		t.Errorf("unexpected event %+v", event)
	}
	if event.Actor != "127.0.0.1" || event.Metadata["incident_id"] != "INC-1" {
		t.Errorf("unexpected actor or metadata %+v", event)
	}
}

func TestAuditLogger_ConfigurationChange(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLogger(nil, NewTextAuditSink(&buf))

	audit.ConfigurationChange(context.Background(), "ops", ActionAutoResolution, "auto_resolution", true, false)

	line := buf.String()
	for _, want := range []string{"[auto_resolution]", "actor=ops", "auto_resolution changed from true to false"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in %q", want, line)
		}
	}
}

func TestAuditLogger_TraceContext(t *testing.T) {
	setupTracing(t)
	var buf bytes.Buffer
	audit := NewAuditLogger(nil, NewJSONAuditSink(&buf))

	ctx, span := otel.Tracer("test").Start(context.Background(), "admin")
	audit.RateLimited(ctx, "10.0.0.1", "/api/search")
	span.End()

	var event AuditEvent
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatal(err)
	}
	if event.TraceID != span.SpanContext().TraceID().String() {
		t.Errorf("expected trace id on event, got %q", event.TraceID)
	}
}

func TestAuditLogger_SinkErrorsDoNotStopOthers(t *testing.T) {
	var buf bytes.Buffer
	bad := &failingSink{}
	audit := NewAuditLogger(nil, bad, NewJSONAuditSink(&buf))

	audit.ValidationFailure(context.Background(), "client", "/api/search", "query is required")

	if bad.calls != 1 || buf.Len() == 0 {
		t.Errorf("expected both sinks to be called, got %d and %q", bad.calls, buf.String())
	}
}

func TestAuditLogger_Nil(t *testing.T) {
	var audit *AuditLogger
	audit.Admin(context.Background(), "x", ActionManualFix, "search", "noop", nil)
}

func TestFileAuditSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewFileAuditSink(path)
	if err != nil {
		t.Fatal(err)
	}
	audit := NewAuditLogger(nil, sink)
	audit.Admin(context.Background(), "ops", ActionClearBanners, "banners", "banners cleared", nil)
	audit.Admin(context.Background(), "ops", ActionManualFix, "search", "manual fix", nil)
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("expected 2 lines, got %d", lines)
	}
}
