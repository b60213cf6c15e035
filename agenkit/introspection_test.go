package agenkit

import (
	"context"
	"strings"
	"testing"
)

// simpleAgent is a test agent without internal state
type simpleAgent struct {
	name string
}

func (a *simpleAgent) Name() string {
	return a.name
}

func (a *simpleAgent) Process(ctx context.Context, message *Message) (*Message, error) {
	return NewMessage("assistant", "Processed: "+message.Content), nil
}

func (a *simpleAgent) Capabilities() []string {
	return []string{"test", "simple"}
}

func (a *simpleAgent) Info() Info {
	return Info{ID: a.name}
}

// countingAgent exposes how many messages it has handled
type countingAgent struct {
	simpleAgent
	handled int
}

func (a *countingAgent) Process(ctx context.Context, message *Message) (*Message, error) {
	a.handled++
	return a.simpleAgent.Process(ctx, message)
}

func (a *countingAgent) Introspect() *IntrospectionResult {
	result, _ := NewIntrospectionResult(
		Info{ID: a.name, Name: "Counting Agent"},
		map[string]interface{}{"handled": a.handled},
	)
	return result
}

func TestIntrospect_DefaultResult(t *testing.T) {
	agent := &simpleAgent{name: "simple"}

	result := Introspect(agent)
	if result.AgentName != "simple" {
		t.Errorf("expected agent name 'simple', got '%s'", result.AgentName)
	}
	if result.Info.Name != "simple" {
		t.Errorf("expected info name to fall back to agent name, got '%s'", result.Info.Name)
	}
	if len(result.Info.Capabilities) != 2 {
		t.Errorf("expected 2 capabilities, got %d", len(result.Info.Capabilities))
	}
	if result.InternalState == nil {
		t.Error("expected non-nil internal state")
	}
	if result.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestIntrospect_CustomResult(t *testing.T) {
	agent := &countingAgent{simpleAgent: simpleAgent{name: "counter"}}
	_, _ = agent.Process(context.Background(), NewMessage("user", "hi"))
	_, _ = agent.Process(context.Background(), NewMessage("user", "again"))

	result := Introspect(agent)
	if result.AgentName != "Counting Agent" {
		t.Errorf("expected custom agent name, got '%s'", result.AgentName)
	}
	if result.InternalState["handled"] != 2 {
		t.Errorf("expected handled=2, got %v", result.InternalState["handled"])
	}
}

func TestNewIntrospectionResult_RequiresName(t *testing.T) {
	_, err := NewIntrospectionResult(Info{}, nil)
	if err == nil {
		t.Fatal("expected error for empty agent name")
	}
	if !strings.Contains(err.Error(), "agent_name") {
		t.Errorf("expected agent_name error, got %v", err)
	}
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		message *Message
		wantErr string
	}{
		{"valid", NewMessage("user", "crisis: payment down"), ""},
		{"empty role", &Message{Content: "x"}, "role cannot be empty"},
		{"bad role", NewMessage("robot", "x"), "invalid message role"},
		{"too large", NewMessage("user", strings.Repeat("a", 1024*1024+1)), "exceeds maximum size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.message.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMessage_IsEmpty(t *testing.T) {
	var nilMsg *Message
	if !nilMsg.IsEmpty() {
		t.Error("nil message should be empty")
	}
	if !NewMessage("user", "   ").IsEmpty() {
		t.Error("blank message should be empty")
	}
	if NewMessage("user", "status").IsEmpty() {
		t.Error("non-blank message should not be empty")
	}
}

func TestMessage_MetadataString(t *testing.T) {
	msg := NewMessage("assistant", "ok").WithMetadata(MetaType, "status").WithMetadata("count", 3)
	if got := msg.MetadataString(MetaType); got != "status" {
		t.Errorf("expected 'status', got '%s'", got)
	}
	if got := msg.MetadataString("count"); got != "" {
		t.Errorf("expected empty string for non-string value, got '%s'", got)
	}
}
