// Package agenkit provides the core message and agent types shared by the
// incident response team.
package agenkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Metadata keys set on agent responses.
const (
	MetaType       = "type"
	MetaStatus     = "status"
	MetaResponseID = "response_id"
	MetaModel      = "model"
	MetaRule       = "rule"
)

// ErrEmptyMessage is returned by agents asked to process a nil or blank message.
var ErrEmptyMessage = errors.New("message is empty")

// Message represents a message exchanged between an operator and the agents.
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Author    string                 `json:"author,omitempty"`
	Metadata  map[string]interface{} `json:"metadata"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewMessage creates a new message with the given role and content.
// NOTE: This function does not validate the message. Call Validate()
// for input that crossed a trust boundary.
func NewMessage(role, content string) *Message {
	return &Message{
		Role:      role,
		Content:   content,
		Metadata:  make(map[string]interface{}),
		Timestamp: time.Now().UTC(),
	}
}

// WithMetadata adds metadata to the message and returns the message for chaining.
func (m *Message) WithMetadata(key string, value interface{}) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	m.Metadata[key] = value
	return m
}

// WithAuthor sets the author (agent ID) of the message.
func (m *Message) WithAuthor(author string) *Message {
	m.Author = author
	return m
}

// MetadataString returns the metadata value for key if it is a string.
func (m *Message) MetadataString(key string) string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// IsEmpty reports whether the message carries no usable content.
func (m *Message) IsEmpty() bool {
	return m == nil || strings.TrimSpace(m.Content) == ""
}

// Validate validates the message according to size and role constraints.
func (m *Message) Validate() error {
	if m.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}

	allowedRoles := map[string]bool{
		"user":      true,
		"assistant": true,
		"system":    true,
		"tool":      true,
		"agent":     true,
	}
	if !allowedRoles[m.Role] {
		return fmt.Errorf("invalid message role: %s. Must be one of: user, assistant, system, tool, agent", m.Role)
	}

	maxContentSize := 1024 * 1024 // 1MB
	if len(m.Content) > maxContentSize {
		return fmt.Errorf("message content exceeds maximum size of %d bytes (got %d bytes)", maxContentSize, len(m.Content))
	}

	if len(m.Metadata) > 100 {
		return fmt.Errorf("message metadata exceeds maximum of 100 keys (got %d)", len(m.Metadata))
	}
	for key := range m.Metadata {
		if len(key) > 50 {
			return fmt.Errorf("metadata key '%s...' exceeds maximum length of 50 characters (got %d)",
				key[:20], len(key))
		}
	}

	return nil
}

// Info describes an agent for discovery and the agents listing.
type Info struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description" yaml:"description"`
	Version      string   `json:"version" yaml:"version"`
	Model        string   `json:"model" yaml:"model"`
	Company      string   `json:"company,omitempty" yaml:"company"`
	Contest      string   `json:"contest,omitempty" yaml:"contest"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
}

// Agent is the core interface that all agents must implement.
type Agent interface {
	// Name returns the unique identifier for this agent.
	Name() string

	// Process handles a message and returns a response.
	Process(ctx context.Context, message *Message) (*Message, error)

	// Capabilities returns a list of capability identifiers this agent supports.
	Capabilities() []string

	// Info returns the descriptive metadata for this agent.
	Info() Info
}
