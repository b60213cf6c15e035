// Package incident coordinates the response team through the lifecycle of a
// search outage: detection, parallel triage, notification and analysis, the
// fix, and resolution.
package incident

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/scttfrdmn/agenkit/incident-go/assess"
)

// Status is the health of the monitored search service.
type Status string

const (
	StatusHealthy        Status = "healthy"
	StatusSearchDegraded Status = "search_degraded"
	StatusSearchDown     Status = "search_down"
	StatusRecovering     Status = "recovering"
)

// Role names a seat on the response team.
type Role string

const (
	RoleMonitor  Role = "monitor"
	RoleTriage   Role = "triage"
	RoleNotifier Role = "notifier"
	RoleFixer    Role = "fixer"
	RoleAnalyzer Role = "analyzer"
	RoleRouter   Role = "router"
	RoleSpeech   Role = "speech"
	// RoleSystem marks activity not performed by an agent.
	RoleSystem Role = "system"
)

// Roles lists the agent roles in display order.
func Roles() []Role {
	return []Role{RoleMonitor, RoleTriage, RoleNotifier, RoleFixer, RoleAnalyzer, RoleRouter, RoleSpeech}
}

// Resolution records how an incident was closed.
type Resolution string

const (
	ResolutionAutomatic Resolution = "automatic"
	ResolutionManual    Resolution = "manual"
)

// TypeSearchOutage is the incident type opened for a failing search service.
const TypeSearchOutage = "search_service_outage"

// ErrNotFound is returned by stores for unknown incident IDs.
var ErrNotFound = errors.New("incident not found")

// Incident is one outage from detection to resolution.
type Incident struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Severity       assess.Severity `json:"severity"`
	Description    string          `json:"description"`
	DetectedBy     string          `json:"detected_by"`
	StartTime      time.Time       `json:"start_time"`
	ResolvedTime   *time.Time      `json:"resolved_time,omitempty"`
	ResolutionSecs float64         `json:"resolution_time_seconds,omitempty"`
	Resolution     Resolution      `json:"resolution,omitempty"`
	Summary        string          `json:"resolution_summary,omitempty"`
	AgentsInvolved []string        `json:"agents_involved,omitempty"`
}

// Resolved reports whether the incident has been closed.
func (i Incident) Resolved() bool {
	return i.ResolvedTime != nil
}

func (i Incident) clone() Incident {
	out := i
	if i.ResolvedTime != nil {
		t := *i.ResolvedTime
		out.ResolvedTime = &t
	}
	out.AgentsInvolved = append([]string(nil), i.AgentsInvolved...)
	return out
}

// Activity is one action taken by an agent or the system.
type Activity struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Role       Role      `json:"agent_type"`
	AgentName  string    `json:"agent_name"`
	Model      string    `json:"model"`
	Action     string    `json:"action"`
	IncidentID string    `json:"incident_id,omitempty"`
}

func newActivityID() string {
	return uuid.NewString()[:8]
}
