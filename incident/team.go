package incident

import (
	"fmt"
	"sort"

	"github.com/scttfrdmn/agenkit/incident-go/adapter/llm"
	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
	"github.com/scttfrdmn/agenkit/incident-go/middleware"
	"github.com/scttfrdmn/agenkit/incident-go/router"
)

// Member describes one seat on the response team.
type Member struct {
	Role        Role   `mapstructure:"role" yaml:"role"`
	ID          string `mapstructure:"id" yaml:"id"`
	Name        string `mapstructure:"name" yaml:"name"`
	Title       string `mapstructure:"title" yaml:"title"`
	Model       string `mapstructure:"model" yaml:"model"`
	Description string `mapstructure:"description" yaml:"description"`
	Prompt      string `mapstructure:"prompt" yaml:"prompt"`
	// Replies are the canned findings used when no hosted model is
	// configured.
	Replies []string `mapstructure:"replies" yaml:"replies"`
}

// DefaultMembers returns the standard response team.
func DefaultMembers() []Member {
	return []Member{
		{
			Role:        RoleMonitor,
			ID:          "monitor-agent-llm",
			Name:        "SystemMonitor",
			Title:       "Monitor Agent",
			Model:       router.ModelMini,
			Description: "Monitors system health and detects anomalies",
			Prompt:      "You watch the search service. Describe the anomaly you detected in one sentence.",
			Replies: []string{
				"Detected search service outage using continuous monitoring",
			},
		},
		{
			Role:        RoleTriage,
			ID:          "triage-agent-llm",
			Name:        "TriageSpecialist",
			Title:       "Triage Agent",
			Model:       router.ModelStandard,
			Description: "Analyzes incidents and identifies root causes",
			Prompt:      "You triage production incidents. Name the most likely root cause and the remedy in one sentence.",
			Replies: []string{
				"Database connection pool exhaustion - recommending connection reset and pool optimization",
				"Search index corruption detected - initiating index rebuild procedure",
				"Network latency issues identified - optimizing query routing and cache settings",
				"Cache invalidation problem - implementing distributed cache synchronization",
				"Load balancer misconfiguration - reconfiguring traffic distribution algorithms",
			},
		},
		{
			Role:        RoleNotifier,
			ID:          "notification-agent-llm",
			Name:        "NotificationManager",
			Title:       "Notification Agent",
			Model:       router.ModelMini,
			Description: "Handles communications and alerts",
			Prompt:      "You keep stakeholders informed during incidents. Summarize the notification you sent in one sentence.",
			Replies: []string{
				"Stakeholders notified about service degradation with estimated resolution time",
				"Generated comprehensive incident report for engineering team review",
				"Sent real-time status updates to all affected system components",
			},
		},
		{
			Role:        RoleFixer,
			ID:          "fix-agent-llm",
			Name:        "FixExecutor",
			Title:       "Fix Agent",
			Model:       router.ModelAdvanced,
			Description: "Implements solutions and repairs systems",
			Prompt:      "You repair production systems. Describe the fix you applied in one sentence.",
			Replies: []string{
				"Restarted database connection pool with optimized settings and monitoring",
				"Rebuilt search index with improved tokenization and compression",
				"Optimized cache configuration with predictive loading algorithms",
				"Fixed load balancer settings with health-check integration and failover",
			},
		},
		{
			Role:        RoleAnalyzer,
			ID:          "performance-agent-llm",
			Name:        "PerformanceAnalyzer",
			Title:       "Analysis Agent",
			Model:       router.ModelTechnical,
			Description: "Analyzes performance metrics and provides insights",
			Prompt:      "You analyze service performance. State your main finding in one sentence.",
			Replies: []string{
				"Identified 40% increase in query response time - recommending query optimization",
				"Detected memory leak in search service - suggesting garbage collection tuning",
				"Found optimal cache configuration improving performance by 25%",
				"Identified database indexing improvements reducing query time by 60%",
			},
		},
	}
}

// ModelFactory returns the LLM that serves a member.
type ModelFactory func(Member) (llm.LLM, error)

// StaticModels serves every member from its canned replies. A nil picker
// chooses at random.
func StaticModels(picker llm.Picker) ModelFactory {
	return func(m Member) (llm.LLM, error) {
		s := llm.NewStaticLLM(m.Model, m.Replies...)
		if picker != nil {
			s.SetPicker(picker)
		}
		return s, nil
	}
}

// Team maps roles to their agents.
type Team struct {
	members map[Role]Member
	agents  map[Role]agenkit.Agent
}

// BuildTeam creates one LLM agent per member and wraps it with mws.
func BuildTeam(members []Member, models ModelFactory, mws ...middleware.Middleware) (*Team, error) {
	t := &Team{
		members: make(map[Role]Member, len(members)),
		agents:  make(map[Role]agenkit.Agent, len(members)),
	}
	for _, m := range members {
		if m.Role == "" || m.ID == "" {
			return nil, fmt.Errorf("team member needs a role and an id: %+v", m)
		}
		if _, dup := t.members[m.Role]; dup {
			return nil, fmt.Errorf("duplicate team role %q", m.Role)
		}
		model, err := models(m)
		if err != nil {
			return nil, fmt.Errorf("model for %s: %w", m.ID, err)
		}
		agent, err := llm.NewAgent(agenkit.Info{
			ID:           m.ID,
			Name:         m.Name,
			Description:  m.Description,
			Version:      "1.0.0",
			Model:        m.Model,
			Capabilities: []string{string(m.Role)},
		}, model, m.Prompt)
		if err != nil {
			return nil, err
		}
		t.members[m.Role] = m
		t.agents[m.Role] = middleware.Chain(agent, mws...)
	}
	return t, nil
}

// Agent returns the agent seated at role.
func (t *Team) Agent(role Role) (agenkit.Agent, bool) {
	if t == nil {
		return nil, false
	}
	a, ok := t.agents[role]
	return a, ok
}

// Member returns the member seated at role.
func (t *Team) Member(role Role) (Member, bool) {
	if t == nil {
		return Member{}, false
	}
	m, ok := t.members[role]
	return m, ok
}

// Agents returns every team agent sorted by name.
func (t *Team) Agents() []agenkit.Agent {
	if t == nil {
		return nil
	}
	out := make([]agenkit.Agent, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Models returns the distinct models used by the team.
func (t *Team) Models() []string {
	if t == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, role := range Roles() {
		if m, ok := t.members[role]; ok && !seen[m.Model] {
			seen[m.Model] = true
			out = append(out, m.Model)
		}
	}
	return out
}
