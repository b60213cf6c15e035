package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
)

// Classifier determines the category of a message.
type Classifier interface {
	Classify(ctx context.Context, message *agenkit.Message) (string, error)
}

// ErrNoCategory is returned by classifiers that cannot place a message.
var ErrNoCategory = errors.New("unable to classify message")

// AgentLookup resolves agent names. The agent registry satisfies it.
type AgentLookup interface {
	Lookup(name string) (agenkit.Agent, bool)
}

// Route maps a category to the agent serving it.
type Route struct {
	Category string   `mapstructure:"category" yaml:"category"`
	Agent    string   `mapstructure:"agent" yaml:"agent"`
	Keywords []string `mapstructure:"keywords" yaml:"keywords"`
}

// DefaultRoutes sends each kind of request to the responder that owns it.
func DefaultRoutes() []Route {
	return []Route{
		{Category: "crisis", Agent: "crisis-manager", Keywords: []string{"crisis", "emergency", "outage", "down"}},
		{Category: "triage", Agent: "triage-agent", Keywords: []string{"triage", "prioritize", "severity", "queue"}},
		{Category: "monitoring", Agent: "monitoring-agent", Keywords: []string{"monitor", "health", "alert", "metrics"}},
		{Category: "analysis", Agent: "analysis-agent", Keywords: []string{"analyze", "investigation", "logs", "root cause", "recommendation"}},
	}
}

// KeywordClassifier picks the route with the most keyword hits. Ties go to
// the route declared first.
type KeywordClassifier struct {
	routes []Route
}

// NewKeywordClassifier creates a keyword-based classifier.
func NewKeywordClassifier(routes []Route) *KeywordClassifier {
	return &KeywordClassifier{routes: routes}
}

// Classify determines category using keyword matching.
func (c *KeywordClassifier) Classify(ctx context.Context, message *agenkit.Message) (string, error) {
	if message == nil {
		return "", fmt.Errorf("message cannot be nil")
	}

	content := strings.ToLower(message.Content)
	maxMatches := 0
	bestCategory := ""

	for _, route := range c.routes {
		matches := 0
		for _, keyword := range route.Keywords {
			if strings.Contains(content, strings.ToLower(keyword)) {
				matches++
			}
		}
		if matches > maxMatches {
			maxMatches = matches
			bestCategory = route.Category
		}
	}

	if bestCategory == "" {
		return "", ErrNoCategory
	}
	return bestCategory, nil
}

// AgentClassifier prompts an agent, usually an LLM agent, for the category.
// The reply must be one of the configured categories.
type AgentClassifier struct {
	agent      agenkit.Agent
	categories []string
	prompt     string
}

// NewAgentClassifier creates an agent-backed classifier.
func NewAgentClassifier(agent agenkit.Agent, categories []string) *AgentClassifier {
	prompt := fmt.Sprintf(`Classify the following incident report into one of these categories: %s

Reply with ONLY the category name, nothing else.

Report: `, strings.Join(categories, ", "))

	return &AgentClassifier{
		agent:      agent,
		categories: categories,
		prompt:     prompt,
	}
}

// Classify asks the agent for a category.
func (c *AgentClassifier) Classify(ctx context.Context, message *agenkit.Message) (string, error) {
	if message == nil {
		return "", fmt.Errorf("message cannot be nil")
	}

	result, err := c.agent.Process(ctx, agenkit.NewMessage("user", c.prompt+message.Content))
	if err != nil {
		return "", fmt.Errorf("agent classification failed: %w", err)
	}

	category := strings.TrimSpace(result.Content)
	for _, valid := range c.categories {
		if strings.EqualFold(category, valid) {
			return valid, nil
		}
	}
	return "", fmt.Errorf("%w: agent returned %q (valid: %s)",
		ErrNoCategory, category, strings.Join(c.categories, ", "))
}

// ChainClassifier returns the first category any classifier produces.
type ChainClassifier []Classifier

// Classify tries each classifier in order.
func (c ChainClassifier) Classify(ctx context.Context, message *agenkit.Message) (string, error) {
	var lastErr error = ErrNoCategory
	for _, cl := range c {
		category, err := cl.Classify(ctx, message)
		if err == nil {
			return category, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// AgentRouter routes messages to the responder owning their category.
//
// Agents are resolved by name on every call so rule reloads take effect
// without rebuilding the router.
type AgentRouter struct {
	name       string
	classifier Classifier
	routes     map[string]string
	agents     AgentLookup
	defaultKey string
	models     *ModelRouter
}

// AgentRouterConfig configures an AgentRouter.
type AgentRouterConfig struct {
	Classifier Classifier
	Routes     []Route
	Agents     AgentLookup
	// DefaultCategory receives messages that cannot be classified (optional).
	DefaultCategory string
	// Models labels responses with the model that would serve them (optional).
	Models *ModelRouter
}

// NewAgentRouter creates a new router agent.
func NewAgentRouter(config *AgentRouterConfig) (*AgentRouter, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Agents == nil {
		return nil, fmt.Errorf("agent lookup is required")
	}
	if len(config.Routes) == 0 {
		return nil, fmt.Errorf("at least one route is required")
	}

	routes := make(map[string]string, len(config.Routes))
	for _, r := range config.Routes {
		routes[r.Category] = r.Agent
	}
	if config.DefaultCategory != "" {
		if _, ok := routes[config.DefaultCategory]; !ok {
			return nil, fmt.Errorf("default category '%s' not found in routes", config.DefaultCategory)
		}
	}

	classifier := config.Classifier
	if classifier == nil {
		classifier = NewKeywordClassifier(config.Routes)
	}

	return &AgentRouter{
		name:       "router",
		classifier: classifier,
		routes:     routes,
		agents:     config.Agents,
		defaultKey: config.DefaultCategory,
		models:     config.Models,
	}, nil
}

// Name returns the agent's identifier.
func (r *AgentRouter) Name() string {
	return r.name
}

// Capabilities returns the combined capabilities of all routed agents.
func (r *AgentRouter) Capabilities() []string {
	capMap := make(map[string]bool)
	for _, name := range r.routes {
		if agent, ok := r.agents.Lookup(name); ok {
			for _, c := range agent.Capabilities() {
				capMap[c] = true
			}
		}
	}

	capabilities := make([]string, 0, len(capMap)+2)
	for c := range capMap {
		capabilities = append(capabilities, c)
	}
	sort.Strings(capabilities)
	return append(capabilities, "router", "classification")
}

// Info describes the router.
func (r *AgentRouter) Info() agenkit.Info {
	return agenkit.Info{
		ID:           r.name,
		Name:         "Router",
		Description:  "Routes requests to the responsible specialist agent",
		Version:      "1.0.0",
		Model:        ModelAutoRouter,
		Capabilities: r.Capabilities(),
	}
}

// Resolve returns the category and agent that would handle message.
func (r *AgentRouter) Resolve(ctx context.Context, message *agenkit.Message) (string, agenkit.Agent, error) {
	category, err := r.classifier.Classify(ctx, message)
	if err != nil {
		if r.defaultKey == "" {
			return "", nil, fmt.Errorf("classification failed: %w", err)
		}
		category = r.defaultKey
	}

	name, ok := r.routes[category]
	if !ok {
		if r.defaultKey == "" {
			available := make([]string, 0, len(r.routes))
			for cat := range r.routes {
				available = append(available, cat)
			}
			sort.Strings(available)
			return "", nil, fmt.Errorf("no agent found for category '%s' (available: %s)",
				category, strings.Join(available, ", "))
		}
		category = r.defaultKey
		name = r.routes[category]
	}

	agent, ok := r.agents.Lookup(name)
	if !ok {
		return "", nil, fmt.Errorf("agent '%s' for category '%s' is not registered", name, category)
	}
	return category, agent, nil
}

// Process classifies the message and delegates to the selected agent.
// The response carries routed_category, routed_agent and model metadata.
func (r *AgentRouter) Process(ctx context.Context, message *agenkit.Message) (*agenkit.Message, error) {
	if message.IsEmpty() {
		return nil, agenkit.ErrEmptyMessage
	}

	category, agent, err := r.Resolve(ctx, message)
	if err != nil {
		return nil, err
	}

	result, err := agent.Process(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("agent '%s' (category: %s) failed: %w", agent.Name(), category, err)
	}

	result.WithMetadata("routed_category", category).
		WithMetadata("routed_agent", agent.Name())
	if r.models != nil {
		result.WithMetadata(agenkit.MetaModel, r.models.Route(message.Content).Model)
	}
	return result, nil
}
