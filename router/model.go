// Package router picks the model tier for a request and dispatches messages
// to the responder that should answer them.
package router

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Model names used by the default tables.
const (
	ModelMini       = "gpt-4o-mini"
	ModelStandard   = "gpt-4o"
	ModelAdvanced   = "gpt-4o-2"
	ModelTechnical  = "gpt-4.1-mini"
	ModelAutoRouter = "model-router"
	ModelTranscribe = "gpt-4o-transcribe-diarize"
)

// ModelRule sends queries containing any keyword to Model.
type ModelRule struct {
	Model    string   `mapstructure:"model" yaml:"model"`
	Reason   string   `mapstructure:"reason" yaml:"reason"`
	Keywords []string `mapstructure:"keywords" yaml:"keywords"`
}

// Config configures a ModelRouter.
type Config struct {
	// ShortQueryLength routes queries shorter than this to ShortModel.
	ShortQueryLength int
	ShortModel       string
	DefaultModel     string
	// Rules are evaluated in order; the first match wins.
	Rules []ModelRule

	// SimpleDeployment and ComplexDeployment are the Select targets.
	SimpleDeployment  string
	ComplexDeployment string
	// ReasoningKeywords mark a prompt as complex when it is long enough.
	ReasoningKeywords []string
	// MinComplexLength is the shortest prompt Select treats as complex.
	MinComplexLength int

	// BaseLatency is the simulated base processing time per model.
	BaseLatency    map[string]time.Duration
	DefaultLatency time.Duration
	// MaxJitter bounds the random latency added per request.
	MaxJitter time.Duration
}

// DefaultConfig returns the built-in routing tables.
func DefaultConfig() Config {
	return Config{
		ShortQueryLength: 20,
		ShortModel:       ModelMini,
		DefaultModel:     ModelMini,
		Rules: []ModelRule{
			{Model: ModelStandard, Reason: "complex reasoning", Keywords: []string{"analyze", "compare", "explain", "complex"}},
			{Model: ModelAdvanced, Reason: "advanced reasoning", Keywords: []string{"plan", "strategy", "comprehensive"}},
			{Model: ModelTechnical, Reason: "technical analysis", Keywords: []string{"technical", "performance", "metrics"}},
		},
		SimpleDeployment:  ModelMini,
		ComplexDeployment: ModelAdvanced,
		ReasoningKeywords: []string{"plan", "analyze", "explain why", "compare", "budget"},
		MinComplexLength:  50,
		BaseLatency: map[string]time.Duration{
			ModelMini:       100 * time.Millisecond,
			ModelStandard:   300 * time.Millisecond,
			ModelAdvanced:   500 * time.Millisecond,
			ModelTechnical:  200 * time.Millisecond,
			ModelAutoRouter: 50 * time.Millisecond,
		},
		DefaultLatency: 200 * time.Millisecond,
		MaxJitter:      300 * time.Millisecond,
	}
}

// Decision is the outcome of routing a query.
type Decision struct {
	Model  string `json:"model"`
	Reason string `json:"reason"`
}

// Complexity classifies a prompt for Select.
type Complexity string

const (
	Simple  Complexity = "simple"
	Complex Complexity = "complex"
)

// Selection is the outcome of Select.
type Selection struct {
	Deployment string     `json:"deployment"`
	Complexity Complexity `json:"complexity"`
	Reason     string     `json:"reason"`
}

// ModelRouter maps queries to model labels with keyword and length rules.
type ModelRouter struct {
	cfg Config

	mu   sync.Mutex
	rand func() float64
}

// NewModelRouter creates a router. Zero fields fall back to DefaultConfig.
func NewModelRouter(cfg Config) *ModelRouter {
	def := DefaultConfig()
	if cfg.ShortQueryLength == 0 {
		cfg.ShortQueryLength = def.ShortQueryLength
	}
	if cfg.ShortModel == "" {
		cfg.ShortModel = def.ShortModel
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = def.DefaultModel
	}
	if cfg.Rules == nil {
		cfg.Rules = def.Rules
	}
	if cfg.SimpleDeployment == "" {
		cfg.SimpleDeployment = def.SimpleDeployment
	}
	if cfg.ComplexDeployment == "" {
		cfg.ComplexDeployment = def.ComplexDeployment
	}
	if cfg.ReasoningKeywords == nil {
		cfg.ReasoningKeywords = def.ReasoningKeywords
	}
	if cfg.MinComplexLength == 0 {
		cfg.MinComplexLength = def.MinComplexLength
	}
	if cfg.BaseLatency == nil {
		cfg.BaseLatency = def.BaseLatency
	}
	if cfg.DefaultLatency == 0 {
		cfg.DefaultLatency = def.DefaultLatency
	}
	if cfg.MaxJitter == 0 {
		cfg.MaxJitter = def.MaxJitter
	}
	return &ModelRouter{cfg: cfg, rand: rand.Float64}
}

// SetRand replaces the jitter source. f must return values in [0, 1).
func (r *ModelRouter) SetRand(f func() float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand = f
}

// Route picks a model for query.
func (r *ModelRouter) Route(query string) Decision {
	if len(query) < r.cfg.ShortQueryLength {
		return Decision{Model: r.cfg.ShortModel, Reason: "short query"}
	}
	lower := strings.ToLower(query)
	for _, rule := range r.cfg.Rules {
		if containsAny(lower, rule.Keywords) {
			return Decision{Model: rule.Model, Reason: rule.Reason}
		}
	}
	return Decision{Model: r.cfg.DefaultModel, Reason: "default"}
}

// Select picks a deployment by prompt complexity. Image prompts always need
// the vision-capable complex deployment.
func (r *ModelRouter) Select(prompt string) Selection {
	lower := strings.ToLower(prompt)
	if strings.Contains(lower, "image") || strings.Contains(prompt, "[IMAGE:") {
		return Selection{Deployment: r.cfg.ComplexDeployment, Complexity: Complex, Reason: "image input"}
	}
	if len(prompt) < r.cfg.MinComplexLength {
		return Selection{Deployment: r.cfg.SimpleDeployment, Complexity: Simple, Reason: "short prompt"}
	}
	if !containsAny(lower, r.cfg.ReasoningKeywords) {
		return Selection{Deployment: r.cfg.SimpleDeployment, Complexity: Simple, Reason: "no reasoning keywords"}
	}
	return Selection{Deployment: r.cfg.ComplexDeployment, Complexity: Complex, Reason: "reasoning required"}
}

// EstimateLatency simulates processing time for model on query: a per-model
// base, half a second per hundred characters and random jitter.
func (r *ModelRouter) EstimateLatency(model, query string) time.Duration {
	base, ok := r.cfg.BaseLatency[model]
	if !ok {
		base = r.cfg.DefaultLatency
	}
	complexity := time.Duration(float64(len(query)) / 100 * float64(500*time.Millisecond))

	r.mu.Lock()
	jitter := time.Duration(r.rand() * float64(r.cfg.MaxJitter))
	r.mu.Unlock()

	return base + complexity + jitter
}

// Models returns every model label the router can produce.
func (r *ModelRouter) Models() []string {
	seen := map[string]bool{}
	var out []string
	add := func(m string) {
		if m != "" && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	add(r.cfg.ShortModel)
	for _, rule := range r.cfg.Rules {
		add(rule.Model)
	}
	add(r.cfg.DefaultModel)
	add(r.cfg.SimpleDeployment)
	add(r.cfg.ComplexDeployment)
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
