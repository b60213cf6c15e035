package responders

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"text/template"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
	"github.com/scttfrdmn/agenkit/incident-go/assess"
)

var templateFuncs = template.FuncMap{
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
	"percent": func(f float64) string {
		return fmt.Sprintf("%.0f%%", f*100)
	},
	"upper": strings.ToUpper,
}

// templateData is the value a rule template is executed against.
type templateData struct {
	Message    string
	Agent      agenkit.Info
	Assessment assess.Assessment
}

type compiledRule struct {
	Rule
	keywords []string
	tmpl     *template.Template
}

// RuleAgent answers messages from a RuleSet.
type RuleAgent struct {
	set      *RuleSet
	rules    []compiledRule
	fallback compiledRule
	assessor *assess.Assessor

	mu   sync.Mutex
	hits map[string]int
}

// Option configures a RuleAgent.
type Option func(*RuleAgent)

// WithAssessor sets the assessor used to fill template assessments.
func WithAssessor(a *assess.Assessor) Option {
	return func(r *RuleAgent) {
		r.assessor = a
	}
}

// WithCompany sets the company shown by templates that reference it.
func WithCompany(company string) Option {
	return func(r *RuleAgent) {
		r.set.Agent.Company = company
	}
}

// WithContest sets the contest shown by templates that reference it.
func WithContest(contest string) Option {
	return func(r *RuleAgent) {
		r.set.Agent.Contest = contest
	}
}

// NewRuleAgent compiles a rule set into an agent.
func NewRuleAgent(set *RuleSet, opts ...Option) (*RuleAgent, error) {
	if set == nil {
		return nil, fmt.Errorf("%w: rule set is nil", ErrInvalidRuleSet)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}

	copied := *set
	copied.Agent.Capabilities = append([]string(nil), set.Agent.Capabilities...)
	a := &RuleAgent{
		set:  &copied,
		hits: make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.assessor == nil {
		a.assessor = assess.New(assess.Config{})
	}

	for _, r := range set.Rules {
		cr, err := compile(set.Agent.ID, r)
		if err != nil {
			return nil, err
		}
		a.rules = append(a.rules, cr)
	}
	fb, err := compile(set.Agent.ID, set.Fallback)
	if err != nil {
		return nil, err
	}
	a.fallback = fb
	return a, nil
}

func compile(agentID string, r Rule) (compiledRule, error) {
	tmpl, err := template.New(agentID + "/" + r.Name).Funcs(templateFuncs).Parse(r.Template)
	if err != nil {
		return compiledRule{}, fmt.Errorf("%w: %s: rule %q: %v", ErrInvalidRuleSet, agentID, r.Name, err)
	}
	keywords := make([]string, len(r.Keywords))
	for i, kw := range r.Keywords {
		keywords[i] = strings.ToLower(kw)
	}
	return compiledRule{Rule: r, keywords: keywords, tmpl: tmpl}, nil
}

// Name returns the agent ID.
func (a *RuleAgent) Name() string {
	return a.set.Agent.ID
}

// Capabilities returns the capabilities declared by the rule set.
func (a *RuleAgent) Capabilities() []string {
	return append([]string(nil), a.set.Agent.Capabilities...)
}

// Info returns the agent metadata.
func (a *RuleAgent) Info() agenkit.Info {
	info := a.set.Agent
	info.Capabilities = a.Capabilities()
	return info
}

// Match returns the rule that would answer content.
func (a *RuleAgent) Match(content string) Rule {
	return a.match(strings.ToLower(content)).Rule
}

func (a *RuleAgent) match(lower string) *compiledRule {
	for i := range a.rules {
		for _, kw := range a.rules[i].keywords {
			if strings.Contains(lower, kw) {
				return &a.rules[i]
			}
		}
	}
	return &a.fallback
}

// Process renders the first matching rule for the message.
func (a *RuleAgent) Process(ctx context.Context, message *agenkit.Message) (*agenkit.Message, error) {
	if message.IsEmpty() {
		return nil, agenkit.ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rule := a.match(strings.ToLower(message.Content))
	data := templateData{
		Message:    message.Content,
		Agent:      a.Info(),
		Assessment: a.assessor.Assess(message.Content),
	}

	var buf bytes.Buffer
	if err := rule.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render rule %q: %w", rule.Name, err)
	}

	a.mu.Lock()
	a.hits[rule.Name]++
	a.mu.Unlock()

	return agenkit.NewMessage("assistant", strings.TrimRight(buf.String(), "\n")).
		WithAuthor(a.set.Agent.ID).
		WithMetadata(agenkit.MetaType, rule.Type).
		WithMetadata(agenkit.MetaStatus, rule.Status).
		WithMetadata(agenkit.MetaRule, rule.Name).
		WithMetadata(agenkit.MetaModel, a.set.Agent.Model).
		WithMetadata(agenkit.MetaResponseID, responseID(a.set.ResponsePrefix, message.Content)), nil
}

// Introspect reports the loaded rules and how often each fired.
func (a *RuleAgent) Introspect() *agenkit.IntrospectionResult {
	a.mu.Lock()
	hits := make(map[string]int, len(a.hits))
	for k, v := range a.hits {
		hits[k] = v
	}
	a.mu.Unlock()

	names := make([]string, 0, len(a.rules))
	for _, r := range a.rules {
		names = append(names, r.Name)
	}

	result, err := agenkit.NewIntrospectionResult(a.Info(), map[string]interface{}{
		"rules":    names,
		"fallback": a.fallback.Name,
		"hits":     hits,
		"source":   a.set.Source,
	})
	if err != nil {
		return nil
	}
	return result
}

// responseID derives a stable reply ID from the message text.
func responseID(prefix, content string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(content))
	return fmt.Sprintf("%s-%04d", prefix, h.Sum32()%10000)
}
