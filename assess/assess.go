// Package assess classifies free-text incident reports into a severity and a
// crisis type.
//
// The assessor is deliberately rule based: each severity level and each
// crisis type owns a keyword list, and a report is scored by whole-word
// matches against its lower-cased text. A keyword may carry a plural or verb
// suffix ("outages", "errored") but never matches inside a longer word. The highest severity with any match
// wins; the crisis type with the most matches wins, ties going to the type
// declared first.
package assess

import (
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Severity is an incident priority, P0 being the most urgent.
type Severity string

const (
	SeverityCritical Severity = "P0"
	SeverityHigh     Severity = "P1"
	SeverityMedium   Severity = "P2"
	SeverityLow      Severity = "P3"
)

// Label returns the human name of the severity.
func (s Severity) Label() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Rank orders severities; lower is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// CrisisType is the category of an incident.
type CrisisType string

const (
	TypePayment       CrisisType = "payment"
	TypeDatabase      CrisisType = "database"
	TypeSearch        CrisisType = "search"
	TypeNetwork       CrisisType = "network"
	TypeSecurity      CrisisType = "security"
	TypeProductLaunch CrisisType = "product_launch"
	TypeGeneral       CrisisType = "general"
)

// SeverityRule maps keywords to a severity level.
type SeverityRule struct {
	Severity Severity `mapstructure:"severity" yaml:"severity"`
	Keywords []string `mapstructure:"keywords" yaml:"keywords"`
}

// TypeRule maps keywords to a crisis type.
type TypeRule struct {
	Type     CrisisType `mapstructure:"type" yaml:"type"`
	Keywords []string   `mapstructure:"keywords" yaml:"keywords"`
}

// Config holds the keyword tables and per-severity playbooks.
type Config struct {
	Severities []SeverityRule
	Types      []TypeRule
	Actions    map[Severity][]string
	ETA        map[Severity]time.Duration
}

// DefaultConfig returns the built-in keyword tables.
func DefaultConfig() Config {
	return Config{
		Severities: []SeverityRule{
			{Severity: SeverityCritical, Keywords: []string{"outage", "down", "breach", "payment", "data loss", "unavailable"}},
			{Severity: SeverityHigh, Keywords: []string{"crisis", "emergency", "urgent", "failure", "failing"}},
			{Severity: SeverityMedium, Keywords: []string{"slow", "degraded", "latency", "error", "timeout"}},
		},
		Types: []TypeRule{
			{Type: TypePayment, Keywords: []string{"payment", "checkout", "billing", "transaction"}},
			{Type: TypeDatabase, Keywords: []string{"database", "connection pool", "query"}},
			{Type: TypeSearch, Keywords: []string{"search", "index", "results"}},
			{Type: TypeNetwork, Keywords: []string{"network", "latency", "dns", "load balancer"}},
			{Type: TypeSecurity, Keywords: []string{"breach", "security", "login", "attack"}},
			{Type: TypeProductLaunch, Keywords: []string{"launch", "release", "product"}},
		},
		Actions: map[Severity][]string{
			SeverityCritical: {
				"Assemble crisis response team",
				"Page on-call owner of the affected component",
				"Implement containment measures",
				"Prepare stakeholder communications",
			},
			SeverityHigh: {
				"Assemble crisis response team",
				"Assess severity and impact",
				"Identify root cause",
				"Prepare stakeholder communications",
			},
			SeverityMedium: {
				"Open a tracking incident",
				"Investigate degraded component",
				"Schedule remediation",
			},
			SeverityLow: {
				"Log for review",
				"Continue monitoring",
			},
		},
		ETA: map[Severity]time.Duration{
			SeverityCritical: 15 * time.Minute,
			SeverityHigh:     20 * time.Minute,
			SeverityMedium:   30 * time.Minute,
			SeverityLow:      60 * time.Minute,
		},
	}
}

// Assessment is the result of assessing a report.
type Assessment struct {
	Severity   Severity      `json:"severity"`
	Type       CrisisType    `json:"type"`
	Confidence float64       `json:"confidence"`
	Matched    []string      `json:"matched"`
	Actions    []string      `json:"actions"`
	ETA        time.Duration `json:"-"`
	ETASeconds float64       `json:"eta_seconds"`
}

// Assessor scores reports against a Config.
type Assessor struct {
	config Config
}

// New creates an assessor. Missing tables fall back to the defaults.
func New(config Config) *Assessor {
	def := DefaultConfig()
	if len(config.Severities) == 0 {
		config.Severities = def.Severities
	}
	if len(config.Types) == 0 {
		config.Types = def.Types
	}
	if config.Actions == nil {
		config.Actions = def.Actions
	}
	if config.ETA == nil {
		config.ETA = def.ETA
	}
	return &Assessor{config: config}
}

// Assess determines severity, crisis type, confidence and playbook for text.
func (a *Assessor) Assess(text string) Assessment {
	lower := strings.ToLower(text)
	matched := make(map[string]struct{})

	severity := SeverityLow
	for _, rule := range a.config.Severities {
		hit := false
		for _, kw := range rule.Keywords {
			if containsWord(lower, strings.ToLower(kw)) {
				matched[kw] = struct{}{}
				hit = true
			}
		}
		if hit && rule.Severity.Rank() < severity.Rank() {
			severity = rule.Severity
		}
	}

	crisisType := TypeGeneral
	best := 0
	for _, rule := range a.config.Types {
		count := 0
		for _, kw := range rule.Keywords {
			if containsWord(lower, strings.ToLower(kw)) {
				matched[kw] = struct{}{}
				count++
			}
		}
		if count > best {
			best = count
			crisisType = rule.Type
		}
	}

	keywords := make([]string, 0, len(matched))
	for kw := range matched {
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)

	confidence := 0.5 + 0.15*float64(len(keywords))
	if confidence > 0.95 {
		confidence = 0.95
	}

	return Assessment{
		Severity:   severity,
		Type:       crisisType,
		Confidence: confidence,
		Matched:    keywords,
		Actions:    append([]string(nil), a.config.Actions[severity]...),
		ETA:        a.config.ETA[severity],
		ETASeconds: a.config.ETA[severity].Seconds(),
	}
}

// suffixes a keyword may carry and still count as the same word.
var suffixes = []string{"", "s", "es", "ed", "ing"}

// containsWord reports whether kw occurs in text starting at a word boundary
// and followed only by one of suffixes before the next boundary.
func containsWord(text, kw string) bool {
	if kw == "" {
		return false
	}
	for from := 0; from < len(text); {
		i := strings.Index(text[from:], kw)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(kw)
		if boundaryBefore(text, start) && wordSuffix(text[end:]) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		from = start + size
	}
	return false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func wordSuffix(rest string) bool {
	n := strings.IndexFunc(rest, func(r rune) bool { return !isWordRune(r) })
	if n < 0 {
		n = len(rest)
	}
	tail := rest[:n]
	for _, s := range suffixes {
		if tail == s {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
