// Package config loads incidentd settings from defaults, an optional YAML
// file and INCIDENT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/scttfrdmn/agenkit/incident-go/incident"
	"github.com/scttfrdmn/agenkit/incident-go/observability"
	"github.com/scttfrdmn/agenkit/incident-go/pool"
	"github.com/scttfrdmn/agenkit/incident-go/workflow"
)

// EnvPrefix prefixes every environment override, e.g. INCIDENT_SERVER_ADDR.
const EnvPrefix = "INCIDENT"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// LLM providers.
const (
	ProviderStatic = "static"
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig                `mapstructure:"server"`
	Log        observability.LogConfig     `mapstructure:"log"`
	Tracing    observability.TracingConfig `mapstructure:"tracing"`
	Metrics    MetricsConfig               `mapstructure:"metrics"`
	Audit      AuditConfig                 `mapstructure:"audit"`
	Team       TeamConfig                  `mapstructure:"team"`
	Incident   IncidentConfig              `mapstructure:"incident"`
	Banner     BannerConfig                `mapstructure:"banner"`
	Monitor    MonitorConfig               `mapstructure:"monitor"`
	Events     EventsConfig                `mapstructure:"events"`
	Store      StoreConfig                 `mapstructure:"store"`
	Redis      RedisConfig                 `mapstructure:"redis"`
	LLM        LLMConfig                   `mapstructure:"llm"`
	Pool       pool.Config                 `mapstructure:"pool"`
	Resilience ResilienceConfig            `mapstructure:"resilience"`
	Workflow   workflow.Definition         `mapstructure:"workflow"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins limits WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MaxBodyBytes bounds JSON and audio request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// PingInterval is the WebSocket keepalive period.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// RateLimit applies per client address to the API routes.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	// TrustedProxies lists the proxy addresses or CIDRs whose
	// X-Forwarded-For header names the client. Empty trusts no proxy.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuditConfig selects where admin actions are recorded.
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// File appends JSON events; empty writes text lines to stdout.
	File string `mapstructure:"file"`
}

// TeamConfig describes the rule responders.
type TeamConfig struct {
	Company string `mapstructure:"company"`
	Contest string `mapstructure:"contest"`
	// RulesDir holds extra rule set files overriding the built-ins.
	RulesDir string `mapstructure:"rules_dir"`
	// Watch reloads RulesDir when its files change.
	Watch bool `mapstructure:"watch"`
}

// IncidentConfig configures the coordinator.
type IncidentConfig struct {
	AutoResolution   bool             `mapstructure:"auto_resolution"`
	Timings          incident.Timings `mapstructure:"timings"`
	ResponseWindow   int              `mapstructure:"response_window"`
	ActivityLimit    int              `mapstructure:"activity_limit"`
	RecentActivities int              `mapstructure:"recent_activities"`
	HistoryLimit     int              `mapstructure:"history_limit"`
	// Members replaces the default response team when set.
	Members []incident.Member `mapstructure:"members"`
}

// BannerConfig configures the alert board.
type BannerConfig struct {
	AutoCloseAfter time.Duration `mapstructure:"auto_close_after"`
	HistorySize    int           `mapstructure:"history_size"`
}

// MonitorConfig configures the search watcher.
type MonitorConfig struct {
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"`
	SlowDelay       time.Duration `mapstructure:"slow_delay"`
	SimulateLatency bool          `mapstructure:"simulate_latency"`
}

// EventsConfig selects the event bus.
type EventsConfig struct {
	Backend string `mapstructure:"backend"`
	Channel string `mapstructure:"channel"`
}

// StoreConfig selects the incident store.
type StoreConfig struct {
	Backend string        `mapstructure:"backend"`
	Prefix  string        `mapstructure:"prefix"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// RedisConfig is shared by the redis event bus and store.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// LLMConfig selects the language model backend for the response team.
type LLMConfig struct {
	Provider   string `mapstructure:"provider"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Endpoint   string `mapstructure:"endpoint"`
	APIVersion string `mapstructure:"api_version"`
	// Deployments maps model labels to Azure deployment names. Unmapped
	// labels are used as the deployment name.
	Deployments        map[string]string `mapstructure:"deployments"`
	TranscriptionModel string            `mapstructure:"transcription_model"`
}

// ResilienceConfig configures the agent middleware.
type ResilienceConfig struct {
	Timeout time.Duration   `mapstructure:"timeout"`
	Retry   RetryConfig     `mapstructure:"retry"`
	Breaker BreakerConfig   `mapstructure:"breaker"`
	Limit   RateLimitConfig `mapstructure:"rate_limit"`
}

// RetryConfig configures retries of failed agent calls.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// BreakerConfig configures the circuit breaker on model-backed agents.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// RateLimitConfig is a token bucket. Rate <= 0 disables limiting.
type RateLimitConfig struct {
	Rate     float64 `mapstructure:"rate"`
	Capacity int     `mapstructure:"capacity"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("server.ping_interval", "30s")
	v.SetDefault("server.rate_limit.rate", 0)
	v.SetDefault("server.rate_limit.capacity", 20)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.trace_context", true)
	v.SetDefault("log.service", "incidentd")

	v.SetDefault("tracing.service_name", "incidentd")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.console", false)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.file", "")

	v.SetDefault("team.company", "")
	v.SetDefault("team.contest", "")
	v.SetDefault("team.rules_dir", "")
	v.SetDefault("team.watch", false)

	t := incident.DefaultTimings()
	v.SetDefault("incident.auto_resolution", true)
	v.SetDefault("incident.timings.notify", t.Notify.String())
	v.SetDefault("incident.timings.triage", t.Triage.String())
	v.SetDefault("incident.timings.analyze", t.Analyze.String())
	v.SetDefault("incident.timings.fix", t.Fix.String())
	v.SetDefault("incident.timings.verify", t.Verify.String())
	v.SetDefault("incident.timings.clear", t.Clear.String())
	v.SetDefault("incident.response_window", 50)
	v.SetDefault("incident.activity_limit", 500)
	v.SetDefault("incident.recent_activities", 20)
	v.SetDefault("incident.history_limit", 10)

	v.SetDefault("banner.auto_close_after", "8s")
	v.SetDefault("banner.history_size", 10)

	v.SetDefault("monitor.slow_threshold", "2s")
	v.SetDefault("monitor.slow_delay", "3s")
	v.SetDefault("monitor.simulate_latency", false)

	v.SetDefault("events.backend", BackendLocal)
	v.SetDefault("events.channel", "incident:events")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.prefix", "incident")
	v.SetDefault("store.ttl", "0s")
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("llm.provider", ProviderStatic)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.endpoint", "")
	v.SetDefault("llm.api_version", "2024-06-01")
	v.SetDefault("llm.transcription_model", "whisper-1")

	p := pool.DefaultConfig()
	v.SetDefault("pool.capacity", p.Capacity)
	v.SetDefault("pool.expiry", p.ExpiryDuration.String())
	v.SetDefault("pool.nonblocking", p.Nonblocking)
	v.SetDefault("pool.max_blocking_tasks", p.MaxBlockingTasks)

	v.SetDefault("resilience.timeout", "30s")
	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.initial_backoff", "100ms")
	v.SetDefault("resilience.retry.max_backoff", "10s")
	v.SetDefault("resilience.breaker.failure_threshold", 5)
	v.SetDefault("resilience.breaker.recovery_timeout", "60s")
	v.SetDefault("resilience.breaker.success_threshold", 2)
	v.SetDefault("resilience.rate_limit.rate", 0.0)
	v.SetDefault("resilience.rate_limit.capacity", 10)

	w := workflow.DefaultDefinition()
	v.SetDefault("workflow.name", w.Name)
	v.SetDefault("workflow.description", w.Description)
	v.SetDefault("workflow.type", w.Type)
	v.SetDefault("workflow.deadline", w.Deadline.String())
	v.SetDefault("workflow.model", w.Model)
	v.SetDefault("workflow.capabilities", w.Capabilities)
}

// New returns a viper instance with defaults and environment binding. When
// path is non-empty the file is read; a missing file is an error.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional provider variables are honoured as fallbacks.
	_ = v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "AZURE_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("llm.endpoint", EnvPrefix+"_LLM_ENDPOINT", "AZURE_OPENAI_ENDPOINT")
	_ = v.BindEnv("redis.url", EnvPrefix+"_REDIS_URL", "REDIS_URL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return v, nil
}

// BindFlags lets command-line flags override file and environment values.
// Flags are bound by name: --addr sets server.addr, the rest use their
// config key with dots replaced by dashes.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	aliases := map[string]string{
		"addr":            "server.addr",
		"log-level":       "log.level",
		"log-format":      "log.format",
		"rules-dir":       "team.rules_dir",
		"auto-resolution": "incident.auto_resolution",
	}
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := aliases[f.Name]
		if !ok {
			key = strings.ReplaceAll(f.Name, "-", ".")
			if !v.IsSet(key) {
				return
			}
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = fmt.Errorf("failed to bind flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads path (optional) and the environment into a Config.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Events.Backend {
	case BackendLocal, BackendRedis:
	default:
		return fmt.Errorf("%w: events.backend %q must be local or redis", ErrInvalid, c.Events.Backend)
	}
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("%w: store.backend %q must be memory or redis", ErrInvalid, c.Store.Backend)
	}
	if (c.Events.Backend == BackendRedis || c.Store.Backend == BackendRedis) && c.Redis.URL == "" {
		return fmt.Errorf("%w: redis.url is required for the redis backend", ErrInvalid)
	}

	switch c.LLM.Provider {
	case ProviderStatic:
	case ProviderOpenAI:
		if c.LLM.APIKey == "" {
			return fmt.Errorf("%w: llm.api_key is required for openai", ErrInvalid)
		}
	case ProviderAzure:
		if c.LLM.APIKey == "" || c.LLM.Endpoint == "" {
			return fmt.Errorf("%w: llm.api_key and llm.endpoint are required for azure", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: llm.provider %q must be static, openai or azure", ErrInvalid, c.LLM.Provider)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalid)
	}
	if _, err := ParsePrefixes(c.Server.TrustedProxies); err != nil {
		return fmt.Errorf("%w: server.trusted_proxies: %v", ErrInvalid, err)
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("%w: pool.capacity must be positive", ErrInvalid)
	}
	if c.Resilience.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: resilience.retry.max_attempts must be at least 1", ErrInvalid)
	}
	if c.Team.Watch && c.Team.RulesDir == "" {
		return fmt.Errorf("%w: team.watch needs team.rules_dir", ErrInvalid)
	}
	return nil
}

// ParsePrefixes parses addresses and CIDRs. A bare address becomes a
// single-host prefix.
func ParsePrefixes(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// UsesRedis reports whether any component needs a redis connection.
func (c *Config) UsesRedis() bool {
	return c.Events.Backend == BackendRedis || c.Store.Backend == BackendRedis
}

// ChangeHandler receives a freshly decoded configuration.
type ChangeHandler func(cfg *Config) error

// Watcher re-decodes the config file when it changes and notifies handlers.
// Invalid edits are logged and ignored.
type Watcher struct {
	v        *viper.Viper
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]ChangeHandler
	once     sync.Once
}

// NewWatcher creates a watcher for v, which must have been read from a file.
func NewWatcher(v *viper.Viper, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{v: v, logger: logger, handlers: make(map[string]ChangeHandler)}
}

// Subscribe registers handler under id, replacing any previous one.
func (w *Watcher) Subscribe(id string, handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[id] = handler
}

// Start begins watching. It is idempotent.
func (w *Watcher) Start() {
	w.once.Do(func() {
		w.v.OnConfigChange(func(e fsnotify.Event) {
			w.logger.Info("config file changed", "file", e.Name, "op", e.Op.String())
			w.Reload()
		})
		w.v.WatchConfig()
	})
}

// Reload decodes the current settings and calls every handler.
func (w *Watcher) Reload() {
	cfg, err := Decode(w.v)
	if err != nil {
		w.logger.Error("config reload rejected", "error", err)
		return
	}
	w.mu.RLock()
	handlers := make(map[string]ChangeHandler, len(w.handlers))
	for id, h := range w.handlers {
		handlers[id] = h
	}
	w.mu.RUnlock()

	for id, h := range handlers {
		if err := h(cfg); err != nil {
			w.logger.Error("config handler failed", "handler", id, "error", err)
		}
	}
}
