// Package app assembles the incident service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/scttfrdmn/agenkit/incident-go/adapter/llm"
	"github.com/scttfrdmn/agenkit/incident-go/adapter/registry"
	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
	"github.com/scttfrdmn/agenkit/incident-go/assess"
	"github.com/scttfrdmn/agenkit/incident-go/banner"
	"github.com/scttfrdmn/agenkit/incident-go/config"
	"github.com/scttfrdmn/agenkit/incident-go/events"
	"github.com/scttfrdmn/agenkit/incident-go/incident"
	"github.com/scttfrdmn/agenkit/incident-go/middleware"
	"github.com/scttfrdmn/agenkit/incident-go/monitor"
	"github.com/scttfrdmn/agenkit/incident-go/observability"
	"github.com/scttfrdmn/agenkit/incident-go/pool"
	"github.com/scttfrdmn/agenkit/incident-go/responders"
	"github.com/scttfrdmn/agenkit/incident-go/router"
	"github.com/scttfrdmn/agenkit/incident-go/workflow"
)

// RouterName is the registry name of the category router.
const RouterName = "router"

// App holds every long-lived component of the service.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Bus         events.Bus
	Store       incident.Store
	Pool        *pool.Pool
	Board       *banner.Board
	Team        *incident.Team
	Coordinator *incident.Coordinator
	Registry    *registry.AgentRegistry
	Router      *router.AgentRouter
	Models      *router.ModelRouter
	Assessor    *assess.Assessor
	Watcher     *monitor.Watcher
	Faults      *monitor.FaultInjector
	Workflow    *workflow.Workflow
	Transcriber llm.Transcriber
	Audit       *observability.AuditLogger
	// Metrics is the Prometheus registry served at /metrics; nil when
	// metrics are disabled.
	Metrics *prometheus.Registry

	responderMW []middleware.Middleware
	closers     []func(context.Context) error
}

// New builds the application. On error every component created so far is
// closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if err := a.initTelemetry(ctx); err != nil {
		return nil, err
	}
	if err := a.initAudit(); err != nil {
		return nil, err
	}
	if err := a.initEvents(ctx); err != nil {
		return nil, err
	}
	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	p, err := pool.New("incident", cfg.Pool, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	a.Pool = p
	a.onClose(func(context.Context) error { return p.Release(5 * time.Second) })

	a.Board = banner.NewBoard(a.Bus, logger)
	if cfg.Banner.AutoCloseAfter > 0 {
		a.Board.AutoCloseAfter = cfg.Banner.AutoCloseAfter
	}
	if cfg.Banner.HistorySize > 0 {
		a.Board.HistorySize = cfg.Banner.HistorySize
	}

	if err := a.initTeam(); err != nil {
		return nil, err
	}

	var recorder incident.Recorder
	if a.Metrics != nil {
		m, err := observability.NewIncidentMetrics(nil)
		if err != nil {
			return nil, err
		}
		recorder = m
	}
	coord, err := incident.NewCoordinator(&incident.Config{
		Team:             a.Team,
		Board:            a.Board,
		Publisher:        a.Bus,
		Store:            a.Store,
		Pool:             a.Pool,
		Recorder:         recorder,
		Logger:           logger,
		Timings:          cfg.Incident.Timings,
		AutoResolution:   cfg.Incident.AutoResolution,
		ResponseWindow:   cfg.Incident.ResponseWindow,
		ActivityLimit:    cfg.Incident.ActivityLimit,
		RecentActivities: cfg.Incident.RecentActivities,
		HistoryLimit:     cfg.Incident.HistoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	a.Coordinator = coord
	a.onClose(func(context.Context) error { return coord.Close() })

	a.Assessor = assess.New(assess.DefaultConfig())
	a.Models = router.NewModelRouter(router.DefaultConfig())
	a.Registry = registry.NewAgentRegistry(logger)

	rt, err := router.NewAgentRouter(&router.AgentRouterConfig{
		Routes:          router.DefaultRoutes(),
		Agents:          a.Registry,
		DefaultCategory: "crisis",
		Models:          a.Models,
	})
	if err != nil {
		return nil, err
	}
	a.Router = rt

	sets, err := responders.LoadTeam(cfg.Team.RulesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule sets: %w", err)
	}
	if err := a.installResponders(sets); err != nil {
		return nil, err
	}

	faults := monitor.NewFaultInjector()
	if cfg.Monitor.SlowDelay > 0 {
		faults.SlowDelay = cfg.Monitor.SlowDelay
	}
	a.Faults = faults
	w, err := monitor.NewWatcher(&monitor.WatcherConfig{
		Router:          a.Models,
		Responder:       a.Coordinator,
		Faults:          faults,
		Logger:          logger,
		SlowThreshold:   cfg.Monitor.SlowThreshold,
		SimulateLatency: cfg.Monitor.SimulateLatency,
	})
	if err != nil {
		return nil, err
	}
	a.Watcher = w

	def := cfg.Workflow
	def.Company, def.Contest = cfg.Team.Company, cfg.Team.Contest
	wf, err := workflow.NewCrisis(def, a.Assessor, a.Registry, logger)
	if err != nil {
		return nil, err
	}
	a.Workflow = wf

	logger.Info("incident service assembled",
		"llm", cfg.LLM.Provider,
		"events", cfg.Events.Backend,
		"store", cfg.Store.Backend,
		"auto_resolution", cfg.Incident.AutoResolution,
		"agents", a.Registry.Len(),
	)
	return a, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) initTelemetry(ctx context.Context) error {
	tracing := a.Config.Tracing
	if _, err := observability.InitTracing(ctx, tracing); err != nil {
		return err
	}
	a.onClose(observability.ShutdownTracing)
	a.responderMW = append(a.responderMW, observability.Tracing())

	if !a.Config.Metrics.Enabled {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if _, err := observability.InitMetrics(ctx, tracing.ServiceName, reg); err != nil {
		return err
	}
	a.Metrics = reg
	a.onClose(observability.ShutdownMetrics)
	a.responderMW = append(a.responderMW, observability.Metrics(nil))
	return nil
}

func (a *App) initAudit() error {
	cfg := a.Config.Audit
	if !cfg.Enabled {
		return nil
	}
	if cfg.File == "" {
		a.Audit = observability.NewAuditLogger(a.Logger, observability.NewTextAuditSink(os.Stdout))
		return nil
	}
	sink, err := observability.NewFileAuditSink(cfg.File)
	if err != nil {
		return err
	}
	a.Audit = observability.NewAuditLogger(a.Logger, sink)
	a.onClose(func(context.Context) error { return sink.Close() })
	return nil
}

func (a *App) initEvents(ctx context.Context) error {
	cfg := a.Config
	if cfg.Events.Backend != config.BackendRedis {
		a.Bus = events.NewLocalBus()
	} else {
		bus, err := events.NewRedisBus(ctx, cfg.Redis.URL, cfg.Events.Channel, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect event bus: %w", err)
		}
		a.Bus = bus
	}
	bus := a.Bus
	a.onClose(func(context.Context) error { return bus.Close() })
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	cfg := a.Config
	if cfg.Store.Backend != config.BackendRedis {
		a.Store = incident.NewMemoryStore()
	} else {
		s, err := incident.NewRedisStore(ctx, cfg.Redis.URL, cfg.Store.Prefix, cfg.Store.TTL)
		if err != nil {
			return fmt.Errorf("failed to connect incident store: %w", err)
		}
		a.Store = s
	}
	store := a.Store
	a.onClose(func(context.Context) error { return store.Close() })
	return nil
}

func (a *App) initTeam() error {
	cfg := a.Config
	models, transcriber, err := ModelsFor(cfg.LLM)
	if err != nil {
		return err
	}
	a.Transcriber = transcriber

	members := cfg.Incident.Members
	if len(members) == 0 {
		members = incident.DefaultMembers()
	}
	team, err := incident.BuildTeam(members, models, a.TeamMiddleware()...)
	if err != nil {
		return fmt.Errorf("failed to build response team: %w", err)
	}
	a.Team = team
	return nil
}

// TeamMiddleware returns the decorators applied to every response-team
// agent, outermost first.
func (a *App) TeamMiddleware() []middleware.Middleware {
	res := a.Config.Resilience
	mws := append([]middleware.Middleware(nil), a.responderMW...)

	if res.Limit.Rate > 0 {
		mws = append(mws, middleware.RateLimit(middleware.RateLimiterConfig{
			Rate:     res.Limit.Rate,
			Capacity: res.Limit.Capacity,
			Wait:     true,
		}))
	}
	if a.Config.LLM.Provider != config.ProviderStatic {
		cb := middleware.DefaultCircuitBreakerConfig()
		if res.Breaker.FailureThreshold > 0 {
			cb.FailureThreshold = res.Breaker.FailureThreshold
		}
		if res.Breaker.RecoveryTimeout > 0 {
			cb.RecoveryTimeout = res.Breaker.RecoveryTimeout
		}
		if res.Breaker.SuccessThreshold > 0 {
			cb.SuccessThreshold = res.Breaker.SuccessThreshold
		}
		if res.Timeout > 0 {
			cb.Timeout = res.Timeout
		}
		cb.Logger = a.Logger
		mws = append(mws, middleware.CircuitBreaker(cb))
	}

	retry := middleware.DefaultRetryConfig()
	if res.Retry.MaxAttempts > 0 {
		retry.MaxAttempts = res.Retry.MaxAttempts
	}
	if res.Retry.InitialBackoff > 0 {
		retry.InitialBackoff = res.Retry.InitialBackoff
	}
	if res.Retry.MaxBackoff > 0 {
		retry.MaxBackoff = res.Retry.MaxBackoff
	}
	retry.Logger = a.Logger
	mws = append(mws, middleware.Retry(retry))

	timeout := middleware.DefaultTimeoutConfig()
	if res.Timeout > 0 {
		timeout.Timeout = res.Timeout
	}
	return append(mws, middleware.Timeout(timeout))
}

// ModelsFor returns the team's model factory and the transcriber for the
// configured provider.
func ModelsFor(cfg config.LLMConfig) (incident.ModelFactory, llm.Transcriber, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		var opts []llm.OpenAIOption
		if cfg.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.BaseURL))
		}
		base := llm.NewOpenAILLM(cfg.APIKey, "", opts...)
		factory := func(m incident.Member) (llm.LLM, error) {
			return llm.NewOpenAILLM(cfg.APIKey, m.Model, opts...), nil
		}
		return factory, llm.NewOpenAITranscriber(base, cfg.TranscriptionModel), nil

	case config.ProviderAzure:
		deployment := func(model string) string {
			if d, ok := cfg.Deployments[model]; ok && d != "" {
				return d
			}
			return model
		}
		factory := func(m incident.Member) (llm.LLM, error) {
			return llm.NewAzureLLM(cfg.Endpoint, cfg.APIKey, deployment(m.Model), cfg.APIVersion), nil
		}
		base := llm.NewAzureLLM(cfg.Endpoint, cfg.APIKey, deployment(cfg.TranscriptionModel), cfg.APIVersion)
		return factory, llm.NewOpenAITranscriber(base, cfg.TranscriptionModel), nil

	case config.ProviderStatic, "":
		return incident.StaticModels(nil), llm.NewStaticTranscriber(cfg.TranscriptionModel, sampleTranscripts...), nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown llm provider %q", config.ErrInvalid, cfg.Provider)
	}
}

var sampleTranscripts = []string{
	"Search is down, we have an emergency",
	"What is the health of the search service?",
	"Analyze the logs and give me a recommendation",
	"Prioritize the open incidents by severity",
}

// ReloadResponders replaces the rule responders with sets layered over the
// built-ins. Team agents and the router stay registered.
func (a *App) ReloadResponders(sets []*responders.RuleSet) error {
	builtin, err := responders.Builtin()
	if err != nil {
		return err
	}
	return a.installResponders(responders.Merge(builtin, sets))
}

func (a *App) installResponders(sets []*responders.RuleSet) error {
	cfg := a.Config.Team
	built, err := responders.BuildAgents(sets,
		responders.WithAssessor(a.Assessor),
		responders.WithCompany(cfg.Company),
		responders.WithContest(cfg.Contest),
	)
	if err != nil {
		return err
	}
	agents := make([]agenkit.Agent, 0, len(built)+6)
	for _, ag := range built {
		agents = append(agents, middleware.Chain(ag, a.responderMW...))
	}
	agents = append(agents, a.Team.Agents()...)
	agents = append(agents, a.Router)
	return a.Registry.ReplaceAll(agents)
}

// Start runs background services until ctx is done: the rule directory
// watcher when enabled.
func (a *App) Start(ctx context.Context) error {
	cfg := a.Config.Team
	if !cfg.Watch || cfg.RulesDir == "" {
		return nil
	}
	w, err := responders.NewDirWatcher(cfg.RulesDir, func(sets []*responders.RuleSet) error {
		if err := a.ReloadResponders(sets); err != nil {
			return err
		}
		a.Audit.Admin(ctx, "watcher", observability.ActionReloadResponders, cfg.RulesDir,
			"rule sets reloaded", map[string]interface{}{"rule_sets": len(sets)})
		return nil
	}, a.Logger)
	if err != nil {
		return err
	}
	go w.Run(ctx)
	a.Logger.Info("watching rule directory", "dir", cfg.RulesDir)
	return nil
}

// ApplyConfig applies the settings that can change at runtime.
func (a *App) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if cfg.Incident.AutoResolution != a.Coordinator.AutoResolution() {
		old := a.Coordinator.AutoResolution()
		a.Coordinator.SetAutoResolution(ctx, cfg.Incident.AutoResolution)
		a.Audit.ConfigurationChange(ctx, "config", observability.ActionAutoResolution,
			"incident.auto_resolution", old, cfg.Incident.AutoResolution)
	}
	return nil
}

// Close releases every component in reverse creation order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
