package incident

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
	"github.com/scttfrdmn/agenkit/incident-go/assess"
	"github.com/scttfrdmn/agenkit/incident-go/banner"
	"github.com/scttfrdmn/agenkit/incident-go/events"
	"github.com/scttfrdmn/agenkit/incident-go/pool"
)

// Timings are the pauses between response steps.
type Timings struct {
	Notify  time.Duration `mapstructure:"notify"`
	Triage  time.Duration `mapstructure:"triage"`
	Analyze time.Duration `mapstructure:"analyze"`
	Fix     time.Duration `mapstructure:"fix"`
	Verify  time.Duration `mapstructure:"verify"`
	Clear   time.Duration `mapstructure:"clear"`
}

// DefaultTimings returns the pacing used on the live dashboard.
func DefaultTimings() Timings {
	return Timings{
		Notify:  1 * time.Second,
		Triage:  2 * time.Second,
		Analyze: 3 * time.Second,
		Fix:     3 * time.Second,
		Verify:  2 * time.Second,
		Clear:   8 * time.Second,
	}
}

// Recorder receives lifecycle measurements, typically for export as metrics.
type Recorder interface {
	IncidentOpened(ctx context.Context, inc Incident)
	IncidentResolved(ctx context.Context, inc Incident)
	ActivityLogged(ctx context.Context, a Activity)
	RequestObserved(ctx context.Context, d time.Duration, ok bool)
}

type noopRecorder struct{}

func (noopRecorder) IncidentOpened(context.Context, Incident)             {}
func (noopRecorder) IncidentResolved(context.Context, Incident)           {}
func (noopRecorder) ActivityLogged(context.Context, Activity)             {}
func (noopRecorder) RequestObserved(context.Context, time.Duration, bool) {}

// Config holds the dependencies of a Coordinator.
type Config struct {
	Team      *Team
	Board     *banner.Board
	Publisher events.Publisher
	Store     Store
	// Pool runs the background steps. When nil the coordinator creates and
	// owns one.
	Pool     *pool.Pool
	Recorder Recorder
	Logger   *slog.Logger
	Timings  Timings
	// AutoResolution lets the team respond without an operator.
	AutoResolution bool
	// ResponseWindow bounds the kept response-time samples. Default: 50
	ResponseWindow int
	// ActivityLimit bounds the activity log. Default: 500
	ActivityLimit int
	// RecentActivities is how many activities a snapshot shows. Default: 20
	RecentActivities int
	// HistoryLimit is how many past incidents a snapshot shows. Default: 10
	HistoryLimit int
	// Now replaces time.Now.
	Now func() time.Time
}

// ResponseSample is one observed search request.
type ResponseSample struct {
	Timestamp time.Time `json:"timestamp"`
	Seconds   float64   `json:"response_time"`
	Success   bool      `json:"success"`
}

// Coordinator runs the response team and owns the service state.
type Coordinator struct {
	team      *Team
	board     *banner.Board
	publisher events.Publisher
	store     Store
	pool      *pool.Pool
	ownsPool  bool
	recorder  Recorder
	logger    *slog.Logger
	timings   Timings
	now       func() time.Time

	responseWindow   int
	activityLimit    int
	recentActivities int
	historyLimit     int

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	started        time.Time
	status         Status
	failureMode    bool
	failureStart   time.Time
	failureCount   int
	autoResolution bool
	current        *Incident
	activities     []Activity
	responses      []ResponseSample
	totals         historyTotals
}

// NewCoordinator creates a coordinator in the healthy state.
func NewCoordinator(config *Config) (*Coordinator, error) {
	if config == nil {
		config = &Config{AutoResolution: true}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	board := config.Board
	if board == nil {
		board = banner.NewBoard(config.Publisher, logger)
	}
	store := config.Store
	if store == nil {
		store = NewMemoryStore()
	}
	recorder := config.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}

	c := &Coordinator{
		team:             config.Team,
		board:            board,
		publisher:        config.Publisher,
		store:            store,
		pool:             config.Pool,
		recorder:         recorder,
		logger:           logger,
		timings:          config.Timings,
		now:              now,
		responseWindow:   positive(config.ResponseWindow, 50),
		activityLimit:    positive(config.ActivityLimit, 500),
		recentActivities: positive(config.RecentActivities, 20),
		historyLimit:     positive(config.HistoryLimit, 10),
		started:          now(),
		status:           StatusHealthy,
		autoResolution:   config.AutoResolution,
	}
	if c.pool == nil {
		p, err := pool.New("incident", pool.DefaultConfig(), logger)
		if err != nil {
			return nil, err
		}
		c.pool = p
		c.ownsPool = true
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.refreshTotals(context.Background()); err != nil {
		logger.Warn("failed to load incident history", "error", err)
	}
	return c, nil
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Status returns the current service status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// FailureMode reports whether the search service is failing.
func (c *Coordinator) FailureMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureMode
}

// AutoResolution reports whether the team responds without an operator.
func (c *Coordinator) AutoResolution() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoResolution
}

// CurrentIncident returns the incident being handled, if any.
func (c *Coordinator) CurrentIncident() (Incident, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Incident{}, false
	}
	return c.current.clone(), true
}

// Board returns the banner board.
func (c *Coordinator) Board() *banner.Board {
	return c.board
}

// TriggerFailure puts the search service into failure mode. With
// auto-resolution on the team is activated; otherwise an operator banner is
// posted. It returns the incident opened, if any.
func (c *Coordinator) TriggerFailure(ctx context.Context) (Incident, bool) {
	c.mu.Lock()
	if !c.failureMode {
		c.failureStart = c.now()
	}
	c.failureMode = true
	c.status = StatusSearchDown
	auto := c.autoResolution
	c.mu.Unlock()

	c.logger.Warn("search failure triggered", "auto_resolution", auto)
	c.publishStatus(ctx)

	if auto {
		return c.Detect(ctx)
	}
	c.board.Add(ctx, "Search failure triggered. Auto-resolution is disabled - manual intervention required.",
		banner.LevelError, false)
	return Incident{}, false
}

// Detect opens an incident and activates the response team. If an incident
// is already open it is returned unchanged with false.
func (c *Coordinator) Detect(ctx context.Context) (Incident, bool) {
	monitor := c.label(RoleMonitor)

	c.mu.Lock()
	if c.current != nil && !c.current.Resolved() {
		inc := c.current.clone()
		c.mu.Unlock()
		return inc, false
	}
	now := c.now()
	inc := Incident{
		ID:          fmt.Sprintf("INC-%d", now.Unix()),
		Type:        TypeSearchOutage,
		Severity:    assess.SeverityCritical,
		Description: "Search functionality completely unavailable",
		DetectedBy:  monitor,
		StartTime:   now.UTC(),
	}
	c.current = &inc
	opened := inc.clone()
	c.mu.Unlock()

	c.logger.Warn("incident detected", "incident", inc.ID, "severity", string(inc.Severity))
	c.recorder.IncidentOpened(ctx, opened)
	c.publish(ctx, events.KindIncident, opened)

	finding := c.consult(ctx, RoleMonitor,
		fmt.Sprintf("Search requests are failing. Incident %s has been opened.", inc.ID),
		"Detected search service outage using continuous monitoring")
	c.logActivity(ctx, RoleMonitor, finding, inc.ID)

	c.board.Add(ctx, fmt.Sprintf("%s detected search service issues. Activating AI response team...", monitor),
		banner.LevelError, false)

	id := inc.ID
	c.spawn("triage", func(ctx context.Context) { c.triageAndFix(ctx, id) })
	c.spawn("notify", func(ctx context.Context) { c.notify(ctx, id) })
	c.spawn("analyze", func(ctx context.Context) { c.analyze(ctx, id) })
	return opened, true
}

func (c *Coordinator) triageAndFix(ctx context.Context, id string) {
	if !c.pause(ctx, c.timings.Triage) || !c.isOpen(id) {
		return
	}
	cause := c.consult(ctx, RoleTriage,
		fmt.Sprintf("Incident %s: the search service is down. Identify the root cause.", id),
		"Search backend unavailable - restarting dependent services")
	c.logActivity(ctx, RoleTriage, fmt.Sprintf("Root cause analysis using %s: %s", c.model(RoleTriage), cause), id)
	c.board.Add(ctx, fmt.Sprintf("%s identified: %s. Deploying fix...", c.label(RoleTriage), cause),
		banner.LevelWarning, true)
	c.setRecovering(ctx, id)

	if !c.pause(ctx, c.timings.Fix) || !c.isOpen(id) {
		return
	}
	fix := c.consult(ctx, RoleFixer,
		fmt.Sprintf("Incident %s root cause: %s. Apply the fix.", id, cause),
		"Restarted search service dependencies")
	c.logActivity(ctx, RoleFixer, fmt.Sprintf("Implemented fix using %s: %s", c.model(RoleFixer), fix), id)
	c.board.Add(ctx, fmt.Sprintf("%s is applying repairs: %s", c.label(RoleFixer), fix),
		banner.LevelWarning, true)

	if !c.pause(ctx, c.timings.Verify) {
		return
	}
	c.completeFix(ctx, id)
}

func (c *Coordinator) notify(ctx context.Context, id string) {
	if !c.pause(ctx, c.timings.Notify) || !c.isOpen(id) {
		return
	}
	note := c.consult(ctx, RoleNotifier,
		fmt.Sprintf("Incident %s: search is down and the team is responding. Notify stakeholders.", id),
		"Stakeholders notified about service degradation")
	c.logActivity(ctx, RoleNotifier,
		fmt.Sprintf("Generated stakeholder notifications using %s: %s", c.model(RoleNotifier), note), id)
}

func (c *Coordinator) analyze(ctx context.Context, id string) {
	if !c.pause(ctx, c.timings.Analyze) || !c.isOpen(id) {
		return
	}
	insight := c.consult(ctx, RoleAnalyzer,
		fmt.Sprintf("Incident %s: analyze search performance before and during the outage.", id),
		"Search latency exceeded normal bounds before the outage")
	c.logActivity(ctx, RoleAnalyzer,
		fmt.Sprintf("Performance analysis using %s: %s", c.model(RoleAnalyzer), insight), id)
	if err := c.refreshTotals(ctx); err != nil {
		c.logger.Warn("failed to refresh incident totals", "error", err)
	}
}

// completeFix restores the service and archives incident id. After the
// clear delay the incident is dropped from the dashboard.
func (c *Coordinator) completeFix(ctx context.Context, id string) {
	c.mu.Lock()
	if !c.isOpenLocked(id) {
		c.mu.Unlock()
		return
	}
	now := c.now()
	elapsed := c.resolutionSecondsLocked(now)
	resolved := now.UTC()
	c.failureMode = false
	c.failureStart = time.Time{}
	c.status = StatusHealthy
	c.current.ResolvedTime = &resolved
	c.current.ResolutionSecs = elapsed
	c.current.Resolution = ResolutionAutomatic
	c.current.Summary = "Automatic AI agent resolution with multiple models"
	inc := c.current.clone()
	c.mu.Unlock()

	c.publishStatus(ctx)
	c.logActivity(ctx, RoleFixer,
		fmt.Sprintf("Successfully restored search service using %s in %.1fs", c.model(RoleFixer), elapsed), id)
	c.board.Add(ctx,
		fmt.Sprintf("Search functionality restored by %s in %.1fs! All systems operational.", c.label(RoleFixer), elapsed),
		banner.LevelSuccess, true)
	c.archive(ctx, inc)
	c.logger.Info("incident resolved", "incident", id, "resolution", string(inc.Resolution), "seconds", elapsed)

	if !c.pause(ctx, c.timings.Clear) {
		return
	}
	c.mu.Lock()
	cleared := c.current != nil && c.current.ID == id
	if cleared {
		c.current = nil
	}
	c.mu.Unlock()
	if cleared {
		c.board.Add(ctx, "All systems operating normally. Multiple AI agents collaborated to resolve the issue.",
			banner.LevelInfo, true)
	}
}

// Fix restores the service by operator action. An open incident is closed
// with a manual resolution and returned.
func (c *Coordinator) Fix(ctx context.Context) (Incident, bool) {
	c.mu.Lock()
	now := c.now()
	open := c.current != nil && !c.current.Resolved()
	var inc Incident
	if open {
		resolved := now.UTC()
		c.current.ResolvedTime = &resolved
		c.current.ResolutionSecs = c.resolutionSecondsLocked(now)
		c.current.Resolution = ResolutionManual
		c.current.Summary = "Manual intervention"
		inc = c.current.clone()
		c.current = nil
	}
	c.failureMode = false
	c.failureStart = time.Time{}
	c.status = StatusHealthy
	c.mu.Unlock()

	c.logger.Info("search failure fixed manually", "incident", inc.ID)
	c.publishStatus(ctx)
	if !open {
		return Incident{}, false
	}

	c.board.Add(ctx, "Search functionality restored via manual intervention.", banner.LevelSuccess, true)
	c.archive(ctx, inc)
	c.logActivity(ctx, RoleSystem, "Manual incident resolution", inc.ID)
	return inc, true
}

// SetAutoResolution toggles whether the team responds without an operator.
func (c *Coordinator) SetAutoResolution(ctx context.Context, enabled bool) {
	c.mu.Lock()
	c.autoResolution = enabled
	c.mu.Unlock()

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	c.logger.Info("auto-resolution toggled", "enabled", enabled)
	c.board.Add(ctx, "Auto-resolution "+state, banner.LevelInfo, true)
	c.logActivity(ctx, RoleSystem, "Auto-resolution "+state, "")
	c.publishStatus(ctx)
}

// SetDegraded marks a slow but working search service. It has no effect
// while the service is in failure mode.
func (c *Coordinator) SetDegraded(ctx context.Context, degraded bool) {
	c.mu.Lock()
	if c.failureMode {
		c.mu.Unlock()
		return
	}
	next := StatusHealthy
	if degraded {
		next = StatusSearchDegraded
	}
	changed := c.status != next
	c.status = next
	c.mu.Unlock()

	if changed {
		c.logger.Info("search status changed", "status", string(next))
		c.publishStatus(ctx)
	}
}

// RecordRequest adds one search request to the response-time window.
func (c *Coordinator) RecordRequest(d time.Duration, ok bool) {
	c.mu.Lock()
	c.responses = append(c.responses, ResponseSample{
		Timestamp: c.now().UTC(),
		Seconds:   d.Seconds(),
		Success:   ok,
	})
	if len(c.responses) > c.responseWindow {
		c.responses = append([]ResponseSample(nil), c.responses[len(c.responses)-c.responseWindow:]...)
	}
	if !ok {
		c.failureCount++
	}
	c.mu.Unlock()

	c.recorder.RequestObserved(context.Background(), d, ok)
}

// LogActivity records an activity performed outside the incident steps,
// such as speech transcription. ID, timestamp and incident are filled in.
func (c *Coordinator) LogActivity(ctx context.Context, a Activity) Activity {
	c.mu.Lock()
	if a.IncidentID == "" && c.current != nil && !c.current.Resolved() {
		a.IncidentID = c.current.ID
	}
	c.mu.Unlock()
	return c.record(ctx, a)
}

func (c *Coordinator) logActivity(ctx context.Context, role Role, action, incidentID string) Activity {
	name, model := "System", "N/A"
	if m, ok := c.team.Member(role); ok {
		name, model = m.Name, m.Model
	}
	return c.record(ctx, Activity{
		Role:       role,
		AgentName:  name,
		Model:      model,
		Action:     action,
		IncidentID: incidentID,
	})
}

func (c *Coordinator) record(ctx context.Context, a Activity) Activity {
	c.mu.Lock()
	a.ID = newActivityID()
	a.Timestamp = c.now().UTC()
	c.activities = append(c.activities, a)
	if len(c.activities) > c.activityLimit {
		c.activities = append([]Activity(nil), c.activities[len(c.activities)-c.activityLimit:]...)
	}
	if a.Role != RoleSystem && a.Model != "" && c.current != nil && c.current.ID == a.IncidentID {
		c.current.AgentsInvolved = appendUnique(c.current.AgentsInvolved, a.Model)
	}
	metrics := c.metricsLocked(a.Timestamp)
	c.mu.Unlock()

	c.logger.Info("agent activity", "role", string(a.Role), "agent", a.AgentName, "model", a.Model,
		"incident", a.IncidentID, "action", a.Action)
	c.recorder.ActivityLogged(ctx, a)
	c.publish(ctx, events.KindAgentActivity, a)
	c.publish(ctx, events.KindSystemMetrics, metrics)
	return a
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

// consult asks the agent at role and falls back when the seat is empty or
// the agent fails.
func (c *Coordinator) consult(ctx context.Context, role Role, prompt, fallback string) string {
	agent, ok := c.team.Agent(role)
	if !ok {
		return fallback
	}
	resp, err := agent.Process(ctx, agenkit.NewMessage("user", prompt))
	if err != nil {
		c.logger.Warn("agent step failed", "role", string(role), "agent", agent.Name(), "error", err)
		return fallback
	}
	if resp.IsEmpty() {
		return fallback
	}
	return resp.Content
}

func (c *Coordinator) archive(ctx context.Context, inc Incident) {
	if err := c.store.Save(ctx, inc); err != nil {
		c.logger.Error("failed to store incident", "incident", inc.ID, "error", err)
	}
	if err := c.refreshTotals(ctx); err != nil {
		c.logger.Warn("failed to refresh incident totals", "error", err)
	}
	c.recorder.IncidentResolved(ctx, inc)
	c.publish(ctx, events.KindIncident, inc)
}

func (c *Coordinator) setRecovering(ctx context.Context, id string) {
	c.mu.Lock()
	ok := c.isOpenLocked(id) && c.failureMode
	if ok {
		c.status = StatusRecovering
	}
	c.mu.Unlock()
	if ok {
		c.publishStatus(ctx)
	}
}

func (c *Coordinator) isOpen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpenLocked(id)
}

func (c *Coordinator) isOpenLocked(id string) bool {
	return c.current != nil && c.current.ID == id && !c.current.Resolved()
}

func (c *Coordinator) resolutionSecondsLocked(now time.Time) float64 {
	start := c.failureStart
	if start.IsZero() && c.current != nil {
		start = c.current.StartTime
	}
	if start.IsZero() {
		return 0
	}
	return now.Sub(start).Seconds()
}

func (c *Coordinator) label(role Role) string {
	if m, ok := c.team.Member(role); ok {
		return fmt.Sprintf("%s (%s)", m.Title, m.Model)
	}
	return "System"
}

func (c *Coordinator) model(role Role) string {
	if m, ok := c.team.Member(role); ok {
		return m.Model
	}
	return "N/A"
}

func (c *Coordinator) spawn(step string, fn func(ctx context.Context)) {
	ctx := c.ctx
	if err := c.pool.Submit(func() { fn(ctx) }); err != nil {
		c.logger.Error("failed to schedule response step", "step", step, "error", err)
	}
}

// pause waits d and reports whether the coordinator is still running.
func (c *Coordinator) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) publishStatus(ctx context.Context) {
	c.mu.Lock()
	payload := map[string]interface{}{
		"status":                  c.status,
		"search_operational":      !c.failureMode,
		"auto_resolution_enabled": c.autoResolution,
	}
	if c.current != nil {
		payload["incident_id"] = c.current.ID
	}
	c.mu.Unlock()
	c.publish(ctx, events.KindStatus, payload)
}

func (c *Coordinator) publish(ctx context.Context, kind events.Kind, payload interface{}) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, events.New(kind, payload)); err != nil {
		c.logger.Warn("failed to publish event", "kind", string(kind), "error", err)
	}
}

// Wait blocks until every scheduled response step has finished.
func (c *Coordinator) Wait() {
	c.pool.Wait()
}

// Close cancels pending steps and releases an owned pool.
func (c *Coordinator) Close() error {
	c.cancel()
	c.board.Close()
	if c.ownsPool {
		return c.pool.Release(5 * time.Second)
	}
	return nil
}
