package incident

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
	"github.com/scttfrdmn/agenkit/incident-go/assess"
	"github.com/scttfrdmn/agenkit/incident-go/banner"
	"github.com/scttfrdmn/agenkit/incident-go/events"
	"github.com/scttfrdmn/agenkit/incident-go/router"
)

// stepClock advances one second per reading so every incident gets a
// distinct ID.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func testTeam(t *testing.T) *Team {
	t.Helper()
	team, err := BuildTeam(DefaultMembers(), StaticModels(func(int) int { return 0 }))
	if err != nil {
		t.Fatal(err)
	}
	return team
}

func newTestCoordinator(t *testing.T, timings Timings, bus events.Publisher) (*Coordinator, Store) {
	t.Helper()
	store := NewMemoryStore()
	clock := &stepClock{t: time.Unix(1700000000, 0)}
	c, err := NewCoordinator(&Config{
		Team:           testTeam(t),
		Publisher:      bus,
		Store:          store,
		Timings:        timings,
		AutoResolution: true,
		Now:            clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, store
}

// Notification and analysis finish well before the fix completes.
func orderedTimings() Timings {
	return Timings{Triage: 50 * time.Millisecond, Verify: 50 * time.Millisecond}
}

func TestCoordinator_AutomaticResolution(t *testing.T) {
	c, store := newTestCoordinator(t, orderedTimings(), nil)
	ctx := context.Background()

	inc, opened := c.TriggerFailure(ctx)
	if !opened {
		t.Fatal("expected an incident to be opened")
	}
	if !strings.HasPrefix(inc.ID, "INC-") || inc.Severity != assess.SeverityCritical || inc.Type != TypeSearchOutage {
		t.Errorf("unexpected incident %+v", inc)
	}
	if c.Status() != StatusSearchDown && c.Status() != StatusRecovering {
		t.Errorf("expected search down while triaging, got %s", c.Status())
	}

	c.Wait()

	if c.Status() != StatusHealthy || c.FailureMode() {
		t.Errorf("expected healthy service after fix, got %s (failure=%v)", c.Status(), c.FailureMode())
	}
	if _, open := c.CurrentIncident(); open {
		t.Error("expected current incident to be cleared")
	}

	stored, err := store.Get(ctx, inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Resolution != ResolutionAutomatic || !stored.Resolved() || stored.ResolutionSecs <= 0 {
		t.Errorf("unexpected stored incident %+v", stored)
	}
	want := []string{router.ModelMini, router.ModelTechnical, router.ModelStandard, router.ModelAdvanced}
	if strings.Join(stored.AgentsInvolved, ",") != strings.Join(want, ",") {
		t.Errorf("expected agents %v, got %v", want, stored.AgentsInvolved)
	}

	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	roles := map[Role]int{}
	for _, a := range snap.RecentActivities {
		roles[a.Role]++
		if len(a.ID) != 8 {
			t.Errorf("expected 8-char activity ID, got %q", a.ID)
		}
	}
	for _, role := range []Role{RoleMonitor, RoleTriage, RoleNotifier, RoleAnalyzer} {
		if roles[role] != 1 {
			t.Errorf("expected one %s activity, got %d", role, roles[role])
		}
	}
	if roles[RoleFixer] != 2 {
		t.Errorf("expected fix and restore activities, got %d", roles[RoleFixer])
	}
	if snap.Metrics.TotalIncidents != 1 || snap.Metrics.AvgResolutionTime != stored.ResolutionSecs {
		t.Errorf("unexpected metrics %+v", snap.Metrics)
	}
	if snap.Metrics.SuccessRate != 100 {
		t.Errorf("expected 100%% success rate, got %v", snap.Metrics.SuccessRate)
	}

	var levels []banner.Level
	for _, b := range c.Board().History() {
		levels = append(levels, b.Level)
	}
	wantLevels := []banner.Level{banner.LevelError, banner.LevelWarning, banner.LevelWarning, banner.LevelSuccess, banner.LevelInfo}
	if len(levels) != len(wantLevels) {
		t.Fatalf("expected banners %v, got %v", wantLevels, levels)
	}
	for i := range wantLevels {
		if levels[i] != wantLevels[i] {
			t.Errorf("banner %d: expected %s, got %s", i, wantLevels[i], levels[i])
		}
	}
}

func TestCoordinator_ManualModeRequiresOperator(t *testing.T) {
	c, store := newTestCoordinator(t, Timings{}, nil)
	ctx := context.Background()

	c.SetAutoResolution(ctx, false)
	if _, opened := c.TriggerFailure(ctx); opened {
		t.Fatal("no incident should open with auto-resolution disabled")
	}
	if c.Status() != StatusSearchDown || !c.FailureMode() {
		t.Errorf("expected search down, got %s", c.Status())
	}

	var pinned bool
	for _, b := range c.Board().Active() {
		if b.Level == banner.LevelError && !b.AutoClose && strings.Contains(b.Message, "manual intervention required") {
			pinned = true
		}
	}
	if !pinned {
		t.Error("expected a pinned error banner asking for manual intervention")
	}

	if _, closed := c.Fix(ctx); closed {
		t.Error("no incident was open to close")
	}
	if c.Status() != StatusHealthy || c.FailureMode() {
		t.Errorf("expected healthy after fix, got %s", c.Status())
	}
	if list, _ := store.List(ctx, 0); len(list) != 0 {
		t.Errorf("expected empty history, got %d", len(list))
	}
}

func TestCoordinator_ManualFixDuringResponse(t *testing.T) {
	c, store := newTestCoordinator(t, Timings{Triage: time.Hour, Notify: time.Hour, Analyze: time.Hour}, nil)
	ctx := context.Background()

	inc, opened := c.TriggerFailure(ctx)
	if !opened {
		t.Fatal("expected incident")
	}
	again, reopened := c.Detect(ctx)
	if reopened || again.ID != inc.ID {
		t.Errorf("Detect must not open a second incident, got %s (opened=%v)", again.ID, reopened)
	}

	closed, ok := c.Fix(ctx)
	if !ok || closed.ID != inc.ID {
		t.Fatalf("expected %s to be closed, got %+v", inc.ID, closed)
	}
	if closed.Resolution != ResolutionManual || closed.Summary != "Manual intervention" {
		t.Errorf("unexpected resolution %+v", closed)
	}
	if _, open := c.CurrentIncident(); open {
		t.Error("expected no current incident after manual fix")
	}

	_ = c.Close()
	c.Wait()

	stored, err := store.Get(ctx, inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Resolution != ResolutionManual {
		t.Errorf("stored incident should stay manual, got %s", stored.Resolution)
	}
}

func TestCoordinator_RecordRequest(t *testing.T) {
	c, _ := newTestCoordinator(t, Timings{}, nil)

	for i := 1; i <= 60; i++ {
		c.RecordRequest(time.Duration(i)*time.Millisecond, i%10 != 0)
	}

	m := c.Metrics()
	if len(m.ResponseTimes) != 50 {
		t.Fatalf("expected 50 samples, got %d", len(m.ResponseTimes))
	}
	if m.ResponseTimes[0].Seconds != 0.011 {
		t.Errorf("expected oldest kept sample to be 11ms, got %v", m.ResponseTimes[0].Seconds)
	}
	if m.FailedRequests != 6 {
		t.Errorf("expected 6 failed requests, got %d", m.FailedRequests)
	}
	if m.MeanResponseTime < 0.0354 || m.MeanResponseTime > 0.0356 {
		t.Errorf("expected mean of 35.5ms, got %v", m.MeanResponseTime)
	}
	if m.P95ResponseTime < 0.0575 || m.P95ResponseTime > 0.0585 {
		t.Errorf("expected p95 near 58ms, got %v", m.P95ResponseTime)
	}
}

func TestCoordinator_SetDegraded(t *testing.T) {
	c, _ := newTestCoordinator(t, Timings{Triage: time.Hour}, nil)
	ctx := context.Background()

	c.SetDegraded(ctx, true)
	if c.Status() != StatusSearchDegraded {
		t.Errorf("expected degraded, got %s", c.Status())
	}
	c.SetDegraded(ctx, false)
	if c.Status() != StatusHealthy {
		t.Errorf("expected healthy, got %s", c.Status())
	}

	c.TriggerFailure(ctx)
	c.SetDegraded(ctx, false)
	if c.Status() != StatusSearchDown {
		t.Errorf("failure mode must win over degradation, got %s", c.Status())
	}
}

func TestCoordinator_PublishesActivity(t *testing.T) {
	bus := events.NewLocalBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(256)
	defer cancel()

	c, _ := newTestCoordinator(t, orderedTimings(), bus)
	c.TriggerFailure(context.Background())
	c.Wait()

	kinds := map[events.Kind]int{}
	for len(ch) > 0 {
		ev := <-ch
		kinds[ev.Kind]++
		if ev.Kind == events.KindAgentActivity {
			if _, ok := ev.Payload.(Activity); !ok {
				t.Errorf("expected Activity payload, got %T", ev.Payload)
			}
		}
	}
	for _, kind := range []events.Kind{events.KindStatus, events.KindIncident, events.KindAgentActivity, events.KindSystemMetrics, events.KindBanner} {
		if kinds[kind] == 0 {
			t.Errorf("expected %s events", kind)
		}
	}
	if kinds[events.KindAgentActivity] != kinds[events.KindSystemMetrics] {
		t.Errorf("each activity should be followed by a metrics update: %v", kinds)
	}
}

type failingAgent struct{}

func (failingAgent) Name() string           { return "broken" }
func (failingAgent) Capabilities() []string { return nil }
func (failingAgent) Info() agenkit.Info     { return agenkit.Info{ID: "broken"} }
func (failingAgent) Process(context.Context, *agenkit.Message) (*agenkit.Message, error) {
	return nil, errors.New("model unavailable")
}

func TestCoordinator_StepFallsBackOnAgentError(t *testing.T) {
	team := testTeam(t)
	team.agents[RoleTriage] = failingAgent{}

	c, err := NewCoordinator(&Config{Team: team, AutoResolution: true, Timings: orderedTimings()})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.TriggerFailure(context.Background())
	c.Wait()

	if c.Status() != StatusHealthy {
		t.Errorf("a failing agent must not stall the response, got %s", c.Status())
	}
}

func TestLogActivity_AttachesOpenIncident(t *testing.T) {
	c, _ := newTestCoordinator(t, Timings{Triage: time.Hour, Notify: time.Hour, Analyze: time.Hour}, nil)
	ctx := context.Background()

	a := c.LogActivity(ctx, Activity{Role: RoleSpeech, AgentName: "SpeechProcessor", Model: router.ModelTranscribe, Action: "Processed audio"})
	if a.IncidentID != "" || a.ID == "" {
		t.Errorf("unexpected activity %+v", a)
	}

	inc, _ := c.TriggerFailure(ctx)
	a = c.LogActivity(ctx, Activity{Role: RoleSpeech, AgentName: "SpeechProcessor", Model: router.ModelTranscribe, Action: "Processed audio"})
	if a.IncidentID != inc.ID {
		t.Errorf("expected activity linked to %s, got %q", inc.ID, a.IncidentID)
	}
}
