package incident

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/scttfrdmn/agenkit/incident-go/banner"
)

// activeWindow is how recent an activity must be for its agent to count as
// active.
const activeWindow = 5 * time.Minute

type historyTotals struct {
	incidents     int
	resolved      int
	avgResolution float64
}

// Metrics summarizes service and team performance.
type Metrics struct {
	Uptime            float64          `json:"uptime"`
	TotalIncidents    int              `json:"total_incidents"`
	SuccessRate       float64          `json:"success_rate"`
	AvgResolutionTime float64          `json:"avg_resolution_time"`
	FailedRequests    int              `json:"failed_requests"`
	MeanResponseTime  float64          `json:"mean_response_time"`
	P95ResponseTime   float64          `json:"p95_response_time"`
	ResponseTimes     []ResponseSample `json:"response_times"`
	ActiveAgents      int              `json:"active_agents"`
	ActionsByRole     map[Role]int     `json:"actions_by_role"`
	ActionsByModel    map[string]int   `json:"actions_by_model"`
}

// Snapshot is the full dashboard view of the coordinator.
type Snapshot struct {
	Timestamp         time.Time       `json:"timestamp"`
	Status            Status          `json:"status"`
	SearchOperational bool            `json:"search_operational"`
	AutoResolution    bool            `json:"auto_resolution_enabled"`
	CurrentIncident   *Incident       `json:"current_incident"`
	History           []Incident      `json:"incident_history"`
	Metrics           Metrics         `json:"system_metrics"`
	RecentActivities  []Activity      `json:"recent_activities"`
	Banners           []banner.Banner `json:"banner_messages"`
	Models            []string        `json:"models_available"`
}

// Snapshot returns the current state, recent activity and metrics.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	history, err := c.store.List(ctx, c.historyLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load incident history: %w", err)
	}

	c.mu.Lock()
	now := c.now()
	snap := Snapshot{
		Timestamp:         now.UTC(),
		Status:            c.status,
		SearchOperational: !c.failureMode,
		AutoResolution:    c.autoResolution,
		History:           history,
		Metrics:           c.metricsLocked(now),
	}
	if c.current != nil {
		inc := c.current.clone()
		snap.CurrentIncident = &inc
	}
	start := len(c.activities) - c.recentActivities
	if start < 0 {
		start = 0
	}
	snap.RecentActivities = append([]Activity(nil), c.activities[start:]...)
	c.mu.Unlock()

	snap.Banners = c.board.Active()
	snap.Models = c.team.Models()
	return snap, nil
}

// Metrics returns the current performance metrics.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metricsLocked(c.now())
}

func (c *Coordinator) metricsLocked(now time.Time) Metrics {
	m := Metrics{
		Uptime:            now.Sub(c.started).Seconds(),
		TotalIncidents:    c.totals.incidents,
		SuccessRate:       100,
		AvgResolutionTime: c.totals.avgResolution,
		FailedRequests:    c.failureCount,
		ResponseTimes:     append([]ResponseSample(nil), c.responses...),
		ActionsByRole:     make(map[Role]int),
		ActionsByModel:    make(map[string]int),
	}
	if c.totals.incidents > 0 {
		m.SuccessRate = float64(c.totals.resolved) / float64(c.totals.incidents) * 100
	}

	if len(c.responses) > 0 {
		secs := make([]float64, len(c.responses))
		for i, r := range c.responses {
			secs[i] = r.Seconds
		}
		m.MeanResponseTime = stat.Mean(secs, nil)
		sort.Float64s(secs)
		m.P95ResponseTime = stat.Quantile(0.95, stat.Empirical, secs, nil)
	}

	active := map[string]bool{}
	for _, a := range c.activities {
		m.ActionsByRole[a.Role]++
		if a.Role == RoleSystem {
			continue
		}
		m.ActionsByModel[a.Model]++
		if now.Sub(a.Timestamp) <= activeWindow {
			active[a.AgentName] = true
		}
	}
	m.ActiveAgents = len(active)
	return m
}

// refreshTotals recomputes incident counts and the mean resolution time
// from the store.
func (c *Coordinator) refreshTotals(ctx context.Context) error {
	all, err := c.store.List(ctx, 0)
	if err != nil {
		return err
	}

	var totals historyTotals
	var durations []float64
	for _, inc := range all {
		totals.incidents++
		if inc.Resolved() {
			totals.resolved++
			durations = append(durations, inc.ResolutionSecs)
		}
	}
	if len(durations) > 0 {
		totals.avgResolution = stat.Mean(durations, nil)
	}

	c.mu.Lock()
	c.totals = totals
	c.mu.Unlock()
	return nil
}
