package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/scttfrdmn/agenkit/incident-go/adapter/errors"
	"github.com/scttfrdmn/agenkit/incident-go/adapter/llm"
	"github.com/scttfrdmn/agenkit/incident-go/agenkit"
	"github.com/scttfrdmn/agenkit/incident-go/assess"
	"github.com/scttfrdmn/agenkit/incident-go/banner"
	"github.com/scttfrdmn/agenkit/incident-go/incident"
	"github.com/scttfrdmn/agenkit/incident-go/middleware"
	"github.com/scttfrdmn/agenkit/incident-go/monitor"
	"github.com/scttfrdmn/agenkit/incident-go/observability"
)

// statusBanners is how many active banners the status endpoint returns.
const statusBanners = 5

// chartPoints is how many response times the analytics chart shows.
const chartPoints = 10

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC(),
		"agents":         s.app.Registry.Len(),
		"stream_clients": s.stream.Clients(),
	})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status            incident.Status    `json:"status"`
	SearchOperational bool               `json:"search_operational"`
	AutoResolution    bool               `json:"auto_resolution_enabled"`
	CurrentIncident   *incident.Incident `json:"current_incident"`
	Banners           []banner.Banner    `json:"banner_messages"`
	Timestamp         time.Time          `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	coord := s.app.Coordinator
	resp := StatusResponse{
		Status:            coord.Status(),
		SearchOperational: !coord.FailureMode(),
		AutoResolution:    coord.AutoResolution(),
		Banners:           s.app.Board.Active(),
		Timestamp:         time.Now().UTC(),
	}
	if inc, ok := coord.CurrentIncident(); ok {
		resp.CurrentIncident = &inc
	}
	if n := len(resp.Banners); n > statusBanners {
		resp.Banners = resp.Banners[n-statusBanners:]
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ChartData feeds the analytics dashboard charts.
type ChartData struct {
	ResponseTimes     []float64 `json:"response_times"`
	TimeLabels        []string  `json:"time_labels"`
	SuccessRate       float64   `json:"success_rate"`
	AvgResolutionTime float64   `json:"avg_resolution_time"`
}

// AnalyticsResponse is the body of GET /api/analytics.
type AnalyticsResponse struct {
	incident.Snapshot
	ModelUsage map[string]int `json:"model_usage"`
	ChartData  ChartData      `json:"chart_data"`
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.app.Coordinator.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, apierrors.NewInternalError("failed to build analytics", err))
		return
	}

	samples := snap.Metrics.ResponseTimes
	if len(samples) > chartPoints {
		samples = samples[len(samples)-chartPoints:]
	}
	chart := ChartData{
		ResponseTimes:     make([]float64, len(samples)),
		TimeLabels:        make([]string, len(samples)),
		SuccessRate:       snap.Metrics.SuccessRate,
		AvgResolutionTime: snap.Metrics.AvgResolutionTime,
	}
	for i, sample := range samples {
		chart.ResponseTimes[i] = sample.Seconds
		chart.TimeLabels[i] = fmt.Sprintf("T-%d", len(samples)-i)
	}
	s.writeJSON(w, http.StatusOK, AnalyticsResponse{
		Snapshot:   snap,
		ModelUsage: snap.Metrics.ActionsByModel,
		ChartData:  chart,
	})
}

type searchRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if r.Method == http.MethodPost {
		var req searchRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		query = req.Query
	}

	res, err := s.app.Watcher.Do(r.Context(), query)
	switch {
	case errors.Is(err, monitor.ErrEmptyQuery):
		s.writeError(w, r, s.invalid(r, "Query parameter 'q' is required", err))
		return
	case err != nil:
		detail := "Please try again later"
		if s.app.Coordinator.AutoResolution() {
			detail = "Our AI agents have been notified"
		}
		apiErr := apierrors.NewUnavailableError(detail, err)
		if inc, ok := s.app.Coordinator.CurrentIncident(); ok {
			apiErr.WithIncident(inc.ID)
		}
		if res.FailureMode != "" {
			apiErr.Details = map[string]interface{}{"failure_mode": res.FailureMode}
		}
		s.writeError(w, r, apiErr)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type audioRequest struct {
	AudioData string `json:"audio_data"`
	Filename  string `json:"filename"`
}

// AudioResponse is the body of POST /api/audio.
type AudioResponse struct {
	Transcript      string `json:"transcribed_text"`
	ProcessingModel string `json:"processing_model"`
	AnalysisModel   string `json:"analysis_model"`
	RoutingReason   string `json:"routing_reason"`
	RoutedAgent     string `json:"routed_agent,omitempty"`
	Response        string `json:"response,omitempty"`
	ActivityID      string `json:"activity_id"`
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	filename, audio, err := s.readAudio(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	tr := s.app.Transcriber
	text, err := tr.Transcribe(r.Context(), filename, audio)
	if errors.Is(err, llm.ErrEmptyAudio) {
		s.writeError(w, r, s.invalid(r, "Audio data is required", err))
		return
	}
	if err != nil {
		s.writeError(w, r, apierrors.NewInternalError("Audio processing failed", err))
		return
	}

	decision := s.app.Models.Route(text)
	resp := AudioResponse{
		Transcript:      text,
		ProcessingModel: tr.Model(),
		AnalysisModel:   decision.Model,
		RoutingReason:   decision.Reason,
	}
	if reply, err := s.app.Router.Process(r.Context(), agenkit.NewMessage("user", text)); err != nil {
		s.logger.WarnContext(r.Context(), "transcript could not be routed", "error", err)
	} else {
		resp.RoutedAgent = reply.MetadataString("routed_agent")
		resp.Response = reply.Content
		s.app.Registry.Touch(resp.RoutedAgent)
	}

	activity := s.app.Coordinator.LogActivity(r.Context(), incident.Activity{
		Role:      incident.RoleSpeech,
		AgentName: "SpeechProcessor",
		Model:     tr.Model(),
		Action:    "Processed audio input: " + truncate(text, 50),
	})
	resp.ActivityID = activity.ID
	s.writeJSON(w, http.StatusOK, resp)
}

// readAudio accepts a multipart upload in the "audio" field or a JSON body
// with base64 audio_data.
func (s *Server) readAudio(w http.ResponseWriter, r *http.Request) (string, io.Reader, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if s.config.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			return "", nil, s.invalid(r, "Audio data is required", err)
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return "", nil, s.invalid(r, "failed to read audio upload", err)
		}
		return header.Filename, bytes.NewReader(data), nil
	}

	var req audioRequest
	if err := s.decode(w, r, &req); err != nil {
		return "", nil, err
	}
	if req.AudioData == "" {
		return "", nil, s.invalid(r, "Audio data is required", nil)
	}
	data, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		return "", nil, s.invalid(r, "audio_data must be base64", err)
	}
	if req.Filename == "" {
		req.Filename = "audio.webm"
	}
	return req.Filename, bytes.NewReader(data), nil
}

func (s *Server) handleTriggerFailure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	coord := s.app.Coordinator
	inc, _ := coord.TriggerFailure(ctx)
	if inc.ID == "" {
		if cur, ok := coord.CurrentIncident(); ok {
			inc = cur
		}
	}

	s.app.Audit.Admin(ctx, s.clientAddr(r), observability.ActionTriggerFailure, "search",
		"search failure triggered", map[string]interface{}{
			"incident_id":     inc.ID,
			"auto_resolution": coord.AutoResolution(),
		})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":         "Search failure triggered",
		"auto_resolution": coord.AutoResolution(),
		"incident_id":     optional(inc.ID),
	})
}

func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inc, closed := s.app.Coordinator.Fix(ctx)

	s.app.Audit.Admin(ctx, s.clientAddr(r), observability.ActionManualFix, "search",
		"search issue fixed manually", map[string]interface{}{"incident_id": inc.ID})
	body := map[string]interface{}{"message": "Search issue fixed manually"}
	if closed {
		body["incident"] = inc
	}
	s.writeJSON(w, http.StatusOK, body)
}

type autoResolutionRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleAutoResolution(w http.ResponseWriter, r *http.Request) {
	var req autoResolutionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	ctx := r.Context()
	old := s.app.Coordinator.AutoResolution()
	s.app.Coordinator.SetAutoResolution(ctx, enabled)
	s.app.Audit.ConfigurationChange(ctx, s.clientAddr(r), observability.ActionAutoResolution,
		"incident.auto_resolution", old, enabled)

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Auto-resolution " + state,
		"enabled": enabled,
	})
}

func (s *Server) handleClearBanners(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n := s.app.Board.Clear(ctx)
	s.app.Audit.Admin(ctx, s.clientAddr(r), observability.ActionClearBanners, "banners",
		"all banners cleared", map[string]interface{}{"cleared": n})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "All banners cleared",
		"cleared": n,
	})
}

// AgentView describes one registered agent.
type AgentView struct {
	Name          string                 `json:"name"`
	Info          agenkit.Info           `json:"info"`
	RegisteredAt  time.Time              `json:"registered_at"`
	LastActive    *time.Time             `json:"last_active,omitempty"`
	Calls         int                    `json:"calls"`
	InternalState map[string]interface{} `json:"internal_state,omitempty"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	regs := s.app.Registry.ListAgents()
	views := make([]AgentView, 0, len(regs))
	for _, reg := range regs {
		in := agenkit.Introspect(middleware.Innermost(reg.Agent))
		v := AgentView{
			Name:          reg.Agent.Name(),
			Info:          in.Info,
			RegisteredAt:  reg.RegisteredAt,
			Calls:         reg.Calls,
			InternalState: in.InternalState,
		}
		if !reg.LastActive.IsZero() {
			last := reg.LastActive
			v.LastActive = &last
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": views,
		"total":  len(views),
	})
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) readMessage(w http.ResponseWriter, r *http.Request) (*agenkit.Message, error) {
	var req messageRequest
	if err := s.decode(w, r, &req); err != nil {
		return nil, err
	}
	msg := agenkit.NewMessage("user", req.Message)
	if msg.IsEmpty() {
		return nil, s.invalid(r, "message is required", agenkit.ErrEmptyMessage)
	}
	if err := msg.Validate(); err != nil {
		return nil, s.invalid(r, err.Error(), err)
	}
	return msg, nil
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	agent, ok := s.app.Registry.Lookup(name)
	if !ok {
		s.writeError(w, r, apierrors.NewNotFoundError("agent", name))
		return
	}
	msg, err := s.readMessage(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.process(w, r, agent, msg)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	msg, err := s.readMessage(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.process(w, r, s.app.Router, msg)
}

func (s *Server) process(w http.ResponseWriter, r *http.Request, agent agenkit.Agent, msg *agenkit.Message) {
	reply, err := agent.Process(r.Context(), msg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.writeError(w, r, apierrors.NewExecutionError(agent.Name(), err))
		return
	}
	s.app.Registry.Touch(agent.Name())
	if routed := reply.MetadataString("routed_agent"); routed != "" {
		s.app.Registry.Touch(routed)
	}
	s.writeJSON(w, http.StatusOK, reply)
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) readText(w http.ResponseWriter, r *http.Request) (string, error) {
	var req textRequest
	if err := s.decode(w, r, &req); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Text) == "" {
		return "", s.invalid(r, "text is required", nil)
	}
	return req.Text, nil
}

// AssessResponse is the body of POST /api/assess.
type AssessResponse struct {
	assess.Assessment
	ETAText string `json:"eta_text"`
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	text, err := s.readText(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a := s.app.Assessor.Assess(text)
	s.writeJSON(w, http.StatusOK, AssessResponse{Assessment: a, ETAText: a.ETA.String()})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	text, err := s.readText(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.app.Workflow.Run(r.Context(), text)
	if err != nil {
		apiErr := apierrors.NewExecutionError(s.app.Workflow.Config().Name, err)
		apiErr.Details = map[string]interface{}{"run": run}
		s.writeError(w, r, apiErr)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func optional(id string) interface{} {
	if id == "" {
		return nil
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
