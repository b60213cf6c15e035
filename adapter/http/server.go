// Package http serves the incident dashboard: the JSON API, the admin
// controls, the WebSocket event stream and the Prometheus scrape endpoint.
package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/scttfrdmn/agenkit/incident-go/app"
	"github.com/scttfrdmn/agenkit/incident-go/config"
)

// Server exposes an App over HTTP.
type Server struct {
	app     *app.App
	config  config.ServerConfig
	logger  *slog.Logger
	mux     *http.ServeMux
	stream  *Stream
	limiter *clientLimiter
	proxies []netip.Prefix

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a server for a using a.Config.Server.
func NewServer(a *app.App) *Server {
	cfg := a.Config.Server
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:    a,
		config: cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		stream: NewStream(a.Bus, a.Coordinator, StreamConfig{
			AllowedOrigins: cfg.AllowedOrigins,
			PingInterval:   cfg.PingInterval,
			Logger:         logger,
		}),
	}
	proxies, err := config.ParsePrefixes(cfg.TrustedProxies)
	if err != nil {
		logger.Warn("ignoring trusted proxies", "error", err)
	}
	s.proxies = proxies
	if cfg.RateLimit.Rate > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Capacity)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/analytics", s.handleAnalytics)

	s.mux.Handle("GET /api/search", s.limit(s.handleSearch))
	s.mux.Handle("POST /api/search", s.limit(s.handleSearch))
	s.mux.Handle("POST /api/audio", s.limit(s.handleAudio))

	s.mux.Handle("POST /api/admin/trigger-failure", s.limit(s.handleTriggerFailure))
	s.mux.Handle("POST /api/admin/fix", s.limit(s.handleFix))
	s.mux.Handle("POST /api/admin/auto-resolution", s.limit(s.handleAutoResolution))
	s.mux.Handle("DELETE /api/admin/banners", s.limit(s.handleClearBanners))

	s.mux.HandleFunc("GET /api/agents", s.handleAgents)
	s.mux.Handle("POST /api/agents/{name}", s.limit(s.handleAsk))
	s.mux.Handle("POST /api/route", s.limit(s.handleRoute))
	s.mux.Handle("POST /api/assess", s.limit(s.handleAssess))
	s.mux.Handle("POST /api/workflow", s.limit(s.handleWorkflow))

	if s.app.Metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.app.Metrics, promhttp.HandlerOpts{}))
	}
}

// Handler returns the request handler. API routes are traced; the event
// stream is served outside the tracing wrapper so it can be hijacked.
func (s *Server) Handler() http.Handler {
	api := otelhttp.NewHandler(s.mux, "incident-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	root := http.NewServeMux()
	root.Handle("GET /ws", s.stream)
	root.Handle("/", api)
	return s.logRequests(root)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("incident API listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown closes open event streams and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stream.Close()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("incident API stopping")
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"client", s.clientAddr(r),
		)
	})
}

// clientAddr is the caller's address without the port. X-Forwarded-For is
// only believed when the connection comes from a trusted proxy; the client
// is then the right-most hop that is not itself a trusted proxy.
func (s *Server) clientAddr(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !s.trusted(peer) {
		return peer
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			return peer
		}
		if !s.trusted(hop) {
			return hop
		}
	}
	return peer
}

func (s *Server) trusted(ip string) bool {
	if len(s.proxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
