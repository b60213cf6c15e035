package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scttfrdmn/agenkit/incident-go/events"
	"github.com/scttfrdmn/agenkit/incident-go/incident"
)

const (
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 10 * time.Second
	maxClientMessage    = 4096
	subscriberBuffer    = 64
)

// MetricsSource provides the metrics sent to a client when it connects.
type MetricsSource interface {
	Metrics() incident.Metrics
}

// StreamConfig configures a Stream.
type StreamConfig struct {
	// AllowedOrigins limits which pages may connect. Empty allows any.
	AllowedOrigins []string
	// PingInterval is the keepalive period. Default: 30s
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Stream pushes bus events to WebSocket clients as JSON text frames.
type Stream struct {
	bus      events.Bus
	metrics  MetricsSource
	upgrader websocket.Upgrader
	ping     time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

// NewStream creates a stream over bus. metrics may be nil.
func NewStream(bus events.Bus, metrics MetricsSource, config StreamConfig) *Stream {
	s := &Stream{
		bus:     bus,
		metrics: metrics,
		ping:    config.PingInterval,
		logger:  config.Logger,
		conns:   make(map[*websocket.Conn]struct{}),
	}
	if s.ping <= 0 {
		s.ping = defaultPingInterval
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(config.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set["*"] || set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// Clients returns the number of connected clients.
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Stream) add(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Stream) remove(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or the stream is closed.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	if !s.add(conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeTimeout))
		conn.Close()
		return
	}
	defer s.remove(conn)

	ch, cancel := s.bus.Subscribe(subscriberBuffer)
	defer cancel()

	s.logger.Debug("stream client connected", "remote", r.RemoteAddr)
	done := make(chan struct{})
	go s.readPump(conn, done)

	if s.metrics != nil {
		if err := s.write(conn, events.New(events.KindSystemMetrics, s.metrics.Metrics())); err != nil {
			return
		}
	}

	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event stream closed"),
					time.Now().Add(writeTimeout))
				return
			}
			if err := s.write(conn, ev); err != nil {
				s.logger.Debug("stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-done:
			s.logger.Debug("stream client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Stream) write(conn *websocket.Conn, ev events.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}

// readPump discards client messages and extends the read deadline on each
// pong. It closes done when the connection fails.
func (s *Stream) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	wait := 2 * s.ping
	conn.SetReadLimit(maxClientMessage)
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every client and refuses new ones.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.Close()
	}
}
