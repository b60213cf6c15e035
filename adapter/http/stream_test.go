package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scttfrdmn/agenkit/incident-go/events"
	"github.com/scttfrdmn/agenkit/incident-go/incident"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	return ev
}

func waitForClients(t *testing.T, s *Stream, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, s.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStream_SendsMetricsThenEvents(t *testing.T) {
	ts := newTestServer(t, testConfig(t))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.url), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if ev := readEvent(t, conn); ev.Kind != events.KindSystemMetrics {
		t.Fatalf("expected system metrics first, got %s", ev.Kind)
	}

	ts.app.Coordinator.SetAutoResolution(context.Background(), true)

	seen := map[events.Kind]bool{}
	for i := 0; i < 4; i++ {
		seen[readEvent(t, conn).Kind] = true
	}
	for _, kind := range []events.Kind{events.KindBanner, events.KindAgentActivity, events.KindStatus} {
		if !seen[kind] {
			t.Errorf("expected a %s event, got %v", kind, seen)
		}
	}
}

func TestStream_Ping(t *testing.T) {
	bus := events.NewLocalBus()
	defer bus.Close()
	stream := NewStream(bus, nil, StreamConfig{PingInterval: 20 * time.Millisecond})
	srv := httptest.NewServer(stream)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a keepalive ping")
	}
}

func TestStream_RejectsForeignOrigin(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.AllowedOrigins = []string{"https://dash.example.com"}
	ts := newTestServer(t, cfg)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.url), header)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}

	header.Set("Origin", "https://dash.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.url), header)
	if err != nil {
		t.Fatalf("expected allowed origin to connect: %v", err)
	}
	conn.Close()
}

func TestStream_CloseDisconnectsClients(t *testing.T) {
	bus := events.NewLocalBus()
	defer bus.Close()
	stream := NewStream(bus, staticMetrics{}, StreamConfig{})
	srv := httptest.NewServer(stream)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	readEvent(t, conn)
	waitForClients(t, stream, 1)

	stream.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
	waitForClients(t, stream, 0)
}

type staticMetrics struct{}

func (staticMetrics) Metrics() incident.Metrics { return incident.Metrics{TotalIncidents: 3} }

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://Dash.example.com/"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://dash.example.com", true},
		{"http://dash.example.com", false},
		{"https://other.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}
}
