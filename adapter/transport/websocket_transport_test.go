package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apierrors "github.com/scttfrdmn/agenkit/incident-go/adapter/errors"
	"github.com/scttfrdmn/agenkit/incident-go/events"
)

var errStop = errors.New("stop")

// eventServer sends kinds to each client, then either closes or idles.
func eventServer(t *testing.T, kinds []events.Kind, closeAfter bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		connections.Add(1)
		for _, k := range kinds {
			if err := conn.WriteJSON(events.New(k, map[string]interface{}{"n": 1})); err != nil {
				return
			}
		}
		if closeAfter {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &connections
}

func toWS(u string) string {
	return "ws" + strings.TrimPrefix(u, "http")
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws", false},
		{"https://incidents.example.com/", "wss://incidents.example.com/ws", false},
		{"ws://10.0.0.1:9000", "ws://10.0.0.1:9000/ws", false},
		{"ftp://example.com", "", true},
		{"http://", "", true},
	}
	for _, tt := range tests {
		got, err := StreamURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEventClient_Watch(t *testing.T) {
	srv, _ := eventServer(t, []events.Kind{events.KindStatus, events.KindBanner}, false)
	client := NewEventClient(toWS(srv.URL), ClientOptions{})

	var got []events.Kind
	err := client.Watch(context.Background(), func(ev events.Event) error {
		got = append(got, ev.Kind)
		if len(got) == 2 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if got[0] != events.KindStatus || got[1] != events.KindBanner {
		t.Errorf("unexpected events %v", got)
	}
}

func TestEventClient_ContextCancel(t *testing.T) {
	srv, _ := eventServer(t, nil, false)
	client := NewEventClient(toWS(srv.URL), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := client.Watch(ctx, func(events.Event) error { return nil }); err != nil {
		t.Errorf("expected clean exit on cancel, got %v", err)
	}
}

func TestEventClient_ServerClose(t *testing.T) {
	srv, _ := eventServer(t, []events.Kind{events.KindStatus}, true)
	client := NewEventClient(toWS(srv.URL), ClientOptions{})

	err := client.Watch(context.Background(), func(events.Event) error { return nil })
	var connErr *apierrors.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected a connection error, got %v", err)
	}
}

func TestEventClient_Reconnect(t *testing.T) {
	srv, connections := eventServer(t, []events.Kind{events.KindStatus}, true)
	client := NewEventClient(toWS(srv.URL), ClientOptions{Reconnect: true, InitialRetryDelay: time.Millisecond})

	var n int
	err := client.Watch(context.Background(), func(events.Event) error {
		n++
		if n == 3 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if connections.Load() != 3 {
		t.Errorf("expected 3 connections, got %d", connections.Load())
	}
}

func TestEventClient_RetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := toWS(srv.URL)
	srv.Close()

	client := NewEventClient(url, ClientOptions{MaxRetries: 2, InitialRetryDelay: time.Millisecond})
	err := client.Watch(context.Background(), func(events.Event) error { return nil })
	var connErr *apierrors.ConnectionError
	if !errors.As(err, &connErr) || !strings.Contains(err.Error(), "2 attempts") {
		t.Errorf("expected exhausted retries, got %v", err)
	}
}
