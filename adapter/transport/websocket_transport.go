// Package transport connects to a running incident service's event stream.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scttfrdmn/agenkit/incident-go/adapter/errors"
	"github.com/scttfrdmn/agenkit/incident-go/events"
)

const (
	defaultMaxRetries        = 5
	defaultInitialRetryDelay = 1 * time.Second
	defaultMaxRetryDelay     = 30 * time.Second
	defaultMaxMessageSize    = 1 << 20
)

// ClientOptions configures an EventClient.
type ClientOptions struct {
	// MaxRetries bounds connection attempts per (re)connect. Default: 5
	MaxRetries int
	// InitialRetryDelay doubles after each failed attempt. Default: 1s
	InitialRetryDelay time.Duration
	// MaxMessageSize bounds one event frame. Default: 1 MiB
	MaxMessageSize int64
	// Reconnect resumes the stream after the server drops the connection.
	Reconnect bool
}

// EventHandler receives each event. Returning an error ends Watch.
type EventHandler func(events.Event) error

// EventClient reads the dashboard event stream over WebSocket.
type EventClient struct {
	url               string
	dialer            *websocket.Dialer
	maxRetries        int
	initialRetryDelay time.Duration
	maxMessageSize    int64
	reconnect         bool
}

// StreamURL turns a service base URL such as http://localhost:8080 into its
// event stream URL.
func StreamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid service URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid service URL %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid service URL %q: missing host", base)
	}
	u.Path = "/ws"
	return u.String(), nil
}

// NewEventClient creates a client for the stream at urlStr (ws:// or wss://).
func NewEventClient(urlStr string, opts ClientOptions) *EventClient {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
	}
	if u, err := url.Parse(urlStr); err == nil && u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.InitialRetryDelay <= 0 {
		opts.InitialRetryDelay = defaultInitialRetryDelay
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	return &EventClient{
		url:               urlStr,
		dialer:            dialer,
		maxRetries:        opts.MaxRetries,
		initialRetryDelay: opts.InitialRetryDelay,
		maxMessageSize:    opts.MaxMessageSize,
		reconnect:         opts.Reconnect,
	}
}

// connectWithRetry dials with exponential backoff.
func (c *EventClient) connectWithRetry(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	retryDelay := c.initialRetryDelay

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(retryDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, errors.NewConnectionError(c.url, "connection cancelled", ctx.Err())
			}
			retryDelay = min(retryDelay*2, defaultMaxRetryDelay)
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		conn.SetReadLimit(c.maxMessageSize)
		return conn, nil
	}
	return nil, errors.NewConnectionError(c.url,
		fmt.Sprintf("failed after %d attempts", c.maxRetries), lastErr)
}

// Watch streams events to handle until ctx is done, handle fails, or the
// connection drops without Reconnect. Server pings are answered by the
// websocket library's default ping handler.
func (c *EventClient) Watch(ctx context.Context, handle EventHandler) error {
	for {
		conn, err := c.connectWithRetry(ctx)
		if err != nil {
			return err
		}
		err = c.read(ctx, conn, handle)
		if ctx.Err() != nil {
			return nil
		}
		if _, dropped := err.(*errors.ConnectionError); !dropped || !c.reconnect {
			return err
		}
	}
}

func (c *EventClient) read(ctx context.Context, conn *websocket.Conn, handle EventHandler) error {
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()
	defer conn.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.NewConnectionError(c.url, "connection closed", err)
			}
			return errors.NewConnectionError(c.url, "failed to receive event", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("invalid event frame: %w", err)
		}
		if err := handle(ev); err != nil {
			return err
		}
	}
}
