// Package banner keeps the alert banners shown on the operator dashboard.
package banner

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/events"
)

// Level is the severity of a banner.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelError, LevelSuccess:
		return true
	}
	return false
}

const (
	// DefaultAutoCloseAfter is how long a closable banner stays up.
	DefaultAutoCloseAfter = 8 * time.Second
	// DefaultHistorySize bounds the banner history.
	DefaultHistorySize = 10
)

// Banner is one dashboard alert.
type Banner struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Level     Level     `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	AutoClose bool      `json:"auto_close"`
}

// Board tracks active banners and a bounded history. All methods are safe
// for concurrent use.
type Board struct {
	// AutoCloseAfter overrides DefaultAutoCloseAfter when positive.
	AutoCloseAfter time.Duration
	// HistorySize overrides DefaultHistorySize when positive.
	HistorySize int

	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	active  map[string]Banner
	timers  map[string]*time.Timer
	history []Banner
}

// NewBoard creates a board that announces changes on publisher. A nil
// publisher disables announcements.
func NewBoard(publisher events.Publisher, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		active:    make(map[string]Banner),
		timers:    make(map[string]*time.Timer),
	}
}

// SetClock replaces the time source used for IDs and timestamps.
func (b *Board) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetRand replaces the random source used for ID suffixes.
func (b *Board) SetRand(rng *rand.Rand) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rng = rng
}

// Add posts a banner. Error banners and banners with autoClose false stay
// until removed.
func (b *Board) Add(ctx context.Context, message string, level Level, autoClose bool) Banner {
	b.mu.Lock()
	now := b.now()
	id := fmt.Sprintf("banner-%d-%d", now.Unix(), 1000+b.rng.Intn(9000))
	for _, taken := b.active[id]; taken; _, taken = b.active[id] {
		id = fmt.Sprintf("banner-%d-%d", now.Unix(), 1000+b.rng.Intn(9000))
	}
	msg := Banner{
		ID:        id,
		Message:   message,
		Level:     level,
		Timestamp: now.UTC(),
		AutoClose: autoClose,
	}
	b.active[id] = msg
	b.history = append(b.history, msg)
	if limit := b.historySize(); len(b.history) > limit {
		b.history = append([]Banner(nil), b.history[len(b.history)-limit:]...)
	}
	if autoClose && level != LevelError {
		b.timers[id] = time.AfterFunc(b.autoCloseAfter(), func() {
			b.Remove(context.Background(), id)
		})
	}
	b.mu.Unlock()

	b.logger.Info("banner posted", "id", id, "level", string(level), "message", message)
	b.publish(ctx, events.KindBanner, msg)
	return msg
}

// Remove takes a banner down. It reports whether the banner was active.
func (b *Board) Remove(ctx context.Context, id string) bool {
	b.mu.Lock()
	if _, ok := b.active[id]; !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.active, id)
	if t, ok := b.timers[id]; ok {
		t.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()

	b.logger.Info("banner removed", "id", id)
	b.publish(ctx, events.KindBannerRemoved, map[string]string{"id": id})
	return true
}

// Clear removes every active banner. History is kept.
func (b *Board) Clear(ctx context.Context) int {
	b.mu.Lock()
	n := len(b.active)
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	b.active = make(map[string]Banner)
	b.mu.Unlock()

	b.logger.Info("banners cleared", "count", n)
	b.publish(ctx, events.KindBannerRemoved, map[string]interface{}{"all": true})
	return n
}

// Active returns the active banners, oldest first.
func (b *Board) Active() []Banner {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Banner, 0, len(b.active))
	for _, msg := range b.active {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// History returns the most recent banners, oldest first.
func (b *Board) History() []Banner {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Banner(nil), b.history...)
}

// Close stops pending auto-close timers.
func (b *Board) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
}

func (b *Board) autoCloseAfter() time.Duration {
	if b.AutoCloseAfter > 0 {
		return b.AutoCloseAfter
	}
	return DefaultAutoCloseAfter
}

func (b *Board) historySize() int {
	if b.HistorySize > 0 {
		return b.HistorySize
	}
	return DefaultHistorySize
}

func (b *Board) publish(ctx context.Context, kind events.Kind, payload interface{}) {
	if b.publisher == nil {
		return
	}
	if err := b.publisher.Publish(ctx, events.New(kind, payload)); err != nil {
		b.logger.Warn("failed to publish banner event", "kind", string(kind), "error", err)
	}
}
