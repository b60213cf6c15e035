package banner

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"testing"
	"time"

	"github.com/scttfrdmn/agenkit/incident-go/events"
)

var idPattern = regexp.MustCompile(`^banner-\d+-\d{4}$`)

func fixedClock() time.Time {
	return time.Unix(1700000000, 0)
}

func TestBoard_AddAssignsID(t *testing.T) {
	board := NewBoard(nil, nil)
	board.SetClock(fixedClock)
	defer board.Close()

	msg := board.Add(context.Background(), "Search restored", LevelSuccess, false)
	if !idPattern.MatchString(msg.ID) {
		t.Errorf("unexpected banner ID %q", msg.ID)
	}
	if msg.ID[:18] != "banner-1700000000-" {
		t.Errorf("expected unix timestamp in ID, got %q", msg.ID)
	}
	if len(board.Active()) != 1 {
		t.Errorf("expected 1 active banner, got %d", len(board.Active()))
	}
}

func TestBoard_HistoryBounded(t *testing.T) {
	board := NewBoard(nil, nil)
	board.SetRand(rand.New(rand.NewSource(1)))
	defer board.Close()

	for i := 0; i < 15; i++ {
		board.Add(context.Background(), fmt.Sprintf("banner %d", i), LevelInfo, false)
	}

	history := board.History()
	if len(history) != DefaultHistorySize {
		t.Fatalf("expected %d history entries, got %d", DefaultHistorySize, len(history))
	}
	if history[0].Message != "banner 5" || history[9].Message != "banner 14" {
		t.Errorf("expected the last ten banners, got %q..%q", history[0].Message, history[9].Message)
	}
	if len(board.Active()) != 15 {
		t.Errorf("history trimming must not drop active banners, got %d", len(board.Active()))
	}
}

func TestBoard_AutoClose(t *testing.T) {
	board := NewBoard(nil, nil)
	board.AutoCloseAfter = 20 * time.Millisecond
	defer board.Close()

	closing := board.Add(context.Background(), "Deploying fix", LevelWarning, true)
	sticky := board.Add(context.Background(), "Search down", LevelError, true)
	pinned := board.Add(context.Background(), "Manual intervention required", LevelInfo, false)

	deadline := time.Now().Add(2 * time.Second)
	for len(board.Active()) > 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	active := map[string]bool{}
	for _, b := range board.Active() {
		active[b.ID] = true
	}
	if active[closing.ID] {
		t.Error("expected warning banner to auto-close")
	}
	if !active[sticky.ID] {
		t.Error("error banners must not auto-close")
	}
	if !active[pinned.ID] {
		t.Error("banners with autoClose false must stay")
	}
}

func TestBoard_RemoveAndClear(t *testing.T) {
	bus := events.NewLocalBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	board := NewBoard(bus, nil)
	defer board.Close()
	ctx := context.Background()

	first := board.Add(ctx, "one", LevelInfo, false)
	board.Add(ctx, "two", LevelWarning, false)

	if !board.Remove(ctx, first.ID) {
		t.Error("expected Remove to report an active banner")
	}
	if board.Remove(ctx, first.ID) {
		t.Error("expected second Remove to report false")
	}
	if n := board.Clear(ctx); n != 1 {
		t.Errorf("expected 1 cleared banner, got %d", n)
	}
	if len(board.Active()) != 0 {
		t.Error("expected no active banners after Clear")
	}
	if len(board.History()) != 2 {
		t.Errorf("Clear must keep history, got %d entries", len(board.History()))
	}

	want := []events.Kind{events.KindBanner, events.KindBanner, events.KindBannerRemoved, events.KindBannerRemoved}
	for i, kind := range want {
		select {
		case ev := <-ch:
			if ev.Kind != kind {
				t.Errorf("event %d: expected %s, got %s", i, kind, ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d: timed out", i)
		}
	}
}

func TestLevel_Valid(t *testing.T) {
	for _, l := range []Level{LevelInfo, LevelWarning, LevelError, LevelSuccess} {
		if !l.Valid() {
			t.Errorf("expected %s to be valid", l)
		}
	}
	if Level("critical").Valid() {
		t.Error("expected unknown level to be invalid")
	}
}
