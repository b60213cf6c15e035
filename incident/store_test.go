package incident

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func sampleIncident(i int) Incident {
	start := time.Unix(1700000000+int64(i)*60, 0).UTC()
	resolved := start.Add(30 * time.Second)
	return Incident{
		ID:             fmt.Sprintf("INC-%d", start.Unix()),
		Type:           TypeSearchOutage,
		Severity:       "P0",
		StartTime:      start,
		ResolvedTime:   &resolved,
		ResolutionSecs: 30,
		Resolution:     ResolutionAutomatic,
		AgentsInvolved: []string{"gpt-4o-mini"},
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	// Saved out of order on purpose.
	for _, i := range []int{2, 0, 1, 3} {
		if err := store.Save(ctx, sampleIncident(i)); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 incidents, got %d", len(all))
	}
	for i := range all {
		if all[i].ID != sampleIncident(i).ID {
			t.Errorf("position %d: expected %s, got %s", i, sampleIncident(i).ID, all[i].ID)
		}
	}

	recent, err := store.List(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != sampleIncident(2).ID || recent[1].ID != sampleIncident(3).ID {
		t.Errorf("expected the two newest incidents oldest first, got %+v", recent)
	}

	updated := sampleIncident(1)
	updated.Resolution = ResolutionManual
	if err := store.Save(ctx, updated); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, updated.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Resolution != ResolutionManual || !got.Resolved() {
		t.Errorf("expected the saved incident to be replaced, got %+v", got)
	}
	if all, _ := store.List(ctx, 0); len(all) != 4 {
		t.Errorf("replacing must not duplicate, got %d", len(all))
	}

	if _, err := store.Get(ctx, "INC-0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, sampleIncident(0))

	got, _ := store.Get(ctx, sampleIncident(0).ID)
	got.AgentsInvolved[0] = "changed"
	again, _ := store.Get(ctx, sampleIncident(0).ID)
	if again.AgentsInvolved[0] != "gpt-4o-mini" {
		t.Error("callers must not be able to modify stored incidents")
	}
}

// TestRedisStore needs a reachable Redis; set INCIDENT_TEST_REDIS_URL to run it.
func TestRedisStore(t *testing.T) {
	url := os.Getenv("INCIDENT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("INCIDENT_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	store, err := NewRedisStore(ctx, url, fmt.Sprintf("incident-test-%d", time.Now().UnixNano()), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	defer func() { _ = store.Clear(ctx) }()

	exerciseStore(t, store)
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), "://nope", "", 0); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestNewRedisStore_ClosesClientOnPingFailure(t *testing.T) {
	var client *redis.Client
	orig := newRedisClient
	newRedisClient = func(opts *redis.Options) *redis.Client {
		opts.MaxRetries = -1
		client = orig(opts)
		return client
	}
	defer func() { newRedisClient = orig }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedisStore(ctx, "redis://127.0.0.1:1/0", "", 0); err == nil {
		t.Fatal("expected ping failure against a closed port")
	}
	if client == nil {
		t.Fatal("client was never created")
	}
	if err := client.Ping(ctx).Err(); !errors.Is(err, redis.ErrClosed) {
		t.Errorf("expected client to be closed, got %v", err)
	}
}
