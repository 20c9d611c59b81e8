package opensky

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors"
)

type fakeStore struct{ events []collectors.TimelineEvent }

func (f *fakeStore) Upsert(ctx context.Context, events []collectors.TimelineEvent) (int, error) {
	f.events = append(f.events, events...)
	return len(events), nil
}

func newTestCollector(t *testing.T, handler http.HandlerFunc) (*Collector, *fakeStore, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	store := &fakeStore{}
	c := New(store, "", "", nil)
	c.baseURL = srv.URL
	c.client = srv.Client()
	return c, store, srv.Close
}

func TestFetchSkipsVectorsWithoutPosition(t *testing.T) {
	c, _, closeFn := newTestCollector(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"time": time.Now().Unix(),
			"states": [][]interface{}{
				{"abc123", "UAL1    ", "United States", 0, 0, -122.4, 37.7, 10000.0, false, 200.0, 90.0, 0.0, nil, 0, "1200"},
				{"def456", "DAL2    ", "United States", 0, 0, nil, nil, 5000.0, false, 150.0, 45.0, 0.0, nil, 0, "1201"},
			},
		})
	})
	defer closeFn()

	events, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event with a position, got %d", len(events))
	}
	if events[0].EntityID != "abc123" {
		t.Fatalf("unexpected entity id: %s", events[0].EntityID)
	}

	event, err := c.Transform(events[0])
	if err != nil {
		t.Fatalf("transform error: %v", err)
	}
	if event.Lat != 37.7 || event.Lng != -122.4 {
		t.Fatalf("unexpected coordinates: %v %v", event.Lat, event.Lng)
	}
	if event.Properties["callsign"] != "UAL1" {
		t.Fatalf("expected trimmed callsign, got %q", event.Properties["callsign"])
	}
}

func TestFetchRateLimitReturnsEmptyNoError(t *testing.T) {
	c, _, closeFn := newTestCollector(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer closeFn()

	events, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("expected nil error on 429, got %v", err)
	}
	if events != nil {
		t.Fatalf("expected nil events on 429, got %v", events)
	}
}

func TestRunOnceIngests(t *testing.T) {
	c, store, closeFn := newTestCollector(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"time":   time.Now().Unix(),
			"states": [][]interface{}{{"abc123", "UAL1", "US", 0, 0, -122.4, 37.7, 10000.0, false, 200.0, 90.0, 0.0, nil, 0, "1200"}},
		})
	})
	defer closeFn()

	events, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if len(store.events) != 1 {
		t.Fatalf("expected store to receive 1 event, got %d", len(store.events))
	}
	if c.Stats().SuccessfulFetches != 1 {
		t.Fatalf("expected 1 successful fetch recorded, got %d", c.Stats().SuccessfulFetches)
	}
}
