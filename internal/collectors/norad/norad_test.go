package norad

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors"
)

type fakeStore struct{ events []collectors.TimelineEvent }

func (f *fakeStore) Upsert(ctx context.Context, events []collectors.TimelineEvent) (int, error) {
	f.events = append(f.events, events...)
	return len(events), nil
}

func TestFetchFallsBackToCelestrakWithoutCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]celestrakSat{
			{NoradCatID: float64(25544), ObjectName: "ISS (ZARYA)", MeanMotion: 15.5, Inclination: 51.6},
		})
	}))
	defer srv.Close()

	c := New(&fakeStore{}, "", "")
	c.celestrakURL = srv.URL
	c.client = srv.Client()

	events, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// three catalogs are queried, each returning the same single satellite
	if len(events) != 3 {
		t.Fatalf("expected 3 events (one per catalog), got %d", len(events))
	}

	event, err := c.Transform(events[0])
	if err != nil {
		t.Fatalf("transform error: %v", err)
	}
	if event.Properties["name"] != "ISS (ZARYA)" {
		t.Fatalf("unexpected satellite name: %v", event.Properties["name"])
	}
	if event.Altitude == nil {
		t.Fatalf("expected non-nil altitude estimate")
	}
}

func TestEstimatePositionBoundedByInclination(t *testing.T) {
	data := map[string]interface{}{"inclination": 51.6, "ra_of_asc_node": 100.0, "mean_motion": 15.5}
	lat, _, alt := estimatePosition(data)
	if lat != 51.6*0.5 {
		t.Fatalf("expected lat bounded by inclination, got %v", lat)
	}
	if alt <= 0 {
		t.Fatalf("expected positive altitude estimate, got %v", alt)
	}
}
