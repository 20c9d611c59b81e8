package ais

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

func TestFetchViaProxyFlatList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"mmsi": 123456789, "lat": 37.7, "lng": -122.4, "name": "SS Example", "speed": 12.5},
		})
	}))
	defer srv.Close()

	c := New(&fakeStore{}, "")
	c.proxyURL = srv.URL
	c.client = srv.Client()

	events, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event, err := c.Transform(events[0])
	if err != nil {
		t.Fatalf("transform error: %v", err)
	}
	if event.Lat != 37.7 || event.Lng != -122.4 {
		t.Fatalf("unexpected coordinates: %v %v", event.Lat, event.Lng)
	}
}

func TestFetchFeatureCollectionShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"features": []map[string]interface{}{
				{
					"geometry":   map[string]interface{}{"coordinates": []float64{-122.4, 37.7}},
					"properties": map[string]interface{}{"mmsi": 987654321, "name": "Vessel X"},
				},
			},
		})
	}))
	defer srv.Close()

	c := New(&fakeStore{}, "")
	c.proxyURL = srv.URL
	c.client = srv.Client()

	events, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Data["lat"] != 37.7 {
		t.Fatalf("unexpected lat: %v", events[0].Data["lat"])
	}
}

func TestFetchNoSourceConfiguredReturnsEmpty(t *testing.T) {
	c := New(&fakeStore{}, "")
	c.proxyURL = ""
	c.apiKey = ""

	events, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events != nil {
		t.Fatalf("expected nil events when no source is configured, got %v", events)
	}
}
