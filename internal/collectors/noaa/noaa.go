// Package noaa collects active weather alerts from the National Weather
// Service API.
package noaa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors"
	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors/qualityscorer"
)

const (
	name         = "noaa"
	entityType   = "weather"
	pollInterval = 5 * time.Minute
	defaultURL   = "https://api.weather.gov"
)

// Collector polls the NWS active-alerts endpoint.
type Collector struct {
	*collectors.Base

	baseURL string
	client  *http.Client
}

// New constructs a NOAA collector. baseURL falls back to NWS_API_URL or the
// production weather.gov host.
func New(store collectors.Ingester) *Collector {
	base := defaultURL
	if v := os.Getenv("NWS_API_URL"); v != "" {
		base = v
	}
	return &Collector{
		Base:    collectors.NewBase(name, entityType, pollInterval, store),
		baseURL: base,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *Collector) Initialize(ctx context.Context) error { return nil }
func (c *Collector) Cleanup(ctx context.Context) error     { return nil }

type alertCollection struct {
	Features []alertFeature `json:"features"`
}

type alertFeature struct {
	Properties map[string]interface{} `json:"properties"`
	Geometry   *struct {
		Coordinates []interface{} `json:"coordinates"`
	} `json:"geometry"`
}

// Fetch requests active, actual-status alerts and flattens each feature's
// polygon to a representative lat/lng (its first ring's first vertex).
func (c *Collector) Fetch(ctx context.Context) ([]collectors.RawEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/alerts/active?status=actual&message_type=alert", nil)
	if err != nil {
		return nil, fmt.Errorf("noaa request: %w", err)
	}
	req.Header.Set("User-Agent", "(Mycosoft CREP, contact@mycosoft.com)")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("noaa fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var parsed alertCollection
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("noaa decode: %w", err)
	}

	now := time.Now().UTC()
	events := make([]collectors.RawEvent, 0, len(parsed.Features))
	for _, f := range parsed.Features {
		lat, lng := representativePoint(f.Geometry)
		id := fmt.Sprintf("%v", f.Properties["id"])

		events = append(events, collectors.RawEvent{
			Source:     name,
			EntityID:   id,
			EntityType: entityType,
			Timestamp:  now,
			Data: map[string]interface{}{
				"lat":      lat,
				"lng":      lng,
				"event":    f.Properties["event"],
				"severity": f.Properties["severity"],
				"headline": f.Properties["headline"],
				"areaDesc": f.Properties["areaDesc"],
			},
		})
	}
	return events, nil
}

func representativePoint(geom *struct {
	Coordinates []interface{} `json:"coordinates"`
}) (lat, lng float64) {
	if geom == nil || len(geom.Coordinates) == 0 {
		return 0, 0
	}
	ring := geom.Coordinates
	if nested, ok := ring[0].([]interface{}); ok {
		ring = nested
	}
	if len(ring) == 0 {
		return 0, 0
	}
	first := ring[0]
	if pair, ok := first.([]interface{}); ok {
		lng = toFloat(pair[0])
		if len(pair) > 1 {
			lat = toFloat(pair[1])
		}
		return lat, lng
	}
	lng = toFloat(ring[0])
	if len(ring) > 1 {
		lat = toFloat(ring[1])
	}
	return lat, lng
}

func toFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// Transform converts a raw alert record into a timeline event.
func (c *Collector) Transform(raw collectors.RawEvent) (collectors.TimelineEvent, error) {
	data := raw.Data
	lat, _ := data["lat"].(float64)
	lng, _ := data["lng"].(float64)

	return collectors.TimelineEvent{
		ID:         collectors.DeterministicID(name, raw.EntityID),
		EntityType: entityType,
		Timestamp:  raw.Timestamp,
		Lat:        lat,
		Lng:        lng,
		Properties: map[string]interface{}{
			"event":    data["event"],
			"severity": data["severity"],
			"headline": data["headline"],
			"areaDesc": data["areaDesc"],
		},
		Source:       name,
		QualityScore: qualityscorer.Score(data, entityType, name, raw.Timestamp),
	}, nil
}

// RunOnce runs a single fetch/transform/ingest cycle.
func (c *Collector) RunOnce(ctx context.Context) ([]collectors.TimelineEvent, error) {
	return collectors.RunCycle(ctx, c.Base, c.Fetch, c.Transform)
}
