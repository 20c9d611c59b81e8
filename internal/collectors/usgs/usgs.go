// Package usgs collects recent earthquakes from the USGS Earthquake
// Hazards Program GeoJSON feed.
package usgs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors"
	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors/qualityscorer"
)

const (
	name         = "usgs"
	entityType   = "earthquake"
	pollInterval = 60 * time.Second
	defaultURL   = "https://earthquake.usgs.gov/fdsnws/event/1/query"
)

// Collector polls the USGS event query endpoint, tracking the end of its
// previous window so each poll only requests what's new (with a 5-minute
// overlap for safety, matching the reference collector).
type Collector struct {
	*collectors.Base

	minMagnitude float64
	baseURL      string
	client       *http.Client

	mu            sync.Mutex
	lastFetchTime time.Time
}

// New constructs a USGS collector. minMagnitude filters out smaller events.
func New(store collectors.Ingester, minMagnitude float64) *Collector {
	if minMagnitude <= 0 {
		minMagnitude = 2.5
	}
	base := defaultURL
	if v := os.Getenv("USGS_API_URL"); v != "" {
		base = v
	}
	return &Collector{
		Base:         collectors.NewBase(name, entityType, pollInterval, store),
		minMagnitude: minMagnitude,
		baseURL:      base,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Collector) Initialize(ctx context.Context) error { return nil }
func (c *Collector) Cleanup(ctx context.Context) error     { return nil }

type featureCollection struct {
	Features []feature `json:"features"`
}

type feature struct {
	ID         string                 `json:"id"`
	Properties map[string]interface{} `json:"properties"`
	Geometry   struct {
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
}

// Fetch queries for earthquakes in the window since the previous fetch (or
// the last hour, on the first call).
func (c *Collector) Fetch(ctx context.Context) ([]collectors.RawEvent, error) {
	end := time.Now().UTC()

	c.mu.Lock()
	start := c.lastFetchTime
	c.mu.Unlock()

	if start.IsZero() {
		start = end.Add(-time.Hour)
	} else {
		start = start.Add(-5 * time.Minute)
	}

	q := url.Values{}
	q.Set("format", "geojson")
	q.Set("starttime", start.Format(time.RFC3339))
	q.Set("endtime", end.Format(time.RFC3339))
	q.Set("minmagnitude", strconv.FormatFloat(c.minMagnitude, 'f', -1, 64))
	q.Set("orderby", "time")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("usgs request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usgs fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usgs returned status %d", resp.StatusCode)
	}

	var parsed featureCollection
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("usgs decode: %w", err)
	}

	c.mu.Lock()
	c.lastFetchTime = end
	c.mu.Unlock()

	events := make([]collectors.RawEvent, 0, len(parsed.Features))
	for _, f := range parsed.Features {
		coords := f.Geometry.Coordinates
		for len(coords) < 3 {
			coords = append(coords, 0)
		}
		ms, _ := f.Properties["time"].(float64)

		events = append(events, collectors.RawEvent{
			Source:     name,
			EntityID:   f.ID,
			EntityType: entityType,
			Timestamp:  time.UnixMilli(int64(ms)).UTC(),
			Data: map[string]interface{}{
				"lng":         coords[0],
				"lat":         coords[1],
				"depth":       coords[2],
				"magnitude":   f.Properties["mag"],
				"mag_type":    f.Properties["magType"],
				"place":       f.Properties["place"],
				"url":         f.Properties["url"],
				"felt":        f.Properties["felt"],
				"alert":       f.Properties["alert"],
				"status":      f.Properties["status"],
				"tsunami":     f.Properties["tsunami"],
				"sig":         f.Properties["sig"],
				"net":         f.Properties["net"],
			},
			Raw: f,
		})
	}
	return events, nil
}

// Transform converts a raw USGS feature into a timeline event. Depth
// (kilometers below sea level) is converted to a negative-meters altitude.
func (c *Collector) Transform(raw collectors.RawEvent) (collectors.TimelineEvent, error) {
	data := raw.Data
	lat, _ := data["lat"].(float64)
	lng, _ := data["lng"].(float64)
	depth, _ := data["depth"].(float64)
	altitude := -depth * 1000

	return collectors.TimelineEvent{
		ID:         collectors.DeterministicID(name, raw.EntityID),
		EntityType: entityType,
		Timestamp:  raw.Timestamp,
		Lat:        lat,
		Lng:        lng,
		Altitude:   &altitude,
		Properties: map[string]interface{}{
			"magnitude":    data["magnitude"],
			"mag_type":     data["mag_type"],
			"depth_km":     data["depth"],
			"place":        data["place"],
			"url":          data["url"],
			"felt":         data["felt"],
			"alert":        data["alert"],
			"tsunami":      data["tsunami"],
			"significance": data["sig"],
		},
		Source:       name,
		QualityScore: qualityscorer.Score(data, entityType, name, raw.Timestamp),
	}, nil
}

// RunOnce runs a single fetch/transform/ingest cycle.
func (c *Collector) RunOnce(ctx context.Context) ([]collectors.TimelineEvent, error) {
	return collectors.RunCycle(ctx, c.Base, c.Fetch, c.Transform)
}
