// Package opensky collects live aircraft positions from the OpenSky Network
// REST API.
package opensky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors"
	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors/qualityscorer"
)

const (
	name         = "opensky"
	entityType   = "aircraft"
	pollInterval = 10 * time.Second
	baseURL      = "https://opensky-network.org/api"
)

// BBox restricts the states query to a bounding box, matching the reference
// collector's optional bbox filter.
type BBox struct {
	LaMin, LaMax, LoMin, LoMax float64
}

// Collector polls OpenSky's /states/all endpoint.
type Collector struct {
	*collectors.Base

	username string
	password string
	bbox     *BBox
	client   *http.Client
	baseURL  string
}

// New constructs an OpenSky collector. Credentials fall back to the
// OPENSKY_USERNAME/OPENSKY_PASSWORD environment variables when empty.
func New(store collectors.Ingester, username, password string, bbox *BBox) *Collector {
	if username == "" {
		username = os.Getenv("OPENSKY_USERNAME")
	}
	if password == "" {
		password = os.Getenv("OPENSKY_PASSWORD")
	}
	if url := os.Getenv("OPENSKY_API_URL"); url != "" {
		return &Collector{
			Base:     collectors.NewBase(name, entityType, pollInterval, store),
			username: username,
			password: password,
			bbox:     bbox,
			client:   &http.Client{Timeout: 30 * time.Second},
			baseURL:  url,
		}
	}
	return &Collector{
		Base:     collectors.NewBase(name, entityType, pollInterval, store),
		username: username,
		password: password,
		bbox:     bbox,
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  baseURL,
	}
}

func (c *Collector) Initialize(ctx context.Context) error { return nil }
func (c *Collector) Cleanup(ctx context.Context) error     { return nil }

type stateVector = []interface{}

type statesResponse struct {
	Time   int64        `json:"time"`
	States []stateVector `json:"states"`
}

// Fetch queries /states/all and skips vectors without a reported position.
func (c *Collector) Fetch(ctx context.Context) ([]collectors.RawEvent, error) {
	reqURL := c.baseURL + "/states/all"
	if c.bbox != nil {
		q := url.Values{}
		q.Set("lamin", strconv.FormatFloat(c.bbox.LaMin, 'f', -1, 64))
		q.Set("lamax", strconv.FormatFloat(c.bbox.LaMax, 'f', -1, 64))
		q.Set("lomin", strconv.FormatFloat(c.bbox.LoMin, 'f', -1, 64))
		q.Set("lomax", strconv.FormatFloat(c.bbox.LoMax, 'f', -1, 64))
		reqURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("opensky request: %w", err)
	}
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opensky fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("opensky returned status %d", resp.StatusCode)
	}

	var parsed statesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("opensky decode: %w", err)
	}

	ts := time.Unix(parsed.Time, 0).UTC()
	events := make([]collectors.RawEvent, 0, len(parsed.States))
	for _, s := range parsed.States {
		if len(s) < 14 {
			continue
		}
		lng, lngOK := asFloat(s[5])
		lat, latOK := asFloat(s[6])
		if !lngOK || !latOK {
			continue // skip without position, per reference collector
		}

		icao24, _ := s[0].(string)
		callsign := strings.TrimSpace(asString(s[1]))
		altitude, ok := asFloat(s[7])
		if !ok {
			altitude, _ = asFloat(s[13]) // baro_altitude falls back to geo_altitude
		}

		events = append(events, collectors.RawEvent{
			Source:     name,
			EntityID:   icao24,
			EntityType: entityType,
			Timestamp:  ts,
			Data: map[string]interface{}{
				"icao24":         icao24,
				"callsign":       callsign,
				"origin_country": asString(s[2]),
				"lat":            lat,
				"lng":            lng,
				"altitude":       altitude,
				"on_ground":      asBool(s[8]),
				"velocity":       s[9],
				"heading":        s[10],
				"vertical_rate":  s[11],
				"squawk":         asString(s[14]),
			},
			Raw: s,
		})
	}
	return events, nil
}

// Transform converts a raw OpenSky state vector into a timeline event.
func (c *Collector) Transform(raw collectors.RawEvent) (collectors.TimelineEvent, error) {
	data := raw.Data
	lat, _ := data["lat"].(float64)
	lng, _ := data["lng"].(float64)
	altitude, _ := data["altitude"].(float64)

	return collectors.TimelineEvent{
		ID:         collectors.DeterministicID(name, fmt.Sprintf("%v", data["icao24"])),
		EntityType: entityType,
		Timestamp:  raw.Timestamp,
		Lat:        lat,
		Lng:        lng,
		Altitude:   &altitude,
		Properties: map[string]interface{}{
			"icao24":         data["icao24"],
			"callsign":       data["callsign"],
			"origin_country": data["origin_country"],
			"velocity":       data["velocity"],
			"heading":        data["heading"],
			"vertical_rate":  data["vertical_rate"],
			"on_ground":      data["on_ground"],
			"squawk":         data["squawk"],
		},
		Source:       name,
		QualityScore: qualityscorer.Score(data, entityType, name, raw.Timestamp),
	}, nil
}

// RunOnce runs a single fetch/transform/ingest cycle.
func (c *Collector) RunOnce(ctx context.Context) ([]collectors.TimelineEvent, error) {
	return collectors.RunCycle(ctx, c.Base, c.Fetch, c.Transform)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case nil:
		return 0, false
	default:
		return 0, false
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}
