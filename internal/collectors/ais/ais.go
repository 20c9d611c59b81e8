// Package ais collects vessel positions from an AIS feed, either a
// configured proxy (OEI_AIS_PROXY) or the aisstream.io REST API.
package ais

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
	name         = "ais"
	entityType   = "vessel"
	pollInterval = 30 * time.Second
	defaultURL   = "https://api.aisstream.io/v1/stream"
)

// Collector polls an AIS feed for vessel positions. A proxy URL
// (OEI_AIS_PROXY) takes precedence over the authenticated aisstream.io API.
type Collector struct {
	*collectors.Base

	apiURL   string
	proxyURL string
	apiKey   string
	client   *http.Client
}

// New constructs an AIS collector. apiURL falls back to AIS_API_URL or the
// aisstream.io default; the proxy URL and API key are always read from
// OEI_AIS_PROXY and AISSTREAM_API_KEY.
func New(store collectors.Ingester, apiURL string) *Collector {
	if apiURL == "" {
		apiURL = os.Getenv("AIS_API_URL")
	}
	if apiURL == "" {
		apiURL = defaultURL
	}
	return &Collector{
		Base:     collectors.NewBase(name, entityType, pollInterval, store),
		apiURL:   apiURL,
		proxyURL: os.Getenv("OEI_AIS_PROXY"),
		apiKey:   os.Getenv("AISSTREAM_API_KEY"),
		client:   &http.Client{Timeout: 25 * time.Second},
	}
}

func (c *Collector) Initialize(ctx context.Context) error { return nil }
func (c *Collector) Cleanup(ctx context.Context) error     { return nil }

// Fetch prefers the configured proxy, then the authenticated API, returning
// no events (and no error) when neither is configured.
func (c *Collector) Fetch(ctx context.Context) ([]collectors.RawEvent, error) {
	if c.proxyURL != "" {
		body, err := c.get(ctx, c.proxyURL, nil)
		if err != nil {
			return nil, fmt.Errorf("ais proxy: %w", err)
		}
		return parseFeed(body), nil
	}
	if c.apiKey != "" {
		headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
		body, err := c.get(ctx, c.apiURL, headers)
		if err != nil {
			return nil, fmt.Errorf("ais fetch: %w", err)
		}
		return parseFeed(body), nil
	}
	return nil, nil
}

func (c *Collector) get(ctx context.Context, reqURL string, headers map[string]string) (interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	var body interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

// parseFeed accepts either a bare list of vessel records or an object
// carrying them under "features", "vessels", or "data", matching the
// flexible shapes the reference collector tolerates.
func parseFeed(body interface{}) []collectors.RawEvent {
	now := time.Now().UTC()
	var events []collectors.RawEvent

	switch v := body.(type) {
	case []interface{}:
		for _, item := range v {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			lat, latOK := asFloat(obj["lat"])
			lng, lngOK := asFloat(obj["lng"])
			if !latOK || !lngOK {
				continue
			}
			data := cloneMap(obj)
			data["lat"] = lat
			data["lng"] = lng
			events = append(events, rawEventFromData(data, now))
		}
	case map[string]interface{}:
		list := firstList(v, "features", "vessels", "data")
		for _, item := range list {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			props := obj
			lat, lng, ok := extractPosition(obj)
			if !ok {
				continue
			}
			if nested, ok := obj["properties"].(map[string]interface{}); ok {
				props = nested
			}
			data := cloneMap(props)
			data["lat"] = lat
			data["lng"] = lng
			events = append(events, rawEventFromData(data, now))
		}
	}
	return events
}

func extractPosition(obj map[string]interface{}) (lat, lng float64, ok bool) {
	if geom, ok := obj["geometry"].(map[string]interface{}); ok {
		if coords, ok := geom["coordinates"].([]interface{}); ok && len(coords) >= 2 {
			lng, lngOK := asFloat(coords[0])
			lat, latOK := asFloat(coords[1])
			if lngOK && latOK {
				return lat, lng, true
			}
		}
	}
	props := obj
	if nested, ok := obj["properties"].(map[string]interface{}); ok {
		props = nested
	}
	lat, latOK := asFloat(props["lat"])
	lng, lngOK := asFloat(props["lng"])
	if !lngOK {
		lng, lngOK = asFloat(props["longitude"])
	}
	return lat, lng, latOK && lngOK
}

func rawEventFromData(data map[string]interface{}, now time.Time) collectors.RawEvent {
	mmsi := fmt.Sprintf("%v", data["mmsi"])
	return collectors.RawEvent{
		Source:     name,
		EntityID:   mmsi,
		EntityType: entityType,
		Timestamp:  now,
		Data:       data,
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func firstList(m map[string]interface{}, keys ...string) []interface{} {
	for _, k := range keys {
		if list, ok := m[k].([]interface{}); ok {
			return list
		}
	}
	return nil
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// Transform converts a raw vessel record into a timeline event.
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
			"mmsi":    data["mmsi"],
			"name":    data["name"],
			"speed":   data["speed"],
			"heading": data["heading"],
		},
		Source:       name,
		QualityScore: qualityscorer.Score(data, entityType, name, raw.Timestamp),
	}, nil
}

// RunOnce runs a single fetch/transform/ingest cycle.
func (c *Collector) RunOnce(ctx context.Context) ([]collectors.TimelineEvent, error) {
	return collectors.RunCycle(ctx, c.Base, c.Fetch, c.Transform)
}
