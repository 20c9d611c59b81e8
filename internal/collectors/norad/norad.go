// Package norad collects satellite TLE data, preferring Space-Track.org
// when credentials are configured and falling back to CelesTrak otherwise.
package norad

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors"
	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors/qualityscorer"
)

const (
	name           = "norad"
	entityType     = "satellite"
	pollInterval   = time.Hour
	spaceTrackURL  = "https://www.space-track.org"
	celestrakURL   = "https://celestrak.org/NORAD/elements/gp.php"
	spaceTrackCap  = 1000
)

var celestrakCatalogs = []string{"stations", "active", "starlink"}

// Collector polls Space-Track (or CelesTrak as a fallback) for satellite
// two-line element sets.
type Collector struct {
	*collectors.Base

	username string
	password string
	client   *http.Client

	spaceTrackURL string
	celestrakURL  string

	mu            sync.Mutex
	authenticated bool
}

// New constructs a NORAD collector. Credentials fall back to
// SPACETRACK_USERNAME/SPACETRACK_PASSWORD when empty; without credentials
// the collector uses CelesTrak exclusively.
func New(store collectors.Ingester, username, password string) *Collector {
	if username == "" {
		username = os.Getenv("SPACETRACK_USERNAME")
	}
	if password == "" {
		password = os.Getenv("SPACETRACK_PASSWORD")
	}
	st := spaceTrackURL
	if v := os.Getenv("SPACETRACK_API_URL"); v != "" {
		st = v
	}
	return &Collector{
		Base:          collectors.NewBase(name, entityType, pollInterval, store),
		username:      username,
		password:      password,
		client:        &http.Client{Timeout: 60 * time.Second},
		spaceTrackURL: st,
		celestrakURL:  celestrakURL,
	}
}

func (c *Collector) Initialize(ctx context.Context) error { return nil }
func (c *Collector) Cleanup(ctx context.Context) error     { return nil }

func (c *Collector) authenticate(ctx context.Context) bool {
	if c.username == "" || c.password == "" {
		return false
	}
	form := url.Values{"identity": {c.username}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.spaceTrackURL+"/ajaxauth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Fetch tries Space-Track first (authenticating lazily), falling back to
// CelesTrak on any failure or absent credentials.
func (c *Collector) Fetch(ctx context.Context) ([]collectors.RawEvent, error) {
	c.mu.Lock()
	authed := c.authenticated
	c.mu.Unlock()

	if c.username != "" && !authed {
		authed = c.authenticate(ctx)
		c.mu.Lock()
		c.authenticated = authed
		c.mu.Unlock()
	}

	if authed {
		events, err := c.fetchSpaceTrack(ctx)
		if err == nil {
			return events, nil
		}
	}
	return c.fetchCelestrak(ctx)
}

type celestrakSat struct {
	NoradCatID      interface{} `json:"NORAD_CAT_ID"`
	ObjectName      string      `json:"OBJECT_NAME"`
	ObjectType      string      `json:"OBJECT_TYPE"`
	Epoch           string      `json:"EPOCH"`
	MeanMotion      float64     `json:"MEAN_MOTION"`
	Eccentricity    float64     `json:"ECCENTRICITY"`
	Inclination     float64     `json:"INCLINATION"`
	RAOfAscNode     float64     `json:"RA_OF_ASC_NODE"`
	ArgOfPericenter float64     `json:"ARG_OF_PERICENTER"`
	MeanAnomaly     float64     `json:"MEAN_ANOMALY"`
	TLELine1        string      `json:"TLE_LINE1"`
	TLELine2        string      `json:"TLE_LINE2"`
}

func (c *Collector) fetchCelestrak(ctx context.Context) ([]collectors.RawEvent, error) {
	now := time.Now().UTC()
	var events []collectors.RawEvent

	for _, catalog := range celestrakCatalogs {
		q := url.Values{"GROUP": {catalog}, "FORMAT": {"json"}}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.celestrakURL+"?"+q.Encode(), nil)
		if err != nil {
			continue
		}
		resp, err := c.client.Do(req)
		if err != nil {
			continue
		}
		var sats []celestrakSat
		decodeErr := json.NewDecoder(resp.Body).Decode(&sats)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || decodeErr != nil {
			continue
		}
		for _, sat := range sats {
			events = append(events, satToRawEvent("celestrak", sat, now))
		}
	}
	return events, nil
}

func (c *Collector) fetchSpaceTrack(ctx context.Context) ([]collectors.RawEvent, error) {
	reqURL := c.spaceTrackURL + "/basicspacedata/query/class/gp/EPOCH/%3Enow-1/orderby/NORAD_CAT_ID/format/json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("space-track returned status %d", resp.StatusCode)
	}

	var sats []celestrakSat
	if err := json.NewDecoder(resp.Body).Decode(&sats); err != nil {
		return nil, err
	}
	if len(sats) > spaceTrackCap {
		sats = sats[:spaceTrackCap]
	}

	now := time.Now().UTC()
	events := make([]collectors.RawEvent, 0, len(sats))
	for _, sat := range sats {
		events = append(events, satToRawEvent("spacetrack", sat, now))
	}
	return events, nil
}

func satToRawEvent(source string, sat celestrakSat, now time.Time) collectors.RawEvent {
	id := fmt.Sprintf("%v", sat.NoradCatID)
	return collectors.RawEvent{
		Source:     source,
		EntityID:   id,
		EntityType: entityType,
		Timestamp:  now,
		Data: map[string]interface{}{
			"norad_id":          id,
			"name":              sat.ObjectName,
			"object_type":       sat.ObjectType,
			"epoch":             sat.Epoch,
			"mean_motion":       sat.MeanMotion,
			"eccentricity":      sat.Eccentricity,
			"inclination":       sat.Inclination,
			"ra_of_asc_node":    sat.RAOfAscNode,
			"arg_of_pericenter": sat.ArgOfPericenter,
			"mean_anomaly":      sat.MeanAnomaly,
			"tle_line1":         sat.TLELine1,
			"tle_line2":         sat.TLELine2,
		},
	}
}

// Transform converts a raw TLE record into a timeline event. Position is a
// coarse estimate from orbital elements, not SGP4 propagation: adequate for
// visualization, not for precise tracking.
func (c *Collector) Transform(raw collectors.RawEvent) (collectors.TimelineEvent, error) {
	data := raw.Data
	lat, lng, alt := estimatePosition(data)

	return collectors.TimelineEvent{
		ID:         collectors.DeterministicID(name, fmt.Sprintf("%v", data["norad_id"])),
		EntityType: entityType,
		Timestamp:  raw.Timestamp,
		Lat:        lat,
		Lng:        lng,
		Altitude:   &alt,
		Properties: map[string]interface{}{
			"norad_id":     data["norad_id"],
			"name":         data["name"],
			"object_type":  data["object_type"],
			"epoch":        data["epoch"],
			"inclination":  data["inclination"],
			"eccentricity": data["eccentricity"],
			"mean_motion":  data["mean_motion"],
			"tle_line1":    data["tle_line1"],
			"tle_line2":    data["tle_line2"],
		},
		Source:       raw.Source,
		QualityScore: qualityscorer.Score(data, entityType, name, raw.Timestamp),
	}, nil
}

func estimatePosition(data map[string]interface{}) (lat, lng, alt float64) {
	inc, _ := data["inclination"].(float64)
	raan, _ := data["ra_of_asc_node"].(float64)
	mm, ok := data["mean_motion"].(float64)
	if !ok || mm <= 0 {
		mm = 15
	}

	lat = inc * 0.5
	lng = math.Mod(raan+(float64(time.Now().UTC().Unix())/86400*360), 360) - 180
	alt = 400000 / (mm / 15)
	return lat, lng, alt
}

// RunOnce runs a single fetch/transform/ingest cycle.
func (c *Collector) RunOnce(ctx context.Context) ([]collectors.TimelineEvent, error) {
	return collectors.RunCycle(ctx, c.Base, c.Fetch, c.Transform)
}
