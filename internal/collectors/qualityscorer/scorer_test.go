package qualityscorer

import (
	"testing"
	"time"
)

func TestRecencyBoundaries(t *testing.T) {
	now := time.Now().UTC()

	if got := Recency(now, now, defaultMaxAgeHours); got != 1.0 {
		t.Fatalf("age 0: expected 1.0, got %v", got)
	}

	stale := now.Add(-time.Duration(defaultMaxAgeHours) * time.Hour)
	if got := Recency(stale, now, defaultMaxAgeHours); got != 0.1 {
		t.Fatalf("age == max: expected 0.1, got %v", got)
	}

	future := now.Add(time.Hour)
	if got := Recency(future, now, defaultMaxAgeHours); got != 1.0 {
		t.Fatalf("negative age: expected 1.0, got %v", got)
	}
}

func TestPrecisionBoundaries(t *testing.T) {
	cases := []struct {
		name     string
		lat, lng float64
		want     float64
	}{
		{"six_decimals", 37.123456, -122.654321, 1.0},
		{"four_decimals", 37.1234, -122.6543, 0.9},
		{"two_decimals", 37.12, -122.65, 0.7},
		{"one_decimal", 37.1, -122.6, 0.5},
		{"integer", 37, -122, 0.5},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			lat, lng := c.lat, c.lng
			if got := Precision(&lat, &lng); got != c.want {
				t.Fatalf("expected %v, got %v", c.want, got)
			}
		})
	}
}

func TestPrecisionMissingCoordinates(t *testing.T) {
	if got := Precision(nil, nil); got != 0.5 {
		t.Fatalf("expected 0.5 for missing coords, got %v", got)
	}
}

func TestCompletenessAircraft(t *testing.T) {
	full := map[string]interface{}{"lat": 1.0, "lng": 2.0, "callsign": "UAL1", "altitude": 1000.0}
	if got := Completeness(full, "aircraft"); got != 1.0 {
		t.Fatalf("expected 1.0, got %v", got)
	}

	partial := map[string]interface{}{"lat": 1.0, "lng": 2.0}
	if got := Completeness(partial, "aircraft"); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
}

func TestCompletenessUnknownType(t *testing.T) {
	data := map[string]interface{}{"lat": 1.0, "lng": 2.0}
	if got := Completeness(data, "mystery"); got != 1.0 {
		t.Fatalf("expected 1.0 for lat/lng-only fallback, got %v", got)
	}
}

func TestSourceTrustKnownAndUnknown(t *testing.T) {
	if got := SourceTrust("USGS"); got != 0.98 {
		t.Fatalf("expected case-insensitive match 0.98, got %v", got)
	}
	if got := SourceTrust("some_new_feed"); got != 0.50 {
		t.Fatalf("expected unknown default 0.50, got %v", got)
	}
}

func TestScoreOpenSkyVector(t *testing.T) {
	data := map[string]interface{}{
		"lat":      37.123456,
		"lng":      -122.654321,
		"callsign": "UAL1",
		"altitude": 10000.0,
	}
	got := Score(data, "aircraft", "opensky", time.Now().UTC())
	if got != 0.988 {
		t.Fatalf("expected 0.988, got %v", got)
	}
}

func TestScoreInRange(t *testing.T) {
	data := map[string]interface{}{"lat": 1.0, "lng": 2.0}
	got := Score(data, "unknown_type", "unknown_source", time.Now().Add(-72*time.Hour))
	if got < 0 || got > 1 {
		t.Fatalf("score out of [0,1]: %v", got)
	}
}
