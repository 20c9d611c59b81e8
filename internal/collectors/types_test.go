package collectors

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingStore struct{ upserts int }

func (s *countingStore) Upsert(ctx context.Context, events []TimelineEvent) (int, error) {
	s.upserts++
	return len(events), nil
}

func TestDeterministicIDIsStable(t *testing.T) {
	a := DeterministicID("opensky", "abc123")
	b := DeterministicID("opensky", "abc123")
	if a != b {
		t.Fatalf("expected stable id, got %s != %s", a, b)
	}
	if DeterministicID("opensky", "other") == a {
		t.Fatalf("expected distinct ids for distinct names")
	}
}

func TestComputeS2CellStableAndLength(t *testing.T) {
	a := computeS2Cell(37.774929, -122.419416, 14)
	b := computeS2Cell(37.774929, -122.419416, 14)
	if a != b {
		t.Fatalf("expected stable cell id")
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %d (%s)", len(a), a)
	}
}

func TestToUnifiedEntityGeoJSONOrdering(t *testing.T) {
	alt := 1000.0
	event := TimelineEvent{
		ID: "x", EntityType: "aircraft", Timestamp: time.Now(),
		Lat: 37.7, Lng: -122.4, Altitude: &alt, Source: "opensky", QualityScore: 0.9,
	}
	unified := ToUnifiedEntity(event)
	if unified.Geometry.Coordinates[0] != -122.4 || unified.Geometry.Coordinates[1] != 37.7 {
		t.Fatalf("expected [lng, lat] GeoJSON ordering, got %v", unified.Geometry.Coordinates)
	}
	if unified.Geometry.Coordinates[2] != 1000.0 {
		t.Fatalf("expected altitude appended, got %v", unified.Geometry.Coordinates)
	}
}

func TestRunCycleRecordsStatsAndIngests(t *testing.T) {
	store := &countingStore{}
	b := NewBase("test", "aircraft", time.Millisecond, store)

	fetch := func(ctx context.Context) ([]RawEvent, error) {
		return []RawEvent{{Source: "test", EntityID: "1", Data: map[string]interface{}{"lat": 1.0, "lng": 2.0}}}, nil
	}
	transform := func(r RawEvent) (TimelineEvent, error) {
		return TimelineEvent{ID: r.EntityID, Lat: 1.0, Lng: 2.0}, nil
	}

	events, err := RunCycle(context.Background(), b, fetch, transform)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if store.upserts != 1 {
		t.Fatalf("expected store to be called once, got %d", store.upserts)
	}
	if b.Stats().SuccessfulFetches != 1 {
		t.Fatalf("expected 1 successful fetch, got %d", b.Stats().SuccessfulFetches)
	}
}

func TestRunCycleDropsFailedTransformsButSucceeds(t *testing.T) {
	b := NewBase("test", "aircraft", time.Millisecond, nil)
	fetch := func(ctx context.Context) ([]RawEvent, error) {
		return []RawEvent{{EntityID: "1"}, {EntityID: "2"}}, nil
	}
	transform := func(r RawEvent) (TimelineEvent, error) {
		if r.EntityID == "1" {
			return TimelineEvent{}, errors.New("bad record")
		}
		return TimelineEvent{ID: r.EntityID}, nil
	}

	events, err := RunCycle(context.Background(), b, fetch, transform)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 surviving event, got %d", len(events))
	}
}

func TestRunCycleFetchErrorUpdatesStats(t *testing.T) {
	b := NewBase("test", "aircraft", time.Millisecond, nil)
	fetch := func(ctx context.Context) ([]RawEvent, error) { return nil, errors.New("network down") }
	transform := func(r RawEvent) (TimelineEvent, error) { return TimelineEvent{}, nil }

	_, err := RunCycle(context.Background(), b, fetch, transform)
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
	if b.Stats().FailedFetches != 1 {
		t.Fatalf("expected 1 failed fetch recorded, got %d", b.Stats().FailedFetches)
	}
}

func TestRunLoopStopsOnSignal(t *testing.T) {
	b := NewBase("test", "aircraft", time.Hour, nil)
	calls := 0
	runOnce := func(ctx context.Context) ([]TimelineEvent, error) {
		calls++
		return nil, nil
	}

	done := make(chan struct{})
	go func() {
		RunLoop(context.Background(), b, runOnce)
		close(done)
	}()

	// allow the first iteration to run before stopping
	time.Sleep(10 * time.Millisecond)
	b.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunLoop did not exit after Stop")
	}
	if calls == 0 {
		t.Fatalf("expected at least one run before stop")
	}
	if b.Status() != StatusStopped {
		t.Fatalf("expected stopped status, got %s", b.Status())
	}
}

func TestRunLoopGivesUpAfterMaxRetries(t *testing.T) {
	b := NewBase("test", "aircraft", time.Hour, nil)
	b.retry = RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExponentialBase: 2}
	calls := 0
	runOnce := func(ctx context.Context) ([]TimelineEvent, error) {
		calls++
		return nil, errors.New("always fails")
	}

	done := make(chan struct{})
	go func() {
		RunLoop(context.Background(), b, runOnce)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunLoop did not exit after exhausting retries")
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls)
	}
}
