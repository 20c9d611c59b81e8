// Package collectors defines the shared polling contract implemented by
// every concrete data source (OpenSky, USGS, NORAD, AIS, NOAA): fetch raw
// records from an external API, transform them into normalized timeline
// events, and upsert them into the spatial store.
package collectors

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RawEvent is the unprocessed output of a collector's Fetch step.
type RawEvent struct {
	Source     string
	EntityID   string
	EntityType string
	Timestamp  time.Time
	Data       map[string]interface{}
	Raw        interface{}
}

// TimelineEvent is the normalized record persisted to the spatial store and
// published to the pub/sub bus.
type TimelineEvent struct {
	ID           string
	EntityType   string
	Timestamp    time.Time
	Lat          float64
	Lng          float64
	Altitude     *float64
	Properties   map[string]interface{}
	Source       string
	QualityScore float64
}

// UnifiedEntity is the wire envelope emitted to subscribers.
type UnifiedEntity struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Geometry   Geometry               `json:"geometry"`
	State      map[string]interface{} `json:"state"`
	Time       TimeWindow             `json:"time"`
	Confidence float64                `json:"confidence"`
	Source     string                 `json:"source"`
	Properties map[string]interface{} `json:"properties"`
	S2Cell     string                 `json:"s2_cell"`
}

// Geometry is a minimal GeoJSON Point.
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// TimeWindow carries the observation and validity instants.
type TimeWindow struct {
	ObservedAt string `json:"observed_at"`
	ValidFrom  string `json:"valid_from"`
}

// Stats holds per-collector runtime counters.
type Stats struct {
	TotalFetches       int
	SuccessfulFetches  int
	FailedFetches      int
	TotalEvents        int
	LastFetchTime      time.Time
	LastError          string
	LastErrorTime      time.Time
	AvgFetchDurationMs float64
}

// RetryConfig bounds the standalone retry loop in RunLoop.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

// DefaultRetryConfig matches the reference implementation's constants.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Status mirrors the reference CollectorStatus enum.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// Ingester upserts timeline events into the spatial store. Implemented by
// internal/spatialstore.Store; accepted as an interface here so collectors
// stay independent of the storage package.
type Ingester interface {
	Upsert(ctx context.Context, events []TimelineEvent) (int, error)
}

// Collector is the uniform contract every concrete data source implements.
type Collector interface {
	Name() string
	EntityType() string
	PollInterval() time.Duration
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Fetch(ctx context.Context) ([]RawEvent, error)
	Transform(raw RawEvent) (TimelineEvent, error)
	RunOnce(ctx context.Context) ([]TimelineEvent, error)
	Stop()
	Stats() Stats
	Status() Status
}

// Base provides the shared stats/retry/stop-signal machinery described in
// the spec's §4.1; concrete collectors embed it and supply Fetch/Transform.
type Base struct {
	name         string
	entityType   string
	pollInterval time.Duration
	retry        RetryConfig
	store        Ingester

	mu     sync.Mutex
	status Status
	stats  Stats

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewBase constructs the shared collector state. Concrete collectors call
// this from their own constructor.
func NewBase(name, entityType string, pollInterval time.Duration, store Ingester) *Base {
	return &Base{
		name:         name,
		entityType:   entityType,
		pollInterval: pollInterval,
		retry:        DefaultRetryConfig(),
		store:        store,
		status:       StatusIdle,
		stopCh:       make(chan struct{}),
	}
}

func (b *Base) Name() string                 { return b.name }
func (b *Base) EntityType() string           { return b.entityType }
func (b *Base) PollInterval() time.Duration  { return b.pollInterval }

// Stop signals RunLoop (and orchestrator-driven callers honoring StopCh) to
// exit at the next suspension point. Idempotent.
func (b *Base) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// StopCh exposes the stop signal for orchestrator-driven polling loops.
func (b *Base) StopCh() <-chan struct{} { return b.stopCh }

func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Base) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *Base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// computeS2Cell produces the deterministic 16-hex-char spatial sharding key
// described in the spec: not true S2, a reproducible hash fallback.
func computeS2Cell(lat, lng float64, level int) string {
	if level <= 0 {
		level = 14
	}
	precision := level / 2
	if precision < 1 {
		precision = 1
	}
	roundTo := func(v float64, places int) float64 {
		mult := math.Pow(10, float64(places))
		return math.Round(v*mult) / mult
	}
	key := fmt.Sprintf("%v:%v:%d", roundTo(lat, precision), roundTo(lng, precision), level)
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// DeterministicID computes the uuidv5-equivalent id the spec requires:
// uuid.NewSHA1 with the DNS namespace produces an RFC 4122 version-5 UUID,
// matching Python's uuid.uuid5(uuid.NAMESPACE_DNS, name).
func DeterministicID(source, externalID string) string {
	name := fmt.Sprintf("%s:%s", source, externalID)
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String()
}

// ToUnifiedEntity projects a TimelineEvent into its wire representation.
func ToUnifiedEntity(event TimelineEvent) UnifiedEntity {
	observedAt := event.Timestamp.UTC().Format(time.RFC3339)
	coords := []float64{event.Lng, event.Lat}
	if event.Altitude != nil {
		coords = append(coords, *event.Altitude)
	}

	var classification interface{}
	if event.Properties != nil {
		classification = event.Properties["classification"]
	}

	return UnifiedEntity{
		ID:   event.ID,
		Type: event.EntityType,
		Geometry: Geometry{
			Type:        "Point",
			Coordinates: coords,
		},
		State: map[string]interface{}{
			"altitude":       event.Altitude,
			"classification": classification,
		},
		Time: TimeWindow{
			ObservedAt: observedAt,
			ValidFrom:  observedAt,
		},
		Confidence: event.QualityScore,
		Source:     event.Source,
		Properties: event.Properties,
		S2Cell:     computeS2Cell(event.Lat, event.Lng, 14),
	}
}

// RunCycle runs one fetch/transform/ingest pass, updates shared stats, and
// returns the successfully transformed events. It is the body shared by
// RunOnce implementations in every concrete collector.
func RunCycle(ctx context.Context, b *Base, fetch func(context.Context) ([]RawEvent, error), transform func(RawEvent) (TimelineEvent, error)) ([]TimelineEvent, error) {
	start := time.Now()

	raw, err := fetch(ctx)
	if err != nil {
		b.mu.Lock()
		b.stats.FailedFetches++
		b.stats.LastError = err.Error()
		b.stats.LastErrorTime = time.Now().UTC()
		b.mu.Unlock()
		return nil, fmt.Errorf("%s fetch: %w", b.name, err)
	}

	events := make([]TimelineEvent, 0, len(raw))
	for _, r := range raw {
		event, terr := transform(r)
		if terr != nil {
			continue // transform failures drop the record and continue, per spec §4.1
		}
		events = append(events, event)
	}

	if b.store != nil {
		if _, ierr := b.store.Upsert(ctx, events); ierr != nil {
			// ingest failures are logged by the store and swallowed here: the
			// cycle still counts as successful in stats, per spec §4.1/§9.
			_ = ierr
		}
	}

	durationMs := float64(time.Since(start).Microseconds()) / 1000.0

	b.mu.Lock()
	b.stats.TotalFetches++
	b.stats.SuccessfulFetches++
	b.stats.TotalEvents += len(events)
	b.stats.LastFetchTime = time.Now().UTC()
	n := float64(b.stats.TotalFetches)
	b.stats.AvgFetchDurationMs = (b.stats.AvgFetchDurationMs*(n-1) + durationMs) / n
	b.mu.Unlock()

	return events, nil
}

// RunLoop is the collector's standalone entrypoint: an outer retry loop with
// exponential backoff, independent of any orchestrator. When run under the
// Ingestion Orchestrator, RunOnce is called directly under a circuit
// breaker instead and this loop is not used (see internal/ingestion).
func RunLoop(ctx context.Context, b *Base, runOnce func(context.Context) ([]TimelineEvent, error)) {
	b.setStatus(StatusRunning)
	defer b.setStatus(StatusStopped)

	retryCount := 0
	retryDelay := b.retry.InitialDelay

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		_, err := runOnce(ctx)
		if err != nil {
			b.setStatus(StatusError)
			retryCount++
			if retryCount >= b.retry.MaxRetries {
				return
			}
			select {
			case <-time.After(retryDelay):
			case <-b.stopCh:
				return
			case <-ctx.Done():
				return
			}
			retryDelay = time.Duration(math.Min(
				float64(retryDelay)*b.retry.ExponentialBase,
				float64(b.retry.MaxDelay),
			))
			continue
		}

		retryCount = 0
		retryDelay = b.retry.InitialDelay
		b.setStatus(StatusRunning)

		select {
		case <-time.After(b.pollInterval):
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
