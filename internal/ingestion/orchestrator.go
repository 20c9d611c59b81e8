// Package ingestion coordinates the registered collectors: each runs on its
// own goroutine, guarded by a per-collector circuit breaker, with an audit
// trail of every fetch attempt.
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors"
	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/collectors/breaker"
)

// AuditEntry records one collector action for the audit trail.
type AuditEntry struct {
	Timestamp time.Time
	Collector string
	Action    string
	Details   map[string]interface{}
	Success   bool
}

const defaultMaxAuditEntries = 10000

// AuditLogger is a bounded ring buffer of audit entries.
type AuditLogger struct {
	mu         sync.Mutex
	maxEntries int
	entries    []AuditEntry
}

// NewAuditLogger creates a logger retaining at most maxEntries (defaulting
// to 10000).
func NewAuditLogger(maxEntries int) *AuditLogger {
	if maxEntries <= 0 {
		maxEntries = defaultMaxAuditEntries
	}
	return &AuditLogger{maxEntries: maxEntries}
}

// Log appends an entry, trimming the oldest entries once over capacity.
func (a *AuditLogger) Log(collector, action string, details map[string]interface{}, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, AuditEntry{
		Timestamp: time.Now().UTC(),
		Collector: collector,
		Action:    action,
		Details:   details,
		Success:   success,
	})
	if len(a.entries) > a.maxEntries {
		a.entries = a.entries[len(a.entries)-a.maxEntries:]
	}
}

// Entries returns up to limit entries, most recent last, optionally filtered
// by collector name and/or a minimum timestamp.
func (a *AuditLogger) Entries(collector string, since time.Time, limit int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	filtered := make([]AuditEntry, 0, len(a.entries))
	for _, e := range a.entries {
		if collector != "" && e.Collector != collector {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		filtered = append(filtered, e)
	}
	if limit <= 0 || limit >= len(filtered) {
		return filtered
	}
	return filtered[len(filtered)-limit:]
}

// CollectorStatus reports a registered collector's runtime state alongside
// its circuit breaker state.
type CollectorStatus struct {
	Name         string             `json:"name"`
	EntityType   string             `json:"entity_type"`
	Status       collectors.Status  `json:"status"`
	Stats        collectors.Stats   `json:"stats"`
	CircuitState breaker.State      `json:"circuit_state"`
}

// Orchestrator registers, runs, and monitors the fleet of collectors.
type Orchestrator struct {
	logger *logrus.Logger

	mu         sync.Mutex
	collectors map[string]collectors.Collector
	breakers   map[string]*breaker.Breaker
	running    bool
	wg         sync.WaitGroup
	cancel     context.CancelFunc

	audit *AuditLogger
}

// New constructs an orchestrator with an empty collector set.
func New(log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		logger:     log,
		collectors: make(map[string]collectors.Collector),
		breakers:   make(map[string]*breaker.Breaker),
		audit:      NewAuditLogger(defaultMaxAuditEntries),
	}
}

// Register adds a collector under management, wiring a fresh circuit
// breaker for it. Must be called before Start.
func (o *Orchestrator) Register(c collectors.Collector) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.collectors[c.Name()] = c
	o.breakers[c.Name()] = breaker.New(c.Name(), breaker.DefaultConfig())
	o.logger.WithField("collector", c.Name()).Info("registered collector")
}

// Start initializes every registered collector and launches its polling
// goroutine.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("orchestrator already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true

	names := make([]string, 0, len(o.collectors))
	for name, c := range o.collectors {
		if err := c.Initialize(runCtx); err != nil {
			o.logger.WithError(err).WithField("collector", name).Error("failed to initialize collector")
			continue
		}
		names = append(names, name)

		o.wg.Add(1)
		go func(name string, c collectors.Collector) {
			defer o.wg.Done()
			o.runCollector(runCtx, name, c)
		}(name, c)
		o.logger.WithField("collector", name).Info("started collector")
	}

	o.audit.Log("orchestrator", "start", map[string]interface{}{"collectors": names}, true)
	return nil
}

// Stop signals every collector to stop, waits for their goroutines to exit,
// and runs cleanup.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	collectorsCopy := make(map[string]collectors.Collector, len(o.collectors))
	for k, v := range o.collectors {
		collectorsCopy[k] = v
	}
	o.mu.Unlock()

	for _, c := range collectorsCopy {
		c.Stop()
	}
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	for name, c := range collectorsCopy {
		if err := c.Cleanup(ctx); err != nil {
			o.logger.WithError(err).WithField("collector", name).Warn("cleanup error")
		}
	}

	o.audit.Log("orchestrator", "stop", map[string]interface{}{}, true)
	o.logger.Info("all collectors stopped")
}

// runCollector is the per-collector goroutine body: RunOnce under circuit
// breaker protection, audited, then wait for the poll interval or stop.
func (o *Orchestrator) runCollector(ctx context.Context, name string, c collectors.Collector) {
	br := o.breakerFor(name)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var events []collectors.TimelineEvent
		callErr := br.Call(ctx, func(ctx context.Context) error {
			var err error
			events, err = c.RunOnce(ctx)
			return err
		})

		switch {
		case callErr == breaker.ErrOpen:
			o.audit.Log(name, "fetch", map[string]interface{}{"error": callErr.Error()}, false)
			o.wait(ctx, 10*time.Second)
			continue
		case callErr != nil:
			o.audit.Log(name, "fetch", map[string]interface{}{"error": callErr.Error()}, false)
		default:
			o.audit.Log(name, "fetch", map[string]interface{}{"events": len(events)}, true)
		}

		o.wait(ctx, c.PollInterval())
	}
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) breakerFor(name string) *breaker.Breaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.breakers[name]
}

// Status reports every registered collector's runtime and circuit state.
func (o *Orchestrator) Status() map[string]CollectorStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]CollectorStatus, len(o.collectors))
	for name, c := range o.collectors {
		out[name] = CollectorStatus{
			Name:         name,
			EntityType:   c.EntityType(),
			Status:       c.Status(),
			Stats:        c.Stats(),
			CircuitState: o.breakers[name].State(),
		}
	}
	return out
}

// TriggerFetch runs a single immediate fetch for the named collector,
// bypassing its poll interval (but not its circuit breaker's open state).
func (o *Orchestrator) TriggerFetch(ctx context.Context, name string) (int, error) {
	o.mu.Lock()
	c, ok := o.collectors[name]
	o.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown collector: %s", name)
	}

	var events []collectors.TimelineEvent
	err := o.breakerFor(name).Call(ctx, func(ctx context.Context) error {
		var runErr error
		events, runErr = c.RunOnce(ctx)
		return runErr
	})
	if err != nil {
		o.audit.Log(name, "manual_fetch", map[string]interface{}{"error": err.Error()}, false)
		return 0, err
	}
	o.audit.Log(name, "manual_fetch", map[string]interface{}{"events": len(events)}, true)
	return len(events), nil
}

// AuditLog returns recent audit entries, optionally filtered; a limit of 0
// or less means 100.
func (o *Orchestrator) AuditLog(collector string, since time.Time, limit int) []AuditEntry {
	if limit <= 0 {
		limit = 100
	}
	return o.audit.Entries(collector, since, limit)
}
