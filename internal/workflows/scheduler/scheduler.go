// Package scheduler runs the three periodic workflow-maintenance loops
// (sync, health, archive) described in spec §4.7, grounded on
// n8n_workflow_engine.py's WorkflowScheduler.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/workflows/engine"
)

const (
	defaultSyncInterval    = 15 * time.Minute
	defaultHealthInterval  = 5 * time.Minute
	defaultArchiveInterval = 24 * time.Hour
)

// Callback receives scheduler events; a panic or error inside it is logged
// and never propagated, per spec §4.7.
type Callback func(data interface{})

// Scheduler runs sync/health/archive loops against a single engine.Engine
// until Stop is called.
type Scheduler struct {
	engine *engine.Engine
	logger *logrus.Logger

	SyncInterval    time.Duration
	HealthInterval  time.Duration
	ArchiveInterval time.Duration

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	callbacks map[string][]Callback
}

// New constructs a Scheduler bound to eng, using spec-default intervals
// unless overridden on the returned value before Start.
func New(eng *engine.Engine, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{
		engine:          eng,
		logger:          log,
		SyncInterval:    defaultSyncInterval,
		HealthInterval:  defaultHealthInterval,
		ArchiveInterval: defaultArchiveInterval,
		callbacks:       map[string][]Callback{"sync_complete": nil, "workflow_failed": nil, "health_check": nil},
	}
}

// On registers a callback for "sync_complete", "workflow_failed", or
// "health_check".
func (s *Scheduler) On(event string, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.callbacks[event]; ok {
		s.callbacks[event] = append(s.callbacks[event], cb)
	}
}

func (s *Scheduler) emit(event string, data interface{}) {
	s.mu.Lock()
	cbs := append([]Callback(nil), s.callbacks[event]...)
	s.mu.Unlock()
	for _, cb := range cbs {
		s.safeInvoke(event, cb, data)
	}
}

func (s *Scheduler) safeInvoke(event string, cb Callback, data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{"event": event, "panic": r}).Error("scheduler: callback panicked")
		}
	}()
	cb(data)
}

// Start runs an initial sync and launches the three background loops.
// Safe to call once; a second call before Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("workflow scheduler: starting")
	result := s.engine.SyncAllLocalWorkflows(loopCtx, true)
	s.logger.WithFields(logrus.Fields{"imported": len(result.Imported), "errors": len(result.Errors)}).Info("workflow scheduler: initial sync complete")
	s.emit("sync_complete", result)

	s.wg.Add(3)
	go s.syncLoop(loopCtx)
	go s.healthLoop(loopCtx)
	go s.archiveLoop(loopCtx)
	s.logger.Info("workflow scheduler: started")
}

func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info("workflow scheduler: running scheduled sync")
			result := s.engine.SyncAllLocalWorkflows(ctx, true)
			s.emit("sync_complete", result)
		}
	}
}

func (s *Scheduler) healthLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health := s.engine.HealthCheck(ctx)
			s.emit("health_check", health)
			if health.RecentFailures > 0 {
				failures, err := s.engine.GetFailedExecutions(ctx, 1)
				if err != nil {
					s.logger.WithError(err).Error("workflow scheduler: health loop could not fetch failures")
					continue
				}
				for _, failure := range failures {
					s.emit("workflow_failed", failure)
				}
			}
		}
	}
}

func (s *Scheduler) archiveLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.ArchiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info("workflow scheduler: running scheduled archive")
			workflows, err := s.engine.ListWorkflows(ctx, engine.ListOptions{})
			if err != nil {
				s.logger.WithError(err).Error("workflow scheduler: archive loop could not list workflows")
				continue
			}
			for _, wf := range workflows {
				if _, err := s.engine.ArchiveWorkflow(ctx, wf.ID, nil, "scheduled backup"); err != nil {
					s.logger.WithError(err).WithField("name", wf.Name).Warn("workflow scheduler: archive failed")
				}
			}
		}
	}
}

// Stop cancels all loops and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("workflow scheduler: stopping")
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("workflow scheduler: stopped")
}
