// Package automonitor runs the 24/7 local+cloud n8n health and drift guard
// described in spec §4.7, grounded on workflow_auto_monitor.py.
package automonitor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/workflows/engine"
)

const (
	defaultHealthInterval = 60 * time.Second
	defaultDriftInterval  = 15 * time.Minute
)

// FailureFunc is invoked (message, context) whenever the local or cloud
// health check fails; a panic inside it is logged, never propagated. Drift
// auto-sync results are only logged and do not invoke it.
type FailureFunc func(message string, context map[string]interface{})

// Status is the snapshot returned by Monitor.Status.
type Status struct {
	Running        bool                   `json:"running"`
	LastHealth     map[string]interface{} `json:"last_health"`
	LastDriftRun   string                 `json:"last_drift_run,omitempty"`
	HealthInterval time.Duration          `json:"health_interval"`
	DriftInterval  time.Duration          `json:"drift_interval"`
}

// Monitor pings a local and a cloud n8n instance independently and runs a
// checksum-based drift detector that triggers a two-sided re-sync, per spec
// §4.7.
type Monitor struct {
	local  *engine.Engine
	cloud  *engine.Engine
	repoFS string // workflows directory to diff against, shared by both engines

	HealthInterval time.Duration
	DriftInterval  time.Duration
	OnFailure      FailureFunc

	logger *logrus.Logger

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	lastHealth   map[string]interface{}
	lastDriftRun time.Time
}

// New constructs a Monitor guarding local and cloud n8n engines, diffing
// repoWorkflowsDir against both.
func New(local, cloud *engine.Engine, repoWorkflowsDir string, log *logrus.Logger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		local: local, cloud: cloud, repoFS: repoWorkflowsDir,
		HealthInterval: defaultHealthInterval,
		DriftInterval:  defaultDriftInterval,
		logger:         log,
	}
}

func (m *Monitor) emitFailure(message string, ctx map[string]interface{}) {
	m.logger.WithField("context", ctx).Warn("workflow auto-monitor: " + message)
	if m.OnFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("panic", r).Error("workflow auto-monitor: on_failure callback panicked")
		}
	}()
	m.OnFailure(message, ctx)
}

// Start launches the health and drift loops. Calling Start twice before
// Stop is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(2)
	go m.healthLoop(loopCtx)
	go m.driftLoop(loopCtx)
	m.logger.WithFields(logrus.Fields{"health_interval": m.HealthInterval, "drift_interval": m.DriftInterval}).Info("workflow auto-monitor: started")
}

// Stop cancels both loops and waits for them to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.logger.Info("workflow auto-monitor: stopped")
}

func (m *Monitor) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runHealthCheck(ctx)
		}
	}
}

func (m *Monitor) runHealthCheck(ctx context.Context) {
	localHealth := m.local.HealthCheck(ctx)
	if !localHealth.Connected {
		m.emitFailure("local n8n health check failed", map[string]interface{}{"error": localHealth.Error, "url": m.local.BaseURL})
	}
	cloudHealth := m.cloud.HealthCheck(ctx)
	if !cloudHealth.Connected {
		m.emitFailure("cloud n8n health check failed", map[string]interface{}{"error": cloudHealth.Error, "url": m.cloud.BaseURL})
	}

	m.mu.Lock()
	m.lastHealth = map[string]interface{}{"local": localHealth, "cloud": cloudHealth}
	m.mu.Unlock()
}

func (m *Monitor) driftLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.DriftInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runDriftCheck(ctx)
		}
	}
}

func (m *Monitor) runDriftCheck(ctx context.Context) {
	repo := repoChecksums(m.repoFS, m.logger)
	local := instanceChecksums(ctx, m.local, m.logger)
	cloud := instanceChecksums(ctx, m.cloud, m.logger)

	if driftDetected(repo, local, cloud) {
		m.logger.Info("workflow auto-monitor: drift detected, running sync-both")
		rLocal := m.local.SyncAllLocalWorkflows(ctx, true)
		rCloud := m.cloud.SyncAllLocalWorkflows(ctx, true)
		m.logger.WithFields(logrus.Fields{
			"local_imported": len(rLocal.Imported), "cloud_imported": len(rCloud.Imported),
		}).Info("workflow auto-monitor: auto-sync complete")
	}

	m.mu.Lock()
	m.lastDriftRun = time.Now().UTC()
	m.mu.Unlock()
}

// repoChecksums maps workflow name -> checksum for every *.json file under
// dir.
func repoChecksums(dir string, log *logrus.Logger) map[string]string {
	out := make(map[string]string)
	if _, err := os.Stat(dir); err != nil {
		return out
	}
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).WithField("file", path).Warn("workflow auto-monitor: could not read workflow file")
			return nil
		}
		var parsed map[string]interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			log.WithError(err).WithField("file", path).Warn("workflow auto-monitor: could not parse workflow file")
			return nil
		}
		name, _ := parsed["name"].(string)
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		out[name] = engine.Checksum(parsed)
		return nil
	})
	return out
}

// instanceChecksums maps workflow name -> checksum for every workflow on a
// live n8n instance.
func instanceChecksums(ctx context.Context, eng *engine.Engine, log *logrus.Logger) map[string]string {
	out := make(map[string]string)
	workflows, err := eng.ListWorkflows(ctx, engine.ListOptions{})
	if err != nil {
		log.WithError(err).Warn("workflow auto-monitor: instance checksums failed")
		return out
	}
	for _, wf := range workflows {
		full, err := eng.GetWorkflow(ctx, wf.ID)
		if err != nil {
			log.WithError(err).WithField("name", wf.Name).Warn("workflow auto-monitor: could not fetch workflow")
			continue
		}
		name, _ := full["name"].(string)
		if name == "" {
			name = wf.Name
		}
		out[name] = engine.Checksum(full)
	}
	return out
}

// driftDetected reports true if repo disagrees with local or cloud for any
// shared name, or if local/cloud have a non-empty workflow absent from
// repo, per spec §4.7.
func driftDetected(repo, local, cloud map[string]string) bool {
	for name, checksum := range repo {
		if local[name] != checksum || cloud[name] != checksum {
			return true
		}
	}
	seen := make(map[string]struct{}, len(local)+len(cloud))
	for name := range local {
		seen[name] = struct{}{}
	}
	for name := range cloud {
		seen[name] = struct{}{}
	}
	for name := range seen {
		if _, inRepo := repo[name]; inRepo {
			continue
		}
		if local[name] != "" || cloud[name] != "" {
			return true
		}
	}
	return false
}

// Status reports the monitor's current running/health/drift state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{
		Running:        m.running,
		LastHealth:     m.lastHealth,
		HealthInterval: m.HealthInterval,
		DriftInterval:  m.DriftInterval,
	}
	if !m.lastDriftRun.IsZero() {
		status.LastDriftRun = m.lastDriftRun.Format(time.RFC3339)
	}
	return status
}
