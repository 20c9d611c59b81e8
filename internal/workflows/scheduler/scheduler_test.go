package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/workflows/engine"
)

func newTestScheduler(t *testing.T, handler http.HandlerFunc) *Scheduler {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	eng := engine.New(server.URL, "test-key", engine.WithPaths(engine.DefaultPaths(t.TempDir())))
	return New(eng, nil)
}

func TestStartRunsInitialSyncAndEmitsOnTick(t *testing.T) {
	var syncCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/workflows":
			atomic.AddInt32(&syncCalls, 1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
		default:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
		}
	}))
	t.Cleanup(server.Close)
	paths := engine.DefaultPaths(t.TempDir())
	eng := engine.New(server.URL, "test-key", engine.WithPaths(paths))
	// A local workflow file makes every sync look its name up on the server.
	body, _ := json.Marshal(map[string]interface{}{"name": "Flow", "nodes": []interface{}{}})
	if err := os.WriteFile(filepath.Join(paths.WorkflowsDir, "flow.json"), body, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	s := New(eng, nil)
	s.SyncInterval = 20 * time.Millisecond
	s.HealthInterval = time.Hour
	s.ArchiveInterval = time.Hour

	var gotSyncComplete int32
	s.On("sync_complete", func(data interface{}) {
		atomic.AddInt32(&gotSyncComplete, 1)
	})

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&gotSyncComplete) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&gotSyncComplete) == 0 {
		t.Fatalf("expected at least one sync_complete callback")
	}
	if atomic.LoadInt32(&syncCalls) < 2 {
		t.Fatalf("expected at least 2 sync calls (initial + scheduled), got %d", syncCalls)
	}
}

func TestStopIsCleanAndIdempotent(t *testing.T) {
	s := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	})
	s.SyncInterval = time.Hour
	s.HealthInterval = time.Hour
	s.ArchiveInterval = time.Hour

	s.Start(context.Background())
	s.Stop()
	s.Stop() // idempotent
}

func TestCallbackPanicIsIsolated(t *testing.T) {
	s := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	})
	s.SyncInterval = 20 * time.Millisecond
	s.HealthInterval = time.Hour
	s.ArchiveInterval = time.Hour

	var secondCalled int32
	s.On("sync_complete", func(data interface{}) {
		panic("boom")
	})
	s.On("sync_complete", func(data interface{}) {
		atomic.AddInt32(&secondCalled, 1)
	})

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&secondCalled) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&secondCalled) == 0 {
		t.Fatalf("expected second callback to still run after first panicked")
	}
}
