package automonitor

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

	"github.com/sirupsen/logrus"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/workflows/engine"
)

func newHealthyEngine(t *testing.T) (*engine.Engine, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	t.Cleanup(server.Close)
	return engine.New(server.URL, "key", engine.WithPaths(engine.DefaultPaths(t.TempDir()))), server
}

func TestHealthLoopReportsFailureForDownInstance(t *testing.T) {
	healthy, _ := newHealthyEngine(t)
	down := engine.New("http://127.0.0.1:1", "key", engine.WithPaths(engine.DefaultPaths(t.TempDir())))
	down.BaseURL = "http://127.0.0.1:1" // unroutable, forces a request error

	repoDir := t.TempDir()
	m := New(down, healthy, repoDir, nil)
	m.HealthInterval = 20 * time.Millisecond
	m.DriftInterval = time.Hour

	var failures int32
	m.OnFailure = func(message string, ctx map[string]interface{}) {
		atomic.AddInt32(&failures, 1)
	}

	m.Start(context.Background())
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&failures) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&failures) == 0 {
		t.Fatalf("expected on_failure to be invoked for the unreachable instance")
	}
}

func TestDriftDetectedWhenRepoDisagreesWithInstances(t *testing.T) {
	repo := map[string]string{"a": "csum-a", "b": "csum-b"}
	local := map[string]string{"a": "csum-a", "b": "csum-b"}
	cloud := map[string]string{"a": "csum-a", "b": "stale"}
	if !driftDetected(repo, local, cloud) {
		t.Fatalf("expected drift when cloud checksum disagrees with repo")
	}
}

func TestDriftDetectedWhenInstanceHasExtraWorkflow(t *testing.T) {
	repo := map[string]string{"a": "csum-a"}
	local := map[string]string{"a": "csum-a", "extra": "csum-extra"}
	cloud := map[string]string{"a": "csum-a"}
	if !driftDetected(repo, local, cloud) {
		t.Fatalf("expected drift when local has a workflow absent from repo")
	}
}

func TestNoDriftWhenAllAgree(t *testing.T) {
	repo := map[string]string{"a": "csum-a"}
	local := map[string]string{"a": "csum-a"}
	cloud := map[string]string{"a": "csum-a"}
	if driftDetected(repo, local, cloud) {
		t.Fatalf("expected no drift when repo/local/cloud agree")
	}
}

func TestRepoChecksumsSkipsUnparsableFiles(t *testing.T) {
	dir := t.TempDir()
	good, _ := json.Marshal(map[string]interface{}{"name": "Good Flow", "nodes": []interface{}{}})
	if err := os.WriteFile(filepath.Join(dir, "good.json"), good, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	out := repoChecksums(dir, logrus.StandardLogger())
	if _, ok := out["Good Flow"]; !ok {
		t.Fatalf("expected Good Flow to be checksummed, got %v", out)
	}
	if len(out) != 1 {
		t.Fatalf("expected bad.json to be skipped, got %d entries", len(out))
	}
}
