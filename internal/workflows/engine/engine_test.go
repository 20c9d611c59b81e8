package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestEngine(t *testing.T, handler http.HandlerFunc) (*Engine, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	base := t.TempDir()
	e := New(server.URL, "test-key", WithPaths(DefaultPaths(base)))
	return e, server
}

func TestCleanWorkflowForAPIWhitelistsAndDefaults(t *testing.T) {
	out := CleanWorkflowForAPI(map[string]interface{}{
		"name":        "",
		"id":          "should-be-dropped",
		"connections": map[string]interface{}{"a": 1},
	})
	if out["name"] != "Unnamed Workflow" {
		t.Fatalf("expected default name, got %v", out["name"])
	}
	if _, ok := out["id"]; ok {
		t.Fatalf("expected id field to be stripped")
	}
	if _, ok := out["nodes"]; !ok {
		t.Fatalf("expected nodes default to be injected")
	}
}

func TestChecksumIsOrderIndependent(t *testing.T) {
	a := Checksum(map[string]interface{}{"name": "wf", "nodes": []interface{}{}})
	b := Checksum(map[string]interface{}{"nodes": []interface{}{}, "name": "wf"})
	if a != b {
		t.Fatalf("expected checksum to be independent of key order")
	}
}

func TestCategorize(t *testing.T) {
	cases := map[string]WorkflowCategory{
		"01_ingest":         CategoryCore,
		"myca-alerting":     CategoryCore,
		"native_device_sync": CategoryNative,
		"ops_proxmox_sync":  CategoryOps,
		"speech_transcribe": CategorySpeech,
		"base_template":     CategoryTemplate,
		"weather_collector": CategoryCustom,
	}
	for name, want := range cases {
		if got := Categorize(name, ""); got != want {
			t.Errorf("Categorize(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestCreateWorkflowSendsCleanedPayloadAndParsesResult(t *testing.T) {
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/workflows" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-N8N-API-KEY") != "test-key" {
			t.Errorf("missing API key header")
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["staticData"]; ok {
			t.Errorf("staticData should be omitted when absent from input")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "wf-1", "name": body["name"]})
	})

	result, err := e.CreateWorkflow(context.Background(), map[string]interface{}{"name": "My Flow"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if result["id"] != "wf-1" {
		t.Fatalf("expected id wf-1, got %v", result["id"])
	}
}

func TestArchiveAndRestoreWorkflowRoundTrips(t *testing.T) {
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/workflows/wf-1":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "wf-1", "name": "My Flow", "nodes": []interface{}{}})
		case r.Method == http.MethodPut && r.URL.Path == "/api/v1/workflows/wf-1":
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "wf-1", "name": body["name"]})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	v1, err := e.ArchiveWorkflow(context.Background(), "wf-1", nil, "manual")
	if err != nil {
		t.Fatalf("ArchiveWorkflow: %v", err)
	}
	if v1.Version != 1 {
		t.Fatalf("expected version 1, got %d", v1.Version)
	}
	if _, err := os.Stat(v1.FilePath); err != nil {
		t.Fatalf("expected archive file to exist: %v", err)
	}

	v2, err := e.ArchiveWorkflow(context.Background(), "wf-1", nil, "manual")
	if err != nil {
		t.Fatalf("ArchiveWorkflow (2nd): %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("expected version to increment to 2, got %d", v2.Version)
	}

	if versions := e.ListVersions("wf-1"); len(versions) != 2 {
		t.Fatalf("expected 2 recorded versions, got %d", len(versions))
	}

	registryPath := filepath.Join(e.paths.RegistryDir, "versions.json")
	if _, err := os.Stat(registryPath); err != nil {
		t.Fatalf("expected registry file to be persisted: %v", err)
	}

	if _, err := e.RestoreWorkflow(context.Background(), "wf-1", 0); err != nil {
		t.Fatalf("RestoreWorkflow: %v", err)
	}
}

func TestImportWorkflowFromFileSkipsExistingServerCopy(t *testing.T) {
	var createCalls int
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/workflows":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []interface{}{map[string]interface{}{"id": "wf-1", "name": "Existing Flow", "active": true}},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/workflows/wf-1":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "wf-1", "name": "Existing Flow", "active": true})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/workflows":
			createCalls++
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "wf-new"})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "existing.json")
	body, _ := json.Marshal(map[string]interface{}{"name": "Existing Flow", "nodes": []interface{}{}})
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	result, skipped, err := e.ImportWorkflowFromFile(context.Background(), path, false)
	if err != nil {
		t.Fatalf("ImportWorkflowFromFile: %v", err)
	}
	if skipped {
		t.Fatalf("expected not skipped (exists, not no-name)")
	}
	if result["id"] != "wf-1" {
		t.Fatalf("expected server copy to win, got %v", result)
	}
	if createCalls != 0 {
		t.Fatalf("expected no create call when workflow already exists, got %d", createCalls)
	}
}

func TestImportWorkflowFromFileSkipsMissingName(t *testing.T) {
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "noname.json")
	_ = os.WriteFile(path, []byte(`{"nodes": []}`), 0o644)

	_, skipped, err := e.ImportWorkflowFromFile(context.Background(), path, false)
	if err != nil {
		t.Fatalf("ImportWorkflowFromFile: %v", err)
	}
	if !skipped {
		t.Fatalf("expected workflow without a name to be skipped")
	}
}

func TestSyncAllLocalWorkflowsActivatesCoreFiles(t *testing.T) {
	var activated []string
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/workflows":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/workflows":
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "wf-core", "name": body["name"]})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/workflows/wf-core/activate":
			activated = append(activated, "wf-core")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "wf-core", "active": true})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	body, _ := json.Marshal(map[string]interface{}{"name": "Core Flow", "nodes": []interface{}{}})
	if err := os.WriteFile(filepath.Join(e.paths.WorkflowsDir, "01_core_flow.json"), body, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	result := e.SyncAllLocalWorkflows(context.Background(), true)
	if len(result.Imported) != 1 {
		t.Fatalf("expected 1 imported, got %d (errors=%v)", len(result.Imported), result.Errors)
	}
	if len(result.Activated) != 1 {
		t.Fatalf("expected 1 activated, got %d", len(result.Activated))
	}
	if len(activated) != 1 {
		t.Fatalf("expected activate endpoint to be called once, got %d", len(activated))
	}
}

func TestHealthCheckReportsUnhealthyOnRequestFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	e := New(server.URL, "test-key", WithPaths(DefaultPaths(t.TempDir())))
	status := e.HealthCheck(context.Background())
	if status.Connected {
		t.Fatalf("expected Connected=false on server error")
	}
	if status.Status != "unhealthy" {
		t.Fatalf("expected status unhealthy, got %s", status.Status)
	}
}
