package workflowapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/workflows/engine"
)

func setupRouter(t *testing.T, handler http.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	eng := engine.New(server.URL, "test-key", engine.WithPaths(engine.DefaultPaths(t.TempDir())))
	api := New(eng, nil, nil)

	r := gin.New()
	api.Register(&r.RouterGroup)
	return r
}

func TestListWorkflowsProxiesToEngine(t *testing.T) {
	r := setupRouter(t, func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []interface{}{map[string]interface{}{"id": "wf-1", "name": "01_core", "active": true}},
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "wf-1") {
		t.Fatalf("expected body to contain workflow id, got %s", rec.Body.String())
	}
}

func TestCreateWorkflowRequiresName(t *testing.T) {
	r := setupRouter(t, func(w http.ResponseWriter, req *http.Request) {
		t.Errorf("unexpected upstream call")
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", rec.Code)
	}
}

func TestHealthCheckReturns503WhenDisconnected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	eng := engine.New("http://127.0.0.1:1", "key", engine.WithPaths(engine.DefaultPaths(t.TempDir())))
	api := New(eng, nil, nil)
	r := gin.New()
	api.Register(&r.RouterGroup)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for unreachable n8n, got %d", rec.Code)
	}
}

func TestActivateWorkflowRoutesID(t *testing.T) {
	var gotID string
	r := setupRouter(t, func(w http.ResponseWriter, req *http.Request) {
		parts := strings.Split(req.URL.Path, "/")
		gotID = parts[len(parts)-2]
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": gotID, "active": true})
	})

	req := httptest.NewRequest(http.MethodPost, "/wf-42/activate", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotID != "wf-42" {
		t.Fatalf("expected id wf-42 to reach engine, got %s", gotID)
	}
}
