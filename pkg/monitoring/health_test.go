package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	status := hc.CheckHealth()
	if status.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestHealthChecker_DegradedDoesNotOverrideUnhealthy(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("degraded", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	hc.AddCheck("unhealthy", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	status := hc.CheckHealth()
	if status.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", status.Status)
	}
}

func TestHTTPServiceHealthCheck(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer s.Close()
	res := HTTPServiceHealthCheck("svc", s.URL)()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestRedisHealthCheck_NilClient(t *testing.T) {
	res := RedisHealthCheck(nil)()
	if res.Status != "unhealthy" {
		t.Fatalf("expected unhealthy for nil client")
	}
}
