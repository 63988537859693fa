package status

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/antigravity-dev/metasmith/internal/relay"
)

func newTestRelay(t *testing.T) *relay.Server {
	t.Helper()
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("bash not available")
	}
	dir := t.TempDir()
	rs, err := relay.NewServer(dir)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(rs.Dispose)
	return rs
}

func TestHandleConnectionsEmpty(t *testing.T) {
	rs := newTestRelay(t)
	s := NewServer(":0", rs, nil)

	req := httptest.NewRequest(http.MethodGet, "/relay/connections", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", rec.Code, rec.Body.String())
	}
	if want := `"count":0`; !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("expected %q in body, got %s", want, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	rs := newTestRelay(t)
	s := NewServer(":0", rs, nil)

	req := httptest.NewRequest(http.MethodGet, "/relay/health", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if want := `"healthy":true`; !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("expected %q in body, got %s", want, rec.Body.String())
	}
}

func TestHandleMetricsExposesPrometheusFormat(t *testing.T) {
	rs := newTestRelay(t)
	s := NewServer(":0", rs, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if want := "metasmith_relay_connections"; !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("expected metric name in body, got %s", rec.Body.String())
	}
}
