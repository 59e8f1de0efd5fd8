package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/gndimport/internal/config"
	"github.com/JonMunkholm/gndimport/internal/importer"
	"github.com/JonMunkholm/gndimport/internal/store"
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestReadyz(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		env := newTestEnv(t, testConfig())
		rec := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp healthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Imports == nil || resp.Imports.MaxConcurrent != 2 {
			t.Errorf("imports = %+v, want limiter status", resp.Imports)
		}
	})

	t.Run("store down", func(t *testing.T) {
		im := importer.New(store.NewMemory(), importer.Options{})
		s := NewServer(testConfig(), im, failingPinger{})
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "connection refused") {
			t.Error("readiness body leaks store error")
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.post(t, "/api/import-csv",
		part{name: "project", body: "P1"},
		part{name: "layer", body: "L1"},
		part{name: "file", fileName: "a.csv", body: "lat,lng\n1,2\n"},
	)

	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gndimport_imports_total") {
		t.Error("metrics output missing gndimport_imports_total")
	}
}

func TestRateLimiter(t *testing.T) {
	s := &Server{}
	rl := s.newRateLimiter(2, time.Minute)
	defer rl.stop()

	if !rl.allow("1.1.1.1") || !rl.allow("1.1.1.1") {
		t.Fatal("first two requests should pass")
	}
	if rl.allow("1.1.1.1") {
		t.Error("third request should be limited")
	}
	if !rl.allow("2.2.2.2") {
		t.Error("other client should not be limited")
	}
}

func TestRateLimiter_UploadRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.Rate = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 100, UploadLimit: 1}
	env := newTestEnv(t, cfg)

	parts := []part{
		{name: "project", body: "P1"},
		{name: "layer", body: "L1"},
		{name: "file", fileName: "a.csv", body: "lat,lng\n1,2\n"},
	}
	if rec := env.post(t, "/api/import-csv", parts...); rec.Code != http.StatusOK {
		t.Fatalf("first import status = %d, want 200", rec.Code)
	}
	rec := env.post(t, "/api/import-csv", parts...)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second import status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
}
