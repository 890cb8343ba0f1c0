package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(&buf, "info", "json")
	if err != nil {
		t.Fatal(err)
	}
	log.Info("gateway.test", "k", "v")
	log.Debug("gateway.hidden")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output not json: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "gateway.test" || entry["k"] != "v" {
		t.Errorf("entry = %v", entry)
	}
	if strings.Contains(buf.String(), "gateway.hidden") {
		t.Error("debug line emitted at info level")
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(&bytes.Buffer{}, "loud", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.RunsStarted.Inc()
	m.RunsCompleted.WithLabelValues("completed").Inc()
	m.SecurityBlocked.WithLabelValues("rate_limited").Add(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"agentgate_runs_started_total 1",
		`agentgate_runs_completed_total{status="completed"} 1`,
		`agentgate_security_blocked_total{reason="rate_limited"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetricsHealthInstruments(t *testing.T) {
	m := NewMetrics()
	m.BusDropped.Inc()
	m.BusSubscribers.Set(3)
	m.RateLimitDenied.Inc()
	m.ApprovalLatency.Observe(2.5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"agentgate_bus_dropped_total 1",
		"agentgate_bus_subscribers 3",
		"agentgate_ratelimit_denied_total 1",
		"agentgate_approval_latency_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetricsIndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := NewMetrics()
	b := NewMetrics()
	a.RunsStarted.Inc()
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(rec.Body.String(), "agentgate_runs_started_total 1") {
		t.Error("registries shared state")
	}
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown: %v", err)
	}
}

func TestSetupTracingRejectsUnknownProtocol(t *testing.T) {
	_, err := SetupTracing(context.Background(), config.TelemetryConfig{
		Enabled: true, Protocol: "carrier-pigeon",
	})
	if err == nil {
		t.Error("expected error for unknown protocol")
	}
}
