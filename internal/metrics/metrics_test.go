package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("reading exposition: %v", err)
	}
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()

	m.EventFired("state_changed", "local")
	m.EventFired("state_changed", "local")
	m.ServiceCall("light", "turn_on", "success", 5*time.Millisecond)
	m.QueueOverflow()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetEntities(42)

	out := scrape(t, m)
	want := []string{
		`opp_events_fired_total{event_type="state_changed",origin="local"} 2`,
		`opp_service_calls_total{domain="light",result="success",service="turn_on"} 1`,
		`opp_websocket_queue_overflows_total 1`,
		`opp_websocket_connections 1`,
		`opp_entities 42`,
		`go_goroutines`,
	}
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("exposition missing %q", w)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	m.EventFired("x", "local")
	m.ListenerFailed("x")
	m.SetQueueDepth(3)
	m.StateWrite("changed")
	m.ServiceCall("a", "b", "success", time.Second)
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Message("in")
	m.QueueOverflow()
	m.AuthAttempt("access_token", true)
	m.ObserveHTTP("GET", "/", 200, time.Millisecond)

	if m.Registry() != nil {
		t.Error("Registry() on nil should be nil")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil Handler status = %d, want 404", rec.Code)
	}
}
