package influxdb_test

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/config"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/influxdb"
)

// fakeInflux answers the ping and write endpoints of the InfluxDB v2 API
// and records written line protocol.
type fakeInflux struct {
	mu      sync.Mutex
	lines   []string
	queries []string
	fail    bool
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // Test server
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"code":"invalid","message":"bad point"}`) //nolint:errcheck // Test server
			return
		}
		f.queries = append(f.queries, r.URL.RawQuery)
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line != "" {
				f.lines = append(f.lines, line)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func newFake(t *testing.T) (*fakeInflux, config.InfluxDBConfig) {
	t.Helper()
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, config.InfluxDBConfig{
		Enabled:       true,
		URL:           srv.URL,
		Token:         "test-token",
		Org:           "openpeerpower",
		Bucket:        "states",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func connect(t *testing.T, cfg config.InfluxDBConfig) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnect(t *testing.T) {
	_, cfg := newFake(t)
	client := connect(t, cfg)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_Errors(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	tests := []struct {
		name    string
		cfg     config.InfluxDBConfig
		wantErr error
	}{
		{"disabled", config.InfluxDBConfig{Enabled: false}, influxdb.ErrDisabled},
		{"unreachable", config.InfluxDBConfig{Enabled: true, URL: downURL}, influxdb.ErrUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := influxdb.Connect(context.Background(), tt.cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("Connect() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnect_DefaultBatchSettings(t *testing.T) {
	fake, cfg := newFake(t)
	cfg.BatchSize = 0
	cfg.FlushInterval = -5
	client := connect(t, cfg)

	client.WriteState("sensor.x", "sensor", 1, time.Now())
	client.Flush()
	if n := len(fake.written()); n != 1 {
		t.Errorf("wrote %d lines with default batch settings, want 1", n)
	}
}

func TestWriteState(t *testing.T) {
	fake, cfg := newFake(t)
	client := connect(t, cfg)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client.WriteState("sensor.outdoor_temperature", "sensor", 12.5, at)
	client.Flush()

	lines := fake.written()
	if len(lines) != 1 {
		t.Fatalf("wrote %d lines, want 1: %v", len(lines), lines)
	}
	want := "state,domain=sensor,entity_id=sensor.outdoor_temperature value=12.5 " +
		"1772366400000000000"
	if lines[0] != want {
		t.Errorf("line = %q, want %q", lines[0], want)
	}

	fake.mu.Lock()
	query := fake.queries[0]
	fake.mu.Unlock()
	if !strings.Contains(query, "bucket=states") || !strings.Contains(query, "org=openpeerpower") {
		t.Errorf("write query = %q", query)
	}
}

func TestWriteState_DropsNonFinite(t *testing.T) {
	fake, cfg := newFake(t)
	client := connect(t, cfg)

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		client.WriteState("sensor.x", "sensor", v, time.Now())
	}
	client.WriteState("sensor.x", "sensor", 2, time.Now())
	client.Flush()

	if lines := fake.written(); len(lines) != 1 || !strings.Contains(lines[0], "value=2 ") {
		t.Errorf("lines = %v, want only the finite value", lines)
	}
}

func TestWriteErrorCallback(t *testing.T) {
	fake, cfg := newFake(t)
	fake.fail = true
	client := connect(t, cfg)

	errs := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	client.WriteState("sensor.x", "sensor", 1, time.Now())
	client.Flush()

	select {
	case err := <-errs:
		if !errors.Is(err, influxdb.ErrRejected) {
			t.Errorf("callback error = %v, want ErrRejected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write error was not reported")
	}
}

func TestClose(t *testing.T) {
	fake, cfg := newFake(t)
	client, err := influxdb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.WriteState("sensor.x", "sensor", 3, time.Now())
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if n := len(fake.written()); n != 1 {
		t.Errorf("Close() flushed %d lines, want 1", n)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	client.WriteState("sensor.x", "sensor", 4, time.Now())
	client.Flush()
	if n := len(fake.written()); n != 1 {
		t.Errorf("write after Close() reached the server: %d lines", n)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrClosed) {
		t.Errorf("HealthCheck() after Close() = %v, want ErrClosed", err)
	}
}
