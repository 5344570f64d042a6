package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vinayprograms/fleetwatch/events"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	// Should not panic
	m.ObserveHeartbeat("http", "created", time.Millisecond)
	m.ObserveSweep(SweepObservation{Alive: 1})
	m.ObserveSweepAborted("lock_held")
	m.ObserveServices(1, 2)
	m.ObserveProbe("api", true, time.Millisecond)
	m.Publish(context.Background(), events.Event{Type: events.NodeDown})
	m.SetBuildInfo("dev", "abc")

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if got := m.Instrument("x", h); got == nil {
		t.Error("Instrument(nil metrics) returned nil handler")
	}
}

func TestObserveSweep(t *testing.T) {
	m := NewMetrics()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	m.ObserveSweep(SweepObservation{Alive: 3, Dead: 2, ServicesChanged: 1, Failures: 4, Duration: 20 * time.Millisecond, At: at})
	m.ObserveSweepAborted("lock_held")

	if got := testutil.ToFloat64(m.nodes.WithLabelValues("alive")); got != 3 {
		t.Errorf("nodes{alive} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.nodes.WithLabelValues("dead")); got != 2 {
		t.Errorf("nodes{dead} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.sweepFailures); got != 4 {
		t.Errorf("sweep failures = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.lastSweep); got != float64(at.Unix()) {
		t.Errorf("last sweep = %v, want %v", got, at.Unix())
	}
	if got := testutil.ToFloat64(m.sweeps.WithLabelValues("completed")); got != 1 {
		t.Errorf("sweeps{completed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sweeps.WithLabelValues("lock_held")); got != 1 {
		t.Errorf("sweeps{lock_held} = %v, want 1", got)
	}
}

func TestPublishCountsEvents(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()
	m.Publish(ctx, events.Event{Type: events.NodeDown})
	m.Publish(ctx, events.Event{Type: events.NodeDown})
	m.Publish(ctx, events.Event{Type: events.NodeRecovered})

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("node_down")); got != 2 {
		t.Errorf("events{node_down} = %v, want 2", got)
	}
}

func TestInstrument(t *testing.T) {
	m := NewMetrics()
	h := m.Instrument("nodes_check", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nodes/check/", nil))
	}

	if got := testutil.ToFloat64(m.requests.WithLabelValues("nodes_check", "4xx")); got != 2 {
		t.Errorf("requests{nodes_check,4xx} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.inFlight.WithLabelValues("nodes_check")); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.ObserveHeartbeat("http", "created", 3*time.Millisecond)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`fleetwatch_heartbeats_total{result="created",transport="http"} 1`,
		"fleetwatch_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestStdoutProvider(t *testing.T) {
	var buf bytes.Buffer
	p, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName: "fleetwatch-test",
		Exporter:    ExporterStdout,
		Writer:      &buf,
	})
	if err != nil {
		t.Fatalf("InitProvider() error = %v", err)
	}
	defer SetGlobalTracer(nil)

	_, span := p.Tracer().StartSweepSpan(context.Background())
	p.Tracer().EndSweepSpan(span, SweepSpanOptions{Nodes: 2, Alive: 1, Dead: 1}, errors.New("boom"))

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"sweep"`) {
		t.Errorf("stdout export missing sweep span: %s", out)
	}
	if !strings.Contains(out, "sweep.dead") {
		t.Errorf("stdout export missing attributes: %s", out)
	}
}

func TestInitProvider_Errors(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{Exporter: ExporterOTLPGRPC}); err == nil {
		t.Error("expected error without endpoint")
	}
	if _, err := InitProvider(context.Background(), ProviderConfig{Exporter: "carrier-pigeon", Endpoint: "x:1"}); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestGetTracerDefaultsToNoop(t *testing.T) {
	SetGlobalTracer(nil)
	_, span := GetTracer().StartHeartbeatSpan(context.Background(), "http")
	GetTracer().EndHeartbeatSpan(span, HeartbeatSpanOptions{NodeID: "n1"}, nil)
	if span.SpanContext().IsValid() {
		t.Error("noop tracer produced a valid span context")
	}
}
