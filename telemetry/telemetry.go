// Package telemetry exports fleetwatch metrics to Prometheus and traces to
// OpenTelemetry.
package telemetry

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vinayprograms/fleetwatch/events"
)

const namespace = "fleetwatch"

// Metrics holds the daemon's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	heartbeats       *prometheus.CounterVec
	heartbeatLatency *prometheus.HistogramVec

	sweeps          *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	sweepFailures   prometheus.Counter
	lastSweep       prometheus.Gauge
	nodes           *prometheus.GaugeVec
	servicesChanged prometheus.Counter
	services        *prometheus.GaugeVec

	transitions *prometheus.CounterVec
	probes      *prometheus.CounterVec
	probeTime   *prometheus.HistogramVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec

	buildInfo *prometheus.GaugeVec
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	start := time.Now()
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats received, by transport and result.",
		}, []string{"transport", "result"}),
		heartbeatLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_duration_seconds",
			Help:      "Time to apply one heartbeat to the store.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"transport"}),

		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Sweeps attempted, by outcome.",
		}, []string{"outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of completed sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_node_failures_total",
			Help:      "Nodes or services a sweep could not evaluate.",
		}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time of the last completed sweep.",
		}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Active nodes by liveness at the last sweep.",
		}, []string{"state"}),
		servicesChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_transitions_total",
			Help:      "Service operational flips caused by sweeps.",
		}),
		services: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services",
			Help:      "Services by operational flag.",
		}, []string{"state"}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Liveness events published, by type.",
		}, []string{"type"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Endpoint probes, by target and result.",
		}, []string{"target", "result"}),
		probeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Endpoint probe latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"target"}),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		}, []string{"route"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}, []string{"route"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		}, []string{"version", "git_sha"}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(start).Seconds() })

	m.registry.MustRegister(
		m.heartbeats, m.heartbeatLatency,
		m.sweeps, m.sweepDuration, m.sweepFailures, m.lastSweep, m.nodes, m.servicesChanged, m.services,
		m.transitions, m.probes, m.probeTime,
		m.requests, m.requestDuration, m.inFlight,
		m.buildInfo, uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup with ldflags-provided values.
func (m *Metrics) SetBuildInfo(version, gitSHA string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ObserveHeartbeat records one heartbeat. result is "created", "updated",
// "rejected", "limited" or "failed".
func (m *Metrics) ObserveHeartbeat(transport, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(transport, result).Inc()
	m.heartbeatLatency.WithLabelValues(transport).Observe(d.Seconds())
}

// SweepObservation is what a completed sweep reports.
type SweepObservation struct {
	Alive           int
	Dead            int
	ServicesChanged int
	Failures        int
	Duration        time.Duration
	At              time.Time
}

// ObserveSweep records a completed sweep.
func (m *Metrics) ObserveSweep(o SweepObservation) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues("completed").Inc()
	m.sweepDuration.Observe(o.Duration.Seconds())
	m.sweepFailures.Add(float64(o.Failures))
	m.servicesChanged.Add(float64(o.ServicesChanged))
	m.nodes.WithLabelValues("alive").Set(float64(o.Alive))
	m.nodes.WithLabelValues("dead").Set(float64(o.Dead))
	m.lastSweep.Set(float64(o.At.Unix()))
}

// ObserveSweepAborted records a sweep that did not complete. reason is
// "lock_held", "lock_error", "store_error" or "canceled".
func (m *Metrics) ObserveSweepAborted(reason string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(reason).Inc()
}

// ObserveServices sets the service gauges.
func (m *Metrics) ObserveServices(operational, nonOperational int) {
	if m == nil {
		return
	}
	m.services.WithLabelValues("operational").Set(float64(operational))
	m.services.WithLabelValues("non_operational").Set(float64(nonOperational))
}

// ObserveProbe records one endpoint probe.
func (m *Metrics) ObserveProbe(target string, operational bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "up"
	if !operational {
		result = "down"
	}
	m.probes.WithLabelValues(target, result).Inc()
	m.probeTime.WithLabelValues(target).Observe(d.Seconds())
}

// Publish counts events by type, so Metrics can sit in an events.Multi.
func (m *Metrics) Publish(_ context.Context, e events.Event) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(e.Type)).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Flush passes through for event streams.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through to the underlying writer for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("telemetry: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Instrument wraps an http.Handler to record metrics under the route label.
//
//	mux.Handle("GET /nodes/", metrics.Instrument("nodes_list", h))
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.inFlight.WithLabelValues(route).Inc()
		defer m.inFlight.WithLabelValues(route).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.requests.WithLabelValues(route, class).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
