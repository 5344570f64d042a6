// Package api serves the fleetwatch HTTP interface: heartbeat ingestion,
// node and service administration, on-demand sweeps, event streams and
// Prometheus metrics.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/gorilla/websocket"

	"github.com/vinayprograms/fleetwatch/aggregator"
	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/events"
	"github.com/vinayprograms/fleetwatch/ingest"
	"github.com/vinayprograms/fleetwatch/logging"
	"github.com/vinayprograms/fleetwatch/registry"
	"github.com/vinayprograms/fleetwatch/sweep"
	"github.com/vinayprograms/fleetwatch/telemetry"
	"github.com/vinayprograms/fleetwatch/transport"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 1 << 20

// Handler routes API requests.
type Handler struct {
	reg       *registry.Registry
	agg       *aggregator.Aggregator
	gw        *ingest.Gateway
	sched     *sweep.Scheduler
	broker    *events.Broker
	metrics   *telemetry.Metrics
	clock     time2.Clock
	log       *logging.Logger
	upgrader  *websocket.Upgrader
	keepalive time.Duration

	mux *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithBroker enables the event stream routes.
func WithBroker(b *events.Broker) Option {
	return func(h *Handler) {
		h.broker = b
	}
}

// WithMetrics enables /metrics and per-route instrumentation.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithClock sets the clock used for administrative timestamps.
func WithClock(c time2.Clock) Option {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithCheckOrigin restricts WebSocket origins.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader = transport.NewWebSocketUpgrader(fn)
	}
}

// WithStreamKeepalive sets the SSE keepalive and WebSocket ping interval.
func WithStreamKeepalive(d time.Duration) Option {
	return func(h *Handler) {
		h.keepalive = d
	}
}

// New creates the API handler.
func New(reg *registry.Registry, agg *aggregator.Aggregator, gw *ingest.Gateway, sched *sweep.Scheduler, opts ...Option) *Handler {
	h := &Handler{
		reg:       reg,
		agg:       agg,
		gw:        gw,
		sched:     sched,
		clock:     time2.DefaultClock,
		log:       logging.New().WithComponent("api"),
		upgrader:  transport.NewWebSocketUpgrader(nil),
		keepalive: 30 * time.Second,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.routes()
	return h
}

func (h *Handler) routes() {
	// Heartbeat ingestion.
	h.handle("POST /heartbeat/{$}", h.handleHeartbeat)
	h.handle("POST /nodes/heartbeat/{$}", h.handleHeartbeat)
	h.handle("POST /raw/heartbeat/{$}", h.handleHeartbeat)
	h.handle("POST /nodes/{id}/heartbeat/{$}", h.handleNodeHeartbeat)

	// Nodes.
	h.handle("GET /nodes/{$}", h.handleListNodes)
	h.handle("POST /nodes/{$}", h.handleRegister)
	h.handle("POST /nodes/register/{$}", h.handleRegister)
	h.handle("GET /nodes/active/{$}", h.handleActiveNodes)
	h.handle("GET /nodes/check/{$}", h.handleCheckNodes)
	h.handle("GET /nodes/{id}/{$}", h.handleGetNode)
	h.handle("PATCH /nodes/{id}/{$}", h.handlePatchNode)

	// Services.
	h.handle("GET /services/{$}", h.handleListServices)
	h.handle("POST /services/{$}", h.handleCreateService)
	h.handle("GET /services/check/{$}", h.handleCheckServices)
	h.handle("GET /services/{id}/{$}", h.handleGetService)
	h.handle("POST /services/{id}/update/{$}", h.handleUpdateService)
	h.handle("POST /services/{id}/nodes/{$}", h.handleLinkNode)
	h.handle("DELETE /services/{id}/nodes/{node_id}/{$}", h.handleUnlinkNode)

	h.handle("GET /dashboard/{$}", h.handleDashboard)
	h.handle("POST /sweep/{$}", h.handleSweep)

	h.handle("GET /events/ws", h.handleEventsWS)
	h.handle("GET /events/stream", h.handleEventsSSE)

	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.metrics.Handler())
	}
}

func (h *Handler) handle(pattern string, fn http.HandlerFunc) {
	h.mux.Handle(pattern, h.metrics.Instrument(pattern, fn))
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- responses ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Status string            `json:"status,omitempty"`
	Error  string            `json:"error"`
	Code   string            `json:"code,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// writeError renders err with the status its code maps to. Internal errors
// are logged and reported generically.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request_failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   errors.Code(err),
			"error":  err,
		})
	}
	writeJSON(w, status, errorBody{
		Error:  errors.PublicMessage(err),
		Code:   string(errors.Code(err)),
		Fields: errors.Fields(err),
	})
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.InvalidInput("request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.InvalidInput("invalid JSON body", errors.WithCause(err))
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return nil, errors.InvalidInput("request body too large or unreadable", errors.WithCause(err))
	}
	return body, nil
}
