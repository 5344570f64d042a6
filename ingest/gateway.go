// Package ingest accepts heartbeats from any transport and applies them to
// the node registry.
package ingest

import (
	"context"
	"time"

	"github.com/dropbox/godropbox/time2"

	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/heartbeat"
	"github.com/vinayprograms/fleetwatch/logging"
	"github.com/vinayprograms/fleetwatch/ratelimit"
	"github.com/vinayprograms/fleetwatch/registry"
	"github.com/vinayprograms/fleetwatch/telemetry"
)

// Transport labels for metrics and spans.
const (
	TransportHTTP   = "http"
	TransportBus    = "nats"
	TransportDirect = "direct"
)

// RecordedMessage is the human-readable message on accepted heartbeats.
const RecordedMessage = "Heartbeat recorded"

// Result is the outcome of one accepted heartbeat.
type Result struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`
	Created  bool   `json:"created"`
}

type transportKey struct{}

// WithTransport tags ctx with the transport a heartbeat arrived on.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

func transportFrom(ctx context.Context) string {
	if t, ok := ctx.Value(transportKey{}).(string); ok && t != "" {
		return t
	}
	return TransportDirect
}

// Gateway validates heartbeats and hands them to the registry.
type Gateway struct {
	reg     *registry.Registry
	clock   time2.Clock
	limiter ratelimit.Limiter
	metrics *telemetry.Metrics
	log     *logging.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock sets the clock used to stamp heartbeats.
func WithClock(c time2.Clock) Option {
	return func(g *Gateway) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithLimiter enables per-IP rate limiting.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(g *Gateway) {
		g.limiter = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// New creates a gateway in front of reg.
func New(reg *registry.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		reg:   reg,
		clock: time2.DefaultClock,
		log:   logging.New().WithComponent("ingest"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HandleRaw decodes body and applies it.
func (g *Gateway) HandleRaw(ctx context.Context, body []byte) (*Result, error) {
	p, err := heartbeat.Decode(body)
	if err != nil {
		g.observe(ctx, resultRejected, g.clock.Now())
		return nil, err
	}
	return g.Handle(ctx, p)
}

// Handle applies a structured heartbeat keyed by IP address. A missing IP
// fails with INVALID_INPUT and touches nothing.
func (g *Gateway) Handle(ctx context.Context, p heartbeat.Payload) (*Result, error) {
	return g.handle(ctx, p, true)
}

// handle applies p; limit is false when the caller already charged the
// limiter for this heartbeat.
func (g *Gateway) handle(ctx context.Context, p heartbeat.Payload, limit bool) (res *Result, err error) {
	start := g.clock.Now()
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartHeartbeatSpan(ctx, transportFrom(ctx))
	opts := telemetry.HeartbeatSpanOptions{IPAddress: p.IPAddress}
	defer func() {
		if res != nil {
			opts.NodeID = res.NodeID
			opts.Created = res.Created
		}
		tracer.EndHeartbeatSpan(span, opts, err)
		g.observe(ctx, outcome(res, err), start)
	}()
	if tracer.Debug() {
		if data, merr := p.Marshal(); merr == nil {
			opts.Payload = string(data)
		}
	}

	if p.IPAddress == "" {
		return nil, errors.InvalidInput("ip_address is required", errors.WithField("ip_address", "This field is required."))
	}
	if limit {
		if err = g.allow(p.IPAddress); err != nil {
			return nil, err
		}
	}

	n, created, err := g.reg.UpsertByIP(ctx, registry.Refresh{
		IP:      p.IPAddress,
		Name:    p.Name,
		Metrics: toRegistry(p.Metrics),
	}, g.clock.Now())
	if err != nil {
		g.logFailure(p.IPAddress, "", err)
		return nil, err
	}
	return &Result{
		Status:   heartbeat.StatusSuccess,
		NodeID:   n.ID,
		NodeName: n.Name,
		Created:  created,
	}, nil
}

// HandleForNode applies a heartbeat addressed to a node ID. When the ID is
// unknown and the body names an IP address, it falls back to Handle. An
// empty body is a bare liveness ping.
func (g *Gateway) HandleForNode(ctx context.Context, id string, body []byte) (*Result, error) {
	var p heartbeat.Payload
	if len(body) > 0 {
		decoded, err := heartbeat.Decode(body)
		if err != nil {
			g.observe(ctx, resultRejected, g.clock.Now())
			return nil, err
		}
		p = decoded
	}

	start := g.clock.Now()
	key := p.IPAddress
	if key == "" {
		key = id
	}
	if err := g.allow(key); err != nil {
		g.observe(ctx, resultLimited, start)
		return nil, err
	}

	n, err := g.reg.UpsertByID(ctx, id, toRegistry(p.Metrics), g.clock.Now())
	if err == nil {
		g.observe(ctx, resultUpdated, start)
		return &Result{Status: heartbeat.StatusRecorded, NodeID: n.ID, NodeName: n.Name}, nil
	}
	if !errors.Is(err, errors.ErrCodeNotFound) || p.IPAddress == "" {
		g.logFailure(p.IPAddress, id, err)
		g.observe(ctx, outcome(nil, err), start)
		return nil, err
	}

	res, err := g.handle(ctx, p, false)
	if err != nil {
		return nil, err
	}
	res.Status = heartbeat.StatusRecorded
	return res, nil
}

func (g *Gateway) allow(key string) error {
	if g.limiter == nil || g.limiter.Allow(key) {
		return nil
	}
	return errors.RateLimited("too many heartbeats from " + key)
}

func (g *Gateway) logFailure(ip, id string, err error) {
	fields := map[string]interface{}{
		"code":  errors.Code(err),
		"error": err,
	}
	if ip != "" {
		fields["ip_address"] = ip
	}
	if id != "" {
		fields["node_id"] = id
	}
	if errors.IsRetryable(err) {
		g.log.Warn("heartbeat_failed", fields)
		return
	}
	g.log.Debug("heartbeat_rejected", fields)
}

const (
	resultCreated  = "created"
	resultUpdated  = "updated"
	resultRejected = "rejected"
	resultLimited  = "limited"
	resultFailed   = "failed"
)

func outcome(res *Result, err error) string {
	switch {
	case err == nil && res != nil && res.Created:
		return resultCreated
	case err == nil:
		return resultUpdated
	case errors.Is(err, errors.ErrCodeRateLimit):
		return resultLimited
	case errors.Is(err, errors.ErrCodeInvalidInput), errors.Is(err, errors.ErrCodeNotFound):
		return resultRejected
	default:
		return resultFailed
	}
}

func (g *Gateway) observe(ctx context.Context, result string, start time.Time) {
	g.metrics.ObserveHeartbeat(transportFrom(ctx), result, g.clock.Now().Sub(start))
}

func toRegistry(m *heartbeat.Metrics) *registry.Metrics {
	if m.Empty() {
		return nil
	}
	out := registry.Metrics(*m)
	return &out
}

// Response renders a gateway outcome in the heartbeat wire format.
func Response(res *Result, err error) heartbeat.Response {
	if err != nil {
		return heartbeat.Response{
			Status: heartbeat.StatusError,
			Error:  errors.PublicMessage(err),
		}
	}
	return heartbeat.Response{
		Status:   res.Status,
		Message:  RecordedMessage,
		NodeID:   res.NodeID,
		NodeName: res.NodeName,
		Created:  res.Created,
	}
}
