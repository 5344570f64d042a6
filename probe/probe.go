// Package probe checks external HTTP endpoints and records their
// reachability as the operational flag of a same-named service.
//
// A target is operational when a GET answers with a status below 400
// within the configured timeout. The service is created on first sight with
// the description "Endpoint: <url>", and its flag is written only when the
// result differs from what is stored.
package probe

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/fleetwatch/aggregator"
	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/logging"
	"github.com/vinayprograms/fleetwatch/telemetry"
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 4

	// MaxTimeout caps a single probe.
	MaxTimeout = 10 * time.Second
)

// ErrInvalidConfig is returned for unusable probe configurations.
var ErrInvalidConfig = stderrors.New("invalid probe config")

// Target is one endpoint and the service it drives.
type Target struct {
	Name string
	URL  string
}

// Description is the text a target's service is created with.
func (t Target) Description() string {
	return "Endpoint: " + t.URL
}

// Config configures a Prober.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	Targets     []Target
}

// Validate fills defaults and checks targets.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout > MaxTimeout {
		c.Timeout = MaxTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if strings.TrimSpace(t.Name) == "" {
			return errors.WrapWithCode(ErrInvalidConfig, errors.ErrCodeInvalidInput, "target name is required")
		}
		if seen[t.Name] {
			return errors.WrapWithCode(ErrInvalidConfig, errors.ErrCodeInvalidInput, "duplicate target "+t.Name)
		}
		seen[t.Name] = true
		u, err := url.Parse(t.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.WrapWithCode(ErrInvalidConfig, errors.ErrCodeInvalidInput, "target "+t.Name+": url must be absolute http(s)")
		}
	}
	return nil
}

// Result is the outcome of probing one target.
type Result struct {
	Target      Target
	ServiceID   string
	StatusCode  int
	Operational bool
	Changed     bool
	Duration    time.Duration

	// Err is the request failure, if any. A failed request is a
	// non-operational result, not a probe error.
	Err error
}

// Prober runs the endpoint checks.
type Prober struct {
	agg     *aggregator.Aggregator
	cfg     Config
	client  *http.Client
	clock   time2.Clock
	metrics *telemetry.Metrics
	log     *logging.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Prober.
type Option func(*Prober)

// WithClient replaces the HTTP client. Its timeout is left alone; each
// request is bounded by Config.Timeout through its context.
func WithClient(c *http.Client) Option {
	return func(p *Prober) {
		if c != nil {
			p.client = c
		}
	}
}

// WithClock sets the clock used for last_check timestamps.
func WithClock(c time2.Clock) Option {
	return func(p *Prober) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithMetrics records probe outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Prober) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.log = l
		}
	}
}

// New creates a prober.
func New(agg *aggregator.Aggregator, cfg Config, opts ...Option) (*Prober, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Prober{
		agg:    agg,
		cfg:    cfg,
		client: &http.Client{},
		clock:  time2.DefaultClock,
		log:    logging.New().WithComponent("probe"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Targets returns the configured targets.
func (p *Prober) Targets() []Target {
	return append([]Target(nil), p.cfg.Targets...)
}

// CheckOnce probes every target, at most Concurrency at a time. Results are
// in target order. The returned error is the first store failure; endpoint
// failures only show up in the results. One target's failure does not cut
// the others short.
func (p *Prober) CheckOnce(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(p.cfg.Targets))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, t := range p.cfg.Targets {
		g.Go(func() error {
			res, err := p.Check(ctx, t)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// Check probes one target and records the outcome on its service. When ctx
// ends during the request nothing is recorded.
func (p *Prober) Check(ctx context.Context, t Target) (Result, error) {
	res := Result{Target: t}

	svc, created, err := p.agg.EnsureService(ctx, t.Name, t.Description(), p.clock.Now())
	if err != nil {
		return res, err
	}
	if created {
		p.log.Info("probe_service_created", map[string]interface{}{
			"service_id": svc.ID,
			"service":    svc.Name,
			"url":        t.URL,
		})
	}
	res.ServiceID = svc.ID

	ctx, span := telemetry.GetTracer().StartProbeSpan(ctx, t.Name)
	start := time.Now()
	res.StatusCode, res.Err = p.get(ctx, t.URL)
	res.Duration = time.Since(start)
	res.Operational = res.Err == nil && res.StatusCode < http.StatusBadRequest
	telemetry.GetTracer().EndProbeSpan(span, telemetry.ProbeSpanOptions{
		URL:         t.URL,
		StatusCode:  res.StatusCode,
		Operational: res.Operational,
	}, res.Err)
	if err := ctx.Err(); err != nil {
		return res, errors.Wrap(err, "check of "+t.Name+" interrupted")
	}
	p.metrics.ObserveProbe(t.Name, res.Operational, res.Duration)

	if svc.IsOperational == res.Operational {
		return res, nil
	}
	if _, err := p.agg.SetOperational(ctx, svc.ID, res.Operational, p.clock.Now()); err != nil {
		return res, err
	}
	res.Changed = true

	fields := map[string]interface{}{
		"service":     t.Name,
		"url":         t.URL,
		"operational": res.Operational,
	}
	if res.StatusCode > 0 {
		fields["status_code"] = res.StatusCode
	}
	if res.Err != nil {
		fields["error"] = res.Err
	}
	p.log.Info("probe_status_changed", fields)
	return res, nil
}

func (p *Prober) get(ctx context.Context, target string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, errors.InvalidInput("bad probe url", errors.WithCause(err))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return 0, errors.Timeout("probe timed out", errors.WithCause(err))
		}
		return 0, errors.Unavailable("probe request failed", errors.WithCause(err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// Start probes immediately and then every interval until ctx is done or
// Stop is called. With no targets it returns without starting.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.Conflict("prober already started")
	}
	if len(p.cfg.Targets) == 0 {
		return nil
	}
	p.started = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	p.log.Info("prober_started", map[string]interface{}{
		"interval": p.cfg.Interval,
		"targets":  len(p.cfg.Targets),
	})
	go p.loop(runCtx)
	return nil
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.CheckOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("probe_round_failed", map[string]interface{}{"error": err})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the loop and waits for the current round, up to ctx.
func (p *Prober) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
		p.log.Info("prober_stopped", nil)
		return nil
	case <-ctx.Done():
		return errors.Timeout("probe round still running after grace period", errors.WithCause(ctx.Err()))
	}
}
