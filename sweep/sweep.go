// Package sweep runs the periodic liveness pass over active nodes.
//
// A sweep lists active nodes, evaluates each against the failure threshold,
// compares with the verdict from the previous sweep and recomputes every
// service that a dead, changed or newly seen node belongs to. Services whose
// recompute failed or was never reached carry over to the next sweep.
//
// Sweeps never overlap: a process-local semaphore serializes them, and an
// optional store.Locker extends that across processes sharing one store.
package sweep

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"

	"github.com/vinayprograms/fleetwatch/aggregator"
	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/events"
	"github.com/vinayprograms/fleetwatch/liveness"
	"github.com/vinayprograms/fleetwatch/logging"
	"github.com/vinayprograms/fleetwatch/registry"
	"github.com/vinayprograms/fleetwatch/store"
	"github.com/vinayprograms/fleetwatch/telemetry"
)

// DefaultInterval is the sweep period.
const DefaultInterval = 30 * time.Second

// Config configures a Scheduler.
type Config struct {
	// Interval between sweeps. Default 30s.
	Interval time.Duration

	// Threshold is the liveness deadline. Default 120s.
	Threshold time.Duration

	// LockTTL bounds how long a crashed holder can block other processes.
	// Default 2x Interval.
	LockTTL time.Duration
}

// Summary is the outcome of one sweep.
type Summary struct {
	At              time.Time     `json:"at"`
	Total           int           `json:"total"`
	Alive           int           `json:"alive"`
	Dead            int           `json:"dead"`
	ServicesChecked int           `json:"services_checked"`
	ServicesChanged int           `json:"services_changed"`
	Failures        int           `json:"failures"`
	Duration        time.Duration `json:"duration"`
}

// Scheduler owns the sweep loop.
type Scheduler struct {
	registry   *registry.Registry
	aggregator *aggregator.Aggregator
	locker     store.Locker
	clock      time2.Clock
	events     events.Publisher
	metrics    *telemetry.Metrics
	log        *logging.Logger

	interval  time.Duration
	threshold time.Duration
	lockTTL   time.Duration

	sem chan struct{}

	vmu      sync.Mutex
	verdicts map[string]bool
	pending  map[string]bool // implicated services not yet recomputed

	mu        sync.Mutex
	started   bool
	stopping  bool
	stopCh    chan struct{}
	done      chan struct{}
	runCancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker serializes sweeps across processes.
func WithLocker(l store.Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithClock sets the clock used for sweep timestamps.
func WithClock(c time2.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithEvents sets the transition publisher.
func WithEvents(p events.Publisher) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.events = p
		}
	}
}

// WithMetrics records sweep outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a scheduler. It does not start ticking until Start.
func New(reg *registry.Registry, agg *aggregator.Aggregator, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = liveness.DefaultThreshold
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Interval
	}
	s := &Scheduler{
		registry:   reg,
		aggregator: agg,
		clock:      time2.DefaultClock,
		events:     events.Discard,
		log:        logging.New().WithComponent("sweep"),
		interval:   cfg.Interval,
		threshold:  cfg.Threshold,
		lockTTL:    cfg.LockTTL,
		sem:        make(chan struct{}, 1),
		verdicts:   make(map[string]bool),
		pending:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the sweep period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start begins sweeping every interval until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Conflict("sweep scheduler already started")
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	s.log.Info("sweep_scheduler_started", map[string]interface{}{
		"interval":  s.interval,
		"threshold": s.threshold,
	})
	go s.loop(runCtx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.isStopping() {
				return
			}
			if _, err := s.RunOnce(ctx); err != nil {
				s.logTickError(err)
			}
		}
	}
}

func (s *Scheduler) logTickError(err error) {
	switch {
	case errors.Is(err, errors.ErrCodeLockHeld):
		s.log.Debug("sweep_skipped", map[string]interface{}{"reason": "lock held elsewhere"})
	case errors.Is(err, errors.ErrCodeCanceled), errors.Is(err, errors.ErrCodeTimeout):
		s.log.Debug("sweep_aborted", map[string]interface{}{"error": err})
	default:
		// Fatal and store errors were already logged by the sweep itself.
	}
}

func (s *Scheduler) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Stop halts ticking and waits for an in-flight sweep. When ctx expires
// first, the sweep is canceled between nodes and Stop returns TIMEOUT.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.stopping = true
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.stopCh)
	done, cancel := s.done, s.runCancel
	s.mu.Unlock()

	select {
	case <-done:
		cancel()
		s.log.Info("sweep_scheduler_stopped", nil)
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		s.log.Warn("sweep_aborted_on_shutdown", nil)
		return errors.Timeout("in-flight sweep aborted after grace period", errors.WithCause(ctx.Err()))
	}
}

// RunOnce sweeps now.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	return s.run(ctx, func() time.Time { return s.clock.Now() })
}

// RunAt sweeps as if the time were now.
func (s *Scheduler) RunAt(ctx context.Context, now time.Time) (Summary, error) {
	return s.run(ctx, func() time.Time { return now })
}

func (s *Scheduler) run(ctx context.Context, now func() time.Time) (Summary, error) {
	if s.isStopping() {
		return Summary{}, errors.Unavailable("sweep scheduler is stopping")
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return Summary{}, errors.Wrap(ctx.Err(), "waiting for in-flight sweep")
	}

	if s.locker != nil {
		release, err := s.locker.TryLock(ctx, s.lockTTL)
		if err != nil {
			if stderrors.Is(err, store.ErrLockHeld) {
				s.metrics.ObserveSweepAborted("lock_held")
				return Summary{}, errors.WrapWithCode(err, errors.ErrCodeLockHeld, "sweep lock held by another process")
			}
			s.metrics.ObserveSweepAborted("lock_error")
			fatal := errors.Fatal("cannot acquire sweep lock", errors.WithCause(err))
			s.log.Error("sweep_lock_failed", map[string]interface{}{"error": err})
			return Summary{}, fatal
		}
		defer release()
	}

	return s.sweep(ctx, now())
}

func (s *Scheduler) sweep(ctx context.Context, now time.Time) (sum Summary, err error) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSweepSpan(ctx)
	defer func() {
		tracer.EndSweepSpan(span, telemetry.SweepSpanOptions{
			Nodes:           sum.Total,
			Alive:           sum.Alive,
			Dead:            sum.Dead,
			ServicesChecked: sum.ServicesChecked,
			ServicesChanged: sum.ServicesChanged,
			Failures:        sum.Failures,
		}, err)
	}()

	start := s.clock.Now()
	sum.At = now

	implicated := s.takePending()
	defer s.keepPending(implicated)

	nodes, err := s.registry.ListActive(ctx)
	if err != nil {
		s.metrics.ObserveSweepAborted("store_error")
		s.log.Error("sweep_list_failed", map[string]interface{}{"error": err})
		return sum, err
	}

	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			s.metrics.ObserveSweepAborted("canceled")
			return sum, errors.Wrap(err, "sweep interrupted")
		}
		seen[n.ID] = true
		sum.Total++

		alive, err := s.evaluate(ctx, n, now, implicated)
		if err != nil {
			sum.Failures++
			s.log.Error("sweep_node_failed", map[string]interface{}{
				"node_id": n.ID,
				"name":    n.Name,
				"error":   err,
			})
		}
		if alive {
			sum.Alive++
		} else {
			sum.Dead++
		}
	}
	s.forget(seen)

	ids := make([]string, 0, len(implicated))
	for id := range implicated {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			s.metrics.ObserveSweepAborted("canceled")
			return sum, errors.Wrap(err, "sweep interrupted")
		}
		sum.ServicesChecked++
		changed, err := s.recompute(ctx, id, now)
		if err != nil {
			sum.Failures++
			s.log.Error("sweep_service_failed", map[string]interface{}{
				"service_id": id,
				"error":      err,
			})
			if errors.Is(err, errors.ErrCodeNotFound) {
				delete(implicated, id)
			}
			continue
		}
		delete(implicated, id)
		if changed {
			sum.ServicesChanged++
		}
	}

	sum.Duration = s.clock.Now().Sub(start)
	s.report(ctx, sum)
	return sum, nil
}

// evaluate decides one node and collects the services it implicates. On
// error the node keeps its previous verdict so the next sweep retries it.
func (s *Scheduler) evaluate(ctx context.Context, n *store.Node, now time.Time, implicated map[string]bool) (alive bool, err error) {
	alive = liveness.IsAlive(n.LastHeartbeat, s.threshold, now)
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()

	s.vmu.Lock()
	prev, known := s.verdicts[n.ID]
	s.vmu.Unlock()
	if !known {
		prev = true
	}

	if alive && known && prev {
		return alive, nil
	}

	svcs, err := s.aggregator.ServicesForNode(ctx, n.ID)
	if err != nil {
		return alive, err
	}
	for _, svc := range svcs {
		implicated[svc.ID] = true
	}

	s.vmu.Lock()
	s.verdicts[n.ID] = alive
	s.vmu.Unlock()

	if alive != prev {
		typ := events.NodeRecovered
		if alive {
			s.log.NodeRecovered(n.ID, n.Name)
		} else {
			typ = events.NodeDown
			s.log.NodeDown(n.ID, n.Name, liveness.Silence(n.LastHeartbeat, now))
		}
		s.events.Publish(ctx, events.Event{
			Type:      typ,
			Time:      now,
			NodeID:    n.ID,
			NodeName:  n.Name,
			IPAddress: n.IPAddress,
		})
	}
	return alive, nil
}

func (s *Scheduler) recompute(ctx context.Context, serviceID string, now time.Time) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return s.aggregator.Recompute(ctx, serviceID, now)
}

// takePending hands the carried-over services to a sweep.
func (s *Scheduler) takePending() map[string]bool {
	s.vmu.Lock()
	defer s.vmu.Unlock()
	p := s.pending
	s.pending = make(map[string]bool)
	return p
}

// keepPending carries services a sweep left unrecomputed into the next one.
func (s *Scheduler) keepPending(ids map[string]bool) {
	s.vmu.Lock()
	defer s.vmu.Unlock()
	for id := range ids {
		s.pending[id] = true
	}
}

// forget drops verdicts for nodes no longer listed as active, so a
// reactivated node is treated as first seen.
func (s *Scheduler) forget(seen map[string]bool) {
	s.vmu.Lock()
	defer s.vmu.Unlock()
	for id := range s.verdicts {
		if !seen[id] {
			delete(s.verdicts, id)
		}
	}
}

func (s *Scheduler) report(ctx context.Context, sum Summary) {
	s.log.SweepComplete(sum.Total, sum.Alive, sum.Dead, sum.ServicesChanged, sum.Failures, sum.Duration)
	s.metrics.ObserveSweep(telemetry.SweepObservation{
		Alive:           sum.Alive,
		Dead:            sum.Dead,
		ServicesChanged: sum.ServicesChanged,
		Failures:        sum.Failures,
		Duration:        sum.Duration,
		At:              sum.At,
	})
	if s.metrics != nil {
		if svc, err := s.aggregator.Summary(ctx); err == nil {
			s.metrics.ObserveServices(svc.Operational, svc.NonOperational)
		}
	}
	s.events.Publish(ctx, events.Event{
		Type: events.SweepCompleted,
		Time: sum.At,
		Sweep: &events.SweepStats{
			Total:           sum.Total,
			Alive:           sum.Alive,
			Dead:            sum.Dead,
			ServicesChecked: sum.ServicesChecked,
			ServicesChanged: sum.ServicesChanged,
			Failures:        sum.Failures,
			DurationMS:      sum.Duration.Milliseconds(),
		},
	})
}

// Verdict returns the last recorded verdict for a node.
func (s *Scheduler) Verdict(nodeID string) (alive, known bool) {
	s.vmu.Lock()
	defer s.vmu.Unlock()
	alive, known = s.verdicts[nodeID]
	return alive, known
}
