package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/vinayprograms/fleetwatch/aggregator"
	"github.com/vinayprograms/fleetwatch/api"
	"github.com/vinayprograms/fleetwatch/bus"
	"github.com/vinayprograms/fleetwatch/config"
	"github.com/vinayprograms/fleetwatch/events"
	"github.com/vinayprograms/fleetwatch/ingest"
	"github.com/vinayprograms/fleetwatch/logging"
	"github.com/vinayprograms/fleetwatch/probe"
	"github.com/vinayprograms/fleetwatch/ratelimit"
	"github.com/vinayprograms/fleetwatch/registry"
	"github.com/vinayprograms/fleetwatch/shutdown"
	"github.com/vinayprograms/fleetwatch/store"
	"github.com/vinayprograms/fleetwatch/sweep"
	"github.com/vinayprograms/fleetwatch/telemetry"
)

// daemon holds every long-lived component of one fleetwatchd process.
type daemon struct {
	cfg config.Config
	log *logging.Logger

	metrics  *telemetry.Metrics
	provider *telemetry.Provider
	natsBus  *bus.NATSBus
	store    store.Store
	locker   store.Locker
	broker   *events.Broker
	limiter  *ratelimit.MemoryLimiter

	registry   *registry.Registry
	aggregator *aggregator.Aggregator
	gateway    *ingest.Gateway
	scheduler  *sweep.Scheduler
	prober     *probe.Prober
	listener   *ingest.BusListener
	handler    *api.Handler

	gcDone chan struct{}
}

// badgerGCInterval spaces value log collections on the badger backend.
const badgerGCInterval = 10 * time.Minute

// newDaemon builds the component graph without starting anything that
// ticks or listens.
func newDaemon(ctx context.Context, cfg config.Config, log *logging.Logger) (d *daemon, err error) {
	d = &daemon{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if cfg.Telemetry.Metrics {
		d.metrics = telemetry.NewMetrics()
		d.metrics.SetBuildInfo(version, commit)
	}
	if t := cfg.Telemetry.Tracing; t != "" && t != config.TracingNone {
		d.provider, err = telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Exporter:       t,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRate:     cfg.Telemetry.SampleRate,
		})
		if err != nil {
			return d, fmt.Errorf("tracing: %w", err)
		}
	}

	if cfg.NATS.URL != "" {
		ncfg := bus.DefaultNATSConfig()
		ncfg.URL = cfg.NATS.URL
		ncfg.Logger = log.WithComponent("bus")
		d.natsBus, err = bus.NewNATSBus(ncfg)
		if err != nil {
			return d, err
		}
	}

	d.store, d.locker, err = openStore(ctx, cfg, d.natsBus)
	if err != nil {
		return d, err
	}

	var msgBus bus.MessageBus
	if d.natsBus != nil {
		msgBus = d.natsBus
	}
	d.broker = events.NewBroker(msgBus, cfg.NATS.EventsPrefix, log)
	publisher := events.Multi{d.broker, d.metrics}

	threshold := cfg.Heartbeat.FailureThreshold.Duration
	d.registry = registry.New(d.store,
		registry.WithEvents(publisher),
		registry.WithLogger(log.WithComponent("registry")))
	d.aggregator = aggregator.New(d.store, d.store, threshold,
		aggregator.WithEvents(publisher),
		aggregator.WithLogger(log.WithComponent("aggregator")))

	gwOpts := []ingest.Option{
		ingest.WithMetrics(d.metrics),
		ingest.WithLogger(log.WithComponent("ingest")),
	}
	if cfg.Ingest.RateLimit > 0 {
		d.limiter, err = ratelimit.NewMemoryLimiter(ratelimit.Config{
			Rate:  cfg.Ingest.RateLimit,
			Burst: cfg.Ingest.Burst,
		})
		if err != nil {
			return d, err
		}
		gwOpts = append(gwOpts, ingest.WithLimiter(d.limiter))
	}
	d.gateway = ingest.New(d.registry, gwOpts...)

	sweepOpts := []sweep.Option{
		sweep.WithEvents(publisher),
		sweep.WithMetrics(d.metrics),
		sweep.WithLogger(log.WithComponent("sweep")),
	}
	if d.locker != nil {
		sweepOpts = append(sweepOpts, sweep.WithLocker(d.locker))
	}
	d.scheduler = sweep.New(d.registry, d.aggregator, sweep.Config{
		Interval:  cfg.Heartbeat.CheckInterval.Duration,
		Threshold: threshold,
	}, sweepOpts...)

	targets := make([]probe.Target, len(cfg.Probe.Targets))
	for i, t := range cfg.Probe.Targets {
		targets[i] = probe.Target{Name: t.Name, URL: t.URL}
	}
	d.prober, err = probe.New(d.aggregator, probe.Config{
		Interval:    cfg.Probe.Interval.Duration,
		Timeout:     cfg.Probe.Timeout.Duration,
		Concurrency: cfg.Probe.Concurrency,
		Targets:     targets,
	}, probe.WithMetrics(d.metrics), probe.WithLogger(log.WithComponent("probe")))
	if err != nil {
		return d, err
	}

	if msgBus != nil {
		d.listener = ingest.NewBusListener(d.gateway, msgBus, ingest.ListenerConfig{
			Subject: cfg.NATS.HeartbeatSubject,
			Queue:   cfg.NATS.Queue,
			Logger:  log.WithComponent("ingest"),
		})
	}

	d.handler = api.New(d.registry, d.aggregator, d.gateway, d.scheduler,
		api.WithBroker(d.broker),
		api.WithMetrics(d.metrics),
		api.WithLogger(log.WithComponent("api")))
	return d, nil
}

// openStore opens the configured backend. The returned Locker is nil when
// the backend cannot coordinate sweeps across processes.
func openStore(ctx context.Context, cfg config.Config, nb *bus.NATSBus) (store.Store, store.Locker, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		st := store.NewMemoryStore()
		return st, st, nil
	case config.BackendBadger:
		st, err := store.OpenBadger(store.BadgerOptions{Path: cfg.Store.Path})
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	case config.BackendNATS:
		if nb == nil {
			return nil, nil, fmt.Errorf("nats backend needs nats.url")
		}
		st, err := store.NewNATSStore(ctx, nb.Conn(), store.NATSStoreConfig{Bucket: cfg.Store.Bucket})
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case config.BackendPostgres:
		st, err := store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// run starts every component and blocks until shutdown completes.
func run(ctx context.Context, cfg config.Config, log *logging.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d, err := newDaemon(ctx, cfg, log)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Listen)
	if err != nil {
		d.close()
		return err
	}
	srv := &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout.Duration,
		ReadTimeout:       cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout:      cfg.HTTP.WriteTimeout.Duration,
	}

	coord := d.coordinator(srv, cancel)
	serveErr := make(chan error, 1)
	if err := d.start(ctx); err != nil {
		ln.Close()
		_ = coord.ShutdownWithTimeout(cfg.Shutdown.Grace.Duration)
		return err
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	coord.HandleSignals()

	log.Info("fleetwatchd_started", map[string]interface{}{
		"version":   version,
		"listen":    ln.Addr().String(),
		"store":     cfg.Store.Backend,
		"bus":       d.natsBus != nil,
		"interval":  cfg.Heartbeat.CheckInterval.Duration,
		"threshold": cfg.Heartbeat.FailureThreshold.Duration,
		"probes":    len(cfg.Probe.Targets),
	})

	var failure error
	select {
	case <-coord.Done():
	case <-ctx.Done():
		_ = coord.ShutdownWithTimeout(cfg.Shutdown.Grace.Duration)
	case failure = <-serveErr:
		_ = coord.ShutdownWithTimeout(cfg.Shutdown.Grace.Duration)
	}
	<-coord.Done()
	if failure != nil {
		return failure
	}
	if r := coord.Result(); r != nil && r.Failed() {
		return fmt.Errorf("shutdown: %w (failed: %v)", r.Err, r.FailedHandlers())
	}
	return nil
}

func (d *daemon) start(ctx context.Context) error {
	if err := d.scheduler.Start(ctx); err != nil {
		return err
	}
	if err := d.prober.Start(ctx); err != nil {
		return err
	}
	if d.listener != nil {
		if err := d.listener.Start(ctx); err != nil {
			return err
		}
	}
	if bs, ok := d.store.(*store.BadgerStore); ok {
		d.gcDone = make(chan struct{})
		go d.collectGarbage(ctx, bs)
	}
	return nil
}

func (d *daemon) collectGarbage(ctx context.Context, bs *store.BadgerStore) {
	defer close(d.gcDone)
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := bs.RunGC(); err != nil {
				d.log.Warn("badger_gc_failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// coordinator registers shutdown in three phases: stop intake, let the
// schedulers finish their round, then release storage.
func (d *daemon) coordinator(srv *http.Server, cancel context.CancelFunc) *shutdown.Coordinator {
	coord := shutdown.NewCoordinator(shutdown.Config{
		Grace:  d.cfg.Shutdown.Grace.Duration,
		Logger: d.log.WithComponent("shutdown"),
	})

	coord.RegisterFunc("http", srv.Shutdown, shutdown.PhaseIngress)
	if d.listener != nil {
		coord.RegisterFunc("bus-listener", func(context.Context) error {
			return ignoreNotStarted(d.listener.Stop())
		}, shutdown.PhaseIngress)
	}

	coord.RegisterFunc("sweep", d.scheduler.Stop, shutdown.PhaseSchedulers)
	coord.RegisterFunc("probe", d.prober.Stop, shutdown.PhaseSchedulers)

	coord.RegisterFunc("storage", func(ctx context.Context) error {
		cancel()
		if d.gcDone != nil {
			select {
			case <-d.gcDone:
			case <-ctx.Done():
			}
		}
		return d.closeContext(ctx)
	}, shutdown.PhaseStorage)
	return coord
}

func ignoreNotStarted(err error) error {
	if stderrors.Is(err, ingest.ErrListenerNotStarted) {
		return nil
	}
	return err
}

func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.closeContext(ctx)
}

// closeContext releases storage-side resources in dependency order.
func (d *daemon) closeContext(ctx context.Context) error {
	var errs []error
	if d.broker != nil {
		errs = append(errs, d.broker.Close())
	}
	if d.limiter != nil {
		errs = append(errs, d.limiter.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.natsBus != nil {
		errs = append(errs, d.natsBus.Close())
	}
	if d.provider != nil {
		errs = append(errs, d.provider.Shutdown(ctx))
	}
	return stderrors.Join(errs...)
}
