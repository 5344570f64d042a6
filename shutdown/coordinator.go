package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/fleetwatch/errors"
	"github.com/vinayprograms/fleetwatch/logging"
)

// Coordinator runs registered handlers phase by phase. Handlers sharing a
// phase run concurrently; a phase starts only after the previous one has
// returned.
type Coordinator struct {
	config Config
	log    *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool
	done     chan struct{}
	result   *Result
	signal   os.Signal

	sigCh chan os.Signal
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config Config) *Coordinator {
	def := DefaultConfig()
	if config.Grace <= 0 {
		config.Grace = def.Grace
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = def.DefaultPhase
	}
	log := config.Logger
	if log == nil {
		log = logging.New().WithComponent("shutdown")
	}
	return &Coordinator{
		config: config,
		log:    log,
		done:   make(chan struct{}),
		sigCh:  make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, h Handler) {
	c.RegisterWithPhase(name, h, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler in phase.
func (c *Coordinator) RegisterWithPhase(name string, h Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc adds fn in phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, Func(fn), phase)
}

// Shutdown runs every phase. Only the first call does work; a concurrent
// second call returns ErrAlreadyShutdown, a later one the first's error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		select {
		case <-c.done:
			return c.result.Err
		default:
			return ErrAlreadyShutdown
		}
	}
	c.started = true
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	result := c.run(ctx, handlers)

	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
	close(c.done)
	return result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout; zero uses Grace.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Grace
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on SIGINT or SIGTERM.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-c.sigCh
		signal.Stop(c.sigCh)
		c.mu.Lock()
		c.signal = sig
		c.mu.Unlock()
		c.log.Info("shutdown_signal", map[string]interface{}{
			"signal": sig.String(),
			"grace":  c.config.Grace,
		})
		_ = c.ShutdownWithTimeout(c.config.Grace)
	}()
}

// Trigger behaves as if SIGTERM had arrived. It only has an effect after
// HandleSignals.
func (c *Coordinator) Trigger() {
	select {
	case c.sigCh <- syscall.SIGTERM:
	default:
	}
}

// Signal returns the signal that started shutdown, if any.
func (c *Coordinator) Signal() os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal
}

// Done is closed once shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	if r := c.Result(); r != nil {
		return r.Err
	}
	return nil
}

// Result returns the detailed outcome once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) *Result {
		result.Err = err
		result.TotalDuration = time.Since(start)
		fields := map[string]interface{}{
			"handlers":    len(result.Results),
			"duration_ms": result.TotalDuration.Milliseconds(),
		}
		if err != nil {
			fields["error"] = err
			fields["failed"] = result.FailedHandlers()
			c.log.Warn("shutdown_incomplete", fields)
		} else {
			c.log.Info("shutdown_complete", fields)
		}
		return result
	}

	var failed error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}
		phaseResults := c.runPhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)
		for _, hr := range phaseResults {
			if hr.Err == nil {
				continue
			}
			failed = ErrHandlerFailed
			if c.config.StopOnError {
				return finish(failed)
			}
		}
	}
	return finish(failed)
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := call(ctx, reg.handler)
			hr := HandlerResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[i] = hr
			c.report(hr)
		}()
	}
	wg.Wait()
	return results
}

// call runs h, turning a panic into a PANIC error.
func call(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return h.OnShutdown(ctx)
}

func (c *Coordinator) report(hr HandlerResult) {
	fields := map[string]interface{}{
		"handler":     hr.Name,
		"phase":       hr.Phase,
		"duration_ms": hr.Duration.Milliseconds(),
	}
	if hr.Err != nil {
		fields["error"] = hr.Err
		c.log.Warn("shutdown_handler_failed", fields)
	} else {
		c.log.Debug("shutdown_handler_done", fields)
	}
	if c.config.OnProgress != nil {
		c.config.OnProgress(hr)
	}
}

// groupByPhase splits handlers, already sorted by phase, into runs of equal
// phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
