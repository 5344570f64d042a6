package shutdown

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/vinayprograms/fleetwatch/logging"
)

// Phases used by fleetwatchd. Lower phases stop first.
const (
	// PhaseIngress stops the API listener and the bus listener so no new
	// heartbeats arrive.
	PhaseIngress = 10

	// PhaseSchedulers stops the sweep scheduler and the prober, letting an
	// in-flight round finish within the grace period.
	PhaseSchedulers = 20

	// PhaseStorage closes the event broker, the bus and the store.
	PhaseStorage = 30
)

var (
	// ErrAlreadyShutdown is returned by Shutdown while another call is in
	// progress.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout means the grace period ran out before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed means at least one handler returned an error.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// Handler is a component that stops on shutdown. ctx carries the
// remaining grace period.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler. http.Server.Shutdown and the Stop
// methods of the schedulers fit it directly.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer, such as a store or the bus, to Handler.
func Closer(c io.Closer) Handler {
	return Func(func(context.Context) error {
		return c.Close()
	})
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed reports whether shutdown ended with an error.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Grace bounds a signal-triggered shutdown. Default 10s.
	Grace time.Duration

	// DefaultPhase is used by Register. Default PhaseStorage.
	DefaultPhase int

	// StopOnError aborts the remaining phases after a failed handler.
	StopOnError bool

	// Logger receives one entry per handler. Nil logs under the
	// "shutdown" component.
	Logger *logging.Logger

	// OnProgress, when set, is called after each handler.
	OnProgress func(HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Grace < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns the daemon's defaults.
func DefaultConfig() Config {
	return Config{
		Grace:        10 * time.Second,
		DefaultPhase: PhaseStorage,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
