package shutdown

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/vinayprograms/fragkit/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases used by a fragkit process. Lower phases stop first.
const (
	// PhaseWorkers stops worker pools and the reaper, so no new claims are
	// made and in-flight fragments get reported.
	PhaseWorkers = 10

	// PhaseLiveness stops heartbeat senders and monitors.
	PhaseLiveness = 20

	// PhaseFlush flushes listeners that hold data: catalog, traces.
	PhaseFlush = 30

	// PhaseTransport closes buses, stores and their connections.
	PhaseTransport = 40
)

// Handler is implemented by components that need graceful shutdown.
// *worker.Pool implements it.
type Handler interface {
	// OnShutdown stops the component. ctx expires at the shutdown deadline.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown calls f.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer such as a bus, a state store or a catalog
// index. The deadline is not passed on.
func Closer(c io.Closer) Handler {
	return HandlerFunc(func(context.Context) error {
		return c.Close()
	})
}

// StepResult is the outcome of one handler.
type StepResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Steps         []StepResult

	// Err is nil if every handler succeeded.
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, s := range r.Steps {
		if s.Err != nil {
			failed = append(failed, s.Name)
		}
	}
	return failed
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0) and signal-triggered shutdowns.
	// Default: 30s
	Timeout time.Duration

	// DefaultPhase is assigned by Register.
	// Default: PhaseFlush
	DefaultPhase int

	// StopOnError skips later phases once a handler fails.
	StopOnError bool

	// Logger receives one line per handler. Default: a "shutdown" logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 || c.DefaultPhase < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		DefaultPhase: PhaseFlush,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
