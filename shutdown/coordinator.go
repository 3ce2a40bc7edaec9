package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/fragkit/logging"
)

// Coordinator runs registered handlers phase by phase. Handlers sharing a
// phase run concurrently.
type Coordinator struct {
	config Config
	log    *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool
	err      error
	result   *Result
	done     chan struct{}
	signals  chan os.Signal
}

// NewCoordinator creates a coordinator. Zero fields take their defaults.
func NewCoordinator(config Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = def.DefaultPhase
	}
	if config.Logger == nil {
		config.Logger = logging.New().WithComponent("shutdown")
	}
	return &Coordinator{
		config:  config,
		log:     config.Logger,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}, nil
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, h Handler) {
	c.RegisterWithPhase(name, h, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler in phase. Registrations made after
// shutdown started are ignored.
func (c *Coordinator) RegisterWithPhase(name string, h Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.log.Warn("shutdown_register_ignored", map[string]interface{}{"handler": name})
		return
	}
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc registers fn in phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown runs every handler once. Calls made while a shutdown is in
// progress return ErrAlreadyShutdown; calls after it finished return its
// error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		select {
		case <-c.done:
			return c.Err()
		default:
			return ErrAlreadyShutdown
		}
	}
	c.started = true
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	res := c.run(ctx, handlers)
	c.mu.Lock()
	c.result = res
	c.err = res.Err
	c.mu.Unlock()
	close(c.done)
	return res.Err
}

// ShutdownWithTimeout runs Shutdown under a deadline. Zero uses the
// configured timeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-c.signals:
			c.log.Info("shutdown_signal", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout(0)
		case <-c.done:
		}
		signal.Stop(c.signals)
	}()
}

// Trigger simulates a signal.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error, or nil before Done is closed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Result returns the detailed outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	res := &Result{Steps: make([]StepResult, 0, len(handlers))}
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			res.Err = ErrTimeout
			break
		}
		steps := c.runPhase(ctx, group)
		res.Steps = append(res.Steps, steps...)

		failed := false
		for _, s := range steps {
			if s.Err != nil {
				failed = true
			}
		}
		if failed && res.Err == nil {
			res.Err = ErrHandlerFailed
		}
		if failed && c.config.StopOnError {
			break
		}
	}
	res.TotalDuration = time.Since(start)

	fields := map[string]interface{}{
		"handlers": len(res.Steps),
		"duration": res.TotalDuration.String(),
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
		c.log.Warn("shutdown_incomplete", fields)
	} else {
		c.log.Info("shutdown_complete", fields)
	}
	return res
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []StepResult {
	steps := make([]StepResult, len(group))
	var g errgroup.Group
	for i, reg := range group {
		g.Go(func() error {
			start := time.Now()
			err := reg.handler.OnShutdown(ctx)
			steps[i] = StepResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			c.logStep(steps[i])
			return nil
		})
	}
	_ = g.Wait()
	return steps
}

func (c *Coordinator) logStep(s StepResult) {
	fields := map[string]interface{}{
		"handler":  s.Name,
		"phase":    s.Phase,
		"duration": s.Duration.String(),
	}
	if s.Err != nil {
		fields["error"] = s.Err.Error()
		c.log.Error("shutdown_step_failed", fields)
		return
	}
	c.log.Debug("shutdown_step", fields)
}

// groupByPhase splits handlers, sorted by phase, into runs of equal phase.
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
