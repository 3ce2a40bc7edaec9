package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vinayprograms/fragkit/backoff"
	fkerrors "github.com/vinayprograms/fragkit/errors"
	"github.com/vinayprograms/fragkit/logging"
	"github.com/vinayprograms/fragkit/tasks"
	"github.com/vinayprograms/fragkit/telemetry"
)

var (
	// ErrInvalidConfig indicates a Pool or Reaper was configured badly.
	ErrInvalidConfig = errors.New("invalid worker config")

	// ErrAlreadyRunning indicates Run was called on a running pool.
	ErrAlreadyRunning = errors.New("pool already running")
)

// Job is a claimed fragment handed to a Processor.
type Job struct {
	Service  string
	Task     *tasks.Task
	Fragment tasks.Fragment

	// Attempt counts the claims of this fragment by the pool, starting at 1.
	Attempt int

	// Tag is the claim tag, "<workerID>/<slot>".
	Tag string
}

// Processor does the work for one fragment. The returned error is mapped
// to a fragment state by errors.Outcome.
type Processor interface {
	Process(ctx context.Context, job Job) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job Job) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Recorder receives claim and processing observations.
// *metrics.Collector implements it.
type Recorder interface {
	ObserveClaim(service string, claimed bool)
	ObserveProcessing(service string, reported tasks.FragmentState, d time.Duration)
}

// ActivityReporter is told how many fragments the pool is processing.
// *heartbeat.BusSender implements it.
type ActivityReporter interface {
	SetActive(n int)
}

// Config configures a Pool.
type Config struct {
	Container *tasks.Container
	Service   string
	Processor Processor

	// WorkerID prefixes claim tags. Default: a random UUID.
	WorkerID string

	// Concurrency is the number of claim loops. Default: 4
	Concurrency int

	// PollInterval is the wait after a claim that found nothing.
	// Default: 500ms
	PollInterval time.Duration

	// MaxAttempts caps the claims of one fragment. Zero means unlimited.
	// Default: 5
	MaxAttempts int

	// ClaimRate limits claims per second across all loops. Zero disables
	// the limit.
	ClaimRate float64

	// Backoff delays the next claim of a failed fragment.
	// Default: backoff.DefaultStrategy()
	Backoff backoff.Strategy

	// ExitWhenDrained makes Run return once the service has no active
	// tasks left.
	ExitWhenDrained bool

	Tracer   *telemetry.Tracer
	Logger   *logging.Logger
	Metrics  Recorder
	Activity ActivityReporter
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:  4,
		PollInterval: 500 * time.Millisecond,
		MaxAttempts:  5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Container == nil {
		return fmt.Errorf("%w: container required", ErrInvalidConfig)
	}
	if c.Service == "" {
		return fmt.Errorf("%w: service required", ErrInvalidConfig)
	}
	if c.Processor == nil {
		return fmt.Errorf("%w: processor required", ErrInvalidConfig)
	}
	if c.Concurrency < 0 || c.MaxAttempts < 0 || c.ClaimRate < 0 {
		return fmt.Errorf("%w: concurrency, max attempts and claim rate must not be negative", ErrInvalidConfig)
	}
	if strings.Contains(c.WorkerID, "/") {
		return fmt.Errorf("%w: worker id must not contain '/'", ErrInvalidConfig)
	}
	return nil
}

// Pool runs claim loops against one service of a container.
type Pool struct {
	cfg     Config
	limiter *rate.Limiter
	log     *logging.Logger

	attempts *attemptBook
	active   atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPool creates a pool. Zero fields take their defaults.
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.DefaultStrategy()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New().WithComponent("worker")
	}

	p := &Pool{
		cfg:      cfg,
		log:      cfg.Logger,
		attempts: newAttemptBook(),
	}
	if cfg.ClaimRate > 0 {
		burst := int(cfg.ClaimRate)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.ClaimRate), burst)
	}
	return p, nil
}

// WorkerID returns the worker identity used in claim tags.
func (p *Pool) WorkerID() string {
	return p.cfg.WorkerID
}

// Active returns the number of fragments being processed.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Run claims and processes fragments until ctx is done, Shutdown is called
// or, with ExitWhenDrained, the service runs out of active tasks.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	unsubscribe := p.cfg.Container.Subscribe(tasks.ListenerFunc(p.onEvent))
	defer func() {
		unsubscribe()
		cancel()
		p.mu.Lock()
		p.running = false
		p.cancel = nil
		p.mu.Unlock()
		close(done)
	}()

	p.log.Info("pool_started", map[string]interface{}{
		"worker":      p.cfg.WorkerID,
		"service":     p.cfg.Service,
		"concurrency": p.cfg.Concurrency,
	})

	g, gctx := errgroup.WithContext(ctx)
	for slot := 0; slot < p.cfg.Concurrency; slot++ {
		g.Go(func() error {
			return p.loop(gctx, slot)
		})
	}
	err := g.Wait()

	p.log.Info("pool_stopped", map[string]interface{}{
		"worker":  p.cfg.WorkerID,
		"service": p.cfg.Service,
	})
	return err
}

// OnShutdown stops a running pool and waits for in-flight fragments to be
// reported, or for ctx to expire.
func (p *Pool) OnShutdown(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onEvent drops attempt counts of tasks that are finished or gone.
func (p *Pool) onEvent(ev tasks.Event) {
	switch ev.Kind {
	case tasks.EventTaskCompleted, tasks.EventTaskEvicted:
		if ev.Service == p.cfg.Service {
			p.attempts.forgetTask(ev.TaskID)
		}
	}
}

func (p *Pool) loop(ctx context.Context, slot int) error {
	tag := fmt.Sprintf("%s/%d", p.cfg.WorkerID, slot)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		task, f, ok := p.claim(ctx, tag)
		if !ok {
			if p.cfg.ExitWhenDrained && len(p.cfg.Container.List(p.cfg.Service, 1)) == 0 {
				return nil
			}
			p.log.WorkerIdle(p.cfg.WorkerID, p.cfg.Service, p.cfg.PollInterval)
			if !sleep(ctx, p.cfg.PollInterval) {
				return nil
			}
			continue
		}
		p.process(ctx, task, f, tag)
	}
}

// claim picks the first eligible fragment, skipping failures still in backoff.
func (p *Pool) claim(ctx context.Context, tag string) (*tasks.Task, tasks.Fragment, bool) {
	_, span := p.cfg.Tracer.StartClaimSpan(ctx, p.cfg.Service, p.cfg.WorkerID)
	now := time.Now()
	task, f, ok := p.cfg.Container.Pick(p.cfg.Service, func(t *tasks.Task) (tasks.Fragment, bool) {
		return t.Pick(tasks.ClaimTag(tag), tasks.Exclude(p.attempts.waiting(t.ID(), now)...))
	})
	p.cfg.Tracer.EndClaimSpan(span, task, f)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ObserveClaim(p.cfg.Service, ok)
	}
	if ok {
		p.log.FragmentClaimed(p.cfg.Service, task.ID(), f)
	}
	return task, f, ok
}

func (p *Pool) process(ctx context.Context, task *tasks.Task, f tasks.Fragment, tag string) {
	p.setActive(1)
	defer p.setActive(-1)

	attempt := p.attempts.claim(task.ID(), f.ID)
	job := Job{
		Service:  p.cfg.Service,
		Task:     task,
		Fragment: f,
		Attempt:  attempt,
		Tag:      tag,
	}
	where := fkerrors.WithFragment(p.cfg.Service, task.ID(), f.ID)

	pctx, span := p.cfg.Tracer.StartProcessSpan(ctx, p.cfg.Service, task, f, attempt)
	start := time.Now()

	var err error
	if limit := p.cfg.MaxAttempts; limit > 0 && attempt > limit {
		// failed elsewhere (or reaped) more often than allowed
		err = fkerrors.Exhausted(f.ID, attempt-1, where, fkerrors.WithWorkerID(p.cfg.WorkerID))
	} else {
		err = p.run(pctx, job)
	}

	state := fkerrors.Outcome(err)
	if state == tasks.StateFailure && p.cfg.MaxAttempts > 0 && attempt >= p.cfg.MaxAttempts {
		err = fkerrors.Exhausted(f.ID, attempt, where, fkerrors.WithWorkerID(p.cfg.WorkerID), fkerrors.WithCause(err))
		state = tasks.StateFatal
	}
	elapsed := time.Since(start)

	if !task.UpdateFragment(f.ID, state) {
		p.log.Warn("fragment_report_rejected", map[string]interface{}{
			"service":  p.cfg.Service,
			"task":     task.ID(),
			"fragment": f.ID,
			"state":    string(state),
		})
	}

	switch state {
	case tasks.StateFailure:
		p.attempts.retryAt(task.ID(), f.ID, time.Now().Add(p.cfg.Backoff.Delay(attempt)))
	default:
		p.attempts.forget(task.ID(), f.ID)
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ObserveProcessing(p.cfg.Service, state, elapsed)
	}
	p.cfg.Tracer.EndFragmentSpan(span, state, err)

	reported := f
	reported.State = state
	p.log.FragmentReported(p.cfg.Service, task.ID(), reported, f.State, elapsed, err)
}

// run calls the processor and turns a panic into an internal error.
func (p *Pool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fkerrors.RecoverPanic(r,
				fkerrors.WithFragment(job.Service, job.Task.ID(), job.Fragment.ID),
				fkerrors.WithWorkerID(p.cfg.WorkerID))
		}
	}()
	return p.cfg.Processor.Process(ctx, job)
}

func (p *Pool) setActive(delta int64) {
	n := p.active.Add(delta)
	if p.cfg.Activity != nil {
		p.cfg.Activity.SetActive(int(n))
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
