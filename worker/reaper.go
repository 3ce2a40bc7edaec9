package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	fkerrors "github.com/vinayprograms/fragkit/errors"
	"github.com/vinayprograms/fragkit/logging"
	"github.com/vinayprograms/fragkit/tasks"
)

// LossRecorder counts workers declared dead. *metrics.Collector
// implements it.
type LossRecorder interface {
	ObserveWorkerLost()
}

// DeathNotifier reports workers that went silent. *heartbeat.BusMonitor
// implements it.
type DeathNotifier interface {
	OnDead(callback func(workerID string))
}

// ReaperConfig configures a Reaper.
type ReaperConfig struct {
	Container *tasks.Container

	// Services limits the sweep. Empty means every service in the container.
	Services []string

	// StuckAfter is how long a fragment may stay processing without any
	// change. Zero disables the sweep; ReapWorker still works.
	// Default: 5m
	StuckAfter time.Duration

	// Interval is the sweep period used by Run. Default: StuckAfter / 4
	Interval time.Duration

	Logger  *logging.Logger
	Metrics LossRecorder
}

// DefaultReaperConfig returns configuration with sensible defaults.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		StuckAfter: 5 * time.Minute,
	}
}

// Reaper sends abandoned fragments back to Failure so they can be claimed
// again. The scheduler itself never times fragments out.
type Reaper struct {
	cfg ReaperConfig
	log *logging.Logger
}

// NewReaper creates a reaper.
func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	if cfg.Container == nil {
		return nil, fmt.Errorf("%w: container required", ErrInvalidConfig)
	}
	if cfg.StuckAfter < 0 || cfg.Interval < 0 {
		return nil, fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if cfg.Interval == 0 && cfg.StuckAfter > 0 {
		cfg.Interval = cfg.StuckAfter / 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New().WithComponent("reaper")
	}
	return &Reaper{cfg: cfg, log: cfg.Logger}, nil
}

// Watch reaps the fragments of every worker n declares dead.
func (r *Reaper) Watch(n DeathNotifier) {
	n.OnDead(func(workerID string) {
		r.ReapWorker(workerID)
	})
}

// Run sweeps every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	if r.cfg.StuckAfter == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep fails fragments that have been processing for StuckAfter or longer
// and returns how many it failed.
func (r *Reaper) Sweep(now time.Time) int {
	if r.cfg.StuckAfter == 0 {
		return 0
	}
	return r.failWhere(func(f tasks.Fragment) bool {
		return f.Age(now) >= r.cfg.StuckAfter
	}, func(service string, t *tasks.Task, f tasks.Fragment) {
		age := f.Age(now).Truncate(time.Second).String()
		err := fkerrors.FromCode(fkerrors.ErrCodeStuck,
			fkerrors.WithFragment(service, t.ID(), f.ID),
			fkerrors.WithMetadata("age", age))
		r.log.Warn("fragment_stuck", map[string]interface{}{
			"service":  service,
			"age":      age,
			"task":     t.ID(),
			"fragment": f.ID,
			"tag":      f.Tag,
			"error":    err.Error(),
		})
	})
}

// ReapWorker fails every processing fragment claimed by workerID and
// returns how many it failed.
func (r *Reaper) ReapWorker(workerID string) int {
	prefix := workerID + "/"
	n := r.failWhere(func(f tasks.Fragment) bool {
		return f.Tag == workerID || strings.HasPrefix(f.Tag, prefix)
	}, func(service string, t *tasks.Task, f tasks.Fragment) {
		err := fkerrors.WorkerLost(workerID, fkerrors.WithFragment(service, t.ID(), f.ID))
		r.log.Warn("fragment_orphaned", map[string]interface{}{
			"service":  service,
			"task":     t.ID(),
			"fragment": f.ID,
			"tag":      f.Tag,
			"error":    err.Error(),
		})
	})

	r.log.WorkerLost(workerID, n)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveWorkerLost()
	}
	return n
}

func (r *Reaper) failWhere(match func(tasks.Fragment) bool, report func(string, *tasks.Task, tasks.Fragment)) int {
	services := r.cfg.Services
	if len(services) == 0 {
		services = r.cfg.Container.Services()
	}

	n := 0
	for _, service := range services {
		for _, t := range r.cfg.Container.List(service, 0) {
			for _, f := range t.Processing() {
				if !match(f) {
					continue
				}
				// any report or claim since the snapshot makes f stale
				if !t.UpdateFragment(f.ID, tasks.StateFailure, tasks.IfUnchanged(f)) {
					continue
				}
				if report != nil {
					report(service, t, f)
				}
				n++
			}
		}
	}
	return n
}
