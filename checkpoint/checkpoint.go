// Package checkpoint persists task snapshots to a state store as the tasks
// change, and restores them into a container after a restart.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vinayprograms/fragkit/codec"
	fkerrors "github.com/vinayprograms/fragkit/errors"
	"github.com/vinayprograms/fragkit/logging"
	"github.com/vinayprograms/fragkit/state"
	"github.com/vinayprograms/fragkit/tasks"
)

// ErrInvalidConfig is returned when no store is configured.
var ErrInvalidConfig = errors.New("checkpoint: store required")

// Config configures a Checkpointer.
type Config struct {
	Store state.StateStore

	// Codec encodes snapshots. Default: JSON.
	Codec codec.Codec

	// Prefix is the first key token. Default: "tasks".
	Prefix string

	// DeleteOnEvict removes a task's snapshot when its container drops it.
	DeleteOnEvict bool

	// Timeout bounds each store call. Default: 5s.
	Timeout time.Duration

	// Logger receives store failures. Default: a component logger on stdout.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Codec:   codec.Get(codec.NameJSON),
		Prefix:  "tasks",
		Timeout: 5 * time.Second,
	}
}

// Checkpointer is a tasks.Listener that writes a full snapshot of a task
// on every event it raises. Store failures are logged and counted; they
// never reach the task.
type Checkpointer struct {
	store         state.StateStore
	codec         codec.Codec
	prefix        string
	deleteOnEvict bool
	timeout       time.Duration
	log           *logging.Logger

	// one lock per key so a newer snapshot is never overwritten by an
	// older one delivered on another goroutine
	locks   *xsync.Map[string, *sync.Mutex]
	evicted *xsync.Map[string, struct{}]

	saved   atomic.Uint64
	deleted atomic.Uint64
	failed  atomic.Uint64
}

// New creates a Checkpointer.
func New(cfg Config) (*Checkpointer, error) {
	if cfg.Store == nil {
		return nil, ErrInvalidConfig
	}
	def := DefaultConfig()
	if cfg.Codec == nil {
		cfg.Codec = def.Codec
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New().WithComponent("checkpoint")
	}
	return &Checkpointer{
		store:         cfg.Store,
		codec:         cfg.Codec,
		prefix:        cfg.Prefix,
		deleteOnEvict: cfg.DeleteOnEvict,
		timeout:       cfg.Timeout,
		log:           cfg.Logger,
		locks:         xsync.NewMap[string, *sync.Mutex](),
		evicted:       xsync.NewMap[string, struct{}](),
	}, nil
}

// Key returns the store key for a task: <prefix>.<service>.<taskID>.
func (c *Checkpointer) Key(service, taskID string) string {
	return state.Key(c.prefix, service, taskID)
}

// OnEvent implements tasks.Listener.
func (c *Checkpointer) OnEvent(ev tasks.Event) {
	if ev.Task == nil {
		return
	}
	key := c.Key(ev.Service, ev.TaskID)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	switch {
	case ev.Kind == tasks.EventTaskEvicted && c.deleteOnEvict:
		c.evicted.Store(key, struct{}{})
		if err := c.remove(ctx, key); err != nil {
			c.fail("checkpoint_delete_failed", ev, key, err)
		}
		return
	case ev.Kind == tasks.EventTaskCreated:
		c.evicted.Delete(key)
	}

	if c.isEvicted(key) {
		return
	}
	if err := c.save(ctx, key, ev.Task, true); err != nil {
		c.fail("checkpoint_save_failed", ev, key, err)
	}
}

// Save writes a snapshot of t immediately.
func (c *Checkpointer) Save(ctx context.Context, service string, t *tasks.Task) error {
	return c.save(ctx, c.Key(service, t.ID()), t, false)
}

// save writes t under key. With live set, a key evicted while we waited for
// the lock is left deleted.
func (c *Checkpointer) save(ctx context.Context, key string, t *tasks.Task, live bool) error {
	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if live && c.isEvicted(key) {
		return nil
	}

	data, err := codec.Encode(c.codec, t)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := c.store.Put(ctx, key, data); err != nil {
		return err
	}
	c.saved.Add(1)
	return nil
}

func (c *Checkpointer) remove(ctx context.Context, key string) error {
	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := c.store.Delete(ctx, key); err != nil {
		return err
	}
	c.locks.Delete(key)
	c.deleted.Add(1)
	return nil
}

func (c *Checkpointer) isEvicted(key string) bool {
	_, gone := c.evicted.Load(key)
	return gone
}

func (c *Checkpointer) lock(key string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	return mu
}

func (c *Checkpointer) fail(msg string, ev tasks.Event, key string, err error) {
	c.failed.Add(1)
	c.log.Error(msg, map[string]interface{}{
		"service": ev.Service,
		"task":    ev.TaskID,
		"event":   string(ev.Kind),
		"key":     key,
		"error":   err.Error(),
	})
}

// Load reads and rebuilds one task.
func (c *Checkpointer) Load(ctx context.Context, service, taskID string, opts ...tasks.TaskOption) (*tasks.Task, error) {
	data, err := c.store.Get(ctx, c.Key(service, taskID))
	if err != nil {
		return nil, err
	}
	return codec.Decode(c.codec, data, opts...)
}

// Restore loads every stored snapshot into container and returns how many
// tasks were registered. The service is taken from the key, so a service
// name outside the key alphabet comes back in its sanitized form. Records
// that fail to decode are logged and skipped; tasks the container already
// holds are left alone.
func (c *Checkpointer) Restore(ctx context.Context, container *tasks.Container, autoEvict bool, opts ...tasks.TaskOption) (int, error) {
	keys, err := c.store.Keys(ctx, c.prefix+".")
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}

	restored := 0
	for _, key := range keys {
		service, ok := c.serviceOf(key)
		if !ok {
			continue
		}
		data, err := c.store.Get(ctx, key)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return restored, fkerrors.Wrapf(err, "read %s", key)
		}

		t, err := codec.Decode(c.codec, data, opts...)
		if err != nil {
			err = fkerrors.WrapWithCode(err, fkerrors.ErrCodeCorruption, "decode snapshot",
				fkerrors.WithMetadata("key", key))
			c.failed.Add(1)
			c.log.Warn("checkpoint_corrupt", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		if autoEvict && t.IsDone() {
			continue
		}

		switch err := container.Add(service, t, autoEvict); {
		case errors.Is(err, tasks.ErrTaskExists), errors.Is(err, tasks.ErrTaskDone):
		case err != nil:
			return restored, fmt.Errorf("register %s: %w", key, err)
		default:
			restored++
		}
	}

	c.log.Info("checkpoint_restored", map[string]interface{}{
		"tasks": restored,
		"keys":  len(keys),
	})
	return restored, nil
}

// serviceOf extracts the service token of <prefix>.<service>.<taskID>.
func (c *Checkpointer) serviceOf(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, c.prefix+".")
	if !ok {
		return "", false
	}
	service, taskID, ok := strings.Cut(rest, ".")
	if !ok || service == "" || taskID == "" || strings.Contains(taskID, ".") {
		return "", false
	}
	return service, true
}

// Saved returns the number of snapshots written.
func (c *Checkpointer) Saved() uint64 { return c.saved.Load() }

// Deleted returns the number of snapshots removed on eviction.
func (c *Checkpointer) Deleted() uint64 { return c.deleted.Load() }

// Failed returns the number of store or decode failures.
func (c *Checkpointer) Failed() uint64 { return c.failed.Load() }
