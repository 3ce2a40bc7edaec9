// Package notify publishes scheduler events on a message bus so processes
// other than the one holding the tasks can follow progress.
package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/fragkit/bus"
	"github.com/vinayprograms/fragkit/logging"
	"github.com/vinayprograms/fragkit/tasks"
)

// ErrInvalidConfig is returned when no bus is configured.
var ErrInvalidConfig = errors.New("notify: bus required")

// FragmentMessage is the wire form of a fragment.
type FragmentMessage struct {
	ID           string `json:"id"`
	Index        int    `json:"index"`
	State        string `json:"state"`
	Tag          string `json:"tag,omitempty"`
	Modification int64  `json:"modification"`
}

// EventMessage is the wire form of a scheduler event.
type EventMessage struct {
	Kind        string           `json:"kind"`
	Service     string           `json:"service"`
	TaskID      string           `json:"task_id"`
	JobID       string           `json:"job_id"`
	Fragment    *FragmentMessage `json:"fragment,omitempty"`
	Previous    string           `json:"previous,omitempty"`
	Description string           `json:"description,omitempty"`

	// Total and Done summarize the task when the event was published.
	Total int `json:"total"`
	Done  int `json:"done"`

	// Time is in Unix milliseconds.
	Time int64 `json:"time"`
}

// NewEventMessage converts an event.
func NewEventMessage(ev tasks.Event) EventMessage {
	msg := EventMessage{
		Kind:        string(ev.Kind),
		Service:     ev.Service,
		TaskID:      ev.TaskID,
		JobID:       ev.JobID,
		Previous:    string(ev.Previous),
		Description: ev.Description,
	}
	if !ev.Time.IsZero() {
		msg.Time = ev.Time.UnixMilli()
	}
	if ev.Kind == tasks.EventFragmentChanged {
		msg.Fragment = &FragmentMessage{
			ID:    ev.Fragment.ID,
			Index: ev.Fragment.Index,
			State: string(ev.Fragment.State),
			Tag:   ev.Fragment.Tag,
		}
		if !ev.Fragment.Modification.IsZero() {
			msg.Fragment.Modification = ev.Fragment.Modification.UnixMilli()
		}
	}
	if ev.Task != nil {
		p := ev.Task.Progress()
		msg.Total = p.Total
		msg.Done = p.Done()
	}
	return msg
}

// Config configures a Publisher.
type Config struct {
	Bus bus.MessageBus

	// SubjectPrefix is the first subject token. Default: "fragkit".
	SubjectPrefix string

	// Kinds restricts publication to these event kinds. Empty publishes all.
	Kinds []tasks.EventKind

	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{SubjectPrefix: "fragkit"}
}

// Publisher is a tasks.Listener that publishes every event to
// <prefix>.<service>.<kind>. Publish failures are logged and counted.
type Publisher struct {
	bus    bus.MessageBus
	prefix string
	kinds  map[tasks.EventKind]bool
	log    *logging.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher creates a Publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Bus == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New().WithComponent("notify")
	}
	p := &Publisher{
		bus:    cfg.Bus,
		prefix: cfg.SubjectPrefix,
		log:    cfg.Logger,
	}
	if len(cfg.Kinds) > 0 {
		p.kinds = make(map[tasks.EventKind]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			p.kinds[k] = true
		}
	}
	return p, nil
}

// Subject returns the subject an event of kind for service is published on.
func (p *Publisher) Subject(service string, kind tasks.EventKind) string {
	return EventSubject(p.prefix, service, kind)
}

// EventSubject returns <prefix>.<service>.<kind> with every token sanitized.
func EventSubject(prefix, service string, kind tasks.EventKind) string {
	return bus.Subject(prefix, service, string(kind))
}

// ServicePattern matches every event of one service.
func ServicePattern(prefix, service string) string {
	return bus.Subject(prefix, service) + ".*"
}

// AllPattern matches every event under prefix.
func AllPattern(prefix string) string {
	return bus.Subject(prefix) + ".>"
}

// OnEvent implements tasks.Listener.
func (p *Publisher) OnEvent(ev tasks.Event) {
	if p.kinds != nil && !p.kinds[ev.Kind] {
		return
	}
	data, err := json.Marshal(NewEventMessage(ev))
	if err == nil {
		err = p.bus.Publish(p.Subject(ev.Service, ev.Kind), data)
	}
	if err != nil {
		p.failed.Add(1)
		p.log.Warn("notify_publish_failed", map[string]interface{}{
			"service": ev.Service,
			"task":    ev.TaskID,
			"event":   string(ev.Kind),
			"error":   err.Error(),
		})
		return
	}
	p.published.Add(1)
}

// Published returns the number of events published.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Failed returns the number of events that could not be published.
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

// Subscription delivers decoded events from a bus subscription.
type Subscription struct {
	sub  bus.Subscription
	ch   chan EventMessage
	once sync.Once
	done chan struct{}

	malformed atomic.Uint64
}

// Subscribe follows events matching pattern. Use ServicePattern or
// AllPattern to build one. Messages that do not decode are skipped.
func Subscribe(b bus.MessageBus, pattern string) (*Subscription, error) {
	sub, err := b.Subscribe(pattern)
	if err != nil {
		return nil, err
	}
	s := &Subscription{
		sub:  sub,
		ch:   make(chan EventMessage, cap(sub.Messages())+1),
		done: make(chan struct{}),
	}
	go s.relay()
	return s, nil
}

func (s *Subscription) relay() {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.sub.Messages():
			if !ok {
				return
			}
			var ev EventMessage
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				s.malformed.Add(1)
				continue
			}
			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// Events returns the channel of decoded events. It is closed after
// Unsubscribe or when the bus closes.
func (s *Subscription) Events() <-chan EventMessage {
	return s.ch
}

// Malformed returns the number of messages that failed to decode.
func (s *Subscription) Malformed() uint64 {
	return s.malformed.Load()
}

// Unsubscribe stops delivery.
func (s *Subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
	})
	return err
}
