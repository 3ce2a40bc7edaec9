package heartbeat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/fragkit/bus"
)

var (
	// ErrAlreadyStarted is returned when Start is called on a running sender or monitor.
	ErrAlreadyStarted = errors.New("heartbeat: already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("heartbeat: not started")

	// ErrInvalidConfig is returned for invalid configuration.
	ErrInvalidConfig = errors.New("heartbeat: invalid configuration")
)

// SubjectPrefix is the first token of every heartbeat subject.
const SubjectPrefix = "heartbeat"

// Heartbeat is the liveness signal a worker publishes while it runs.
type Heartbeat struct {
	WorkerID  string    `json:"worker_id"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`

	// Active is the number of fragments the worker is processing right now.
	Active int `json:"active"`
}

// Subject returns the subject this heartbeat is published on.
func (h *Heartbeat) Subject() string {
	return ServiceSubject(h.Service)
}

// Marshal encodes the heartbeat as JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal decodes a heartbeat.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ServiceSubject returns heartbeat.<service>.
func ServiceSubject(service string) string {
	return bus.Subject(SubjectPrefix, service)
}

// SenderConfig configures a BusSender.
type SenderConfig struct {
	Bus      bus.MessageBus
	WorkerID string
	Service  string

	// Interval between heartbeats.
	// Default: 5s
	Interval time.Duration
}

// DefaultSenderConfig returns sender defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{Interval: 5 * time.Second}
}

// Validate checks the sender configuration.
func (c SenderConfig) Validate() error {
	if c.Bus == nil || c.WorkerID == "" || c.Service == "" {
		return ErrInvalidConfig
	}
	return nil
}

// MonitorConfig configures a BusMonitor.
type MonitorConfig struct {
	Bus bus.MessageBus

	// Service restricts monitoring to one service. Empty watches all.
	Service string

	// Timeout after which a silent worker is presumed dead.
	// Default: 15s
	Timeout time.Duration

	// CheckInterval is how often the monitor looks for silent workers.
	// Default: 1s
	CheckInterval time.Duration
}

// DefaultMonitorConfig returns monitor defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: time.Second,
	}
}

// Validate checks the monitor configuration.
func (c MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}
