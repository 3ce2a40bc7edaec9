package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/fragkit/bus"
)

// BusSender publishes a worker's heartbeat at a fixed interval.
type BusSender struct {
	bus      bus.MessageBus
	workerID string
	service  string
	interval time.Duration
	active   atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBusSender creates a sender.
func NewBusSender(cfg SenderConfig) (*BusSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSenderConfig().Interval
	}
	return &BusSender{
		bus:      cfg.Bus,
		workerID: cfg.WorkerID,
		service:  cfg.Service,
		interval: cfg.Interval,
	}, nil
}

// Start sends one heartbeat immediately and then one per interval until
// Stop is called or ctx ends.
func (s *BusSender) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx, s.stopCh, s.doneCh)
	return nil
}

func (s *BusSender) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	s.Send()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.Send()
		}
	}
}

// Send publishes a single heartbeat.
func (s *BusSender) Send() error {
	hb := s.Heartbeat()
	data, err := hb.Marshal()
	if err != nil {
		return err
	}
	return s.bus.Publish(hb.Subject(), data)
}

// Heartbeat returns the heartbeat the sender would publish now.
func (s *BusSender) Heartbeat() *Heartbeat {
	return &Heartbeat{
		WorkerID:  s.workerID,
		Service:   s.service,
		Timestamp: time.Now(),
		Active:    int(s.active.Load()),
	}
}

// SetActive records how many fragments the worker is processing.
func (s *BusSender) SetActive(n int) {
	if n < 0 {
		n = 0
	}
	s.active.Store(int64(n))
}

// Stop halts the sender and waits for its loop to exit.
func (s *BusSender) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	return nil
}

// WorkerID returns the sender's worker ID.
func (s *BusSender) WorkerID() string {
	return s.workerID
}
