package heartbeat

import (
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/fragkit/bus"
)

// BusMonitor tracks the last heartbeat of every worker and reports
// workers that fall silent.
type BusMonitor struct {
	bus           bus.MessageBus
	subject       string
	timeout       time.Duration
	checkInterval time.Duration

	mu       sync.RWMutex
	lastSeen map[string]*Heartbeat
	arrived  map[string]time.Time
	reported map[string]bool
	deadCBs  []func(workerID string)

	runMu   sync.Mutex
	running bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}

	now func() time.Time
}

// NewBusMonitor creates a monitor. Call Start to begin receiving.
func NewBusMonitor(cfg MonitorConfig) (*BusMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultMonitorConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}

	subject := SubjectPrefix + ".>"
	if cfg.Service != "" {
		subject = ServiceSubject(cfg.Service)
	}

	return &BusMonitor{
		bus:           cfg.Bus,
		subject:       subject,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		lastSeen:      make(map[string]*Heartbeat),
		arrived:       make(map[string]time.Time),
		reported:      make(map[string]bool),
		now:           time.Now,
	}, nil
}

// Start subscribes to heartbeats and begins dead-worker checks.
func (m *BusMonitor) Start() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return ErrAlreadyStarted
	}

	sub, err := m.bus.Subscribe(m.subject)
	if err != nil {
		return err
	}
	m.sub = sub
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(sub, m.stopCh, m.doneCh)
	return nil
}

func (m *BusMonitor) run(sub bus.Subscription, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			hb, err := Unmarshal(msg.Data)
			if err != nil || hb.WorkerID == "" {
				continue
			}
			m.Receive(hb)
		case <-ticker.C:
			m.Check(m.now())
		}
	}
}

// Receive records a heartbeat. Liveness is measured from the local
// arrival time so skewed worker clocks cannot keep a worker alive.
func (m *BusMonitor) Receive(hb *Heartbeat) {
	m.mu.Lock()
	m.lastSeen[hb.WorkerID] = hb
	m.arrived[hb.WorkerID] = m.now()
	delete(m.reported, hb.WorkerID)
	m.mu.Unlock()
}

// Check reports every worker silent for longer than the timeout at now.
// Each worker is reported once until it sends another heartbeat. It
// returns the workers reported by this call.
func (m *BusMonitor) Check(now time.Time) []string {
	m.mu.Lock()
	var dead []string
	for id, at := range m.arrived {
		if now.Sub(at) > m.timeout && !m.reported[id] {
			m.reported[id] = true
			dead = append(dead, id)
		}
	}
	callbacks := make([]func(string), len(m.deadCBs))
	copy(callbacks, m.deadCBs)
	m.mu.Unlock()

	sort.Strings(dead)
	for _, id := range dead {
		for _, cb := range callbacks {
			cb(id)
		}
	}
	return dead
}

// IsAlive reports whether a worker was heard from within the timeout.
func (m *BusMonitor) IsAlive(workerID string) bool {
	m.mu.RLock()
	at, ok := m.arrived[workerID]
	m.mu.RUnlock()
	return ok && m.now().Sub(at) <= m.timeout
}

// LastHeartbeat returns the last heartbeat from a worker, or nil.
func (m *BusMonitor) LastHeartbeat(workerID string) *Heartbeat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeen[workerID]
}

// Workers returns the IDs of every worker seen so far, sorted.
func (m *BusMonitor) Workers() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.lastSeen))
	for id := range m.lastSeen {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Forget drops a worker from tracking.
func (m *BusMonitor) Forget(workerID string) {
	m.mu.Lock()
	delete(m.lastSeen, workerID)
	delete(m.arrived, workerID)
	delete(m.reported, workerID)
	m.mu.Unlock()
}

// OnDead registers a callback for workers presumed dead. Callbacks run on
// the monitor goroutine and should not block.
func (m *BusMonitor) OnDead(callback func(workerID string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// Stop unsubscribes and waits for the monitor loop to exit.
func (m *BusMonitor) Stop() error {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return ErrNotStarted
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	sub := m.sub
	m.runMu.Unlock()

	<-done
	return sub.Unsubscribe()
}
