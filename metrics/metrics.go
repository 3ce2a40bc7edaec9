// Package metrics exports scheduler activity to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vinayprograms/fragkit/tasks"
)

// Collector is a tasks.Listener backed by Prometheus. Subscribe it to a
// container; workers additionally report claims and processing times.
//
// Metrics are registered on first use.
type Collector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	transitions    *prometheus.CounterVec
	tasksCreated   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksEvicted   *prometheus.CounterVec
	tasksActive    *prometheus.GaugeVec
	processing     *prometheus.GaugeVec
	taskDuration   *prometheus.HistogramVec
	claims         *prometheus.CounterVec
	processTime    *prometheus.HistogramVec
	workersLost    prometheus.Counter
}

var _ tasks.Listener = (*Collector)(nil)

// NewCollector creates a collector. A nil registerer uses
// prometheus.DefaultRegisterer; an empty namespace uses "fragkit".
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "fragkit"
	}
	return &Collector{reg: reg, namespace: namespace}
}

func (c *Collector) ensureRegistered() {
	c.once.Do(func() {
		c.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      "fragment_transitions_total",
			Help:      "Fragment state changes by service and state pair.",
		}, []string{"service", "from", "to"})

		c.tasksCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      "tasks_created_total",
			Help:      "Tasks registered per service.",
		}, []string{"service"})

		c.tasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks whose fragments all reached a terminal state.",
		}, []string{"service"})

		c.tasksEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      "tasks_evicted_total",
			Help:      "Tasks dropped from the container.",
		}, []string{"service"})

		c.tasksActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "tasks_registered",
			Help:      "Tasks currently registered per service.",
		}, []string{"service"})

		c.processing = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "fragments_processing",
			Help:      "Fragments currently claimed (working or retrying).",
		}, []string{"service"})

		c.taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from task creation to completion.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2h
		}, []string{"service"})

		c.claims = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "worker",
			Name:      "claims_total",
			Help:      "Claim attempts by result (claimed, empty).",
		}, []string{"service", "result"})

		c.processTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: "worker",
			Name:      "processing_seconds",
			Help:      "Time spent processing a fragment by reported state.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~80s
		}, []string{"service", "state"})

		c.workersLost = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "worker",
			Name:      "lost_total",
			Help:      "Workers presumed dead after missing heartbeats.",
		})

		c.reg.MustRegister(
			c.transitions,
			c.tasksCreated,
			c.tasksCompleted,
			c.tasksEvicted,
			c.tasksActive,
			c.processing,
			c.taskDuration,
			c.claims,
			c.processTime,
			c.workersLost,
		)
	})
}

// OnEvent implements tasks.Listener.
func (c *Collector) OnEvent(ev tasks.Event) {
	c.ensureRegistered()
	svc := ev.Service

	switch ev.Kind {
	case tasks.EventFragmentChanged:
		from, to := ev.Previous, ev.Fragment.State
		c.transitions.WithLabelValues(svc, string(from), string(to)).Inc()
		switch {
		case to.IsProcessing() && !from.IsProcessing():
			c.processing.WithLabelValues(svc).Inc()
		case from.IsProcessing() && !to.IsProcessing():
			c.processing.WithLabelValues(svc).Dec()
		}

	case tasks.EventTaskCreated:
		c.tasksCreated.WithLabelValues(svc).Inc()
		c.tasksActive.WithLabelValues(svc).Inc()
		// restored tasks may arrive with claimed fragments
		if ev.Task != nil {
			c.processing.WithLabelValues(svc).Add(float64(len(ev.Task.Processing())))
		}

	case tasks.EventTaskCompleted:
		c.tasksCompleted.WithLabelValues(svc).Inc()
		if ev.Task != nil && !ev.Time.IsZero() {
			c.taskDuration.WithLabelValues(svc).Observe(ev.Time.Sub(ev.Task.Creation()).Seconds())
		}

	case tasks.EventTaskEvicted:
		c.tasksEvicted.WithLabelValues(svc).Inc()
		c.tasksActive.WithLabelValues(svc).Dec()
		if ev.Task != nil {
			c.processing.WithLabelValues(svc).Sub(float64(len(ev.Task.Processing())))
		}
	}
}

// ObserveClaim records a claim attempt.
func (c *Collector) ObserveClaim(service string, claimed bool) {
	c.ensureRegistered()
	result := "empty"
	if claimed {
		result = "claimed"
	}
	c.claims.WithLabelValues(service, result).Inc()
}

// ObserveProcessing records how long a fragment took and what was reported.
func (c *Collector) ObserveProcessing(service string, reported tasks.FragmentState, d time.Duration) {
	c.ensureRegistered()
	c.processTime.WithLabelValues(service, string(reported)).Observe(d.Seconds())
}

// ObserveWorkerLost records a worker presumed dead.
func (c *Collector) ObserveWorkerLost() {
	c.ensureRegistered()
	c.workersLost.Inc()
}
