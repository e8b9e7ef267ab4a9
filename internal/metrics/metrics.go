// Package metrics exposes prometheus collectors for the scheduler loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the collectors one flow controller maintains.
type Set struct {
	Ticks       prometheus.Counter
	Submissions prometheus.Counter
	Transitions *prometheus.CounterVec
	PollErrors  prometheus.Counter
	ActiveTasks prometheus.Gauge
}

// New creates the collector set and registers it. Pass nil to register on
// the default registerer.
func New(reg prometheus.Registerer) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Set{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calcflow_scheduler_ticks_total",
			Help: "Number of scheduler ticks executed.",
		}),
		Submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calcflow_submissions_total",
			Help: "Number of task submissions handed to the queue adapter.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calcflow_task_transitions_total",
			Help: "Number of task state transitions, by destination state.",
		}, []string{"to"}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calcflow_poll_errors_total",
			Help: "Number of failed poll calls to the queue adapter.",
		}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calcflow_active_tasks",
			Help: "Tasks currently submitted or running.",
		}),
	}
	reg.MustRegister(s.Ticks, s.Submissions, s.Transitions, s.PollErrors, s.ActiveTasks)
	return s
}

// Nop returns an unregistered set, for tests and for callers that do not
// serve metrics.
func Nop() *Set {
	s := New(prometheus.NewRegistry())
	return s
}
