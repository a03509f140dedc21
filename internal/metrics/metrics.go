// Package metrics exposes Prometheus instrumentation for the sync
// drainer, the reminder reconciler and the risk sweep.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's collectors. Components receive it by
// injection rather than through a package-level default so tests can use
// isolated registries.
type Metrics struct {
	SyncAttempts prometheus.Counter
	SyncApplied  prometheus.Counter
	SyncFailures prometheus.Counter
	SyncStuck    prometheus.Gauge
	QueueDepth   prometheus.Gauge
	DrainCycles  prometheus.Counter
	DrainSkipped prometheus.Counter

	RemindersScheduled prometheus.Counter
	RemindersCancelled prometheus.Counter
	ResyncsTotal       prometheus.Counter

	SweepRuns   prometheus.Counter
	SweepAlerts *prometheus.CounterVec
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosewise_sync_attempts_total",
			Help: "Remote apply attempts made by the sync drainer.",
		}),
		SyncApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosewise_sync_applied_total",
			Help: "Queue items confirmed applied to the remote store.",
		}),
		SyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosewise_sync_failures_total",
			Help: "Remote apply attempts that failed.",
		}),
		SyncStuck: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dosewise_sync_stuck_items",
			Help: "Unsynced items at or past the retry threshold.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dosewise_sync_queue_depth",
			Help: "Unsynced items currently in the queue.",
		}),
		DrainCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosewise_sync_drain_cycles_total",
			Help: "Completed drain cycles.",
		}),
		DrainSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosewise_sync_drain_skipped_total",
			Help: "Drain cycles skipped because one was already running.",
		}),
		RemindersScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosewise_reminders_scheduled_total",
			Help: "Notifications scheduled by the reconciler.",
		}),
		RemindersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosewise_reminders_cancelled_total",
			Help: "Notifications cancelled by the reconciler.",
		}),
		ResyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosewise_reminder_resyncs_total",
			Help: "Full reminder resyncs performed.",
		}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosewise_sweep_runs_total",
			Help: "Risk sweep executions.",
		}),
		SweepAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosewise_sweep_alerts_total",
			Help: "Alerts raised by the risk sweep, by tier.",
		}, []string{"tier"}),
	}

	reg.MustRegister(
		m.SyncAttempts, m.SyncApplied, m.SyncFailures, m.SyncStuck,
		m.QueueDepth, m.DrainCycles, m.DrainSkipped,
		m.RemindersScheduled, m.RemindersCancelled, m.ResyncsTotal,
		m.SweepRuns, m.SweepAlerts,
	)
	return m
}

// NewUnregistered returns collectors on a throwaway registry, for tests
// and components that do not export.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
