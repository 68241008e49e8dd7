// Package metrics holds the relay's Prometheus collectors. They register on
// the default registry, which the ops router serves at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "captcha_relay"

var (
	// JobsEnqueued counts jobs created through the relay service.
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs created through the relay service.",
	})

	// JobsClaimed counts jobs this process claimed from the store.
	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_claimed_total",
		Help:      "Jobs claimed by the dispatcher.",
	})

	// JobsFinished counts terminal writes by state and error code.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Jobs written to a terminal state.",
	}, []string{"state", "code"})

	// SolveAttempts counts failed submit/poll attempts by error class.
	SolveAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "solve_attempt_failures_total",
		Help:      "Failed solve attempts by error class.",
	}, []string{"class"})

	// SolveDuration observes the wall time from dequeue to terminal write.
	SolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "solve_duration_seconds",
		Help:      "Time from dequeue to terminal write.",
		Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300, 600},
	})

	// Faults counts in-process failures that caused a requeue.
	Faults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_faults_total",
		Help:      "In-process faults while handling a job.",
	})

	// DeadLettered counts jobs moved to the dead-letter path.
	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dead_lettered_total",
		Help:      "Jobs terminated after repeated faults.",
	}, []string{"result"})

	// QueueDepth is the number of items waiting in the worker queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Items waiting in the worker queue.",
	})

	// BusyWorkers is the number of workers currently handling a job.
	BusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_busy",
		Help:      "Workers currently handling a job.",
	})

	// DispatchErrors counts failed dispatcher cycles by kind.
	DispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_errors_total",
		Help:      "Dispatcher cycles that failed.",
	}, []string{"kind"})

	// SweepRuns counts garbage collection runs by result.
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_runs_total",
		Help:      "Garbage collection runs by result.",
	}, []string{"result"})

	// SweepDeleted counts jobs removed by garbage collection.
	SweepDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_deleted_total",
		Help:      "Jobs deleted by garbage collection.",
	})
)
