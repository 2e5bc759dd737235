package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued tracks the total number of jobs accepted by the queue.
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bizclaw",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Total number of jobs accepted by the queue",
	})

	// JobsDeduplicated tracks enqueue attempts collapsed by content-hash dedup.
	JobsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bizclaw",
		Subsystem: "queue",
		Name:      "jobs_deduplicated_total",
		Help:      "Total number of enqueue attempts collapsed as duplicates",
	})

	// JobsRunning tracks the number of jobs currently executing.
	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bizclaw",
		Subsystem: "queue",
		Name:      "jobs_running",
		Help:      "Number of jobs currently executing",
	})

	// JobsCompleted tracks jobs finished successfully.
	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bizclaw",
		Subsystem: "queue",
		Name:      "jobs_completed_total",
		Help:      "Total number of jobs completed successfully",
	})

	// JobsFailed tracks jobs that ended in failure.
	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bizclaw",
		Subsystem: "queue",
		Name:      "jobs_failed_total",
		Help:      "Total number of jobs that failed",
	})

	// JobsInterrupted tracks jobs cancelled or interrupted before completion.
	JobsInterrupted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bizclaw",
		Subsystem: "queue",
		Name:      "jobs_interrupted_total",
		Help:      "Total number of jobs cancelled or interrupted",
	})

	// TasksExecuted tracks scheduled task executions.
	TasksExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bizclaw",
		Subsystem: "scheduler",
		Name:      "tasks_executed_total",
		Help:      "Total number of scheduled task executions",
	})

	// TasksDisabled tracks tasks auto-disabled after repeated failures.
	TasksDisabled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bizclaw",
		Subsystem: "scheduler",
		Name:      "tasks_disabled_total",
		Help:      "Total number of tasks auto-disabled after repeated failures",
	})

	// TriggersFired tracks trigger firings that passed cooldown and breaker.
	TriggersFired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bizclaw",
		Subsystem: "trigger",
		Name:      "fired_total",
		Help:      "Total number of trigger firings",
	})

	// TriggersSkipped tracks firings suppressed by cooldown or open breaker.
	TriggersSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bizclaw",
		Subsystem: "trigger",
		Name:      "skipped_total",
		Help:      "Total number of trigger firings suppressed by cooldown or circuit breaker",
	})

	// DedupHits tracks inbound deliveries collapsed as duplicates.
	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bizclaw",
		Subsystem: "webhook",
		Name:      "dedup_hits_total",
		Help:      "Total number of inbound deliveries skipped as duplicates",
	})
)
