package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики ядра. Регистрируются в глобальном реестре и отдаются на /metrics.
var (
	// TracesStartedTotal — запущенные trace по режиму планирования.
	TracesStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tower_traces_started_total",
		Help: "Total number of started traces",
	}, []string{"schedule_type"})

	// TracesCancelledTotal — отменённые trace.
	TracesCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tower_traces_cancelled_total",
		Help: "Total number of cancelled traces",
	})

	// DispatchTotal — публикации диспетчера по топику.
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tower_dispatch_total",
		Help: "Total number of dispatched messages",
	}, []string{"topic"})

	// AdmissionsTotal — результаты допуска экземпляров.
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tower_admissions_total",
		Help: "Admission attempts by outcome",
	}, []string{"outcome"})

	// TaskEventsTotal — обработанные события воркеров.
	TaskEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tower_task_events_total",
		Help: "Processed worker events by type",
	}, []string{"event_type"})

	// DuplicateEventsTotal — события, отброшенные по eventId.
	DuplicateEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tower_duplicate_events_total",
		Help: "Worker events dropped as duplicates",
	})

	// TasksFinishedTotal — переходы в финальный статус.
	TasksFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tower_tasks_finished_total",
		Help: "Task instances reaching a terminal status",
	}, []string{"status"})

	// AggregationActivationsTotal — активации родителей.
	AggregationActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tower_aggregation_activations_total",
		Help: "Parent instances resolved after all children finished",
	}, []string{"decision"})

	// AggregationAnomaliesTotal — попытки превысить split_count.
	AggregationAnomaliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tower_aggregation_anomalies_total",
		Help: "Child completions clamped because completed_children reached split_count",
	})

	// LoopRoundsTotal — перевзводы LOOP.
	LoopRoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tower_loop_rounds_total",
		Help: "Loop instances re-armed for the next round",
	})

	// RetriesTotal — повторы после FAILED.
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tower_retries_total",
		Help: "Task instances re-armed for retry",
	})

	// ResumesTotal — попытки resume по исходу.
	ResumesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tower_resumes_total",
		Help: "Resume requests by outcome",
	}, []string{"outcome"})

	// KVFallbackTotal — операции, обслуженные резервным in-process хранилищем.
	KVFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tower_kv_fallback_total",
		Help: "Key/value operations served by the in-process fallback",
	}, []string{"op"})

	// CronTicksTotal — тики cron по исходу.
	CronTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tower_cron_ticks_total",
		Help: "Cron ticks by outcome",
	}, []string{"outcome"})

	// HTTPRequestsTotal — HTTP-запросы к API.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tower_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "status"})

	// ExecutionsTotal — выполнения на воркерах по исходу.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tower_worker_executions_total",
		Help: "Worker executions by code ref and outcome",
	}, []string{"code_ref", "outcome"})

	// ExecutionDuration — длительность выполнения на воркере.
	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tower_worker_execution_duration_seconds",
		Help:    "Worker execution duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"code_ref"})
)
