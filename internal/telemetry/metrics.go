package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_runs_created_total", Help: "Workflow runs created, by trigger type",
	}, []string{"trigger"})
	DuplicateOccurrences = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_duplicate_occurrences_total", Help: "Occurrences ignored because a run already exists for the idempotency key",
	}, []string{"trigger"})
	DispatchRuleErrors   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_dispatch_rule_errors_total", Help: "Per-rule failures during trigger dispatch"})
	SchedulerRuleErrors  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_scheduler_rule_errors_total", Help: "Per-rule failures during a scheduler tick"}, []string{"pool"})
	InvalidCron          = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_invalid_cron_total", Help: "Rules whose cron expression failed to parse"})
	CompoundTransitions  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_compound_transitions_total", Help: "Compound state changes, by target phase"}, []string{"to"})
	CompoundCASConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_compound_cas_conflicts_total", Help: "Compound state writes lost to a concurrent writer"})
	SchedulerTicks       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_scheduler_ticks_total", Help: "Scheduler ticks, by outcome"}, []string{"outcome"})
	TickDuration         = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "automation_scheduler_tick_seconds", Help: "Scheduler tick duration", Buckets: prometheus.DefBuckets})
	RunsFinished         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_runs_finished_total", Help: "Runs reaching a terminal or suspended status"}, []string{"status"})
	StepsExecuted        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "automation_steps_executed_total", Help: "Steps executed, by type and outcome"}, []string{"type", "outcome"})
	ApprovalsExpired     = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_approvals_expired_total", Help: "Approval steps failed by timeout"})
	DeliveryRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_delivery_retries_total", Help: "Hand-off messages rescheduled after an infrastructure error"})
	DeliveryDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_delivery_dead_letter_total", Help: "Hand-off messages moved to the DLQ"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_rate_limit_rejects_total", Help: "Trigger requests rejected by rate limiter"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_queue_depth", Help: "Ready hand-off messages"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_inflight", Help: "Hand-off messages currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsCreated,
			DuplicateOccurrences,
			DispatchRuleErrors,
			SchedulerRuleErrors,
			InvalidCron,
			CompoundTransitions,
			CompoundCASConflicts,
			SchedulerTicks,
			TickDuration,
			RunsFinished,
			StepsExecuted,
			ApprovalsExpired,
			DeliveryRetries,
			DeliveryDeadLetter,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
