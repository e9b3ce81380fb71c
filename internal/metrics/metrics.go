package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osintflow_events_produced_total",
		Help: "Events accepted into a scan, labelled by producing module.",
	}, []string{"module"})

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "osintflow_events_duplicate_total",
		Help: "Events discarded because their fingerprint was already seen in the scan.",
	})

	EventsInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osintflow_events_invalid_total",
		Help: "Events returned by a module that failed validation, labelled by module.",
	}, []string{"module"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osintflow_dispatches_total",
		Help: "Module handler invocations, labelled by module and status.",
	}, []string{"module", "status"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "osintflow_handler_duration_ms",
		Help:    "Module handler latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000, 30000},
	}, []string{"module"})

	QueueEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osintflow_queue_enqueued_total",
		Help: "Items placed on a scan queue, labelled by lane.",
	}, []string{"lane"})

	QueueRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osintflow_queue_rejected_total",
		Help: "Items refused by a full lane under the reject policy.",
	}, []string{"lane"})

	QueueDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osintflow_queue_dropped_total",
		Help: "Items evicted from a full lane under the drop_oldest policy.",
	}, []string{"lane"})

	QueueDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osintflow_queue_dead_lettered_total",
		Help: "Items moved to the dead-letter list after exhausting retries.",
	}, []string{"lane"})

	QueuePressure = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "osintflow_queue_pressure_ratio",
		Help: "Most recent lane fill ratio (0-1) observed on any scan queue.",
	}, []string{"lane"})

	ModuleRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osintflow_module_restarts_total",
		Help: "Module re-instantiations after a handler timeout.",
	}, []string{"module"})

	ModulesDisabled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osintflow_modules_disabled_total",
		Help: "Modules disabled for the rest of a scan.",
	}, []string{"module"})

	ScanTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osintflow_scan_transitions_total",
		Help: "Scan state transitions, labelled by the state entered.",
	}, []string{"state"})

	ScansActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "osintflow_scans_active",
		Help: "Scans that have not reached a terminal state.",
	})

	SinkDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osintflow_sink_dropped_total",
		Help: "Events a sink listener missed because its buffer was full.",
	}, []string{"listener"})

	SinkPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "osintflow_sink_publish_errors_total",
		Help: "Failed publishes to the message bus.",
	})

	CorrelationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "osintflow_correlation_results_total",
		Help: "Correlation results produced, labelled by rule ID.",
	}, []string{"rule_id"})

	CorrelationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "osintflow_correlation_duration_ms",
		Help:    "Time to evaluate the rule catalog against one scan, in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	})

	RuleLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "osintflow_rule_load_errors_total",
		Help: "Correlation rules rejected while loading the catalog.",
	})

	RulesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "osintflow_rules_loaded",
		Help: "Correlation rules in the active catalog.",
	})
)
