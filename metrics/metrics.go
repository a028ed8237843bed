package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herringbone_events_ingested_total",
			Help: "Total number of events ingested",
		},
		[]string{"source"},
	)

	PipelinePolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herringbone_pipeline_polls_total",
			Help: "Poll cycles per pipeline stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herringbone_stage_failures_total",
			Help: "Stage handler failures recorded on event state",
		},
		[]string{"stage"},
	)

	DetectionsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herringbone_detections_recorded_total",
			Help: "Detection records written, labelled by whether any rule matched",
		},
		[]string{"outcome"},
	)

	CorrelationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herringbone_correlation_decisions_total",
			Help: "Correlation engine decisions by action",
		},
		[]string{"action"},
	)

	IncidentsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herringbone_incidents_created_total",
			Help: "Incidents created by the orchestrator",
		},
	)

	IncidentsAttached = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herringbone_incidents_attached_total",
			Help: "Detections attached to existing incidents",
		},
	)

	MatcherCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herringbone_matcher_call_duration_seconds",
			Help:    "Time taken by a single rule match call",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herringbone_cache_errors_total",
			Help: "Cache operation failures",
		},
		[]string{"cache", "operation"},
	)
)
