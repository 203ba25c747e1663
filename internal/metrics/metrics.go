package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkline_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forkline_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Streaming sessions
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forkline_sessions_started_total",
			Help: "Total streaming sessions started",
		},
	)

	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkline_sessions_finished_total",
			Help: "Total streaming sessions by terminal state",
		},
		[]string{"state", "reason"},
	)

	SessionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forkline_sessions_rejected_total",
			Help: "Sessions rejected because another one was active for the project",
		},
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forkline_session_duration_seconds",
			Help:    "Time from send to terminal state",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 20, 40, 60},
		},
	)

	ChunksDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forkline_stream_chunks_dropped_total",
			Help: "Stream chunks dropped because the active project changed",
		},
	)

	StreamParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forkline_stream_parse_errors_total",
			Help: "Malformed stream lines skipped",
		},
	)

	// Conversation store
	Merges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkline_merges_total",
			Help: "Branch merges by mode",
		},
		[]string{"mode"},
	)

	MergedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkline_merged_messages_total",
			Help: "Messages written or skipped by merges",
		},
		[]string{"result"}, // "inserted" or "skipped"
	)

	Edits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forkline_edits_total",
			Help: "Message edits that truncated history",
		},
	)

	ArtifactsArchived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forkline_artifacts_archived_total",
			Help: "Artifacts extracted from assistant messages",
		},
		[]string{"category"},
	)
)
