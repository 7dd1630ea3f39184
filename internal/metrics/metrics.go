package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Notification metrics
	NotificationsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyx_notifications_accepted_total",
			Help: "Total number of notifications accepted for delivery",
		},
		[]string{"tenant", "priority"},
	)

	NotificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyx_notifications_suppressed_total",
			Help: "Total number of notifications suppressed by rules",
		},
		[]string{"tenant"},
	)

	NotificationsRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyx_notifications_rate_limited_total",
			Help: "Total number of notifications rejected by rate limits",
		},
		[]string{"tenant"},
	)

	// Delivery metrics
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyx_deliveries_total",
			Help: "Total number of delivery attempts",
		},
		[]string{"channel", "provider", "status"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyx_delivery_duration_seconds",
			Help:    "Delivery attempt duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel", "provider"},
	)

	DeliveryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyx_delivery_retries_total",
			Help: "Total number of delivery retries scheduled",
		},
		[]string{"channel"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifyx_queue_depth",
			Help: "Number of messages pending per priority",
		},
		[]string{"priority"},
	)

	QueueInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyx_queue_in_flight",
			Help: "Number of messages dequeued and not yet acked",
		},
	)

	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyx_dead_lettered_total",
			Help: "Total number of messages moved to the dead letter store",
		},
		[]string{"channel"},
	)

	// Workflow metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyx_workflow_runs_started_total",
			Help: "Total number of workflow runs started",
		},
		[]string{"tenant"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyx_workflow_runs_completed_total",
			Help: "Total number of workflow runs completed",
		},
		[]string{"tenant", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyx_workflow_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant"},
	)

	NodeExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyx_workflow_node_executions_total",
			Help: "Total number of workflow node executions",
		},
		[]string{"node_type", "status"},
	)

	NodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyx_workflow_node_duration_ms",
			Help:    "Workflow node execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"node_type"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyx_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyx_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Realtime subscriber metrics
	SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyx_subscribers_active",
			Help: "Number of active realtime subscribers",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyx_run_events_published_total",
			Help: "Total number of run events published",
		},
		[]string{"event_type"},
	)
)

// RecordDelivery records one delivery attempt outcome.
func RecordDelivery(channel, provider, status string, durationSeconds float64) {
	Deliveries.WithLabelValues(channel, provider, status).Inc()
	DeliveryDuration.WithLabelValues(channel, provider).Observe(durationSeconds)
}

// RecordNodeExecution records one workflow node execution.
func RecordNodeExecution(nodeType, status string, durationMs float64) {
	NodeExecutions.WithLabelValues(nodeType, status).Inc()
	NodeExecutionDuration.WithLabelValues(nodeType).Observe(durationMs)
}

// RecordHTTPRequest records one HTTP request.
func RecordHTTPRequest(method, route, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}
