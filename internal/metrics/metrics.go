package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Change feed metrics
	FeedPublishTotal    *prometheus.CounterVec
	FeedPublishDuration *prometheus.HistogramVec

	// Realtime subscription metrics
	RealtimeSubscriptions    prometheus.Gauge
	RealtimeSubscribeTotal   *prometheus.CounterVec
	RealtimeEventsDelivered  prometheus.Counter
	NotificationsPushed      *prometheus.CounterVec
	NotificationRefreshTotal *prometheus.CounterVec

	// Report lifecycle metrics
	ReportsSubmitted      prometheus.Counter
	ReconcileTotal        *prometheus.CounterVec
	ReportsDismissedTotal prometheus.Counter

	// Reverse geocoding metrics
	GeocodeTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		// HTTP request metrics
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		// Storage operation metrics
		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		// Change feed metrics
		FeedPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_publish_total",
			Help: "Total number of change feed publish operations",
		}, []string{"table", "status"}),

		FeedPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feed_publish_duration_seconds",
			Help:    "Change feed publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"table", "status"}),

		// Realtime subscription metrics
		RealtimeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_subscriptions_live",
			Help: "Number of live realtime notification subscriptions",
		}),

		RealtimeSubscribeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_subscribe_total",
			Help: "Realtime subscribe attempts by outcome",
		}, []string{"outcome"}),

		RealtimeEventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Change events delivered to session handlers",
		}),

		NotificationsPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_pushed_total",
			Help: "Browser push notifications by outcome",
		}, []string{"outcome"}),

		NotificationRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_refresh_total",
			Help: "Notification state reloads by trigger and status",
		}, []string{"trigger", "status"}),

		// Report lifecycle metrics
		ReportsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "location_reports_submitted_total",
			Help: "Location reports accepted from finders",
		}),

		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pet_status_reconcile_total",
			Help: "Pet status transitions by target status and cascade outcome",
		}, []string{"status", "cascade"}),

		ReportsDismissedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "location_reports_dismissed_total",
			Help: "Pending reports archived when a pet was marked found",
		}),

		// Reverse geocoding metrics
		GeocodeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverse_geocode_total",
			Help: "Reverse geocoding lookups by outcome",
		}, []string{"outcome"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.FeedPublishTotal)
	registerOrGet(m.FeedPublishDuration)
	registerOrGet(m.RealtimeSubscriptions)
	registerOrGet(m.RealtimeSubscribeTotal)
	registerOrGet(m.RealtimeEventsDelivered)
	registerOrGet(m.NotificationsPushed)
	registerOrGet(m.NotificationRefreshTotal)
	registerOrGet(m.ReportsSubmitted)
	registerOrGet(m.ReconcileTotal)
	registerOrGet(m.ReportsDismissedTotal)
	registerOrGet(m.GeocodeTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
