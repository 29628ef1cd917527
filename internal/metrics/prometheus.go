package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CZERTAINLY/Bosun/internal/model"
)

const namespace = "bosun"

// PrometheusSink implements Sink using Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Launcher metrics
	launchesTotal *prometheus.CounterVec
	dedupEntries  prometheus.Gauge

	// Registry metrics
	executionsActive     prometheus.Gauge
	executionsTotal      *prometheus.CounterVec
	executionDuration    prometheus.Histogram
	historyFailuresTotal prometheus.Counter

	// Broadcaster metrics
	subscribers           prometheus.Gauge
	deliveryFailuresTotal prometheus.Counter

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheusSink creates a new Prometheus metrics sink registered to reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initExecutionMetrics(reg)
	s.initBroadcastMetrics(reg)
	s.initHTTPMetrics(reg)
	return s
}

func (s *PrometheusSink) initExecutionMetrics(reg prometheus.Registerer) {
	s.launchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "launches_total",
		Help:      "Total number of admitted launch requests.",
	}, []string{"duplicate"})
	s.dedupEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dedup_entries",
		Help:      "Number of fingerprints held by the dedup guard.",
	})
	s.executionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executions_active",
		Help:      "Number of executions which did not reach a terminal state.",
	})
	s.executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Total number of finished executions by terminal status.",
	}, []string{"status"})
	s.executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Wall time of finished executions in seconds.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
	})
	s.historyFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_append_failures_total",
		Help:      "Total number of terminal executions which could not be persisted.",
	})

	s.register(reg, s.launchesTotal, "launches_total")
	s.register(reg, s.dedupEntries, "dedup_entries")
	s.register(reg, s.executionsActive, "executions_active")
	s.register(reg, s.executionsTotal, "executions_total")
	s.register(reg, s.executionDuration, "execution_duration_seconds")
	s.register(reg, s.historyFailuresTotal, "history_append_failures_total")
}

func (s *PrometheusSink) initBroadcastMetrics(reg prometheus.Registerer) {
	s.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_subscribers",
		Help:      "Number of connections subscribed to at least one execution.",
	})
	s.deliveryFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_delivery_failures_total",
		Help:      "Total number of events which could not be sent to a subscriber.",
	})

	s.register(reg, s.subscribers, "stream_subscribers")
	s.register(reg, s.deliveryFailuresTotal, "stream_delivery_failures_total")
}

func (s *PrometheusSink) initHTTPMetrics(reg prometheus.Registerer) {
	s.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "route", "status"})
	s.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	s.register(reg, s.httpRequests, "http_requests_total")
	s.register(reg, s.httpDuration, "http_request_duration_seconds")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("metrics: registration failed", "metric", name, "error", err)
	}
}

func (s *PrometheusSink) LaunchAdmitted(duplicate bool) {
	s.launchesTotal.WithLabelValues(strconv.FormatBool(duplicate)).Inc()
}

func (s *PrometheusSink) DedupEntriesUpdate(count int) {
	s.dedupEntries.Set(float64(count))
}

func (s *PrometheusSink) ExecutionStarted() {
	s.executionsActive.Inc()
}

func (s *PrometheusSink) ExecutionFinished(status model.Status, duration time.Duration) {
	s.executionsActive.Dec()
	s.executionsTotal.WithLabelValues(string(status)).Inc()
	s.executionDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) HistoryAppendFailed() {
	s.historyFailuresTotal.Inc()
}

func (s *PrometheusSink) SubscribersUpdate(count int) {
	s.subscribers.Set(float64(count))
}

func (s *PrometheusSink) DeliveryFailed() {
	s.deliveryFailuresTotal.Inc()
}

func (s *PrometheusSink) HTTPRequest(method, route string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	s.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	s.httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}
