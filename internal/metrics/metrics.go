// Package metrics exposes Prometheus collectors for the relay service.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Flush reasons recorded on relay_groups_flushed_total.
const (
	FlushReady     = "ready"
	FlushImmediate = "immediate"
	FlushOverflow  = "overflow"
	FlushShutdown  = "shutdown"
)

// Rejection reasons recorded on relay_events_rejected_total.
const (
	RejectQueueFull   = "queue_full"
	RejectQueueClosed = "queue_closed"
	RejectCanceled    = "client_canceled"
	RejectTableFull   = "table_full"
	RejectInvalid     = "invalid"
)

// Metrics owns every collector the relay exports. A nil *Metrics is valid and
// records nothing, which keeps tests and optional wiring simple.
type Metrics struct {
	eventsReceived   *prometheus.CounterVec
	eventsRejected   *prometheus.CounterVec
	pendingGroups    prometheus.Gauge
	groupsFlushed    *prometheus.CounterVec
	groupItems       prometheus.Histogram
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	rateLimitDelay   *prometheus.HistogramVec
	archiveWrites    *prometheus.CounterVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors against reg. When reg is nil a private
// registry is created so repeated construction never collides.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_received_total",
			Help: "Events accepted into the ingestion queue, labeled by Plex event and whether they coalesce.",
		}, []string{"event", "coalesced"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_rejected_total",
			Help: "Events that never reached a notification, labeled by reason.",
		}, []string{"reason"}),
		pendingGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_groups",
			Help: "Coalescing groups currently waiting for their debounce window.",
		}),
		groupsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_groups_flushed_total",
			Help: "Groups flushed to the dispatcher, labeled by reason.",
		}, []string{"reason"}),
		groupItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_group_items",
			Help:    "Number of events merged into each flushed notification.",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Delivery attempts labeled by endpoint and result.",
		}, []string{"endpoint", "result"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_delivery_duration_seconds",
			Help:    "Delivery attempt latency labeled by endpoint.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"endpoint"}),
		rateLimitDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_rate_limit_delay_seconds",
			Help:    "Time spent waiting on per-endpoint rate limits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"endpoint"}),
		archiveWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_archive_writes_total",
			Help: "Raw payload archive writes labeled by result.",
		}, []string{"result"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
		gatherer: reg,
	}
	for _, collector := range []prometheus.Collector{
		m.eventsReceived,
		m.eventsRejected,
		m.pendingGroups,
		m.groupsFlushed,
		m.groupItems,
		m.deliveries,
		m.deliveryDuration,
		m.rateLimitDelay,
		m.archiveWrites,
		m.httpRequestsTotal,
		m.httpRequestDurationSeconds,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register relay collector: %w", err)
		}
	}
	return m, nil
}

// Handler returns an http.Handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveEventReceived counts an accepted event.
func (m *Metrics) ObserveEventReceived(event string, coalesced bool) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.eventsReceived.WithLabelValues(event, strconv.FormatBool(coalesced)).Inc()
}

// ObserveEventRejected counts an event dropped for reason.
func (m *Metrics) ObserveEventRejected(reason string) {
	if m == nil {
		return
	}
	m.eventsRejected.WithLabelValues(reason).Inc()
}

// SetPendingGroups records the current coalescing table size.
func (m *Metrics) SetPendingGroups(n int) {
	if m == nil {
		return
	}
	m.pendingGroups.Set(float64(n))
}

// ObserveFlush counts a flushed group and its size.
func (m *Metrics) ObserveFlush(reason string, items int) {
	if m == nil {
		return
	}
	m.groupsFlushed.WithLabelValues(reason).Inc()
	m.groupItems.Observe(float64(items))
}

// ObserveDelivery records one delivery attempt.
func (m *Metrics) ObserveDelivery(endpoint string, ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.deliveries.WithLabelValues(endpoint, result).Inc()
	m.deliveryDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func (m *Metrics) ObserveRateLimitDelay(endpoint string, duration time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitDelay.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveArchiveWrite counts an archive write.
func (m *Metrics) ObserveArchiveWrite(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.archiveWrites.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
