package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the portal
// API and the notification delivery engine.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	queryFallbacks      *prometheus.CounterVec
	activeSubscriptions prometheus.Gauge
	notificationsSent   prometheus.Counter
	receiptsWritten     prometheus.Counter
	receiptRollbacks    prometheus.Counter
	recipientCacheHits  prometheus.Counter
	recipientCacheMiss  prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	queryFallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_query_fallbacks_total",
		Help: "Notification query tier failures that triggered a fallback",
	}, []string{"tier"})

	activeSubscriptions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notification_subscriptions_active",
		Help: "Live notification subscriptions currently open",
	})

	notificationsSent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifications_sent_total",
		Help: "Notifications accepted by the sender gateway",
	})

	receiptsWritten := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notification_receipts_written_total",
		Help: "Read receipts successfully written",
	})

	receiptRollbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notification_receipt_rollbacks_total",
		Help: "Read receipts rolled back after a failed remote write",
	})

	recipientCacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recipient_count_cache_hits_total",
		Help: "Recipient count lookups served from cache",
	})

	recipientCacheMiss := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recipient_count_cache_misses_total",
		Help: "Recipient count lookups that missed the cache",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, queryFallbacks, activeSubscriptions,
		notificationsSent, receiptsWritten, receiptRollbacks, recipientCacheHits, recipientCacheMiss, goroutines)

	return &MetricsService{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:     requestDuration,
		requestTotal:        requestTotal,
		queryFallbacks:      queryFallbacks,
		activeSubscriptions: activeSubscriptions,
		notificationsSent:   notificationsSent,
		receiptsWritten:     receiptsWritten,
		receiptRollbacks:    receiptRollbacks,
		recipientCacheHits:  recipientCacheHits,
		recipientCacheMiss:  recipientCacheMiss,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordQueryFallback counts a failed query tier.
func (m *MetricsService) RecordQueryFallback(tier string) {
	if m == nil {
		return
	}
	m.queryFallbacks.WithLabelValues(tier).Inc()
}

// SubscriptionOpened tracks a new live subscription.
func (m *MetricsService) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Inc()
}

// SubscriptionClosed tracks a torn-down live subscription.
func (m *MetricsService) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Dec()
}

// RecordNotificationSent counts an accepted send.
func (m *MetricsService) RecordNotificationSent() {
	if m == nil {
		return
	}
	m.notificationsSent.Inc()
}

// RecordReceiptWritten counts a successful read-receipt write.
func (m *MetricsService) RecordReceiptWritten() {
	if m == nil {
		return
	}
	m.receiptsWritten.Inc()
}

// RecordReceiptRollback counts a Pending-to-Unread rollback.
func (m *MetricsService) RecordReceiptRollback() {
	if m == nil {
		return
	}
	m.receiptRollbacks.Inc()
}

// RecordRecipientCacheHit records a recipient count cache lookup.
func (m *MetricsService) RecordRecipientCacheHit(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.recipientCacheHits.Inc()
	} else {
		m.recipientCacheMiss.Inc()
	}
}
