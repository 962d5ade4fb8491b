package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	paymentResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_resolved_total",
			Help: "Total number of payments resolved to a terminal state",
		},
		[]string{"status", "via"},
	)

	refundResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refund_resolved_total",
			Help: "Total number of refunds resolved to a terminal state",
		},
		[]string{"status"},
	)

	reconciliationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_total",
			Help: "Total number of reconciliation classifications",
		},
		[]string{"classification"},
	)

	duplicateCallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duplicate_callbacks_total",
			Help: "Total number of callbacks received for already-resolved records",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(paymentResolvedTotal)
	prometheus.MustRegister(refundResolvedTotal)
	prometheus.MustRegister(reconciliationTotal)
	prometheus.MustRegister(duplicateCallbacksTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordPaymentResolved(status, via string) {
	paymentResolvedTotal.WithLabelValues(status, via).Inc()
}

func RecordRefundResolved(status string) {
	refundResolvedTotal.WithLabelValues(status).Inc()
}

func RecordReconciliation(classification string) {
	reconciliationTotal.WithLabelValues(classification).Inc()
}

func RecordDuplicateCallback() {
	duplicateCallbacksTotal.Inc()
}
