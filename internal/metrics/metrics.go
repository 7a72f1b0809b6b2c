// Package metrics provides Prometheus instrumentation for the checkout
// service.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rejection reasons for receipt_rejections_total. Spoofed receipts are the
// only security-relevant reason and get their own label value so they can
// be alerted on separately from routine drops.
const (
	ReasonSpoofed    = "spoofed"
	ReasonIncomplete = "incomplete"
	ReasonDuplicate  = "duplicate"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "checkout",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrdersCreatedTotal counts orders published at checkout.
	OrdersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "orders_created_total",
			Help:      "Total orders signed and published.",
		},
	)

	// ReceiptsAppliedTotal counts receipts applied to an order balance.
	ReceiptsAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "receipts_applied_total",
			Help:      "Total payment receipts applied to order balances.",
		},
	)

	// ReceiptRejectionsTotal counts rejected receipts by reason.
	ReceiptRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "receipt_rejections_total",
			Help:      "Total rejected payment receipts by reason.",
		},
		[]string{"reason"},
	)

	// InvoicesIssuedTotal counts invoice requests by result.
	InvoicesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "invoices_issued_total",
			Help:      "Total invoice requests by result.",
		},
		[]string{"result"},
	)

	// ActiveSessions tracks live order sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "checkout",
			Name:      "active_sessions",
			Help:      "Number of live order reconciliation sessions.",
		},
	)

	// SettledOrdersTotal counts orders whose pending balance reached zero.
	SettledOrdersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "settled_orders_total",
			Help:      "Total orders fully paid.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrdersCreatedTotal,
		ReceiptsAppliedTotal,
		ReceiptRejectionsTotal,
		InvoicesIssuedTotal,
		ActiveSessions,
		SettledOrdersTotal,
	)
}

// Middleware records request counts and latency for every route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
