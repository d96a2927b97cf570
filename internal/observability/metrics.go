package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome.",
		},
		[]string{"op", "result"},
	)
	ledgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chorus",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	escrowPaid = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "ledger",
			Name:      "escrow_paid_total",
			Help:      "Value paid out of escrow to claimers.",
		},
	)
	escrowRefunded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "ledger",
			Name:      "escrow_refunded_total",
			Help:      "Value returned from escrow to requesters.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chorus",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		},
		[]string{"success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ledgerOps, ledgerOpDuration, escrowPaid, escrowRefunded, httpRequests, httpDuration, webhookDeliveries)
	})
}

// RecordLedgerOp counts one engine operation. result is "ok" or an error code.
func RecordLedgerOp(op, result string, duration time.Duration) {
	RegisterMetrics()
	ledgerOps.WithLabelValues(op, result).Inc()
	ledgerOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordEscrowPaid(amount uint64) {
	RegisterMetrics()
	escrowPaid.Add(float64(amount))
}

func RecordEscrowRefunded(amount uint64) {
	RegisterMetrics()
	escrowRefunded.Add(float64(amount))
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordWebhookDelivery(success bool) {
	RegisterMetrics()
	webhookDeliveries.WithLabelValues(strconv.FormatBool(success)).Inc()
}
