package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Operation names, used as metric labels, breaker keys and simulator fault
// keys.
const (
	OpGetAuthorization = "get_authorization"
	OpCapture          = "capture"
	OpCancel           = "cancel"
	OpListRefunds      = "list_refunds"
	OpRefund           = "refund"
	OpTransfer         = "transfer"
)

var (
	gwOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "gateway",
		Name:      "operations_total",
		Help:      "Total payment gateway calls by operation and outcome.",
	}, []string{"operation", "outcome"}) // "success", "transient", "rejected", "circuit_open"

	gwLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrow",
		Subsystem: "gateway",
		Name:      "operation_latency_seconds",
		Help:      "Payment gateway call latency in seconds, retries included.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	gwRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "gateway",
		Name:      "retries_total",
		Help:      "Total gateway retry attempts (each retry after initial failure).",
	}, []string{"operation"})
)

func init() {
	prometheus.MustRegister(
		gwOperations,
		gwLatency,
		gwRetries,
	)
}
