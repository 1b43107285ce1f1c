package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileFailedExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "failed_executions",
		Help:      "Failed settlement executions awaiting retry in last reconciliation run.",
	})

	reconcileStaleExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "stale_executions",
		Help:      "Settlement executions stuck in executing found in last reconciliation run.",
	})

	reconcileDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "gateway_drift",
		Help:      "Unsettled executions where the gateway shows movement the ledger lacks.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileFailedExecutions,
		reconcileStaleExecutions,
		reconcileDrift,
		reconcileDuration,
		reconcileErrors,
	)
}
