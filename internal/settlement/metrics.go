package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "settlements_total",
		Help:      "Total settlement executions by outcome and result.",
	}, []string{"outcome", "result"}) // "succeeded", "failed"

	settlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrow",
		Name:      "settlement_duration_seconds",
		Help:      "Settlement execution latency in seconds, gateway calls included.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// ledgerCommitFailures counts settlements where money moved at the
	// gateway but the local ledger could not be committed. Every increment
	// needs manual reconciliation.
	ledgerCommitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "ledger_commit_failures_total",
		Help:      "Settlements whose gateway side succeeded but whose ledger commit failed.",
	})

	partialExecutions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "settlement_partial_executions_total",
		Help:      "Settlements that failed after at least one gateway operation succeeded.",
	})

	refundsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "settlement_refunds_skipped_total",
		Help:      "Refund operations skipped because earlier refunds already covered them.",
	})
)

func init() {
	prometheus.MustRegister(
		settlementsTotal,
		settlementDuration,
		ledgerCommitFailures,
		partialExecutions,
		refundsSkipped,
	)
}
