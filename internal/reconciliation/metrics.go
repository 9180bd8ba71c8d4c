package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlehub",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of accounts whose balances disagreed with the journal in the last run.",
	})

	reconcileAccountsChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlehub",
		Subsystem: "reconciliation",
		Name:      "accounts_checked",
		Help:      "Number of accounts replayed in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlehub",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlehub",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileAccountsChecked,
		reconcileDuration,
		reconcileErrors,
	)
}
