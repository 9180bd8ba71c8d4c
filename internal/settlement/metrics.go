package settlement

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/settlehub/internal/ledger"
)

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlehub",
		Subsystem: "settlement",
		Name:      "operations_total",
		Help:      "Settlement operations by operation and result.",
	}, []string{"operation", "result"})

	operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "settlehub",
		Subsystem: "settlement",
		Name:      "operation_duration_seconds",
		Help:      "Settlement operation latency including store retries.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"operation"})

	postedAmountTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlehub",
		Subsystem: "settlement",
		Name:      "posted_amount_total",
		Help:      "Absolute amount journaled by entry kind.",
	}, []string{"kind"})

	anomaliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlehub",
		Subsystem: "settlement",
		Name:      "anomalies_total",
		Help:      "Accounting anomalies recorded by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(operationsTotal, operationDuration, postedAmountTotal, anomaliesTotal)
}

func observe(operation string, start time.Time, err error) {
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	operationsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDuplicatePending):
		return "duplicate_pending"
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "error"
	}
}

func countPosted(entries ...*ledger.Entry) {
	for _, e := range entries {
		if e == nil {
			continue
		}
		postedAmountTotal.WithLabelValues(string(e.Kind)).Add(e.Amount.Abs().InexactFloat64())
	}
}
