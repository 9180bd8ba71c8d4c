// Package reconciliation periodically replays the journal against cached
// account balances and reports drift.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/settlehub/internal/ledger"
)

// Reconciler replays every account's journal. *settlement.Engine satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]*ledger.ReconciliationResult, error)
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Checked    int                            `json:"checked"`
	Mismatches []*ledger.ReconciliationResult `json:"mismatches"`
	Duration   time.Duration                  `json:"duration"`
	RanAt      time.Time                      `json:"ranAt"`
}

// Healthy reports whether no account drifted.
func (r *Report) Healthy() bool { return len(r.Mismatches) == 0 }

// Runner executes reconciliation checks and records their results.
type Runner struct {
	reconciler Reconciler
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunner creates a reconciliation runner.
func NewRunner(reconciler Reconciler, logger *slog.Logger) *Runner {
	return &Runner{reconciler: reconciler, logger: logger, now: time.Now}
}

// RunAll reconciles every account, updates metrics and logs each drifted
// account at error level.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	results, err := r.reconciler.Reconcile(ctx)
	reconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to reconcile ledger: %w", err)
	}

	report := &Report{Checked: len(results), RanAt: start}
	for _, res := range results {
		if res.Match {
			continue
		}
		report.Mismatches = append(report.Mismatches, res)
		r.logger.Error("ledger drift detected",
			"account", res.AccountID,
			"replay_spendable", res.ReplaySpendable,
			"actual_spendable", res.ActualSpendable,
			"replay_commission", res.ReplayCommission,
			"actual_commission", res.ActualCommission)
	}
	report.Duration = time.Since(start)

	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileAccountsChecked.Set(float64(report.Checked))
	r.logger.Info("reconciliation complete",
		"checked", report.Checked,
		"mismatches", len(report.Mismatches),
		"duration_ms", report.Duration.Milliseconds())
	return report, nil
}
