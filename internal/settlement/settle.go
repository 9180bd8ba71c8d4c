package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/settlehub/internal/catalog"
	"github.com/mbd888/settlehub/internal/commission"
	"github.com/mbd888/settlehub/internal/ledger"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/requests"
	"github.com/mbd888/settlehub/internal/traces"
)

// StartProcessing moves a PENDING request to PROCESSING. Calling it on a
// request that is already PROCESSING returns applied=false and changes
// nothing, so only one caller gets to invoke the provider.
func (e *Engine) StartProcessing(ctx context.Context, requestID, message string) (req *requests.Request, applied bool, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "settlement.StartProcessing", traces.RequestID(requestID))
	defer func() {
		observe("process", start, err)
		traces.End(span, err)
	}()

	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		r, ok, terr := requests.Transition(ctx, tx, requestID, requests.Change{
			Status:  requests.StatusProcessing,
			Message: message,
			At:      e.now(),
		})
		req, applied = r, ok
		if terr != nil && r != nil && r.Status == requests.StatusProcessing {
			return nil
		}
		return terr
	})
	if err != nil {
		return nil, false, err
	}
	return req, applied, nil
}

// CompleteAndSettle marks a request COMPLETED and, when its commission was
// deferred, credits the sponsor now. The credit is guarded by the request's
// commission reference, so a commission is paid at most once per request.
// Completing an already COMPLETED request is a no-op.
func (e *Engine) CompleteAndSettle(ctx context.Context, requestID string, result json.RawMessage, message string) (out *Outcome, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "settlement.CompleteAndSettle", traces.RequestID(requestID))
	defer func() {
		observe("complete", start, err)
		traces.End(span, err)
	}()

	if len(result) > 0 && !json.Valid(result) {
		return nil, fmt.Errorf("%w: result is not valid JSON", ErrInvalidRequest)
	}

	snap, err := e.catalog.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		out = &Outcome{}
		r, applied, err := requests.Transition(ctx, tx, requestID, requests.Change{
			Status:  requests.StatusCompleted,
			Message: message,
			Result:  result,
			At:      e.now(),
		})
		if err != nil {
			return err
		}
		out.Request, out.Applied = r, applied
		if !applied {
			return nil
		}

		if _, err := e.findCharge(ctx, tx, out); err != nil {
			return err
		}

		if r.CommissionTiming != requests.TimingDeferred {
			return nil
		}
		paid, err := tx.FindCommissionForRequest(ctx, r.ID)
		if err != nil {
			return err
		}
		if paid != nil {
			return nil
		}

		payer, err := tx.GetAccountForUpdate(ctx, r.AccountID)
		if err != nil {
			return err
		}
		res, err := commission.Resolve(snap, payer, r.ServiceID)
		if errors.Is(err, catalog.ErrServiceNotFound) {
			return e.recordAnomaly(ctx, tx, out, AnomalyMissingService,
				"service definition missing at completion; deferred commission not credited")
		}
		if err != nil {
			return err
		}
		if !res.Payable() {
			return nil
		}
		out.Commission, err = e.postCommission(ctx, tx, r, res, e.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	e.finish(ctx, "completed", out)
	return out, nil
}

// FailAndRefund marks a request FAILED. When shouldRefund is set and the
// service is refundable it credits back exactly what the original CHARGE
// debited, under a reference derived from that charge, so each charge is
// refunded at most once. A missing charge is recorded as an anomaly and does
// not block the transition. Failing an already FAILED request is a no-op.
//
// Commission already credited at submission stays with the sponsor.
func (e *Engine) FailAndRefund(ctx context.Context, requestID, reason string, shouldRefund bool) (out *Outcome, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "settlement.FailAndRefund", traces.RequestID(requestID))
	defer func() {
		observe("fail", start, err)
		traces.End(span, err)
	}()

	snap, err := e.catalog.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		out = &Outcome{}
		r, applied, err := requests.Transition(ctx, tx, requestID, requests.Change{
			Status:  requests.StatusFailed,
			Message: reason,
			At:      e.now(),
		})
		if err != nil {
			return err
		}
		out.Request, out.Applied = r, applied
		if !applied || !shouldRefund {
			return nil
		}
		if svc, ok := snap.Service(r.ServiceID); ok && !svc.Policy.Refundable {
			return nil
		}

		charge, err := e.findCharge(ctx, tx, out)
		if err != nil || charge == nil {
			return err
		}

		refundRef := ledger.RefundReference(charge.Reference)
		if prior, err := tx.FindByReference(ctx, refundRef); err != nil {
			return err
		} else if prior != nil {
			out.Refund = prior
			return nil
		}

		amount := charge.Amount.Neg()
		out.Refund, err = ledger.Post(ctx, tx, &ledger.Entry{
			ID:          e.newID("ent_"),
			AccountID:   charge.AccountID,
			Amount:      amount,
			Kind:        ledger.KindRefund,
			Bucket:      ledger.BucketSpendable,
			Reference:   refundRef,
			ServiceID:   r.ServiceID,
			RequestID:   r.ID,
			Description: ledger.Describe(ledger.KindRefund, r.ServiceID, amount) + " (" + charge.Reference + ")",
			CreatedAt:   e.now(),
		}, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.finish(ctx, "failed", out)
	return out, nil
}

// findCharge locates the CHARGE a request paid with: by the reference stored
// on the request, else the latest charge for the same account and service.
// It records an anomaly for either gap and returns nil when nothing is found.
func (e *Engine) findCharge(ctx context.Context, tx Tx, out *Outcome) (*ledger.Entry, error) {
	r := out.Request
	if r.ChargeReference != "" {
		charge, err := tx.FindByReference(ctx, r.ChargeReference)
		if err != nil {
			return nil, err
		}
		if charge != nil && charge.Kind == ledger.KindCharge && charge.AccountID == r.AccountID {
			return charge, nil
		}
	}

	charge, err := tx.FindLatestCharge(ctx, r.AccountID, r.ServiceID)
	if err != nil {
		return nil, err
	}
	if charge == nil {
		return nil, e.recordAnomaly(ctx, tx, out, AnomalyMissingCharge,
			fmt.Sprintf("no CHARGE entry for reference %q or for account/service", r.ChargeReference))
	}
	detail := fmt.Sprintf("reference %q not found; using latest charge %s of %s",
		r.ChargeReference, charge.Reference, money.Format(charge.Amount.Abs()))
	if err := e.recordAnomaly(ctx, tx, out, AnomalyChargeFallback, detail); err != nil {
		return nil, err
	}
	return charge, nil
}

func (e *Engine) finish(ctx context.Context, verb string, out *Outcome) {
	e.reportAnomalies(out.Anomalies)
	if !out.Applied {
		e.logger.Info("transition already applied",
			"request", out.Request.ID, "status", out.Request.Status)
		return
	}
	countPosted(out.Commission, out.Refund)
	e.logger.Info("request "+verb,
		"request", out.Request.ID,
		"account", out.Request.AccountID,
		"service", out.Request.ServiceID,
		"commission_credited", out.Commission != nil,
		"refunded", out.Refund != nil)
	e.notify(ctx, out)
}
