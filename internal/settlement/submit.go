package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/settlehub/internal/catalog"
	"github.com/mbd888/settlehub/internal/commission"
	"github.com/mbd888/settlehub/internal/ledger"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/requests"
	"github.com/mbd888/settlehub/internal/traces"
)

// SubmitAndCharge charges the payer for one service request and records it
// in PENDING.
//
// In a single unit of work it debits the price and journals a CHARGE,
// credits the sponsor's commission when the service settles commission
// eagerly, and creates the request. Resubmitting with the same idempotency
// key returns the original receipt with Replayed set and moves no money.
func (e *Engine) SubmitAndCharge(ctx context.Context, req SubmitRequest) (receipt *Receipt, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "settlement.SubmitAndCharge",
		traces.AccountID(req.AccountID), traces.ServiceID(req.ServiceID))
	defer func() {
		observe("submit", start, err)
		traces.End(span, err)
	}()

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.AccountID == "" || req.ServiceID == "" {
		return nil, fmt.Errorf("%w: account and service are required", ErrInvalidRequest)
	}

	snap, err := e.catalog.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	svc, ok := snap.Service(req.ServiceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, catalog.ErrServiceNotFound)
	}
	if !svc.Active {
		return nil, fmt.Errorf("%w: %s is inactive", ErrServiceUnavailable, svc.ID)
	}
	if !money.IsPositive(svc.Price) {
		return nil, fmt.Errorf("%w: %s has no price", ErrServiceUnavailable, svc.ID)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = e.newID("idem_")
	}
	chargeRef := ledger.ChargeReference(req.AccountID, key)

	// A concurrent submission with the same key can win the race for the
	// reference; the second pass then replays it.
	for attempt := 0; attempt < 2; attempt++ {
		receipt, err = e.submitOnce(ctx, req, snap, svc, chargeRef)
		if !errors.Is(err, ledger.ErrDuplicateReference) {
			break
		}
	}
	if err != nil {
		e.logger.Info("submission rejected",
			"account", req.AccountID, "service", req.ServiceID, "error", err)
		return nil, err
	}

	if receipt.Replayed {
		e.logger.Info("submission replayed",
			"account", req.AccountID, "request", receipt.Request.ID, "reference", chargeRef)
		return receipt, nil
	}

	countPosted(receipt.Charge, receipt.Commission)
	e.logger.Info("request charged",
		"account", req.AccountID,
		"service", svc.ID,
		"request", receipt.Request.ID,
		"price", money.Format(svc.Price),
		"balance", money.Format(receipt.Balance),
		"commission_credited", receipt.Commission != nil)
	return receipt, nil
}

func (e *Engine) submitOnce(ctx context.Context, req SubmitRequest, snap *catalog.Snapshot, svc catalog.Service, chargeRef string) (*Receipt, error) {
	var receipt *Receipt
	err := e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		existing, err := tx.FindByReference(ctx, chargeRef)
		if err != nil {
			return err
		}
		if existing != nil {
			receipt, err = replay(ctx, tx, existing, req.ServiceID)
			return err
		}

		payer, err := tx.GetAccountForUpdate(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if !ledger.SufficientFunds(payer, svc.Price) {
			return ledger.ErrInsufficientFunds
		}

		now := e.now()
		r := &requests.Request{
			ID:               e.newID("req_"),
			AccountID:        payer.ID,
			ServiceID:        svc.ID,
			Inputs:           req.Inputs,
			TrackingKey:      strings.TrimSpace(req.TrackingKey),
			UniqueTracking:   svc.Policy.UniqueTrackingKey,
			ChargeReference:  chargeRef,
			Price:            svc.Price,
			CommissionTiming: svc.Policy.CommissionTiming,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := requests.Create(ctx, tx, r); err != nil {
			return err
		}

		charge, err := ledger.Post(ctx, tx, &ledger.Entry{
			ID:          e.newID("ent_"),
			AccountID:   payer.ID,
			Amount:      svc.Price.Neg(),
			Kind:        ledger.KindCharge,
			Bucket:      ledger.BucketSpendable,
			Reference:   chargeRef,
			ServiceID:   svc.ID,
			RequestID:   r.ID,
			Description: ledger.Describe(ledger.KindCharge, svc.ID, svc.Price),
			CreatedAt:   now,
		}, false)
		if err != nil {
			return err
		}

		receipt = &Receipt{Request: r, Charge: charge, Balance: charge.BalanceAfter}

		if svc.Policy.CommissionTiming != requests.TimingEager {
			return nil
		}
		res, err := commission.Resolve(snap, payer, svc.ID)
		if err != nil {
			return err
		}
		if !res.Payable() {
			return nil
		}
		receipt.Commission, err = e.postCommission(ctx, tx, r, res, now)
		return err
	})
	return receipt, err
}

func (e *Engine) postCommission(ctx context.Context, tx Tx, r *requests.Request, res commission.Result, now time.Time) (*ledger.Entry, error) {
	return ledger.Post(ctx, tx, &ledger.Entry{
		ID:             e.newID("ent_"),
		AccountID:      res.SponsorID,
		Amount:         res.Amount,
		Kind:           ledger.KindCommission,
		Bucket:         ledger.BucketCommission,
		Reference:      ledger.CommissionReference(r.ID),
		ServiceID:      r.ServiceID,
		RequestID:      r.ID,
		CounterpartyID: r.AccountID,
		Description:    ledger.Describe(ledger.KindCommission, r.ServiceID, res.Amount),
		CreatedAt:      now,
	}, false)
}

// replay rebuilds the receipt of an already-applied submission.
func replay(ctx context.Context, tx Tx, charge *ledger.Entry, serviceID string) (*Receipt, error) {
	if charge.ServiceID != serviceID {
		return nil, ErrIdempotencyConflict
	}
	r, err := tx.GetRequestForUpdate(ctx, charge.RequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load replayed request: %w", err)
	}
	comm, err := tx.FindCommissionForRequest(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	payer, err := tx.GetAccountForUpdate(ctx, charge.AccountID)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		Request:    r,
		Charge:     charge,
		Commission: comm,
		Balance:    payer.Spendable,
		Replayed:   true,
	}, nil
}
