package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlehub/internal/commission"
	"github.com/mbd888/settlehub/internal/ledger"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/requests"
	"github.com/mbd888/settlehub/internal/traces"
)

// CreateAccount opens an account with zero balances and an optional sponsor.
func (e *Engine) CreateAccount(ctx context.Context, id string, role ledger.Role, sponsorID string) (*ledger.Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: account id required", ErrInvalidRequest)
	}
	if role == "" {
		role = ledger.RolePayer
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, role)
	}

	var acct *ledger.Account
	err := e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		now := e.now()
		acct = &ledger.Account{
			ID:         id,
			Role:       role,
			Spendable:  money.Zero,
			Commission: money.Zero,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.CreateAccount(ctx, acct); err != nil {
			return err
		}
		if sponsorID == "" {
			return nil
		}
		linked, err := ledger.AssignSponsor(ctx, tx, id, sponsorID)
		if err != nil {
			return err
		}
		acct = linked
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("account created", "account", id, "role", role, "sponsor", sponsorID)
	return acct, nil
}

// AssignSponsor links an account to its sponsor. The link is set at most once.
func (e *Engine) AssignSponsor(ctx context.Context, accountID, sponsorID string) (*ledger.Account, error) {
	var acct *ledger.Account
	err := e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		acct, err = ledger.AssignSponsor(ctx, tx, accountID, sponsorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("sponsor assigned", "account", accountID, "sponsor", sponsorID)
	return acct, nil
}

// Deposit credits an external payment to the spendable balance. The external
// id makes it idempotent: a repeated webhook returns the original entry with
// replayed set.
func (e *Engine) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, externalID, description string) (entry *ledger.Entry, replayed bool, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "settlement.Deposit",
		traces.AccountID(accountID), traces.Amount(money.Format(amount)))
	defer func() {
		observe("deposit", start, err)
		traces.End(span, err)
	}()

	if !money.IsPositive(amount) {
		return nil, false, ledger.ErrInvalidAmount
	}
	if externalID == "" {
		return nil, false, fmt.Errorf("%w: external id required", ErrInvalidRequest)
	}
	if description == "" {
		description = ledger.Describe(ledger.KindDeposit, "", amount)
	}

	ref := ledger.DepositReference(externalID)
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		posted, perr := ledger.Post(ctx, tx, &ledger.Entry{
			ID:          e.newID("ent_"),
			AccountID:   accountID,
			Amount:      amount,
			Kind:        ledger.KindDeposit,
			Bucket:      ledger.BucketSpendable,
			Reference:   ref,
			Description: description,
			CreatedAt:   e.now(),
		}, false)
		entry = posted
		return perr
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		if entry == nil {
			if entry, err = e.lookupReference(ctx, ref); err != nil {
				return nil, false, err
			}
		}
		if entry.AccountID != accountID || !entry.Amount.Equal(amount) {
			return nil, false, fmt.Errorf("%w: deposit %s already credited to another account or amount", ErrIdempotencyConflict, externalID)
		}
		return entry, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	countPosted(entry)
	e.logger.Info("deposit credited",
		"account", accountID, "amount", money.Format(amount), "reference", entry.Reference)
	return entry, false, nil
}

func (e *Engine) lookupReference(ctx context.Context, ref string) (*ledger.Entry, error) {
	var entry *ledger.Entry
	err := e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		entry, err = tx.FindByReference(ctx, ref)
		return err
	})
	if err == nil && entry == nil {
		err = fmt.Errorf("entry %s vanished after duplicate reference", ref)
	}
	return entry, err
}

// Quote is a speculative price and commission lookup. Nothing is charged.
type Quote struct {
	ServiceID  string            `json:"serviceId"`
	Price      decimal.Decimal   `json:"price"`
	Active     bool              `json:"active"`
	Affordable bool              `json:"affordable"`
	Commission commission.Result `json:"commission"`
}

// Quote resolves what submitting serviceID would cost accountID and what its
// sponsor would earn.
func (e *Engine) Quote(ctx context.Context, accountID, serviceID string) (*Quote, error) {
	snap, err := e.quotes.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	payer, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	res, err := commission.Resolve(snap, payer, serviceID)
	if err != nil {
		return nil, err
	}
	svc, _ := snap.Service(serviceID)
	return &Quote{
		ServiceID:  svc.ID,
		Price:      svc.Price,
		Active:     svc.Active,
		Affordable: ledger.SufficientFunds(payer, svc.Price),
		Commission: res,
	}, nil
}

// GetAccount returns an account with its balances.
func (e *Engine) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	return e.store.GetAccount(ctx, id)
}

// ListEntries returns the most recent journal entries of an account, oldest first.
func (e *Engine) ListEntries(ctx context.Context, accountID string, limit int) ([]*ledger.Entry, error) {
	return e.store.ListEntries(ctx, accountID, limit)
}

// GetRequest returns a request record.
func (e *Engine) GetRequest(ctx context.Context, id string) (*requests.Request, error) {
	return e.store.GetRequest(ctx, id)
}

// ListRequests returns an account's requests, newest first.
func (e *Engine) ListRequests(ctx context.Context, accountID string, limit int, opts ...requests.ListOption) ([]*requests.Request, error) {
	return e.store.ListRequests(ctx, accountID, limit, opts...)
}

// Reconcile checks balance == sum(entries) for every account.
func (e *Engine) Reconcile(ctx context.Context) ([]*ledger.ReconciliationResult, error) {
	return ledger.ReconcileAll(ctx, e.store)
}
