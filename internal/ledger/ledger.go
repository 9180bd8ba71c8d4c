// Package ledger holds account balances and the append-only journal that
// explains them.
//
// Flow:
//  1. A unit of work opens a Tx on the backing store
//  2. Post locks the account, adjusts one balance bucket and appends the
//     matching Entry in that same Tx
//  3. The Tx commits both or neither
//
// An account's balance in each bucket always equals the sum of its entries
// in that bucket. Reconcile checks this.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlehub/internal/money"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrDuplicateReference = errors.New("ledger entry with this reference already exists")
	ErrSponsorAlreadySet  = errors.New("sponsor already set")
	ErrSelfSponsor        = errors.New("account cannot sponsor itself")
	ErrMissingReference   = errors.New("ledger entry requires a reference")
)

// Role is the caller role supplied by the authentication layer.
type Role string

const (
	RolePayer   Role = "payer"
	RoleSponsor Role = "sponsor"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RolePayer, RoleSponsor, RoleAdmin:
		return true
	}
	return false
}

// Kind classifies a journal entry.
type Kind string

const (
	KindCharge     Kind = "CHARGE"
	KindCommission Kind = "COMMISSION"
	KindRefund     Kind = "REFUND"
	KindDeposit    Kind = "DEPOSIT"
)

// Bucket names which of an account's two balances an entry moves.
type Bucket string

const (
	BucketSpendable  Bucket = "spendable"
	BucketCommission Bucket = "commission"
)

// Account is a payer or sponsor with two fixed-point balances.
type Account struct {
	ID         string          `json:"id"`
	Role       Role            `json:"role"`
	SponsorID  string          `json:"sponsorId,omitempty"`
	Spendable  decimal.Decimal `json:"spendable"`
	Commission decimal.Decimal `json:"commission"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// HasSponsor reports whether a sponsor link is set.
func (a *Account) HasSponsor() bool {
	return a.SponsorID != ""
}

// Balance returns the balance held in bucket b.
func (a *Account) Balance(b Bucket) decimal.Decimal {
	if b == BucketCommission {
		return a.Commission
	}
	return a.Spendable
}

// Entry is an immutable, signed journal record. Negative amounts are debits.
type Entry struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	AccountID      string          `json:"accountId"`
	Amount         decimal.Decimal `json:"amount"`
	Kind           Kind            `json:"kind"`
	Bucket         Bucket          `json:"bucket"`
	Reference      string          `json:"reference"`
	ServiceID      string          `json:"serviceId,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	CounterpartyID string          `json:"counterpartyId,omitempty"` // payer for COMMISSION
	Description    string          `json:"description,omitempty"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Tx is the balance store and journal as seen from inside one unit of work.
// Implementations must hold row locks on every account they return until
// the unit of work ends.
type Tx interface {
	CreateAccount(ctx context.Context, acct *Account) error
	// GetAccountForUpdate returns the account and locks it for the rest of
	// the unit of work.
	GetAccountForUpdate(ctx context.Context, id string) (*Account, error)
	SetSponsor(ctx context.Context, accountID, sponsorID string) error

	// AdjustBalance adds delta to one bucket and returns the new balance.
	// It fails with ErrInsufficientFunds when the result would be negative
	// and allowNegative is false.
	AdjustBalance(ctx context.Context, accountID string, bucket Bucket, delta decimal.Decimal, allowNegative bool) (decimal.Decimal, error)

	// AppendEntry fails with ErrDuplicateReference when the reference is taken.
	AppendEntry(ctx context.Context, e *Entry) error
	FindByReference(ctx context.Context, reference string) (*Entry, error)
	FindLatestCharge(ctx context.Context, accountID, serviceID string) (*Entry, error)
	FindCommissionForRequest(ctx context.Context, requestID string) (*Entry, error)
}

// Reader is read access to accounts and the journal outside a unit of work.
type Reader interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccountIDs(ctx context.Context) ([]string, error)
	// ListEntries returns an account's entries oldest first. limit <= 0
	// returns all of them.
	ListEntries(ctx context.Context, accountID string, limit int) ([]*Entry, error)
	// GetAccountJournal returns the account and all of its entries, oldest
	// first, read from one consistent snapshot.
	GetAccountJournal(ctx context.Context, id string) (*Account, []*Entry, error)
}

// Post applies e.Amount to e.Bucket of e.AccountID and journals it in tx.
// The balance change and the entry are written together or not at all
// (the caller's unit of work rolls back on error).
func Post(ctx context.Context, tx Tx, e *Entry, allowNegative bool) (*Entry, error) {
	if e.Reference == "" {
		return nil, ErrMissingReference
	}
	if e.Amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if e.Bucket == "" {
		e.Bucket = BucketSpendable
	}

	existing, err := tx.FindByReference(ctx, e.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to check reference: %w", err)
	}
	if existing != nil {
		return existing, ErrDuplicateReference
	}

	if _, err := tx.GetAccountForUpdate(ctx, e.AccountID); err != nil {
		return nil, err
	}

	balance, err := tx.AdjustBalance(ctx, e.AccountID, e.Bucket, e.Amount, allowNegative)
	if err != nil {
		return nil, err
	}
	e.BalanceAfter = balance

	if err := tx.AppendEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// AssignSponsor links accountID to sponsorID. The link can be set once.
func AssignSponsor(ctx context.Context, tx Tx, accountID, sponsorID string) (*Account, error) {
	if accountID == sponsorID {
		return nil, ErrSelfSponsor
	}
	acct, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.HasSponsor() {
		if acct.SponsorID == sponsorID {
			return acct, nil
		}
		return nil, ErrSponsorAlreadySet
	}
	if _, err := tx.GetAccountForUpdate(ctx, sponsorID); err != nil {
		return nil, fmt.Errorf("sponsor: %w", err)
	}
	if err := tx.SetSponsor(ctx, accountID, sponsorID); err != nil {
		return nil, err
	}
	acct.SponsorID = sponsorID
	return acct, nil
}

// SufficientFunds reports whether acct can pay amount from its spendable balance.
func SufficientFunds(acct *Account, amount decimal.Decimal) bool {
	return acct.Spendable.GreaterThanOrEqual(amount)
}

// Describe renders a short human description for an entry.
func Describe(kind Kind, serviceID string, amount decimal.Decimal) string {
	switch kind {
	case KindCharge:
		return fmt.Sprintf("charge %s for %s", money.Format(amount.Abs()), serviceID)
	case KindCommission:
		return fmt.Sprintf("commission %s on %s", money.Format(amount), serviceID)
	case KindRefund:
		return fmt.Sprintf("refund %s for %s", money.Format(amount), serviceID)
	default:
		return "deposit " + money.Format(amount)
	}
}
