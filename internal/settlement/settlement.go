// Package settlement is the transactional core: it charges payers, credits
// sponsor commission, records each submitted request and reverses charges
// when work fails.
//
// Flow:
//  1. SubmitAndCharge: debit payer, journal CHARGE, credit eager commission,
//     create the request in PENDING. One unit of work.
//  2. The provider call happens outside any unit of work.
//  3. CompleteAndSettle or FailAndRefund applies the outcome in a second,
//     independent unit of work.
//
// Every balance change goes through ledger.Post inside Store.WithTx, so a
// balance never moves without its journal entry.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlehub/internal/catalog"
	"github.com/mbd888/settlehub/internal/idgen"
	"github.com/mbd888/settlehub/internal/ledger"
	"github.com/mbd888/settlehub/internal/requests"
)

var (
	ErrServiceUnavailable  = errors.New("service is not available")
	ErrInvalidRequest      = errors.New("invalid settlement request")
	ErrIdempotencyConflict = errors.New("idempotency key already used with different parameters")
	ErrNotOwner            = errors.New("request belongs to another account")

	// Re-exported so callers can match engine failures without importing
	// every leaf package.
	ErrInsufficientFunds  = ledger.ErrInsufficientFunds
	ErrDuplicateReference = ledger.ErrDuplicateReference
	ErrDuplicatePending   = requests.ErrDuplicatePending
	ErrRequestNotFound    = requests.ErrRequestNotFound
	ErrInvalidTransition  = requests.ErrInvalidTransition
)

// Tx is everything a unit of work may touch.
type Tx interface {
	ledger.Tx
	requests.Tx
	RecordAnomaly(ctx context.Context, a *Anomaly) error
}

// Store runs units of work and serves reads outside them.
type Store interface {
	// WithTx runs fn atomically. If fn returns an error nothing it did
	// takes effect. Concurrent units of work touching the same account or
	// request are serialized.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	ledger.Reader
	requests.Reader
	ListAnomalies(ctx context.Context, limit int) ([]*Anomaly, error)
}

// SubmitRequest is the input to SubmitAndCharge.
type SubmitRequest struct {
	AccountID      string          `json:"accountId"`
	ServiceID      string          `json:"serviceId" binding:"required"`
	IdempotencyKey string          `json:"idempotencyKey"`
	TrackingKey    string          `json:"trackingKey"`
	Inputs         json.RawMessage `json:"inputs"`
}

// Receipt is the result of SubmitAndCharge.
type Receipt struct {
	Request    *requests.Request `json:"request"`
	Charge     *ledger.Entry     `json:"charge"`
	Commission *ledger.Entry     `json:"commission,omitempty"`
	Balance    decimal.Decimal   `json:"balance"`
	Replayed   bool              `json:"replayed"`
}

// Outcome is the result of a completion or failure.
type Outcome struct {
	Request    *requests.Request `json:"request"`
	Applied    bool              `json:"applied"` // false when already in that terminal state
	Commission *ledger.Entry     `json:"commission,omitempty"`
	Refund     *ledger.Entry     `json:"refund,omitempty"`
	Anomalies  []*Anomaly        `json:"anomalies,omitempty"`
}

// Engine orchestrates balance, journal and request changes.
type Engine struct {
	store    Store
	catalog  catalog.SnapshotSource
	quotes   catalog.SnapshotSource
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	newID    func(prefix string) string
}

// NewEngine creates a settlement engine.
func NewEngine(store Store, cat catalog.SnapshotSource) *Engine {
	return &Engine{
		store:    store,
		catalog:  cat,
		quotes:   cat,
		notifier: NopNotifier{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    idgen.WithPrefix,
	}
}

// WithLogger sets the engine logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithNotifier sets where COMPLETED/FAILED notifications go.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithQuoteSource sets a (possibly cached) catalog source for Quote only.
func (e *Engine) WithQuoteSource(src catalog.SnapshotSource) *Engine {
	e.quotes = src
	return e
}

// WithClock overrides time.Now. Tests use it.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Store returns the backing store.
func (e *Engine) Store() Store {
	return e.store
}
