// Package requests tracks each submitted service instance through its
// lifecycle.
//
// States:
//
//	PENDING ──▶ PROCESSING ──▶ COMPLETED
//	   │             └───────▶ FAILED
//	   ├──────────────────────▶ COMPLETED
//	   └──────────────────────▶ FAILED
//
// Status only moves forward. Records are never deleted.
package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/settlehub/internal/pagination"

	"github.com/shopspring/decimal"
)

var (
	ErrRequestNotFound   = errors.New("request not found")
	ErrDuplicatePending  = errors.New("an active request with this tracking key already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTrackingKeyNeeded = errors.New("this service requires a tracking key")
)

// Status is a lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"    // Submitted and charged
	StatusProcessing Status = "PROCESSING" // Provider work started
	StatusCompleted  Status = "COMPLETED"  // Terminal: result delivered
	StatusFailed     Status = "FAILED"     // Terminal: work failed, maybe refunded
)

// IsTerminal returns true if no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive returns true while the request still awaits an outcome.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

var allowed = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from → to is a forward move.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CommissionTiming records when a request's commission is paid.
type CommissionTiming string

const (
	TimingEager    CommissionTiming = "eager"    // at submission
	TimingDeferred CommissionTiming = "deferred" // at completion
)

// Request is the durable record of one submitted service instance.
type Request struct {
	ID               string           `json:"id"`
	AccountID        string           `json:"accountId"`
	ServiceID        string           `json:"serviceId"`
	Status           Status           `json:"status"`
	StatusMessage    string           `json:"statusMessage,omitempty"`
	Result           json.RawMessage  `json:"result,omitempty"`
	Inputs           json.RawMessage  `json:"inputs,omitempty"`
	TrackingKey      string           `json:"trackingKey,omitempty"`
	UniqueTracking   bool             `json:"-"`
	ChargeReference  string           `json:"chargeReference"`
	Price            decimal.Decimal  `json:"price"`
	CommissionTiming CommissionTiming `json:"commissionTiming"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Tx is the request store as seen from inside one unit of work.
type Tx interface {
	// CreateRequest fails with ErrDuplicatePending when r.UniqueTracking is
	// set and another active request has the same service and tracking key.
	CreateRequest(ctx context.Context, r *Request) error
	// GetRequestForUpdate locks the request for the rest of the unit of work.
	GetRequestForUpdate(ctx context.Context, id string) (*Request, error)
	UpdateRequest(ctx context.Context, r *Request) error
	FindActiveByTrackingKey(ctx context.Context, serviceID, trackingKey string) (*Request, error)
}

// Reader is read access outside a unit of work.
type Reader interface {
	GetRequest(ctx context.Context, id string) (*Request, error)
	ListRequests(ctx context.Context, accountID string, limit int, opts ...ListOption) ([]*Request, error)
}

// ListOption narrows a ListRequests call.
type ListOption func(*ListOptions)

// ListOptions is the resolved set of ListOption values.
type ListOptions struct {
	// After resumes a newest-first listing below this position.
	After *pagination.Cursor
}

// After continues a listing from a cursor returned with the previous page.
// A nil cursor starts from the newest request.
func After(c *pagination.Cursor) ListOption {
	return func(o *ListOptions) { o.After = c }
}

// ApplyListOptions resolves opts for store implementations.
func ApplyListOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Create stores r in PENDING. When r.UniqueTracking is set and an active
// request already holds the tracking key it fails with ErrDuplicatePending.
func Create(ctx context.Context, tx Tx, r *Request) error {
	if r.UniqueTracking {
		if r.TrackingKey == "" {
			return ErrTrackingKeyNeeded
		}
		existing, err := tx.FindActiveByTrackingKey(ctx, r.ServiceID, r.TrackingKey)
		if err != nil {
			return fmt.Errorf("failed to check tracking key: %w", err)
		}
		if existing != nil {
			return ErrDuplicatePending
		}
	}
	r.Status = StatusPending
	return tx.CreateRequest(ctx, r)
}

// Change describes a requested transition.
type Change struct {
	Status  Status
	Message string
	Result  json.RawMessage
	At      time.Time
}

// Transition locks the request and applies c. Re-applying the terminal state
// the request is already in returns applied=false and no error. Any other
// move out of a terminal state, or backward, is ErrInvalidTransition.
func Transition(ctx context.Context, tx Tx, id string, c Change) (req *Request, applied bool, err error) {
	req, err = tx.GetRequestForUpdate(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if req.Status == c.Status && c.Status.IsTerminal() {
		return req, false, nil
	}
	if !CanTransition(req.Status, c.Status) {
		return req, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, c.Status)
	}

	req.Status = c.Status
	if c.Message != "" {
		req.StatusMessage = c.Message
	}
	if len(c.Result) > 0 {
		req.Result = c.Result
	}
	req.UpdatedAt = c.At
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = time.Now().UTC()
	}

	if err := tx.UpdateRequest(ctx, req); err != nil {
		return nil, false, fmt.Errorf("failed to update request: %w", err)
	}
	return req, true, nil
}
