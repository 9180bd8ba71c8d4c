// Package commission resolves what a payer's sponsor earns on a service.
//
// Resolve is pure: it reads only the catalog snapshot and the payer record it
// is given, so it can run speculatively before any money moves.
package commission

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/settlehub/internal/catalog"
	"github.com/mbd888/settlehub/internal/ledger"
	"github.com/mbd888/settlehub/internal/money"
)

// Source says where a resolved amount came from.
type Source string

const (
	SourceNone     Source = "none"     // payer has no sponsor
	SourceOverride Source = "override" // sponsor-specific override
	SourceDefault  Source = "default"  // service default commission
)

// Result is a resolved commission. A zero Amount is a valid outcome.
type Result struct {
	Amount    decimal.Decimal `json:"amount"`
	SponsorID string          `json:"sponsorId,omitempty"`
	Source    Source          `json:"source"`
}

// Payable reports whether there is a sponsor and a nonzero amount to credit.
func (r Result) Payable() bool {
	return r.SponsorID != "" && money.IsPositive(r.Amount)
}

// Resolve returns the commission owed to payer's sponsor for serviceID.
//
// No sponsor gives zero. Otherwise an override for (sponsor, service) wins
// over the service default.
func Resolve(snap *catalog.Snapshot, payer *ledger.Account, serviceID string) (Result, error) {
	svc, ok := snap.Service(serviceID)
	if !ok {
		return Result{}, catalog.ErrServiceNotFound
	}
	if payer == nil || !payer.HasSponsor() {
		return Result{Amount: money.Zero, Source: SourceNone}, nil
	}
	if amt, ok := snap.Override(payer.SponsorID, serviceID); ok {
		return Result{Amount: amt, SponsorID: payer.SponsorID, Source: SourceOverride}, nil
	}
	return Result{Amount: svc.DefaultCommission, SponsorID: payer.SponsorID, Source: SourceDefault}, nil
}
