package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlehub/internal/money"
)

// ReconciliationResult holds the outcome of replaying entries vs the stored balance.
type ReconciliationResult struct {
	AccountID        string `json:"accountId"`
	Match            bool   `json:"match"`
	Entries          int    `json:"entries"`
	ReplaySpendable  string `json:"replaySpendable"`
	ReplayCommission string `json:"replayCommission"`
	ActualSpendable  string `json:"actualSpendable"`
	ActualCommission string `json:"actualCommission"`
}

// RebuildBalance replays entries to reconstruct both buckets.
func RebuildBalance(entries []*Entry) (spendable, commission decimal.Decimal) {
	spendable, commission = money.Zero, money.Zero
	for _, e := range entries {
		switch e.Bucket {
		case BucketCommission:
			commission = commission.Add(e.Amount)
		default:
			spendable = spendable.Add(e.Amount)
		}
	}
	return spendable, commission
}

// ReconcileAccount replays one account's journal and compares it with the
// stored balances. Both come from the same snapshot so a settlement
// committing concurrently is either fully visible or not at all.
func ReconcileAccount(ctx context.Context, r Reader, accountID string) (*ReconciliationResult, error) {
	acct, entries, err := r.GetAccountJournal(ctx, accountID)
	if err != nil {
		return nil, err
	}

	spendable, commission := RebuildBalance(entries)
	return &ReconciliationResult{
		AccountID:        accountID,
		Match:            spendable.Equal(acct.Spendable) && commission.Equal(acct.Commission),
		Entries:          len(entries),
		ReplaySpendable:  money.Format(spendable),
		ReplayCommission: money.Format(commission),
		ActualSpendable:  money.Format(acct.Spendable),
		ActualCommission: money.Format(acct.Commission),
	}, nil
}

// ReconcileAll reconciles every account and returns all results.
func ReconcileAll(ctx context.Context, r Reader) ([]*ReconciliationResult, error) {
	ids, err := r.ListAccountIDs(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*ReconciliationResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := ReconcileAccount(ctx, r, id)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Mismatches filters results down to the accounts that drifted.
func Mismatches(results []*ReconciliationResult) []*ReconciliationResult {
	var out []*ReconciliationResult
	for _, r := range results {
		if !r.Match {
			out = append(out, r)
		}
	}
	return out
}
