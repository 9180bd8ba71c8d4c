package commission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlehub/internal/catalog"
	"github.com/mbd888/settlehub/internal/ledger"
	"github.com/mbd888/settlehub/internal/money"
)

func testSnapshot() *catalog.Snapshot {
	return catalog.NewSnapshot(
		[]*catalog.Service{
			{ID: "nin-basic", Price: money.MustParse("2000"), DefaultCommission: money.MustParse("150"), Active: true},
			{ID: "bvn", Price: money.MustParse("500"), DefaultCommission: money.Zero, Active: true},
		},
		[]*catalog.Override{
			{SponsorID: "s1", ServiceID: "nin-basic", Amount: money.MustParse("300")},
			{SponsorID: "s2", ServiceID: "nin-basic", Amount: money.Zero},
		},
	)
}

func TestResolve(t *testing.T) {
	snap := testSnapshot()

	tests := []struct {
		name      string
		payer     *ledger.Account
		service   string
		amount    string
		sponsorID string
		source    Source
		payable   bool
	}{
		{"no sponsor", &ledger.Account{ID: "p"}, "nin-basic", "0", "", SourceNone, false},
		{"override wins", &ledger.Account{ID: "p", SponsorID: "s1"}, "nin-basic", "300", "s1", SourceOverride, true},
		{"default applies", &ledger.Account{ID: "p", SponsorID: "s3"}, "nin-basic", "150", "s3", SourceDefault, true},
		{"zero override is valid", &ledger.Account{ID: "p", SponsorID: "s2"}, "nin-basic", "0", "s2", SourceOverride, false},
		{"zero default", &ledger.Account{ID: "p", SponsorID: "s1"}, "bvn", "0", "s1", SourceDefault, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Resolve(snap, tt.payer, tt.service)
			require.NoError(t, err)
			assert.True(t, res.Amount.Equal(money.MustParse(tt.amount)), "amount %s", res.Amount)
			assert.Equal(t, tt.sponsorID, res.SponsorID)
			assert.Equal(t, tt.source, res.Source)
			assert.Equal(t, tt.payable, res.Payable())
		})
	}
}

func TestResolve_UnknownService(t *testing.T) {
	_, err := Resolve(testSnapshot(), &ledger.Account{ID: "p", SponsorID: "s1"}, "ghost")
	assert.ErrorIs(t, err, catalog.ErrServiceNotFound)
}

func TestResolve_Pure(t *testing.T) {
	snap := testSnapshot()
	payer := &ledger.Account{ID: "p", SponsorID: "s1"}

	first, err := Resolve(snap, payer, "nin-basic")
	require.NoError(t, err)
	second, err := Resolve(snap, payer, "nin-basic")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "s1", payer.SponsorID)
}
