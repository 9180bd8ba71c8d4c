//go:build integration

package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlehub/internal/catalog"
	"github.com/mbd888/settlehub/internal/ledger"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/requests"
	"github.com/mbd888/settlehub/internal/testutil"
)

func newPostgresFixture(t *testing.T) *fixture {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	store := NewPostgresStore(db)
	cat := catalog.New(catalog.NewPostgresStore(db), nil)
	return &fixture{
		engine:   NewEngine(store, cat),
		catalog:  cat,
		notifier: &recordingNotifier{},
	}
}

func TestPostgres_SubmitCompleteFail(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "100", deferred)
	f.account(t, "sponsor", "", "0")
	f.account(t, "payer", "sponsor", "5000")
	f.override(t, "sponsor", "lookup", "300")

	first, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup", IdempotencyKey: "a"})
	require.NoError(t, err)
	replay, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup", IdempotencyKey: "a"})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Request.ID, replay.Request.ID)

	out, err := f.engine.CompleteAndSettle(ctx, first.Request.ID, []byte(`{"ok":true}`), "done")
	require.NoError(t, err)
	require.NotNil(t, out.Commission)
	assert.Equal(t, "300.00", money.Format(out.Commission.Amount))

	again, err := f.engine.CompleteAndSettle(ctx, first.Request.ID, nil, "")
	require.NoError(t, err)
	assert.False(t, again.Applied)

	second, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)
	failed, err := f.engine.FailAndRefund(ctx, second.Request.ID, "provider error", true)
	require.NoError(t, err)
	require.NotNil(t, failed.Refund)
	assert.Equal(t, "2000.00", money.Format(failed.Refund.Amount))

	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "3000.00", spendable)
	_, commission := f.balance(t, "sponsor")
	assert.Equal(t, "300.00", commission)

	got, err := f.engine.GetRequest(ctx, first.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, requests.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	f.assertReconciled(t)
}

func TestPostgres_DuplicatePendingAndFunds(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	f.service(t, "verify", "2000", "0", catalog.Policy{Refundable: true, UniqueTrackingKey: true})
	f.account(t, "payer", "", "3000")

	_, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "verify", TrackingKey: "t1"})
	require.NoError(t, err)
	_, err = f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "verify", TrackingKey: "t1"})
	assert.ErrorIs(t, err, ErrDuplicatePending)
	_, err = f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "verify", TrackingKey: "t2"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "1000.00", spendable)
}

func TestPostgres_ConcurrentSubmissions(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "0", eager)
	f.account(t, "payer", "", "2000")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "0.00", spendable)
	assert.Len(t, f.entriesOf(t, "payer", ledger.KindCharge), 1)
	f.assertReconciled(t)
}

func TestPostgres_JournalIsAppendOnly(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	f := &fixture{engine: NewEngine(NewPostgresStore(db), catalog.New(catalog.NewMemoryStore(), nil))}
	f.account(t, "payer", "", "10")

	_, err := db.Exec(`UPDATE ledger_entries SET amount = 1000`)
	assert.Error(t, err)
	_, err = db.Exec(`DELETE FROM ledger_entries`)
	assert.Error(t, err)
}

func TestPostgres_ReconcileReadsOneSnapshot(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	f.account(t, "payer", "", "10")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _, err := f.engine.Deposit(ctx, "payer", money.MustParse("1.00"), fmt.Sprintf("topup-%d", i), "")
			assert.NoError(t, err)
		}
	}()
	for i := 0; i < 50; i++ {
		res, err := ledger.ReconcileAccount(ctx, f.engine.Store(), "payer")
		require.NoError(t, err)
		assert.True(t, res.Match, "%+v", res)
	}
	wg.Wait()
	f.assertReconciled(t)
}
