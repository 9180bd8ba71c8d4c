package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlehub/internal/catalog"
	"github.com/mbd888/settlehub/internal/ledger"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/requests"
)

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

// staticSource serves a fixed snapshot.
type staticSource struct{ snap *catalog.Snapshot }

func (s staticSource) Snapshot(context.Context) (*catalog.Snapshot, error) { return s.snap, nil }

type fixture struct {
	engine   *Engine
	store    *MemoryStore
	catalog  *catalog.Catalog
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	cat := catalog.New(catalog.NewMemoryStore(), nil)
	notifier := &recordingNotifier{}
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	engine := NewEngine(store, cat).
		WithNotifier(notifier).
		WithClock(func() time.Time { return clock })
	return &fixture{engine: engine, store: store, catalog: cat, notifier: notifier}
}

func (f *fixture) account(t *testing.T, id, sponsorID, balance string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.CreateAccount(ctx, id, ledger.RolePayer, sponsorID)
	require.NoError(t, err)
	if balance != "" && balance != "0" {
		_, _, err = f.engine.Deposit(ctx, id, money.MustParse(balance), "seed-"+id, "")
		require.NoError(t, err)
	}
}

func (f *fixture) service(t *testing.T, id, price, commission string, policy catalog.Policy) {
	t.Helper()
	_, err := f.catalog.PutService(context.Background(), &catalog.Service{
		ID:                id,
		Name:              id,
		Price:             money.MustParse(price),
		DefaultCommission: money.MustParse(commission),
		Active:            true,
		Policy:            policy,
	})
	require.NoError(t, err)
}

func (f *fixture) override(t *testing.T, sponsorID, serviceID, amount string) {
	t.Helper()
	_, err := f.catalog.PutOverride(context.Background(), &catalog.Override{
		SponsorID: sponsorID,
		ServiceID: serviceID,
		Amount:    money.MustParse(amount),
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, id string) (spendable, commission string) {
	t.Helper()
	acct, err := f.engine.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return money.Format(acct.Spendable), money.Format(acct.Commission)
}

func (f *fixture) entriesOf(t *testing.T, id string, kind ledger.Kind) []*ledger.Entry {
	t.Helper()
	all, err := f.engine.ListEntries(context.Background(), id, 0)
	require.NoError(t, err)
	var out []*ledger.Entry
	for _, e := range all {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) assertReconciled(t *testing.T) {
	t.Helper()
	results, err := f.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ledger.Mismatches(results), "balances drifted from journal")
}

var eager = catalog.Policy{CommissionTiming: requests.TimingEager, Refundable: true}
var deferred = catalog.Policy{CommissionTiming: requests.TimingDeferred, Refundable: true}

func TestSubmit_NoSponsorChargesOnly(t *testing.T) {
	f := newFixture(t)
	f.service(t, "lookup", "2000", "300", eager)
	f.account(t, "payer", "", "5000")

	rcpt, err := f.engine.SubmitAndCharge(context.Background(), SubmitRequest{
		AccountID: "payer", ServiceID: "lookup", IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	assert.False(t, rcpt.Replayed)
	assert.Nil(t, rcpt.Commission)
	assert.Equal(t, requests.StatusPending, rcpt.Request.Status)
	assert.Equal(t, "3000.00", money.Format(rcpt.Balance))

	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "3000.00", spendable)

	charges := f.entriesOf(t, "payer", ledger.KindCharge)
	require.Len(t, charges, 1)
	assert.Equal(t, "-2000.00", money.Format(charges[0].Amount))
	assert.Equal(t, ledger.ChargeReference("payer", "k1"), charges[0].Reference)
	assert.Equal(t, rcpt.Request.ID, charges[0].RequestID)
	assert.Equal(t, charges[0].Reference, rcpt.Request.ChargeReference)
	f.assertReconciled(t)
}

func TestSubmit_EagerOverrideCommission(t *testing.T) {
	f := newFixture(t)
	f.service(t, "lookup", "2000", "100", eager)
	f.account(t, "sponsor", "", "0")
	f.account(t, "payer", "sponsor", "5000")
	f.override(t, "sponsor", "lookup", "300")

	rcpt, err := f.engine.SubmitAndCharge(context.Background(), SubmitRequest{
		AccountID: "payer", ServiceID: "lookup",
	})
	require.NoError(t, err)
	require.NotNil(t, rcpt.Commission)

	_, commission := f.balance(t, "sponsor")
	assert.Equal(t, "300.00", commission)

	comms := f.entriesOf(t, "sponsor", ledger.KindCommission)
	require.Len(t, comms, 1)
	assert.Equal(t, "300.00", money.Format(comms[0].Amount))
	assert.Equal(t, "payer", comms[0].CounterpartyID)
	assert.Equal(t, ledger.BucketCommission, comms[0].Bucket)
	assert.Equal(t, ledger.CommissionReference(rcpt.Request.ID), comms[0].Reference)
	f.assertReconciled(t)
}

func TestSubmit_DefaultCommissionWithoutOverride(t *testing.T) {
	f := newFixture(t)
	f.service(t, "lookup", "2000", "100", eager)
	f.account(t, "sponsor", "", "0")
	f.account(t, "payer", "sponsor", "5000")

	rcpt, err := f.engine.SubmitAndCharge(context.Background(), SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)
	require.NotNil(t, rcpt.Commission)
	assert.Equal(t, "100.00", money.Format(rcpt.Commission.Amount))
}

func TestSubmit_ZeroCommissionWritesNoEntry(t *testing.T) {
	f := newFixture(t)
	f.service(t, "lookup", "2000", "0", eager)
	f.account(t, "sponsor", "", "0")
	f.account(t, "payer", "sponsor", "5000")

	rcpt, err := f.engine.SubmitAndCharge(context.Background(), SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)
	assert.Nil(t, rcpt.Commission)
	assert.Empty(t, f.entriesOf(t, "sponsor", ledger.KindCommission))
}

func TestFail_RefundsOriginalCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "0", eager)
	f.account(t, "payer", "", "5000")

	rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)

	// The refund must use what was charged, not the current price.
	f.service(t, "lookup", "2500", "0", eager)

	out, err := f.engine.FailAndRefund(ctx, rcpt.Request.ID, "provider error", true)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, requests.StatusFailed, out.Request.Status)
	assert.Equal(t, "provider error", out.Request.StatusMessage)
	require.NotNil(t, out.Refund)

	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "5000.00", spendable)

	refunds := f.entriesOf(t, "payer", ledger.KindRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, "2000.00", money.Format(refunds[0].Amount))
	assert.Equal(t, ledger.RefundReference(rcpt.Charge.Reference), refunds[0].Reference)
	assert.Contains(t, refunds[0].Description, rcpt.Charge.Reference)
	assert.Empty(t, out.Anomalies)

	// Failing again is a no-op and never refunds twice.
	again, err := f.engine.FailAndRefund(ctx, rcpt.Request.ID, "provider error", true)
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Len(t, f.entriesOf(t, "payer", ledger.KindRefund), 1)

	notes := f.notifier.all()
	require.Len(t, notes, 1)
	assert.Equal(t, requests.StatusFailed, notes[0].Status)
	assert.True(t, notes[0].Refunded)
	f.assertReconciled(t)
}

func TestFail_WithoutRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "0", eager)
	f.account(t, "payer", "", "5000")

	rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)

	out, err := f.engine.FailAndRefund(ctx, rcpt.Request.ID, "rejected by operator", false)
	require.NoError(t, err)
	assert.Nil(t, out.Refund)

	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "3000.00", spendable)
}

func TestFail_NonRefundableService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "report", "2000", "0", catalog.Policy{Refundable: false})
	f.account(t, "payer", "", "5000")

	rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "report"})
	require.NoError(t, err)

	out, err := f.engine.FailAndRefund(ctx, rcpt.Request.ID, "timeout", true)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Nil(t, out.Refund)
	assert.Empty(t, f.entriesOf(t, "payer", ledger.KindRefund))
}

func TestFail_EagerCommissionIsKept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "300", eager)
	f.account(t, "sponsor", "", "0")
	f.account(t, "payer", "sponsor", "5000")

	rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)
	_, err = f.engine.FailAndRefund(ctx, rcpt.Request.ID, "boom", true)
	require.NoError(t, err)

	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "5000.00", spendable)
	_, commission := f.balance(t, "sponsor")
	assert.Equal(t, "300.00", commission)
	f.assertReconciled(t)
}

func TestComplete_DeferredCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "100", deferred)
	f.account(t, "sponsor", "", "0")
	f.account(t, "payer", "sponsor", "5000")
	f.override(t, "sponsor", "lookup", "300")

	rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)
	assert.Nil(t, rcpt.Commission)
	assert.Equal(t, requests.TimingDeferred, rcpt.Request.CommissionTiming)
	assert.Empty(t, f.entriesOf(t, "sponsor", ledger.KindCommission))

	result := json.RawMessage(`{"score":712}`)
	out, err := f.engine.CompleteAndSettle(ctx, rcpt.Request.ID, result, "done")
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, requests.StatusCompleted, out.Request.Status)
	assert.JSONEq(t, `{"score":712}`, string(out.Request.Result))
	require.NotNil(t, out.Commission)
	assert.Equal(t, "300.00", money.Format(out.Commission.Amount))

	// Completing twice pays nothing more.
	again, err := f.engine.CompleteAndSettle(ctx, rcpt.Request.ID, result, "done")
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Nil(t, again.Commission)

	comms := f.entriesOf(t, "sponsor", ledger.KindCommission)
	require.Len(t, comms, 1)
	assert.Equal(t, "300.00", money.Format(comms[0].Amount))
	assert.Len(t, f.notifier.all(), 1)
	f.assertReconciled(t)
}

func TestComplete_DeferredTimingRecordedAtSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "300", deferred)
	f.account(t, "sponsor", "", "0")
	f.account(t, "payer", "sponsor", "5000")

	rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)

	// Switching the service to eager later must not skip the deferred payout.
	f.service(t, "lookup", "2000", "300", eager)

	out, err := f.engine.CompleteAndSettle(ctx, rcpt.Request.ID, nil, "")
	require.NoError(t, err)
	require.NotNil(t, out.Commission)
	assert.Len(t, f.entriesOf(t, "sponsor", ledger.KindCommission), 1)
}

func TestComplete_EagerPaysNothingMore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "300", eager)
	f.account(t, "sponsor", "", "0")
	f.account(t, "payer", "sponsor", "5000")

	rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)
	out, err := f.engine.CompleteAndSettle(ctx, rcpt.Request.ID, nil, "")
	require.NoError(t, err)
	assert.Nil(t, out.Commission)
	assert.Len(t, f.entriesOf(t, "sponsor", ledger.KindCommission), 1)
}

func TestComplete_MissingServiceRecordsAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "300", deferred)
	f.account(t, "sponsor", "", "0")
	f.account(t, "payer", "sponsor", "5000")

	rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)

	f.engine.catalog = staticSource{snap: catalog.NewSnapshot(nil, nil)}
	out, err := f.engine.CompleteAndSettle(ctx, rcpt.Request.ID, nil, "")
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Nil(t, out.Commission)
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, AnomalyMissingService, out.Anomalies[0].Kind)

	stored, err := f.engine.ListAnomalies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, rcpt.Request.ID, stored[0].RequestID)
}

func TestComplete_InvalidResult(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CompleteAndSettle(context.Background(), "req_x", json.RawMessage(`{not json`), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmit_DuplicatePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "verify", "2000", "0", catalog.Policy{Refundable: true, UniqueTrackingKey: true})
	f.account(t, "payer", "", "5000")

	first, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "verify", TrackingKey: "order-9"})
	require.NoError(t, err)

	_, err = f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "verify", TrackingKey: "order-9"})
	assert.ErrorIs(t, err, ErrDuplicatePending)

	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "3000.00", spendable, "rejected submission must not charge")
	assert.Len(t, f.entriesOf(t, "payer", ledger.KindCharge), 1)

	// Once the first request is terminal the key is free again.
	_, err = f.engine.CompleteAndSettle(ctx, first.Request.ID, nil, "")
	require.NoError(t, err)
	_, err = f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "verify", TrackingKey: "order-9"})
	require.NoError(t, err)
	f.assertReconciled(t)
}

func TestSubmit_TrackingKeyRequired(t *testing.T) {
	f := newFixture(t)
	f.service(t, "verify", "2000", "0", catalog.Policy{UniqueTrackingKey: true})
	f.account(t, "payer", "", "5000")

	_, err := f.engine.SubmitAndCharge(context.Background(), SubmitRequest{AccountID: "payer", ServiceID: "verify"})
	assert.ErrorIs(t, err, requests.ErrTrackingKeyNeeded)
}

func TestSubmit_TrackingKeyIgnoredWithoutPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "10", "0", eager)
	f.account(t, "payer", "", "100")

	for i := 0; i < 2; i++ {
		_, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup", TrackingKey: "same"})
		require.NoError(t, err)
	}
}

func TestSubmit_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "300", eager)
	f.account(t, "sponsor", "", "0")
	f.account(t, "payer", "sponsor", "5000")

	req := SubmitRequest{AccountID: "payer", ServiceID: "lookup", IdempotencyKey: "retry-me"}
	first, err := f.engine.SubmitAndCharge(ctx, req)
	require.NoError(t, err)
	second, err := f.engine.SubmitAndCharge(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Request.ID, second.Request.ID)
	assert.Equal(t, first.Charge.ID, second.Charge.ID)
	require.NotNil(t, second.Commission)
	assert.Equal(t, first.Commission.ID, second.Commission.ID)

	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "3000.00", spendable)
	assert.Len(t, f.entriesOf(t, "payer", ledger.KindCharge), 1)
	assert.Len(t, f.entriesOf(t, "sponsor", ledger.KindCommission), 1)
}

func TestSubmit_IdempotencyConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "10", "0", eager)
	f.service(t, "report", "20", "0", eager)
	f.account(t, "payer", "", "100")

	_, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup", IdempotencyKey: "k"})
	require.NoError(t, err)
	_, err = f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "report", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestSubmit_IdempotencyKeyScopedToAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "10", "0", eager)
	f.account(t, "alice", "", "100")
	f.account(t, "bob", "", "100")

	a, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "alice", ServiceID: "lookup", IdempotencyKey: "k"})
	require.NoError(t, err)
	b, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "bob", ServiceID: "lookup", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, b.Replayed)
	assert.NotEqual(t, a.Request.ID, b.Request.ID)
}

func TestSubmit_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "300", eager)
	f.account(t, "sponsor", "", "0")
	f.account(t, "payer", "sponsor", "1999.99")

	_, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "1999.99", spendable)
	_, commission := f.balance(t, "sponsor")
	assert.Equal(t, "0.00", commission)

	reqs, err := f.engine.ListRequests(ctx, "payer", 0)
	require.NoError(t, err)
	assert.Empty(t, reqs, "no request record without a charge")
}

func TestSubmit_ServiceUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "free", "0", "0", eager)
	_, err := f.catalog.PutService(ctx, &catalog.Service{
		ID: "retired", Name: "retired", Price: money.MustParse("10"), Active: false,
	})
	require.NoError(t, err)
	f.account(t, "payer", "", "100")

	tests := []struct {
		name    string
		service string
	}{
		{"unknown", "nope"},
		{"inactive", "retired"},
		{"zero price", "free"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: tt.service})
			assert.ErrorIs(t, err, ErrServiceUnavailable)
		})
	}
}

func TestSubmit_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	f.service(t, "lookup", "10", "0", eager)
	_, err := f.engine.SubmitAndCharge(context.Background(), SubmitRequest{AccountID: "ghost", ServiceID: "lookup"})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestStatus_OnlyMovesForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "0", eager)
	f.account(t, "payer", "", "5000")

	rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)

	proc, applied, err := f.engine.StartProcessing(ctx, rcpt.Request.ID, "started")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, requests.StatusProcessing, proc.Status)

	proc, applied, err = f.engine.StartProcessing(ctx, rcpt.Request.ID, "")
	require.NoError(t, err, "repeated start is a no-op")
	assert.False(t, applied)
	assert.Equal(t, requests.StatusProcessing, proc.Status)
	assert.Equal(t, "started", proc.StatusMessage)

	_, err = f.engine.CompleteAndSettle(ctx, rcpt.Request.ID, nil, "ok")
	require.NoError(t, err)

	_, err = f.engine.FailAndRefund(ctx, rcpt.Request.ID, "late failure", true)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, _, err = f.engine.StartProcessing(ctx, rcpt.Request.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "3000.00", spendable, "a completed request is never refunded")

	got, err := f.engine.GetRequest(ctx, rcpt.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, requests.StatusCompleted, got.Status)
}

func TestTransition_UnknownRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.FailAndRefund(context.Background(), "req_missing", "x", true)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestFail_MissingChargeRecordsAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "0", eager)
	f.account(t, "payer", "", "5000")

	// A request whose charge never made it into the journal.
	err := f.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return requests.Create(ctx, tx, &requests.Request{
			ID: "req_orphan", AccountID: "payer", ServiceID: "lookup",
			ChargeReference: "charge:payer:lost", Price: money.MustParse("2000"),
			CommissionTiming: requests.TimingEager,
		})
	})
	require.NoError(t, err)

	out, err := f.engine.FailAndRefund(ctx, "req_orphan", "provider error", true)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, requests.StatusFailed, out.Request.Status)
	assert.Nil(t, out.Refund)
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, AnomalyMissingCharge, out.Anomalies[0].Kind)

	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "5000.00", spendable)
}

func TestFail_ChargeFallbackByAccountAndService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "0", eager)
	f.account(t, "payer", "", "5000")

	rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)

	// A second record pointing at a reference that does not exist.
	err = f.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return requests.Create(ctx, tx, &requests.Request{
			ID: "req_legacy", AccountID: "payer", ServiceID: "lookup",
			ChargeReference: "charge:payer:unknown", Price: money.MustParse("2000"),
		})
	})
	require.NoError(t, err)

	out, err := f.engine.FailAndRefund(ctx, "req_legacy", "provider error", true)
	require.NoError(t, err)
	require.NotNil(t, out.Refund)
	assert.Equal(t, ledger.RefundReference(rcpt.Charge.Reference), out.Refund.Reference)
	assert.Equal(t, "2000.00", money.Format(out.Refund.Amount))
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, AnomalyChargeFallback, out.Anomalies[0].Kind)

	// The real request can no longer refund the same charge.
	again, err := f.engine.FailAndRefund(ctx, rcpt.Request.ID, "provider error", true)
	require.NoError(t, err)
	assert.Equal(t, out.Refund.ID, again.Refund.ID)
	assert.Len(t, f.entriesOf(t, "payer", ledger.KindRefund), 1)
	f.assertReconciled(t)
}

func TestConcurrentSubmissions_NeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "0", eager)
	f.account(t, "payer", "", "2000")

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, insufficient int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientFunds):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, insufficient)
	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "0.00", spendable)
	f.assertReconciled(t)
}

func TestConcurrentSubmissions_SameKeyChargesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "10", "0", eager)
	f.account(t, "payer", "", "1000")

	const workers = 8
	var wg sync.WaitGroup
	ids := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup", IdempotencyKey: "once"})
			if assert.NoError(t, err) {
				ids[i] = rcpt.Request.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "990.00", spendable)
}

func TestConcurrentOutcomes_SingleRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "0", eager)
	f.account(t, "payer", "", "5000")

	rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = f.engine.FailAndRefund(ctx, rcpt.Request.ID, "x", true)
			} else {
				_, _ = f.engine.CompleteAndSettle(ctx, rcpt.Request.ID, nil, "")
			}
		}(i)
	}
	wg.Wait()

	got, err := f.engine.GetRequest(ctx, rcpt.Request.ID)
	require.NoError(t, err)
	spendable, _ := f.balance(t, "payer")
	refunds := f.entriesOf(t, "payer", ledger.KindRefund)
	if got.Status == requests.StatusFailed {
		assert.Len(t, refunds, 1)
		assert.Equal(t, "5000.00", spendable)
	} else {
		assert.Empty(t, refunds)
		assert.Equal(t, "3000.00", spendable)
	}
	assert.Len(t, f.notifier.all(), 1)
	f.assertReconciled(t)
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "payer", "", "0")

	e, replayed, err := f.engine.Deposit(ctx, "payer", money.MustParse("50"), "pi_1", "")
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, ledger.DepositReference("pi_1"), e.Reference)

	again, replayed, err := f.engine.Deposit(ctx, "payer", money.MustParse("50"), "pi_1", "")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, e.ID, again.ID)

	_, _, err = f.engine.Deposit(ctx, "payer", money.MustParse("60"), "pi_1", "")
	assert.ErrorIs(t, err, ErrIdempotencyConflict)

	_, _, err = f.engine.Deposit(ctx, "payer", money.MustParse("0"), "pi_2", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "50.00", spendable)
}

func TestCreateAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "sponsor", "", "0")

	acct, err := f.engine.CreateAccount(ctx, "payer", "", "sponsor")
	require.NoError(t, err)
	assert.Equal(t, ledger.RolePayer, acct.Role)
	assert.Equal(t, "sponsor", acct.SponsorID)

	_, err = f.engine.CreateAccount(ctx, "payer", ledger.RolePayer, "")
	assert.ErrorIs(t, err, ledger.ErrAccountExists)

	_, err = f.engine.CreateAccount(ctx, "orphan", ledger.RolePayer, "missing")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	_, err = f.engine.GetAccount(ctx, "orphan")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound, "failed sponsor link rolls back the account")

	_, err = f.engine.CreateAccount(ctx, "x", "superuser", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.engine.AssignSponsor(ctx, "payer", "other")
	assert.Error(t, err)
}

func TestQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "2000", "100", eager)
	f.account(t, "sponsor", "", "0")
	f.account(t, "payer", "sponsor", "1500")
	f.override(t, "sponsor", "lookup", "300")

	q, err := f.engine.Quote(ctx, "payer", "lookup")
	require.NoError(t, err)
	assert.Equal(t, "2000.00", money.Format(q.Price))
	assert.False(t, q.Affordable)
	assert.Equal(t, "300.00", money.Format(q.Commission.Amount))
	assert.Equal(t, "sponsor", q.Commission.SponsorID)

	// Quoting moves no money.
	spendable, _ := f.balance(t, "payer")
	assert.Equal(t, "1500.00", spendable)
	assert.Empty(t, f.entriesOf(t, "sponsor", ledger.KindCommission))
}

func TestListRequests_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.service(t, "lookup", "1", "0", eager)
	f.account(t, "payer", "", "10")

	var ids []string
	for i := 0; i < 3; i++ {
		rcpt, err := f.engine.SubmitAndCharge(ctx, SubmitRequest{AccountID: "payer", ServiceID: "lookup"})
		require.NoError(t, err)
		ids = append(ids, rcpt.Request.ID)
	}

	got, err := f.engine.ListRequests(ctx, "payer", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[1], got[1].ID)

	entries, err := f.engine.ListEntries(ctx, "payer", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Less(t, entries[0].Seq, entries[1].Seq)
}

func TestReconcile_NoDriftWhileDepositsCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "payer", "", "10")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 200; i++ {
			_, _, err := f.engine.Deposit(ctx, "payer", money.MustParse("1.00"), "topup-"+strconv.Itoa(i), "")
			assert.NoError(t, err)
		}
	}()

	for {
		results, err := f.engine.Reconcile(ctx)
		require.NoError(t, err)
		require.Empty(t, ledger.Mismatches(results))
		select {
		case <-done:
			wg.Wait()
			spendable, _ := f.balance(t, "payer")
			assert.Equal(t, "210.00", spendable)
			return
		default:
		}
	}
}
