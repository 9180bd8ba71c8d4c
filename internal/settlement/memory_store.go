package settlement

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlehub/internal/ledger"
	"github.com/mbd888/settlehub/internal/requests"
)

// MemoryStore is an in-memory settlement store for demo/development mode.
// Units of work run one at a time under a single mutex; writes are undone
// if the unit of work fails.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]*ledger.Account
	entries   []*ledger.Entry
	byRef     map[string]*ledger.Entry
	requests  map[string]*requests.Request
	order     []string // request ids in creation order
	anomalies []*Anomaly
}

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*ledger.Account),
		byRef:    make(map[string]*ledger.Entry),
		requests: make(map[string]*requests.Request),
	}
}

// WithTx runs fn with exclusive access to the store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{m: m}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	committed = true
	return nil
}

type memoryTx struct {
	m    *MemoryStore
	undo []func()
}

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) CreateAccount(_ context.Context, acct *ledger.Account) error {
	if _, ok := t.m.accounts[acct.ID]; ok {
		return ledger.ErrAccountExists
	}
	cp := *acct
	id := acct.ID
	t.m.accounts[id] = &cp
	t.undo = append(t.undo, func() { delete(t.m.accounts, id) })
	return nil
}

func (t *memoryTx) GetAccountForUpdate(_ context.Context, id string) (*ledger.Account, error) {
	a, ok := t.m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memoryTx) SetSponsor(_ context.Context, accountID, sponsorID string) error {
	a, ok := t.m.accounts[accountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if a.SponsorID != "" {
		return ledger.ErrSponsorAlreadySet
	}
	prev := *a
	a.SponsorID = sponsorID
	a.UpdatedAt = time.Now().UTC()
	t.undo = append(t.undo, func() { *a = prev })
	return nil
}

func (t *memoryTx) AdjustBalance(_ context.Context, accountID string, bucket ledger.Bucket, delta decimal.Decimal, allowNegative bool) (decimal.Decimal, error) {
	a, ok := t.m.accounts[accountID]
	if !ok {
		return decimal.Zero, ledger.ErrAccountNotFound
	}
	next := a.Balance(bucket).Add(delta)
	if next.IsNegative() && !allowNegative {
		return decimal.Zero, ledger.ErrInsufficientFunds
	}

	prev := *a
	if bucket == ledger.BucketCommission {
		a.Commission = next
	} else {
		a.Spendable = next
	}
	a.UpdatedAt = time.Now().UTC()
	t.undo = append(t.undo, func() { *a = prev })
	return next, nil
}

func (t *memoryTx) AppendEntry(_ context.Context, e *ledger.Entry) error {
	if _, ok := t.m.byRef[e.Reference]; ok {
		return ledger.ErrDuplicateReference
	}
	e.Seq = int64(len(t.m.entries) + 1)
	cp := *e
	ref := e.Reference
	t.m.entries = append(t.m.entries, &cp)
	t.m.byRef[ref] = &cp
	t.undo = append(t.undo, func() {
		t.m.entries = t.m.entries[:len(t.m.entries)-1]
		delete(t.m.byRef, ref)
	})
	return nil
}

func (t *memoryTx) FindByReference(_ context.Context, reference string) (*ledger.Entry, error) {
	if e, ok := t.m.byRef[reference]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (t *memoryTx) FindLatestCharge(_ context.Context, accountID, serviceID string) (*ledger.Entry, error) {
	for i := len(t.m.entries) - 1; i >= 0; i-- {
		e := t.m.entries[i]
		if e.Kind == ledger.KindCharge && e.AccountID == accountID && e.ServiceID == serviceID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) FindCommissionForRequest(_ context.Context, requestID string) (*ledger.Entry, error) {
	for _, e := range t.m.entries {
		if e.Kind == ledger.KindCommission && e.RequestID == requestID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) CreateRequest(ctx context.Context, r *requests.Request) error {
	if r.UniqueTracking {
		if existing, _ := t.FindActiveByTrackingKey(ctx, r.ServiceID, r.TrackingKey); existing != nil {
			return requests.ErrDuplicatePending
		}
	}
	id := r.ID
	t.m.requests[id] = cloneRequest(r)
	t.m.order = append(t.m.order, id)
	t.undo = append(t.undo, func() {
		delete(t.m.requests, id)
		t.m.order = t.m.order[:len(t.m.order)-1]
	})
	return nil
}

func (t *memoryTx) GetRequestForUpdate(_ context.Context, id string) (*requests.Request, error) {
	r, ok := t.m.requests[id]
	if !ok {
		return nil, requests.ErrRequestNotFound
	}
	return cloneRequest(r), nil
}

func (t *memoryTx) UpdateRequest(_ context.Context, r *requests.Request) error {
	prev, ok := t.m.requests[r.ID]
	if !ok {
		return requests.ErrRequestNotFound
	}
	id := r.ID
	t.m.requests[id] = cloneRequest(r)
	t.undo = append(t.undo, func() { t.m.requests[id] = prev })
	return nil
}

func (t *memoryTx) FindActiveByTrackingKey(_ context.Context, serviceID, trackingKey string) (*requests.Request, error) {
	for _, r := range t.m.requests {
		if r.ServiceID == serviceID && r.TrackingKey == trackingKey && r.Status.IsActive() {
			return cloneRequest(r), nil
		}
	}
	return nil, nil
}

func (t *memoryTx) RecordAnomaly(_ context.Context, a *Anomaly) error {
	cp := *a
	t.m.anomalies = append(t.m.anomalies, &cp)
	t.undo = append(t.undo, func() { t.m.anomalies = t.m.anomalies[:len(t.m.anomalies)-1] })
	return nil
}

// Reads outside a unit of work.

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAccountIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, accountID string, limit int) ([]*ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ledger.Entry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			cp := *e
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) GetAccountJournal(_ context.Context, id string) (*ledger.Account, []*ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, nil, ledger.ErrAccountNotFound
	}
	acct := *a
	var out []*ledger.Entry
	for _, e := range m.entries {
		if e.AccountID == id {
			cp := *e
			out = append(out, &cp)
		}
	}
	return &acct, out, nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*requests.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, requests.ErrRequestNotFound
	}
	return cloneRequest(r), nil
}

// ListRequests walks insertion order newest first. A cursor resumes just
// past the request it names.
func (m *MemoryStore) ListRequests(_ context.Context, accountID string, limit int, opts ...requests.ListOption) ([]*requests.Request, error) {
	o := requests.ApplyListOptions(opts)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*requests.Request
	seeking := o.After != nil
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.requests[m.order[i]]
		if r.AccountID != accountID {
			continue
		}
		if seeking {
			if r.ID == o.After.ID {
				seeking = false
			}
			continue
		}
		out = append(out, cloneRequest(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListAnomalies(_ context.Context, limit int) ([]*Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Anomaly
	for i := len(m.anomalies) - 1; i >= 0; i-- {
		cp := *m.anomalies[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func cloneRequest(r *requests.Request) *requests.Request {
	cp := *r
	if r.Result != nil {
		cp.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Inputs != nil {
		cp.Inputs = append(json.RawMessage(nil), r.Inputs...)
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
