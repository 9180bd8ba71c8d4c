package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/settlehub/internal/ledger"
	"github.com/mbd888/settlehub/internal/requests"
	"github.com/mbd888/settlehub/internal/retry"
)

const (
	pgUniqueViolation        = "23505"
	pgForeignKeyViolation    = "23503"
	pgCheckViolation         = "23514"
	pgSerializationFailure   = "40001"
	pgDeadlockDetected       = "40P01"
	activeTrackingConstraint = "requests_active_tracking_key"

	txAttempts  = 5
	txBaseDelay = 20 * time.Millisecond
)

// PostgresStore implements Store with PostgreSQL. Units of work run at
// SERIALIZABLE isolation and are retried on serialization failures.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx runs fn in a SERIALIZABLE transaction. fn may run more than once.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return retry.DoIf(ctx, txAttempts, txBaseDelay, isRetryable, func() error {
		return p.runTx(ctx, fn)
	})
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapPQError(err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgSerializationFailure || pqErr.Code == pgDeadlockDetected
	}
	return false
}

// mapPQError turns constraint violations into domain errors and leaves
// everything else (including retryable failures) as is.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case pgUniqueViolation:
		switch pqErr.Constraint {
		case activeTrackingConstraint:
			return requests.ErrDuplicatePending
		case "accounts_pkey":
			return ledger.ErrAccountExists
		case "requests_pkey":
			return fmt.Errorf("request id collision: %w", err)
		}
		return ledger.ErrDuplicateReference
	case pgForeignKeyViolation:
		return ledger.ErrAccountNotFound
	case pgCheckViolation:
		switch pqErr.Constraint {
		case "chk_spendable_nonneg", "chk_commission_nonneg":
			return ledger.ErrInsufficientFunds
		case "chk_no_self_sponsor":
			return ledger.ErrSelfSponsor
		}
	}
	return err
}

type pgTx struct {
	tx *sql.Tx
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const accountColumns = `id, role, COALESCE(sponsor_id, ''), spendable, commission, created_at, updated_at`

func scanAccount(row scanner) (*ledger.Account, error) {
	var a ledger.Account
	var role string
	if err := row.Scan(&a.ID, &role, &a.SponsorID, &a.Spendable, &a.Commission, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, err
	}
	a.Role = ledger.Role(role)
	return &a, nil
}

const entryColumns = `id, seq, account_id, amount, kind, bucket, reference,
		       COALESCE(service_id, ''), COALESCE(request_id, ''), COALESCE(counterparty_id, ''),
		       COALESCE(description, ''), balance_after, created_at`

func scanEntry(row scanner) (*ledger.Entry, error) {
	var e ledger.Entry
	var kind, bucket string
	err := row.Scan(
		&e.ID, &e.Seq, &e.AccountID, &e.Amount, &kind, &bucket, &e.Reference,
		&e.ServiceID, &e.RequestID, &e.CounterpartyID,
		&e.Description, &e.BalanceAfter, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = ledger.Kind(kind)
	e.Bucket = ledger.Bucket(bucket)
	return &e, nil
}

// scanOptionalEntry returns (nil, nil) when the query found nothing.
func scanOptionalEntry(row scanner) (*ledger.Entry, error) {
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

const requestColumns = `id, account_id, service_id, status, COALESCE(status_message, ''),
		       result, inputs, COALESCE(tracking_key, ''), unique_tracking,
		       COALESCE(charge_reference, ''), price, commission_timing, created_at, updated_at`

func scanRequest(row scanner) (*requests.Request, error) {
	var r requests.Request
	var status, timing string
	var result, inputs []byte
	err := row.Scan(
		&r.ID, &r.AccountID, &r.ServiceID, &status, &r.StatusMessage,
		&result, &inputs, &r.TrackingKey, &r.UniqueTracking,
		&r.ChargeReference, &r.Price, &timing, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = requests.Status(status)
	r.CommissionTiming = requests.CommissionTiming(timing)
	if len(result) > 0 {
		r.Result = json.RawMessage(result)
	}
	if len(inputs) > 0 {
		r.Inputs = json.RawMessage(inputs)
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (t *pgTx) CreateAccount(ctx context.Context, a *ledger.Account) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, role, sponsor_id, spendable, commission, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, string(a.Role), nullString(a.SponsorID), a.Spendable, a.Commission, a.CreatedAt, a.UpdatedAt,
	)
	return mapPQError(err)
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, id string) (*ledger.Account, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	return scanAccount(row)
}

func (t *pgTx) SetSponsor(ctx context.Context, accountID, sponsorID string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE accounts SET sponsor_id = $2, updated_at = NOW()
		WHERE id = $1 AND sponsor_id IS NULL`,
		accountID, sponsorID,
	)
	if err != nil {
		return mapPQError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrSponsorAlreadySet
	}
	return nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, accountID string, bucket ledger.Bucket, delta decimal.Decimal, allowNegative bool) (decimal.Decimal, error) {
	column := "spendable"
	if bucket == ledger.BucketCommission {
		column = "commission"
	}

	var current decimal.Decimal
	err := t.tx.QueryRowContext(ctx,
		`SELECT `+column+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ledger.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}

	next := current.Add(delta)
	if next.IsNegative() && !allowNegative {
		return decimal.Zero, ledger.ErrInsufficientFunds
	}

	// The balance CHECK constraints still reject negative values.
	_, err = t.tx.ExecContext(ctx,
		`UPDATE accounts SET `+column+` = $2, updated_at = NOW() WHERE id = $1`,
		accountID, next,
	)
	if err != nil {
		return decimal.Zero, mapPQError(err)
	}
	return next, nil
}

func (t *pgTx) AppendEntry(ctx context.Context, e *ledger.Entry) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (
			id, account_id, amount, kind, bucket, reference,
			service_id, request_id, counterparty_id, description, balance_after, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`,
		e.ID, e.AccountID, e.Amount, string(e.Kind), string(e.Bucket), e.Reference,
		nullString(e.ServiceID), nullString(e.RequestID), nullString(e.CounterpartyID),
		nullString(e.Description), e.BalanceAfter, e.CreatedAt,
	).Scan(&e.Seq)
	return mapPQError(err)
}

func (t *pgTx) FindByReference(ctx context.Context, reference string) (*ledger.Entry, error) {
	return scanOptionalEntry(t.tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE reference = $1`, reference))
}

func (t *pgTx) FindLatestCharge(ctx context.Context, accountID, serviceID string) (*ledger.Entry, error) {
	return scanOptionalEntry(t.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 AND service_id = $2 AND kind = $3
		ORDER BY seq DESC LIMIT 1`,
		accountID, serviceID, string(ledger.KindCharge)))
}

func (t *pgTx) FindCommissionForRequest(ctx context.Context, requestID string) (*ledger.Entry, error) {
	return scanOptionalEntry(t.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE request_id = $1 AND kind = $2
		ORDER BY seq LIMIT 1`,
		requestID, string(ledger.KindCommission)))
}

func (t *pgTx) CreateRequest(ctx context.Context, r *requests.Request) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO requests (
			id, account_id, service_id, status, status_message, result, inputs,
			tracking_key, unique_tracking, charge_reference, price, commission_timing,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.AccountID, r.ServiceID, string(r.Status), nullString(r.StatusMessage),
		nullJSON(r.Result), nullJSON(r.Inputs), nullString(r.TrackingKey), r.UniqueTracking,
		nullString(r.ChargeReference), r.Price, string(r.CommissionTiming),
		r.CreatedAt, r.UpdatedAt,
	)
	return mapPQError(err)
}

func (t *pgTx) GetRequestForUpdate(ctx context.Context, id string) (*requests.Request, error) {
	r, err := scanRequest(t.tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, requests.ErrRequestNotFound
	}
	return r, err
}

func (t *pgTx) UpdateRequest(ctx context.Context, r *requests.Request) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE requests SET status = $2, status_message = $3, result = $4, updated_at = $5
		WHERE id = $1`,
		r.ID, string(r.Status), nullString(r.StatusMessage), nullJSON(r.Result), r.UpdatedAt,
	)
	if err != nil {
		return mapPQError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return requests.ErrRequestNotFound
	}
	return nil
}

func (t *pgTx) FindActiveByTrackingKey(ctx context.Context, serviceID, trackingKey string) (*requests.Request, error) {
	r, err := scanRequest(t.tx.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE service_id = $1 AND tracking_key = $2 AND status IN ('PENDING', 'PROCESSING')
		LIMIT 1`,
		serviceID, trackingKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (t *pgTx) RecordAnomaly(ctx context.Context, a *Anomaly) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO anomalies (id, kind, request_id, account_id, service_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, string(a.Kind), a.RequestID, a.AccountID, a.ServiceID, a.Detail, a.CreatedAt,
	)
	return err
}

// Reads outside a unit of work.

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (p *PostgresStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) ListEntries(ctx context.Context, accountID string, limit int) ([]*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1 ORDER BY seq`
	args := []interface{}{accountID}
	if limit > 0 {
		query = `SELECT * FROM (SELECT ` + entryColumns + ` FROM ledger_entries
			WHERE account_id = $1 ORDER BY seq DESC LIMIT $2) recent ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetAccountJournal reads the account row and its entries in one
// REPEATABLE READ transaction so both see the same snapshot.
func (p *PostgresStore) GetAccountJournal(ctx context.Context, id string) (*ledger.Account, []*ledger.Entry, error) {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // read-only

	acct, err := scanAccount(sqlTx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, nil, err
	}
	rows, err := sqlTx.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return acct, entries, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*requests.Request, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, requests.ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRequests(ctx context.Context, accountID string, limit int, opts ...requests.ListOption) ([]*requests.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	o := requests.ApplyListOptions(opts)

	var (
		rows *sql.Rows
		err  error
	)
	if o.After != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+requestColumns+` FROM requests
			WHERE account_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`,
			accountID, o.After.CreatedAt, o.After.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+requestColumns+` FROM requests
			WHERE account_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`,
			accountID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*requests.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListAnomalies(ctx context.Context, limit int) ([]*Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, request_id, account_id, service_id, detail, created_at
		FROM anomalies ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Anomaly
	for rows.Next() {
		var a Anomaly
		var kind string
		if err := rows.Scan(&a.ID, &kind, &a.RequestID, &a.AccountID, &a.ServiceID, &a.Detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = AnomalyKind(kind)
		out = append(out, &a)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
