package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/settlehub/internal/requests"
)

// PostgresStore persists the catalog in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const serviceColumns = `id, name, price, default_commission, active,
		       commission_timing, refundable, unique_tracking_key, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanService(row scanner) (*Service, error) {
	var svc Service
	var timing string
	err := row.Scan(
		&svc.ID, &svc.Name, &svc.Price, &svc.DefaultCommission, &svc.Active,
		&timing, &svc.Policy.Refundable, &svc.Policy.UniqueTrackingKey, &svc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	svc.Policy.CommissionTiming = requests.CommissionTiming(timing)
	return &svc, nil
}

func (p *PostgresStore) UpsertService(ctx context.Context, svc *Service) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO services (
			id, name, price, default_commission, active,
			commission_timing, refundable, unique_tracking_key, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			default_commission = EXCLUDED.default_commission,
			active = EXCLUDED.active,
			commission_timing = EXCLUDED.commission_timing,
			refundable = EXCLUDED.refundable,
			unique_tracking_key = EXCLUDED.unique_tracking_key,
			updated_at = EXCLUDED.updated_at`,
		svc.ID, svc.Name, svc.Price, svc.DefaultCommission, svc.Active,
		string(svc.Policy.CommissionTiming), svc.Policy.Refundable, svc.Policy.UniqueTrackingKey, svc.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetService(ctx context.Context, id string) (*Service, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	return svc, err
}

func (p *PostgresStore) ListServices(ctx context.Context) ([]*Service, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertOverride(ctx context.Context, o *Override) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO commission_overrides (sponsor_id, service_id, amount, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sponsor_id, service_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at`,
		o.SponsorID, o.ServiceID, o.Amount, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) DeleteOverride(ctx context.Context, sponsorID, serviceID string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM commission_overrides WHERE sponsor_id = $1 AND service_id = $2`,
		sponsorID, serviceID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOverrideNotFound
	}
	return nil
}

func (p *PostgresStore) ListOverrides(ctx context.Context) ([]*Override, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT sponsor_id, service_id, amount, updated_at
		FROM commission_overrides
		ORDER BY sponsor_id, service_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.SponsorID, &o.ServiceID, &o.Amount, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
