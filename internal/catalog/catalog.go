// Package catalog is the administrative configuration surface: billable
// service definitions, their settlement policy, and per-sponsor commission
// overrides.
//
// Settlement never reads the catalog ad hoc. It takes a Snapshot once per
// operation, so a definition is immutable for the duration of a settlement.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlehub/internal/requests"
)

var (
	ErrServiceNotFound  = errors.New("service not found")
	ErrOverrideNotFound = errors.New("commission override not found")
	ErrInvalidService   = errors.New("invalid service definition")
	ErrInvalidOverride  = errors.New("invalid commission override")
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// Policy is the per-service settlement behaviour.
type Policy struct {
	CommissionTiming  requests.CommissionTiming `json:"commissionTiming"`
	Refundable        bool                      `json:"refundable"`
	UniqueTrackingKey bool                      `json:"uniqueTrackingKey"`
}

// Service is a billable service definition.
type Service struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	DefaultCommission decimal.Decimal `json:"defaultCommission"`
	Active            bool            `json:"active"`
	Policy            Policy          `json:"policy"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Override replaces a service's default commission for one sponsor's downline.
type Override struct {
	SponsorID string          `json:"sponsorId"`
	ServiceID string          `json:"serviceId"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists catalog data.
type Store interface {
	UpsertService(ctx context.Context, svc *Service) error
	GetService(ctx context.Context, id string) (*Service, error)
	ListServices(ctx context.Context) ([]*Service, error)
	UpsertOverride(ctx context.Context, o *Override) error
	DeleteOverride(ctx context.Context, sponsorID, serviceID string) error
	ListOverrides(ctx context.Context) ([]*Override, error)
}

// SnapshotSource yields an immutable view of the catalog.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Catalog validates and applies administrator changes.
type Catalog struct {
	store    Store
	logger   *slog.Logger
	onChange []func(ctx context.Context)
}

// New creates a catalog over store.
func New(store Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: store, logger: logger}
}

// OnChange registers fn to run after every successful write. Caches use it
// to invalidate.
func (c *Catalog) OnChange(fn func(ctx context.Context)) *Catalog {
	c.onChange = append(c.onChange, fn)
	return c
}

func (c *Catalog) changed(ctx context.Context) {
	for _, fn := range c.onChange {
		fn(ctx)
	}
}

// Validate checks a service definition before it is stored.
func (s *Service) Validate() error {
	if !idPattern.MatchString(s.ID) {
		return fmt.Errorf("%w: id must match %s", ErrInvalidService, idPattern)
	}
	if s.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidService)
	}
	if s.DefaultCommission.IsNegative() {
		return fmt.Errorf("%w: default commission must not be negative", ErrInvalidService)
	}
	if s.DefaultCommission.GreaterThan(s.Price) {
		return fmt.Errorf("%w: default commission exceeds price", ErrInvalidService)
	}
	switch s.Policy.CommissionTiming {
	case requests.TimingEager, requests.TimingDeferred:
	case "":
		s.Policy.CommissionTiming = requests.TimingEager
	default:
		return fmt.Errorf("%w: unknown commission timing %q", ErrInvalidService, s.Policy.CommissionTiming)
	}
	return nil
}

// PutService creates or replaces a service definition.
func (c *Catalog) PutService(ctx context.Context, svc *Service) (*Service, error) {
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	svc.UpdatedAt = time.Now().UTC()
	if err := c.store.UpsertService(ctx, svc); err != nil {
		return nil, fmt.Errorf("failed to store service: %w", err)
	}
	c.logger.Info("service definition updated",
		"service", svc.ID, "price", svc.Price.String(), "active", svc.Active,
		"timing", svc.Policy.CommissionTiming)
	c.changed(ctx)
	return svc, nil
}

// GetService returns a service definition.
func (c *Catalog) GetService(ctx context.Context, id string) (*Service, error) {
	return c.store.GetService(ctx, id)
}

// ListServices returns all definitions.
func (c *Catalog) ListServices(ctx context.Context) ([]*Service, error) {
	return c.store.ListServices(ctx)
}

// PutOverride creates or replaces the override for (sponsor, service).
func (c *Catalog) PutOverride(ctx context.Context, o *Override) (*Override, error) {
	if o.SponsorID == "" {
		return nil, fmt.Errorf("%w: sponsor required", ErrInvalidOverride)
	}
	if o.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidOverride)
	}
	svc, err := c.store.GetService(ctx, o.ServiceID)
	if err != nil {
		return nil, err
	}
	if o.Amount.GreaterThan(svc.Price) {
		return nil, fmt.Errorf("%w: amount exceeds service price", ErrInvalidOverride)
	}
	o.UpdatedAt = time.Now().UTC()
	if err := c.store.UpsertOverride(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to store override: %w", err)
	}
	c.changed(ctx)
	return o, nil
}

// DeleteOverride removes an override so the service default applies again.
func (c *Catalog) DeleteOverride(ctx context.Context, sponsorID, serviceID string) error {
	if err := c.store.DeleteOverride(ctx, sponsorID, serviceID); err != nil {
		return err
	}
	c.changed(ctx)
	return nil
}

// ListOverrides returns all overrides.
func (c *Catalog) ListOverrides(ctx context.Context) ([]*Override, error) {
	return c.store.ListOverrides(ctx)
}

// Snapshot reads the whole catalog into an immutable Snapshot.
func (c *Catalog) Snapshot(ctx context.Context) (*Snapshot, error) {
	services, err := c.store.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	overrides, err := c.store.ListOverrides(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	return NewSnapshot(services, overrides), nil
}
