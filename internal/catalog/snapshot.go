package catalog

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type overrideKey struct {
	sponsorID string
	serviceID string
}

// Snapshot is a point-in-time, read-only copy of the catalog.
type Snapshot struct {
	services  map[string]Service
	overrides map[overrideKey]decimal.Decimal
	takenAt   time.Time
}

// NewSnapshot copies services and overrides into a Snapshot.
func NewSnapshot(services []*Service, overrides []*Override) *Snapshot {
	s := &Snapshot{
		services:  make(map[string]Service, len(services)),
		overrides: make(map[overrideKey]decimal.Decimal, len(overrides)),
		takenAt:   time.Now().UTC(),
	}
	for _, svc := range services {
		s.services[svc.ID] = *svc
	}
	for _, o := range overrides {
		s.overrides[overrideKey{o.SponsorID, o.ServiceID}] = o.Amount
	}
	return s
}

// Service returns a copy of the definition for id.
func (s *Snapshot) Service(id string) (Service, bool) {
	svc, ok := s.services[id]
	return svc, ok
}

// Override returns the commission override for (sponsor, service).
func (s *Snapshot) Override(sponsorID, serviceID string) (decimal.Decimal, bool) {
	amt, ok := s.overrides[overrideKey{sponsorID, serviceID}]
	return amt, ok
}

// TakenAt is when the snapshot was read.
func (s *Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Len returns the number of services.
func (s *Snapshot) Len() int {
	return len(s.services)
}

type snapshotJSON struct {
	Services  []*Service  `json:"services"`
	Overrides []*Override `json:"overrides"`
	TakenAt   time.Time   `json:"takenAt"`
}

// MarshalJSON encodes the snapshot for caching.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{TakenAt: s.takenAt}
	for _, svc := range s.services {
		out.Services = append(out.Services, &svc)
	}
	sort.Slice(out.Services, func(i, j int) bool { return out.Services[i].ID < out.Services[j].ID })
	for k, amt := range s.overrides {
		out.Overrides = append(out.Overrides, &Override{SponsorID: k.sponsorID, ServiceID: k.serviceID, Amount: amt})
	}
	sort.Slice(out.Overrides, func(i, j int) bool {
		if out.Overrides[i].SponsorID != out.Overrides[j].SponsorID {
			return out.Overrides[i].SponsorID < out.Overrides[j].SponsorID
		}
		return out.Overrides[i].ServiceID < out.Overrides[j].ServiceID
	})
	return json.Marshal(out)
}

// UnmarshalJSON decodes a cached snapshot.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var in snapshotJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = *NewSnapshot(in.Services, in.Overrides)
	s.takenAt = in.TakenAt
	return nil
}
