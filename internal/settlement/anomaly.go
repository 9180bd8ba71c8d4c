package settlement

import (
	"context"
	"time"
)

// AnomalyKind classifies a bookkeeping gap.
type AnomalyKind string

const (
	// AnomalyMissingCharge: the request's original CHARGE entry could not be found.
	AnomalyMissingCharge AnomalyKind = "missing_charge"

	// AnomalyChargeFallback: the charge was found only by account and service,
	// not by the reference recorded on the request.
	AnomalyChargeFallback AnomalyKind = "charge_fallback"

	// AnomalyMissingService: a deferred commission could not be resolved
	// because the service definition is gone.
	AnomalyMissingService AnomalyKind = "missing_service"
)

// Anomaly is a condition an administrator must reconcile by hand. It never
// blocks the status transition that found it.
type Anomaly struct {
	ID        string      `json:"id"`
	Kind      AnomalyKind `json:"kind"`
	RequestID string      `json:"requestId"`
	AccountID string      `json:"accountId"`
	ServiceID string      `json:"serviceId"`
	Detail    string      `json:"detail"`
	CreatedAt time.Time   `json:"createdAt"`
}

func (e *Engine) recordAnomaly(ctx context.Context, tx Tx, out *Outcome, kind AnomalyKind, detail string) error {
	a := &Anomaly{
		ID:        e.newID("anm_"),
		Kind:      kind,
		RequestID: out.Request.ID,
		AccountID: out.Request.AccountID,
		ServiceID: out.Request.ServiceID,
		Detail:    detail,
		CreatedAt: e.now(),
	}
	if err := tx.RecordAnomaly(ctx, a); err != nil {
		return err
	}
	out.Anomalies = append(out.Anomalies, a)
	return nil
}

// reportAnomalies logs and counts anomalies once their unit of work committed.
func (e *Engine) reportAnomalies(anomalies []*Anomaly) {
	for _, a := range anomalies {
		anomaliesTotal.WithLabelValues(string(a.Kind)).Inc()
		e.logger.Error("accounting anomaly",
			"kind", a.Kind,
			"request", a.RequestID,
			"account", a.AccountID,
			"service", a.ServiceID,
			"detail", a.Detail)
	}
}

// ListAnomalies returns recorded anomalies, newest first.
func (e *Engine) ListAnomalies(ctx context.Context, limit int) ([]*Anomaly, error) {
	return e.store.ListAnomalies(ctx, limit)
}
