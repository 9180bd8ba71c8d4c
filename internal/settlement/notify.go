package settlement

import (
	"context"
	"time"

	"github.com/mbd888/settlehub/internal/requests"
)

// Notification is emitted after a request reaches COMPLETED or FAILED.
type Notification struct {
	AccountID  string          `json:"accountId"`
	ServiceID  string          `json:"serviceId"`
	RequestID  string          `json:"requestId"`
	Status     requests.Status `json:"status"`
	Message    string          `json:"message,omitempty"`
	Refunded   bool            `json:"refunded"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Notifier receives notifications. Implementations must not block the
// caller for long; delivery is their concern, not the engine's.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

func (e *Engine) notify(ctx context.Context, out *Outcome) {
	if !out.Applied {
		return
	}
	e.notifier.Notify(context.WithoutCancel(ctx), Notification{
		AccountID:  out.Request.AccountID,
		ServiceID:  out.Request.ServiceID,
		RequestID:  out.Request.ID,
		Status:     out.Request.Status,
		Message:    out.Request.StatusMessage,
		Refunded:   out.Refund != nil,
		OccurredAt: out.Request.UpdatedAt,
	})
}

// MultiNotifier fans a notification out to every non-nil notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(ctx, n)
		}
	}
}
