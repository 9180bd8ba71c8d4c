// Package deposits credits spendable balances from payment-processor
// webhooks. Only Stripe payment_intent.succeeded events move money; every
// other event type is acknowledged and ignored.
package deposits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/settlehub/internal/ledger"
	"github.com/mbd888/settlehub/internal/metrics"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/settlement"
)

// MetadataAccountKey is the PaymentIntent metadata key naming the account to credit.
const MetadataAccountKey = "account_id"

// maxPayloadBytes bounds webhook bodies.
const maxPayloadBytes = 64 * 1024

var (
	// ErrBadSignature is returned when the Stripe-Signature header does not verify.
	ErrBadSignature = errors.New("invalid stripe signature")
	// ErrUnsupported is returned for payment intents that cannot be credited.
	ErrUnsupported = errors.New("unsupported payment intent")
)

// Depositor credits a balance. *settlement.Engine satisfies it.
type Depositor interface {
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal, externalID, description string) (*ledger.Entry, bool, error)
}

// Result describes what a webhook event did.
type Result struct {
	EventID  string        `json:"eventId"`
	Type     string        `json:"type"`
	Ignored  bool          `json:"ignored"`
	Replayed bool          `json:"replayed"`
	Entry    *ledger.Entry `json:"entry,omitempty"`
}

// StripeHandler verifies and applies Stripe webhook events.
type StripeHandler struct {
	depositor Depositor
	secret    string
	currency  stripe.Currency
	logger    *slog.Logger
}

// NewStripeHandler creates a handler that verifies events with the given
// endpoint secret and only credits payments in USD.
func NewStripeHandler(depositor Depositor, secret string, logger *slog.Logger) *StripeHandler {
	return &StripeHandler{
		depositor: depositor,
		secret:    secret,
		currency:  stripe.CurrencyUSD,
		logger:    logger,
	}
}

// RegisterRoutes mounts POST /deposits/stripe. The route is unauthenticated;
// the Stripe signature is the credential.
func (h *StripeHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deposits/stripe", h.HandleWebhook)
}

// Process verifies payload against the Stripe-Signature header and applies it.
func (h *StripeHandler) Process(ctx context.Context, payload []byte, signature string) (*Result, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	res := &Result{EventID: event.ID, Type: string(event.Type)}
	if event.Type != stripe.EventTypePaymentIntentSucceeded {
		res.Ignored = true
		return res, nil
	}

	var pi stripe.PaymentIntent
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event has no data", ErrUnsupported)
	}
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	accountID := pi.Metadata[MetadataAccountKey]
	if accountID == "" {
		return nil, fmt.Errorf("%w: missing %s metadata", ErrUnsupported, MetadataAccountKey)
	}
	if !strings.EqualFold(string(pi.Currency), string(h.currency)) {
		return nil, fmt.Errorf("%w: currency %s", ErrUnsupported, pi.Currency)
	}
	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount", ErrUnsupported)
	}

	value := decimal.New(amount, -money.Scale)
	entry, replayed, err := h.depositor.Deposit(ctx, accountID, value, pi.ID,
		"Stripe payment "+pi.ID)
	if err != nil {
		return nil, err
	}
	res.Entry = entry
	res.Replayed = replayed
	return res, nil
}

// HandleWebhook handles POST /deposits/stripe
func (h *StripeHandler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil || len(payload) > maxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": "Webhook body too large"})
		return
	}

	res, err := h.Process(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
	case errors.Is(err, ErrBadSignature):
		metrics.DepositsTotal.WithLabelValues("bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	case errors.Is(err, ErrUnsupported), errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, settlement.ErrIdempotencyConflict), errors.Is(err, ledger.ErrInvalidAmount):
		// Acknowledge so Stripe stops retrying; an operator must reconcile by hand.
		metrics.DepositsTotal.WithLabelValues("rejected").Inc()
		h.logger.Error("stripe deposit rejected", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "message": err.Error()})
		return
	default:
		metrics.DepositsTotal.WithLabelValues("error").Inc()
		h.logger.Error("stripe deposit failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Deposit could not be recorded"})
		return
	}

	switch {
	case res.Ignored:
		metrics.DepositsTotal.WithLabelValues("ignored").Inc()
	case res.Replayed:
		metrics.DepositsTotal.WithLabelValues("replayed").Inc()
	default:
		metrics.DepositsTotal.WithLabelValues("credited").Inc()
		h.logger.Info("stripe deposit credited",
			"event", res.EventID, "account", res.Entry.AccountID, "amount", money.Format(res.Entry.Amount))
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": res})
}
