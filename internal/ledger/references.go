package ledger

import "strings"

// Reference prefixes. A reference is globally unique across the journal,
// which is what makes every posting idempotent.
const (
	chargePrefix     = "charge:"
	commissionPrefix = "commission:"
	refundPrefix     = "refund:"
	depositPrefix    = "deposit:"
)

// ChargeReference identifies the debit for one submission. Retrying with the
// same idempotency key yields the same reference.
func ChargeReference(accountID, idempotencyKey string) string {
	return chargePrefix + accountID + ":" + idempotencyKey
}

// CommissionReference allows at most one commission credit per request.
func CommissionReference(requestID string) string {
	return commissionPrefix + requestID
}

// RefundReference allows at most one refund per original charge.
func RefundReference(chargeReference string) string {
	return refundPrefix + chargeReference
}

// DepositReference identifies an external payment.
func DepositReference(externalID string) string {
	return depositPrefix + externalID
}

// IsChargeReference reports whether ref was built by ChargeReference.
func IsChargeReference(ref string) bool {
	return strings.HasPrefix(ref, chargePrefix)
}
