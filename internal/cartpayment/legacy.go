package cartpayment

import (
	"time"

	"cartpay/internal/common/money"
)

// LegacyChargeStatus is the status vocabulary the pre-migration system reads.
type LegacyChargeStatus string

const (
	LegacyChargePending   LegacyChargeStatus = "PENDING"
	LegacyChargeSucceeded LegacyChargeStatus = "SUCCEEDED"
	LegacyChargeFailed    LegacyChargeStatus = "FAILED"
	LegacyChargeCancelled LegacyChargeStatus = "CANCELLED"
)

// LegacyConsumerCharge is the backward-compatible shadow of a cart payment.
// One row is created with the cart payment's first intent; its Total follows
// the authorized amount across adjustments.
type LegacyConsumerCharge struct {
	ID            string             `json:"id"`
	CartPaymentID string             `json:"cart_payment_id"`
	PayerID       string             `json:"payer_id"`
	Total         money.Money        `json:"total"`
	Status        LegacyChargeStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// LegacyStripeCharge shadows one payment intent for legacy readers. One row
// per intent, updated in the same logical step as the canonical transition.
type LegacyStripeCharge struct {
	ID                     string             `json:"id"`
	LegacyConsumerChargeID string             `json:"legacy_consumer_charge_id"`
	PaymentIntentID        string             `json:"payment_intent_id"`
	ChargeResourceID       string             `json:"charge_resource_id,omitempty"`
	Amount                 money.Money        `json:"amount"`
	AmountRefunded         money.Money        `json:"amount_refunded"`
	Status                 LegacyChargeStatus `json:"status"`
	IdempotencyKey         string             `json:"idempotency_key"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// legacyStatusFor projects a canonical intent status onto the legacy
// vocabulary. Non-terminal canonical states all read as PENDING.
func legacyStatusFor(s IntentStatus) LegacyChargeStatus {
	switch s {
	case IntentSucceeded:
		return LegacyChargeSucceeded
	case IntentFailed:
		return LegacyChargeFailed
	case IntentCancelled:
		return LegacyChargeCancelled
	default:
		return LegacyChargePending
	}
}
