// Package cartpayment implements the cart payment lifecycle: canonical
// records, their provider-facing mirrors, the legacy shadow chain, the
// orchestrating state machine, and the delayed-capture scheduler.
package cartpayment

import (
	"errors"
	"time"

	"cartpay/internal/common/money"
)

// CaptureMethod controls when an authorized amount is finalized.
type CaptureMethod string

const (
	// CaptureMethodAuto captures immediately on authorization.
	CaptureMethodAuto CaptureMethod = "AUTO"
	// CaptureMethodManual authorizes now and captures after CaptureAfter.
	CaptureMethodManual CaptureMethod = "MANUAL"
)

// IntentStatus represents the status of a payment intent.
type IntentStatus string

const (
	IntentInit            IntentStatus = "INIT"
	IntentRequiresCapture IntentStatus = "REQUIRES_CAPTURE"
	// IntentPending is the degraded-mode path: the provider was unreachable
	// during creation and the intent resolves once connectivity returns.
	IntentPending   IntentStatus = "PENDING"
	IntentCapturing IntentStatus = "CAPTURING"
	IntentSucceeded IntentStatus = "SUCCEEDED"
	IntentFailed    IntentStatus = "FAILED"
	IntentCancelled IntentStatus = "CANCELLED"
)

// transitions is the allowed edge set of the intent state machine. Status
// moves are monotonic; there is no re-entry into a prior non-terminal state.
var transitions = map[IntentStatus][]IntentStatus{
	IntentInit:            {IntentRequiresCapture, IntentPending, IntentFailed},
	IntentPending:         {IntentRequiresCapture, IntentFailed},
	IntentRequiresCapture: {IntentCapturing, IntentCancelled, IntentFailed},
	IntentCapturing:       {IntentSucceeded, IntentCancelled, IntentFailed},
}

// CanTransition reports whether from → to is a legal status move.
func CanTransition(from, to IntentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a status admits no further transitions.
func IsTerminalStatus(s IntentStatus) bool {
	return s == IntentSucceeded || s == IntentFailed || s == IntentCancelled
}

// ChargeStatus represents the status of a settled charge.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "SUCCEEDED"
	ChargeFailed    ChargeStatus = "FAILED"
)

// RefundStatus represents the status of a refund.
type RefundStatus string

const (
	RefundProcessing RefundStatus = "PROCESSING"
	RefundSucceeded  RefundStatus = "SUCCEEDED"
	RefundFailed     RefundStatus = "FAILED"
)

// CartPayment is one logical charge request for an order. Its Amount always
// tracks the active intent's authorized amount; cancellation soft-deletes it.
type CartPayment struct {
	ID              string        `json:"id"`
	PayerID         string        `json:"payer_id"`
	PaymentMethodID string        `json:"payment_method_id"`
	Amount          money.Money   `json:"amount"`
	CaptureMethod   CaptureMethod `json:"capture_method"`
	DelayCapture    bool          `json:"delay_capture"`

	// Correlation to the client's order
	ReferenceID   string `json:"reference_id,omitempty"`
	ReferenceType string `json:"reference_type,omitempty"`

	ClientDescription string        `json:"client_description,omitempty"`
	SplitPayment      *SplitPayment `json:"split_payment,omitempty"`

	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SplitPayment describes a marketplace fee split.
type SplitPayment struct {
	PayoutAccountID string      `json:"payout_account_id"`
	ApplicationFee  money.Money `json:"application_fee"`
}

// IsDeleted reports whether the cart payment was soft-cancelled.
func (c *CartPayment) IsDeleted() bool {
	return c.DeletedAt != nil
}

// PaymentIntent is one attempt to charge a specific amount under one
// idempotency key. Terminal intents are immutable.
type PaymentIntent struct {
	ID             string       `json:"id"`
	CartPaymentID  string       `json:"cart_payment_id"`
	IdempotencyKey string       `json:"idempotency_key"`
	Amount         money.Money  `json:"amount"`
	Status         IntentStatus `json:"status"`

	CaptureMethod CaptureMethod `json:"capture_method"`
	CaptureAfter  *time.Time    `json:"capture_after,omitempty"`

	// Stable join key into the legacy shadow chain
	LegacyConsumerChargeID string `json:"legacy_consumer_charge_id"`

	CapturedAt  *time.Time `json:"captured_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the intent reached a terminal state.
func (i *PaymentIntent) IsTerminal() bool {
	return IsTerminalStatus(i.Status)
}

// Transition moves the intent to a new status, enforcing the state machine.
func (i *PaymentIntent) Transition(to IntentStatus) error {
	if !CanTransition(i.Status, to) {
		return &TransitionError{From: i.Status, To: to}
	}
	now := time.Now().UTC()
	i.Status = to
	i.UpdatedAt = now
	switch to {
	case IntentSucceeded:
		i.CapturedAt = &now
	case IntentCancelled:
		i.CancelledAt = &now
	}
	return nil
}

// TransitionError signals an illegal status move.
type TransitionError struct {
	From IntentStatus
	To   IntentStatus
}

func (e *TransitionError) Error() string {
	return "illegal intent transition " + string(e.From) + " -> " + string(e.To)
}

// PgpPaymentIntent is the 1:1 provider-facing mirror of a PaymentIntent,
// updated in lockstep on every status transition.
type PgpPaymentIntent struct {
	ID              string `json:"id"`
	PaymentIntentID string `json:"payment_intent_id"`

	// Provider-side object ids
	ResourceID       string `json:"resource_id,omitempty"`
	ChargeResourceID string `json:"charge_resource_id,omitempty"`

	IdempotencyKey   string       `json:"idempotency_key"`
	Amount           money.Money  `json:"amount"`
	AmountCapturable money.Money  `json:"amount_capturable"`
	AmountReceived   money.Money  `json:"amount_received"`
	Status           IntentStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentCharge is the settled charge once capture succeeds. AmountRefunded
// accumulates monotonically and never exceeds Amount.
type PaymentCharge struct {
	ID              string       `json:"id"`
	CartPaymentID   string       `json:"cart_payment_id"`
	PaymentIntentID string       `json:"payment_intent_id"`
	Amount          money.Money  `json:"amount"`
	AmountRefunded  money.Money  `json:"amount_refunded"`
	Status          ChargeStatus `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// PgpPaymentCharge mirrors a PaymentCharge at the provider.
type PgpPaymentCharge struct {
	ID               string       `json:"id"`
	PaymentChargeID  string       `json:"payment_charge_id"`
	ResourceID       string       `json:"resource_id"`
	IntentResourceID string       `json:"intent_resource_id"`
	Amount           money.Money  `json:"amount"`
	AmountRefunded   money.Money  `json:"amount_refunded"`
	Status           ChargeStatus `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Refund is a refund against a successful intent, immutable once terminal.
type Refund struct {
	ID              string       `json:"id"`
	PaymentIntentID string       `json:"payment_intent_id"`
	IdempotencyKey  string       `json:"idempotency_key"`
	Amount          money.Money  `json:"amount"`
	Status          RefundStatus `json:"status"`
	Reason          string       `json:"reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// PgpRefund mirrors a Refund at the provider.
type PgpRefund struct {
	ID         string       `json:"id"`
	RefundID   string       `json:"refund_id"`
	ResourceID string       `json:"resource_id,omitempty"`
	Amount     money.Money  `json:"amount"`
	Status     RefundStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// AdjustmentHistory is the append-only audit ledger of amount changes.
type AdjustmentHistory struct {
	ID              string      `json:"id"`
	CartPaymentID   string      `json:"cart_payment_id"`
	PaymentIntentID string      `json:"payment_intent_id"`
	IdempotencyKey  string      `json:"idempotency_key"`
	AmountOriginal  money.Money `json:"amount_original"`
	AmountDelta     money.Money `json:"amount_delta"`
	CreatedAt       time.Time   `json:"created_at"`
}

// NewCartPayment validates and builds a cart payment with its first intent's
// shared attributes.
func NewCartPayment(id, payerID, paymentMethodID string, amount money.Money, captureMethod CaptureMethod, delayCapture bool) (*CartPayment, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if payerID == "" {
		return nil, errors.New("payer_id is required")
	}
	if paymentMethodID == "" {
		return nil, errors.New("payment_method_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}
	if captureMethod != CaptureMethodAuto && captureMethod != CaptureMethodManual {
		return nil, errors.New("unknown capture method")
	}

	now := time.Now().UTC()
	return &CartPayment{
		ID:              id,
		PayerID:         payerID,
		PaymentMethodID: paymentMethodID,
		Amount:          amount,
		CaptureMethod:   captureMethod,
		DelayCapture:    delayCapture,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// NewPaymentIntent builds an INIT intent for a cart payment step.
func NewPaymentIntent(id, cartPaymentID, idempotencyKey string, amount money.Money, captureMethod CaptureMethod, captureAfter *time.Time) (*PaymentIntent, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if cartPaymentID == "" {
		return nil, errors.New("cart_payment_id is required")
	}
	if idempotencyKey == "" {
		return nil, errors.New("idempotency_key is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	now := time.Now().UTC()
	return &PaymentIntent{
		ID:             id,
		CartPaymentID:  cartPaymentID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Status:         IntentInit,
		CaptureMethod:  captureMethod,
		CaptureAfter:   captureAfter,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
