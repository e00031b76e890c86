package cartpayment

import "context"

// Provider idempotency token actions. Tokens are derived deterministically
// from the client idempotency key so a crash between the network call and
// persistence never double-charges on retry.
const (
	TokenActionCreate  = "CREATE"
	TokenActionCapture = "CAPTURE"
	TokenActionCancel  = "CANCEL"
	TokenActionRefund  = "REFUND"
)

// ProviderToken derives the provider-facing idempotency token for an action.
func ProviderToken(idempotencyKey, action string) string {
	return idempotencyKey + "-" + action
}

// ProviderStatus is the normalized provider-side intent status.
type ProviderStatus string

const (
	ProviderRequiresCapture ProviderStatus = "requires_capture"
	ProviderProcessing      ProviderStatus = "processing"
	ProviderSucceeded       ProviderStatus = "succeeded"
	ProviderCanceled        ProviderStatus = "canceled"
	ProviderFailed          ProviderStatus = "failed"
)

// ProviderIntent is the normalized result of a provider intent operation.
type ProviderIntent struct {
	ResourceID       string
	ChargeResourceID string
	Status           ProviderStatus
	AmountMinor      int64
	AmountCapturable int64
	AmountReceived   int64
}

// ProviderRefundResult is the normalized result of a provider refund.
type ProviderRefundResult struct {
	ResourceID string
	Status     RefundStatus
}

// CreateIntentRequest asks the provider to authorize a charge.
type CreateIntentRequest struct {
	IdempotencyToken string
	PayerID          string
	PaymentMethodID  string
	AmountMinor      int64
	Currency         string
	CaptureMethod    CaptureMethod
	// PaymentIntentID is embedded in provider-side metadata so webhook
	// events can be keyed back to the local intent.
	PaymentIntentID     string
	ApplicationFeeMinor int64
	PayoutAccountID     string
}

// CaptureIntentRequest finalizes a previously authorized intent.
type CaptureIntentRequest struct {
	IdempotencyToken string
	ResourceID       string
	AmountMinor      int64
}

// CancelIntentRequest voids an uncaptured authorization.
type CancelIntentRequest struct {
	IdempotencyToken string
	ResourceID       string
}

// RetrieveIntentRequest reads the provider's current view of an intent,
// used to reconcile when a submission outcome is ambiguous.
type RetrieveIntentRequest struct {
	ResourceID string
}

// RefundRequest refunds part or all of a captured charge.
type RefundRequest struct {
	IdempotencyToken string
	ChargeResourceID string
	AmountMinor      int64
	Reason           string
}

// Gateway is the normalized contract to the payment gateway provider. Every
// implementation must translate underlying failures into the shared error
// taxonomy; callers never see provider-specific codes.
type Gateway interface {
	CreateIntent(ctx context.Context, req *CreateIntentRequest) (*ProviderIntent, error)
	CaptureIntent(ctx context.Context, req *CaptureIntentRequest) (*ProviderIntent, error)
	CancelIntent(ctx context.Context, req *CancelIntentRequest) (*ProviderIntent, error)
	RetrieveIntent(ctx context.Context, req *RetrieveIntentRequest) (*ProviderIntent, error)
	Refund(ctx context.Context, req *RefundRequest) (*ProviderRefundResult, error)
}
