// Package pgp adapts the payment gateway provider service, reached over NATS
// request-reply, to the normalized gateway contract. All provider failures
// are translated into the shared error taxonomy here; nothing
// provider-specific crosses this boundary.
package pgp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"cartpay/internal/cartpayment"
	"cartpay/internal/common/payerr"
)

// NATS subjects for the provider service.
const (
	SubjectIntentCreate  = "pgp.intent.create"
	SubjectIntentCapture = "pgp.intent.capture"
	SubjectIntentCancel  = "pgp.intent.cancel"
	SubjectIntentGet     = "pgp.intent.get"
	SubjectRefundCreate  = "pgp.refund.create"
)

// Provider error types on the wire.
const (
	wireErrRateLimit           = "rate_limit_error"
	wireErrAuthentication      = "authentication_error"
	wireErrInvalidRequest      = "invalid_request_error"
	wireErrResourceMissing     = "resource_missing"
	wireErrIdempotencyConflict = "idempotency_error"
	wireErrAPIConnection       = "api_connection_error"
)

// Config holds provider adapter configuration.
type Config struct {
	RequestTimeout time.Duration `envconfig:"PGP_REQUEST_TIMEOUT" default:"30s"`
}

// createRequest is sent to the provider to open an intent.
type createRequest struct {
	IdempotencyKey  string            `json:"idempotencyKey"`
	PayerID         string            `json:"payerId"`
	PaymentMethodID string            `json:"paymentMethodId"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	CaptureMethod   string            `json:"captureMethod"`
	ApplicationFee  int64             `json:"applicationFee,omitempty"`
	OnBehalfOf      string            `json:"onBehalfOf,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// captureRequest is sent to the provider to finalize an intent.
type captureRequest struct {
	IdempotencyKey  string `json:"idempotencyKey"`
	IntentID        string `json:"intentId"`
	AmountToCapture int64  `json:"amountToCapture"`
}

// cancelRequest is sent to the provider to void an intent.
type cancelRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	IntentID       string `json:"intentId"`
}

// retrieveRequest reads the provider's current view of an intent.
type retrieveRequest struct {
	IntentID string `json:"intentId"`
}

// refundRequest is sent to the provider to refund a charge.
type refundRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	ChargeID       string `json:"chargeId"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason,omitempty"`
}

// intentResponse is the provider's reply for intent operations.
type intentResponse struct {
	Success bool       `json:"success"`
	Intent  wireIntent `json:"intent"`
	Error   *wireError `json:"error,omitempty"`
}

type wireIntent struct {
	ID               string `json:"id"`
	ChargeID         string `json:"chargeId,omitempty"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	AmountCapturable int64  `json:"amountCapturable"`
	AmountReceived   int64  `json:"amountReceived"`
}

// refundResponse is the provider's reply for refund operations.
type refundResponse struct {
	Success bool       `json:"success"`
	Refund  wireRefund `json:"refund"`
	Error   *wireError `json:"error,omitempty"`
}

type wireRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type wireError struct {
	Type        string `json:"type"`
	Code        string `json:"code,omitempty"`
	DeclineCode string `json:"declineCode,omitempty"`
	Message     string `json:"message"`
}

// Adapter implements the gateway contract over NATS request-reply.
type Adapter struct {
	nc     *nats.Conn
	cfg    Config
	logger *slog.Logger
}

var _ cartpayment.Gateway = (*Adapter)(nil)

// NewAdapter creates a provider adapter on an existing NATS connection.
func NewAdapter(nc *nats.Conn, cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{nc: nc, cfg: cfg, logger: logger}
}

// CreateIntent opens an intent at the provider.
func (a *Adapter) CreateIntent(ctx context.Context, req *cartpayment.CreateIntentRequest) (*cartpayment.ProviderIntent, error) {
	wire := createRequest{
		IdempotencyKey:  req.IdempotencyToken,
		PayerID:         req.PayerID,
		PaymentMethodID: req.PaymentMethodID,
		Amount:          req.AmountMinor,
		Currency:        req.Currency,
		CaptureMethod:   captureMethodWire(req.CaptureMethod),
		ApplicationFee:  req.ApplicationFeeMinor,
		OnBehalfOf:      req.PayoutAccountID,
		Metadata: map[string]string{
			"payment_intent_id": req.PaymentIntentID,
		},
	}

	a.logger.Info("creating provider intent",
		"payment_intent_id", req.PaymentIntentID,
		"amount", req.AmountMinor,
		"currency", req.Currency,
		"capture_method", req.CaptureMethod,
	)

	return a.intentCall(ctx, SubjectIntentCreate, wire, "creating intent")
}

// CaptureIntent finalizes a previously authorized intent.
func (a *Adapter) CaptureIntent(ctx context.Context, req *cartpayment.CaptureIntentRequest) (*cartpayment.ProviderIntent, error) {
	wire := captureRequest{
		IdempotencyKey:  req.IdempotencyToken,
		IntentID:        req.ResourceID,
		AmountToCapture: req.AmountMinor,
	}

	a.logger.Info("capturing provider intent",
		"resource_id", req.ResourceID,
		"amount", req.AmountMinor,
	)

	return a.intentCall(ctx, SubjectIntentCapture, wire, "capturing intent")
}

// CancelIntent voids an uncaptured authorization.
func (a *Adapter) CancelIntent(ctx context.Context, req *cartpayment.CancelIntentRequest) (*cartpayment.ProviderIntent, error) {
	wire := cancelRequest{
		IdempotencyKey: req.IdempotencyToken,
		IntentID:       req.ResourceID,
	}

	a.logger.Info("cancelling provider intent", "resource_id", req.ResourceID)

	return a.intentCall(ctx, SubjectIntentCancel, wire, "cancelling intent")
}

// RetrieveIntent reads the provider's current view of an intent.
func (a *Adapter) RetrieveIntent(ctx context.Context, req *cartpayment.RetrieveIntentRequest) (*cartpayment.ProviderIntent, error) {
	wire := retrieveRequest{IntentID: req.ResourceID}

	a.logger.Info("retrieving provider intent", "resource_id", req.ResourceID)

	return a.intentCall(ctx, SubjectIntentGet, wire, "retrieving intent")
}

// Refund refunds part or all of a captured charge.
func (a *Adapter) Refund(ctx context.Context, req *cartpayment.RefundRequest) (*cartpayment.ProviderRefundResult, error) {
	wire := refundRequest{
		IdempotencyKey: req.IdempotencyToken,
		ChargeID:       req.ChargeResourceID,
		Amount:         req.AmountMinor,
		Reason:         req.Reason,
	}

	a.logger.Info("creating provider refund",
		"charge_resource_id", req.ChargeResourceID,
		"amount", req.AmountMinor,
	)

	data, err := a.request(ctx, SubjectRefundCreate, wire, "creating refund")
	if err != nil {
		return nil, err
	}

	var resp refundResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, payerr.Wrap(payerr.KindProviderConnection, "decoding refund response", err)
	}
	if !resp.Success {
		return nil, classifyWireError("creating refund", resp.Error)
	}

	return &cartpayment.ProviderRefundResult{
		ResourceID: resp.Refund.ID,
		Status:     refundStatusFromWire(resp.Refund.Status),
	}, nil
}

// intentCall runs one request-reply round trip for an intent operation and
// normalizes the reply.
func (a *Adapter) intentCall(ctx context.Context, subject string, wire interface{}, op string) (*cartpayment.ProviderIntent, error) {
	data, err := a.request(ctx, subject, wire, op)
	if err != nil {
		return nil, err
	}

	var resp intentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, payerr.Wrap(payerr.KindProviderConnection, "decoding intent response", err)
	}
	if !resp.Success {
		return nil, classifyWireError(op, resp.Error)
	}

	return &cartpayment.ProviderIntent{
		ResourceID:       resp.Intent.ID,
		ChargeResourceID: resp.Intent.ChargeID,
		Status:           cartpayment.ProviderStatus(resp.Intent.Status),
		AmountMinor:      resp.Intent.Amount,
		AmountCapturable: resp.Intent.AmountCapturable,
		AmountReceived:   resp.Intent.AmountReceived,
	}, nil
}

func (a *Adapter) request(ctx context.Context, subject string, wire interface{}, op string) ([]byte, error) {
	reqData, err := json.Marshal(wire)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindProviderInvalidRequest, "encoding "+op+" request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	msg, err := a.nc.RequestWithContext(ctx, subject, reqData)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) ||
			errors.Is(err, context.DeadlineExceeded) {
			return nil, payerr.Wrap(payerr.KindProviderConnection, op, err)
		}
		return nil, payerr.Wrap(payerr.KindProviderConnection, op, err)
	}
	return msg.Data, nil
}

// classifyWireError maps a provider wire error onto the shared taxonomy,
// keeping the decline code for the caller.
func classifyWireError(op string, we *wireError) error {
	if we == nil {
		return payerr.New(payerr.KindProviderConnection, op+": provider returned failure without detail")
	}

	var kind payerr.Kind
	switch we.Type {
	case wireErrRateLimit:
		kind = payerr.KindProviderRateLimit
	case wireErrAuthentication:
		kind = payerr.KindProviderAuth
	case wireErrResourceMissing:
		kind = payerr.KindProviderResourceNotFound
	case wireErrIdempotencyConflict:
		kind = payerr.KindProviderIdempotencyConflict
	case wireErrAPIConnection:
		kind = payerr.KindProviderConnection
	case wireErrInvalidRequest:
		kind = payerr.KindProviderInvalidRequest
	default:
		kind = payerr.KindProviderInvalidRequest
	}

	e := payerr.New(kind, op+": "+we.Message)
	code := we.DeclineCode
	if code == "" {
		code = we.Code
	}
	return e.WithProviderCode(code)
}

func captureMethodWire(m cartpayment.CaptureMethod) string {
	if m == cartpayment.CaptureMethodManual {
		return "manual"
	}
	return "automatic"
}

func refundStatusFromWire(s string) cartpayment.RefundStatus {
	switch s {
	case "succeeded":
		return cartpayment.RefundSucceeded
	case "failed":
		return cartpayment.RefundFailed
	default:
		return cartpayment.RefundProcessing
	}
}
