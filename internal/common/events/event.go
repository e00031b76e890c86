package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Payment lifecycle event types
const (
	EventPaymentIntentCreated = "payment.intent.created"
	EventPaymentCaptured      = "payment.captured"
	EventPaymentCancelled     = "payment.cancelled"
	EventPaymentRefunded      = "payment.refunded"
	EventPaymentAdjusted      = "payment.adjusted"
	EventPaymentFailed        = "payment.failed"
)

// PaymentIntentCreatedData is the data for payment.intent.created events
type PaymentIntentCreatedData struct {
	CartPaymentID  string `json:"cart_payment_id"`
	IntentID       string `json:"intent_id"`
	PayerID        string `json:"payer_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
}

// PaymentCapturedData is the data for payment.captured events
type PaymentCapturedData struct {
	CartPaymentID  string    `json:"cart_payment_id"`
	IntentID       string    `json:"intent_id"`
	AmountMinor    int64     `json:"amount_minor"`
	Currency       string    `json:"currency"`
	CapturedAt     time.Time `json:"captured_at"`
	ChargeResource string    `json:"charge_resource,omitempty"`
}

// PaymentCancelledData is the data for payment.cancelled events
type PaymentCancelledData struct {
	CartPaymentID string `json:"cart_payment_id"`
	IntentID      string `json:"intent_id"`
	Refunded      bool   `json:"refunded"`
}

// PaymentRefundedData is the data for payment.refunded events
type PaymentRefundedData struct {
	CartPaymentID string `json:"cart_payment_id"`
	IntentID      string `json:"intent_id"`
	RefundID      string `json:"refund_id"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason,omitempty"`
}

// PaymentAdjustedData is the data for payment.adjusted events
type PaymentAdjustedData struct {
	CartPaymentID  string `json:"cart_payment_id"`
	IntentID       string `json:"intent_id"`
	AmountOriginal int64  `json:"amount_original"`
	AmountDelta    int64  `json:"amount_delta"`
	Currency       string `json:"currency"`
}

// PaymentFailedData is the data for payment.failed events
type PaymentFailedData struct {
	CartPaymentID string `json:"cart_payment_id"`
	IntentID      string `json:"intent_id"`
	ErrorKind     string `json:"error_kind"`
	ProviderCode  string `json:"provider_code,omitempty"`
}
