package cartpayment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"cartpay/internal/common/database"
	"cartpay/internal/common/events"
	"cartpay/internal/common/lock"
	"cartpay/internal/common/money"
	"cartpay/internal/common/payerr"
)

// ErrIdempotencyParamsMismatch is returned when a client reuses an
// idempotency key with different request parameters.
var ErrIdempotencyParamsMismatch = errors.New("idempotency key reused with different parameters")

// ErrCartPaymentNotFound is returned for lookups of unknown cart payments.
var ErrCartPaymentNotFound = errors.New("cart payment not found")

// ErrNoActiveIntent is returned when an operation needs an active intent and
// none exists.
var ErrNoActiveIntent = errors.New("no active payment intent")

// PaymentGraph bundles the rows created together on first request. The store
// persists the whole graph in one logical step.
type PaymentGraph struct {
	CartPayment    *CartPayment
	Intent         *PaymentIntent
	PgpIntent      *PgpPaymentIntent
	ConsumerCharge *LegacyConsumerCharge
	StripeCharge   *LegacyStripeCharge
}

// IntentStep bundles the rows created on an amount-increase step.
type IntentStep struct {
	Intent        *PaymentIntent
	PgpIntent     *PgpPaymentIntent
	StripeCharge  *LegacyStripeCharge
	Adjustment    *AdjustmentHistory
	NewCartAmount money.Money
}

// AmountDecrease bundles an in-place capturable-amount reduction.
type AmountDecrease struct {
	Intent        *PaymentIntent
	PgpIntent     *PgpPaymentIntent
	Adjustment    *AdjustmentHistory
	NewCartAmount money.Money
}

// Store persists cart payments, intents, mirrors, charges, refunds, and the
// legacy shadow chain. Multi-row write methods are each one logical step.
// Reads that feed a conditional write go to the primary.
type Store interface {
	GetCartPayment(ctx context.Context, id string) (*CartPayment, error)
	SoftDeleteCartPayment(ctx context.Context, id string) error

	CreateCartPaymentGraph(ctx context.Context, g *PaymentGraph) error
	CreateIntentStep(ctx context.Context, s *IntentStep) error
	ApplyAmountDecrease(ctx context.Context, d *AmountDecrease) error

	GetIntent(ctx context.Context, id string) (*PaymentIntent, error)
	GetIntentByIdempotencyKey(ctx context.Context, key string) (*PaymentIntent, error)
	GetLatestActiveIntent(ctx context.Context, cartPaymentID string) (*PaymentIntent, error)
	GetLatestSucceededIntent(ctx context.Context, cartPaymentID string) (*PaymentIntent, error)
	// UpdateIntentStatus performs the conditional update
	// `SET status = to WHERE id = id AND status = expected`; zero rows
	// affected yields a ConcurrentAccessError.
	UpdateIntentStatus(ctx context.Context, id string, to, expected IntentStatus) (*PaymentIntent, error)
	FindDueForCapture(ctx context.Context, cutoff time.Time, limit int) ([]*PaymentIntent, error)
	FindStaleCapturing(ctx context.Context, cutoff time.Time, limit int) ([]*PaymentIntent, error)
	FindUnsubmitted(ctx context.Context, cutoff time.Time, limit int) ([]*PaymentIntent, error)
	CountIntentsRequiringCapture(ctx context.Context, olderThan time.Time) (int, error)

	GetPgpIntent(ctx context.Context, paymentIntentID string) (*PgpPaymentIntent, error)
	UpdatePgpIntent(ctx context.Context, mirror *PgpPaymentIntent) error

	CreateChargePair(ctx context.Context, charge *PaymentCharge, mirror *PgpPaymentCharge) error
	GetChargeByIntent(ctx context.Context, intentID string) (*PaymentCharge, error)
	ApplyRefundToCharge(ctx context.Context, chargeID string, amount money.Money) error

	CreateRefundPair(ctx context.Context, refund *Refund, mirror *PgpRefund) error
	GetRefundByIdempotencyKey(ctx context.Context, key string) (*Refund, error)
	UpdateRefundStatus(ctx context.Context, id string, status RefundStatus, resourceID string) error

	UpdateLegacyChargeState(ctx context.Context, intentID string, status LegacyChargeStatus, chargeResourceID string) error
	ApplyRefundToLegacy(ctx context.Context, intentID string, amount money.Money) error
}

// Locker provides scoped mutual exclusion per payment resource.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration, maxRetry int) (*lock.Handle, error)
	Release(ctx context.Context, handle *lock.Handle) error
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Config holds orchestrator configuration.
type Config struct {
	// CaptureDelay is how long a delayed-capture authorization waits
	// before the scheduler finalizes it.
	CaptureDelay time.Duration `envconfig:"CAPTURE_DELAY" default:"2h"`
	LockTTL      time.Duration `envconfig:"PAYMENT_LOCK_TTL" default:"10s"`
	LockMaxRetry int           `envconfig:"PAYMENT_LOCK_MAX_RETRY" default:"3"`
}

// Service orchestrates the cart payment lifecycle.
type Service struct {
	store     Store
	gateway   Gateway
	locker    Locker
	publisher Publisher
	logger    *slog.Logger
	cfg       Config
}

// NewService creates a new cart payment service.
func NewService(store Store, gateway Gateway, locker Locker, publisher Publisher, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		gateway:   gateway,
		locker:    locker,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
	}
}

// CreateRequest is the request to create a cart payment.
type CreateRequest struct {
	PayerID           string        `json:"payer_id" validate:"required"`
	PaymentMethodID   string        `json:"payment_method_id" validate:"required"`
	Amount            money.Money   `json:"amount" validate:"required"`
	DelayCapture      bool          `json:"delay_capture"`
	IdempotencyKey    string        `json:"idempotency_key" validate:"required"`
	ReferenceID       string        `json:"reference_id,omitempty"`
	ReferenceType     string        `json:"reference_type,omitempty"`
	ClientDescription string        `json:"client_description,omitempty"`
	SplitPayment      *SplitPayment `json:"split_payment,omitempty"`
}

// Create creates a cart payment, or returns the prior result when the
// idempotency key was already processed with identical parameters.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*CartPayment, *PaymentIntent, error) {
	// No cart payment id exists yet, so serialize on the payer.
	handle, err := s.locker.Acquire(ctx, "payer:"+req.PayerID, s.cfg.LockTTL, s.cfg.LockMaxRetry)
	if err != nil {
		return nil, nil, err
	}
	defer s.release(ctx, handle)

	existing, err := s.store.GetIntentByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, nil, fmt.Errorf("looking up idempotency key: %w", err)
	}
	if existing != nil {
		cp, err := s.store.GetCartPayment(ctx, existing.CartPaymentID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading prior cart payment: %w", err)
		}
		if !existing.Amount.Equal(req.Amount) || cp.PayerID != req.PayerID ||
			cp.PaymentMethodID != req.PaymentMethodID || cp.DelayCapture != req.DelayCapture {
			return nil, nil, ErrIdempotencyParamsMismatch
		}
		s.logger.Info("returning prior cart payment for idempotency key",
			"cart_payment_id", cp.ID,
			"intent_id", existing.ID,
			"idempotency_key", req.IdempotencyKey,
		)
		return cp, existing, nil
	}

	captureMethod := CaptureMethodAuto
	var captureAfter *time.Time
	if req.DelayCapture {
		captureMethod = CaptureMethodManual
		after := time.Now().UTC().Add(s.cfg.CaptureDelay)
		captureAfter = &after
	} else {
		// Auto-capture intents are due immediately; the scheduler owns
		// the single capture path so duplicates are impossible.
		now := time.Now().UTC()
		captureAfter = &now
	}

	cp, err := NewCartPayment(ulid.Make().String(), req.PayerID, req.PaymentMethodID, req.Amount, captureMethod, req.DelayCapture)
	if err != nil {
		return nil, nil, err
	}
	cp.ReferenceID = req.ReferenceID
	cp.ReferenceType = req.ReferenceType
	cp.ClientDescription = req.ClientDescription
	cp.SplitPayment = req.SplitPayment

	intent, err := NewPaymentIntent(ulid.Make().String(), cp.ID, req.IdempotencyKey, req.Amount, captureMethod, captureAfter)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	consumerCharge := &LegacyConsumerCharge{
		ID:            ulid.Make().String(),
		CartPaymentID: cp.ID,
		PayerID:       cp.PayerID,
		Total:         req.Amount,
		Status:        LegacyChargePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	intent.LegacyConsumerChargeID = consumerCharge.ID

	graph := &PaymentGraph{
		CartPayment: cp,
		Intent:      intent,
		PgpIntent: &PgpPaymentIntent{
			ID:              ulid.Make().String(),
			PaymentIntentID: intent.ID,
			IdempotencyKey:  ProviderToken(req.IdempotencyKey, TokenActionCreate),
			Amount:          req.Amount,
			Status:          IntentInit,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		ConsumerCharge: consumerCharge,
		StripeCharge: &LegacyStripeCharge{
			ID:                     ulid.Make().String(),
			LegacyConsumerChargeID: consumerCharge.ID,
			PaymentIntentID:        intent.ID,
			Amount:                 req.Amount,
			AmountRefunded:         money.Zero(req.Amount.Currency),
			Status:                 LegacyChargePending,
			IdempotencyKey:         req.IdempotencyKey,
			CreatedAt:              now,
			UpdatedAt:              now,
		},
	}

	if err := s.store.CreateCartPaymentGraph(ctx, graph); err != nil {
		return nil, nil, payerr.NewCreateError(err)
	}

	intent, err = s.submitNewIntent(ctx, cp, intent, graph.PgpIntent)
	if err != nil {
		return nil, nil, err
	}

	s.publish(ctx, events.EventPaymentIntentCreated, cp.ID, &events.PaymentIntentCreatedData{
		CartPaymentID:  cp.ID,
		IntentID:       intent.ID,
		PayerID:        cp.PayerID,
		AmountMinor:    intent.Amount.AmountMinor,
		Currency:       string(intent.Amount.Currency),
		IdempotencyKey: intent.IdempotencyKey,
		Status:         string(intent.Status),
	})

	s.logger.Info("cart payment created",
		"cart_payment_id", cp.ID,
		"intent_id", intent.ID,
		"status", intent.Status,
		"amount", intent.Amount.AmountMinor,
		"currency", intent.Amount.Currency,
	)

	return cp, intent, nil
}

// submitNewIntent submits an INIT intent to the provider and advances local
// state from the response. Retryable provider failures park the intent in
// PENDING; non-retryable ones fail it and surface a create error.
func (s *Service) submitNewIntent(ctx context.Context, cp *CartPayment, intent *PaymentIntent, mirror *PgpPaymentIntent) (*PaymentIntent, error) {
	req := &CreateIntentRequest{
		IdempotencyToken: ProviderToken(intent.IdempotencyKey, TokenActionCreate),
		PayerID:          cp.PayerID,
		PaymentMethodID:  cp.PaymentMethodID,
		AmountMinor:      intent.Amount.AmountMinor,
		Currency:         string(intent.Amount.Currency),
		CaptureMethod:    intent.CaptureMethod,
		PaymentIntentID:  intent.ID,
	}
	if cp.SplitPayment != nil {
		req.ApplicationFeeMinor = cp.SplitPayment.ApplicationFee.AmountMinor
		req.PayoutAccountID = cp.SplitPayment.PayoutAccountID
	}

	provider, err := s.gateway.CreateIntent(ctx, req)
	if err != nil {
		if payerr.IsRetryable(err) {
			// Provider unreachable: park in PENDING. The scheduler
			// resubmits under the same token once connectivity returns,
			// so an already-parked intent stays where it is.
			if intent.Status == IntentPending {
				s.logger.Warn("provider still unreachable, intent remains pending",
					"intent_id", intent.ID,
					"error", err,
				)
				return intent, nil
			}
			updated, casErr := s.store.UpdateIntentStatus(ctx, intent.ID, IntentPending, IntentInit)
			if casErr != nil {
				return nil, payerr.NewCreateError(casErr)
			}
			s.logger.Warn("provider unreachable during create, intent parked pending",
				"intent_id", intent.ID,
				"error", err,
			)
			return updated, nil
		}
		if _, failErr := s.failIntent(ctx, intent.ID, intent.Status, err); failErr != nil {
			s.logger.Error("failed to mark intent failed", "intent_id", intent.ID, "error", failErr)
		}
		return nil, payerr.NewCreateError(err)
	}

	updated, err := s.store.UpdateIntentStatus(ctx, intent.ID, IntentRequiresCapture, intent.Status)
	if err != nil {
		return nil, payerr.NewCreateError(err)
	}

	mirror.ResourceID = provider.ResourceID
	mirror.Status = IntentRequiresCapture
	mirror.AmountCapturable = money.New(provider.AmountCapturable, intent.Amount.Currency)
	mirror.AmountReceived = money.New(provider.AmountReceived, intent.Amount.Currency)
	if err := s.store.UpdatePgpIntent(ctx, mirror); err != nil {
		return nil, payerr.NewCreateError(err)
	}

	return updated, nil
}

// AdjustAmount changes the cart payment's amount. Increases open a new intent
// step under the new idempotency key; decreases on an uncaptured intent lower
// the capturable amount in place; decreases on a captured intent issue a
// partial refund.
func (s *Service) AdjustAmount(ctx context.Context, cartPaymentID, idempotencyKey string, newAmount money.Money) (*CartPayment, error) {
	handle, err := s.locker.Acquire(ctx, "cart-payment:"+cartPaymentID, s.cfg.LockTTL, s.cfg.LockMaxRetry)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, handle)

	prior, err := s.store.GetIntentByIdempotencyKey(ctx, idempotencyKey)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("looking up idempotency key: %w", err)
	}
	if prior != nil {
		return s.store.GetCartPayment(ctx, cartPaymentID)
	}

	cp, err := s.store.GetCartPayment(ctx, cartPaymentID)
	if err != nil {
		return nil, err
	}
	if cp.IsDeleted() {
		return nil, ErrCartPaymentNotFound
	}

	if cp.Amount.Equal(newAmount) {
		return cp, nil
	}

	delta, err := newAmount.Sub(cp.Amount)
	if err != nil {
		return nil, err
	}

	if delta.IsPositive() {
		return s.increaseAmount(ctx, cp, idempotencyKey, newAmount, delta)
	}
	return s.decreaseAmount(ctx, cp, idempotencyKey, newAmount, delta)
}

func (s *Service) increaseAmount(ctx context.Context, cp *CartPayment, idempotencyKey string, newAmount, delta money.Money) (*CartPayment, error) {
	active, err := s.store.GetLatestActiveIntent(ctx, cp.ID)
	if err != nil && !errors.Is(err, ErrNoActiveIntent) {
		return nil, err
	}

	succeeded, err := s.store.GetLatestSucceededIntent(ctx, cp.ID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
		succeeded = nil
	}

	// The amount to authorize under the new step: with delayed capture and
	// nothing settled yet the prior authorization is superseded in full,
	// otherwise only the delta is charged on top of what already settled.
	// Keying on settled charges rather than the active intent keeps a retry
	// correct after a crash that already voided the old authorization.
	authAmount := delta
	if cp.CaptureMethod == CaptureMethodManual && succeeded == nil {
		authAmount = newAmount
	}

	// Supersede the prior uncaptured step before any local mutation: when
	// the void fails nothing has changed and the client retries cleanly.
	supersede := cp.CaptureMethod == CaptureMethodManual && active != nil
	if supersede {
		if active.Status == IntentRequiresCapture {
			if err := s.cancelIntentAtProvider(ctx, active); err != nil {
				return nil, err
			}
		} else {
			// INIT/PENDING never opened an authorization; fail locally.
			if _, err := s.store.UpdateIntentStatus(ctx, active.ID, IntentFailed, active.Status); err != nil {
				return nil, err
			}
			if err := s.store.UpdateLegacyChargeState(ctx, active.ID, LegacyChargeFailed, ""); err != nil {
				return nil, err
			}
		}
	}

	legacyChargeID := ""
	if active != nil {
		legacyChargeID = active.LegacyConsumerChargeID
	} else if succeeded != nil {
		legacyChargeID = succeeded.LegacyConsumerChargeID
	}

	var captureAfter *time.Time
	now := time.Now().UTC()
	if cp.CaptureMethod == CaptureMethodManual {
		after := now.Add(s.cfg.CaptureDelay)
		captureAfter = &after
	} else {
		captureAfter = &now
	}

	intent, err := NewPaymentIntent(ulid.Make().String(), cp.ID, idempotencyKey, authAmount, cp.CaptureMethod, captureAfter)
	if err != nil {
		return nil, err
	}
	intent.LegacyConsumerChargeID = legacyChargeID

	mirror := &PgpPaymentIntent{
		ID:              ulid.Make().String(),
		PaymentIntentID: intent.ID,
		IdempotencyKey:  ProviderToken(idempotencyKey, TokenActionCreate),
		Amount:          authAmount,
		Status:          IntentInit,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	step := &IntentStep{
		Intent:    intent,
		PgpIntent: mirror,
		StripeCharge: &LegacyStripeCharge{
			ID:                     ulid.Make().String(),
			LegacyConsumerChargeID: legacyChargeID,
			PaymentIntentID:        intent.ID,
			Amount:                 authAmount,
			AmountRefunded:         money.Zero(authAmount.Currency),
			Status:                 LegacyChargePending,
			IdempotencyKey:         idempotencyKey,
			CreatedAt:              now,
			UpdatedAt:              now,
		},
		Adjustment: &AdjustmentHistory{
			ID:              ulid.Make().String(),
			CartPaymentID:   cp.ID,
			PaymentIntentID: intent.ID,
			IdempotencyKey:  idempotencyKey,
			AmountOriginal:  cp.Amount,
			AmountDelta:     delta,
			CreatedAt:       now,
		},
		NewCartAmount: newAmount,
	}

	if err := s.store.CreateIntentStep(ctx, step); err != nil {
		return nil, err
	}

	if _, err := s.submitNewIntent(ctx, cp, intent, mirror); err != nil {
		return nil, err
	}

	// The shared consumer charge follows the live step, not the superseded
	// one cancelled above.
	if supersede {
		if err := s.store.UpdateLegacyChargeState(ctx, intent.ID, LegacyChargePending, ""); err != nil {
			return nil, err
		}
	}

	cp.Amount = newAmount
	cp.UpdatedAt = now

	s.publish(ctx, events.EventPaymentAdjusted, cp.ID, &events.PaymentAdjustedData{
		CartPaymentID:  cp.ID,
		IntentID:       intent.ID,
		AmountOriginal: step.Adjustment.AmountOriginal.AmountMinor,
		AmountDelta:    delta.AmountMinor,
		Currency:       string(delta.Currency),
	})

	s.logger.Info("cart payment amount increased",
		"cart_payment_id", cp.ID,
		"intent_id", intent.ID,
		"new_amount", newAmount.AmountMinor,
	)

	return cp, nil
}

func (s *Service) decreaseAmount(ctx context.Context, cp *CartPayment, idempotencyKey string, newAmount, delta money.Money) (*CartPayment, error) {
	now := time.Now().UTC()

	active, err := s.store.GetLatestActiveIntent(ctx, cp.ID)
	if err == nil && active != nil && active.Status == IntentRequiresCapture {
		// Not yet captured: lower the capturable amount in place, no new
		// provider authorization needed.
		mirror, err := s.store.GetPgpIntent(ctx, active.ID)
		if err != nil {
			return nil, err
		}

		active.Amount = newAmount
		active.UpdatedAt = now
		mirror.Amount = newAmount
		mirror.AmountCapturable = newAmount
		mirror.UpdatedAt = now

		dec := &AmountDecrease{
			Intent:    active,
			PgpIntent: mirror,
			Adjustment: &AdjustmentHistory{
				ID:              ulid.Make().String(),
				CartPaymentID:   cp.ID,
				PaymentIntentID: active.ID,
				IdempotencyKey:  idempotencyKey,
				AmountOriginal:  cp.Amount,
				AmountDelta:     delta,
				CreatedAt:       now,
			},
			NewCartAmount: newAmount,
		}
		if err := s.store.ApplyAmountDecrease(ctx, dec); err != nil {
			return nil, err
		}

		cp.Amount = newAmount
		cp.UpdatedAt = now

		s.publish(ctx, events.EventPaymentAdjusted, cp.ID, &events.PaymentAdjustedData{
			CartPaymentID:  cp.ID,
			IntentID:       active.ID,
			AmountOriginal: dec.Adjustment.AmountOriginal.AmountMinor,
			AmountDelta:    delta.AmountMinor,
			Currency:       string(delta.Currency),
		})

		s.logger.Info("cart payment amount decreased in place",
			"cart_payment_id", cp.ID,
			"intent_id", active.ID,
			"new_amount", newAmount.AmountMinor,
		)
		return cp, nil
	} else if err != nil && !errors.Is(err, ErrNoActiveIntent) {
		return nil, err
	}

	// Already captured: refund the difference from the settled charge.
	succeeded, err := s.store.GetLatestSucceededIntent(ctx, cp.ID)
	if err != nil {
		return nil, err
	}
	refundAmount := money.New(-delta.AmountMinor, delta.Currency)
	if _, err := s.refundIntent(ctx, cp, succeeded, idempotencyKey, refundAmount, "amount adjustment"); err != nil {
		return nil, err
	}

	adj := &AdjustmentHistory{
		ID:              ulid.Make().String(),
		CartPaymentID:   cp.ID,
		PaymentIntentID: succeeded.ID,
		IdempotencyKey:  idempotencyKey,
		AmountOriginal:  cp.Amount,
		AmountDelta:     delta,
		CreatedAt:       now,
	}
	dec := &AmountDecrease{
		Intent:        succeeded,
		PgpIntent:     nil,
		Adjustment:    adj,
		NewCartAmount: newAmount,
	}
	if err := s.store.ApplyAmountDecrease(ctx, dec); err != nil {
		return nil, err
	}

	cp.Amount = newAmount
	cp.UpdatedAt = now

	s.publish(ctx, events.EventPaymentAdjusted, cp.ID, &events.PaymentAdjustedData{
		CartPaymentID:  cp.ID,
		IntentID:       succeeded.ID,
		AmountOriginal: adj.AmountOriginal.AmountMinor,
		AmountDelta:    delta.AmountMinor,
		Currency:       string(delta.Currency),
	})

	return cp, nil
}

// Cancel cancels the most recent active intent (refunding it in full if it
// already settled) and soft-deletes the cart payment.
func (s *Service) Cancel(ctx context.Context, cartPaymentID string) (*CartPayment, error) {
	handle, err := s.locker.Acquire(ctx, "cart-payment:"+cartPaymentID, s.cfg.LockTTL, s.cfg.LockMaxRetry)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, handle)

	cp, err := s.store.GetCartPayment(ctx, cartPaymentID)
	if err != nil {
		return nil, err
	}
	if cp.IsDeleted() {
		// Redelivered cancel: already done.
		return cp, nil
	}

	refunded := false
	intentID := ""

	active, err := s.store.GetLatestActiveIntent(ctx, cp.ID)
	switch {
	case err == nil && active != nil:
		intentID = active.ID
		if active.Status == IntentRequiresCapture {
			if err := s.cancelIntentAtProvider(ctx, active); err != nil {
				return nil, err
			}
		} else {
			// INIT/PENDING never reached the provider as an open
			// authorization; fail locally.
			if _, err := s.store.UpdateIntentStatus(ctx, active.ID, IntentFailed, active.Status); err != nil {
				return nil, err
			}
			if err := s.store.UpdateLegacyChargeState(ctx, active.ID, LegacyChargeFailed, ""); err != nil {
				return nil, err
			}
		}
	case errors.Is(err, ErrNoActiveIntent):
		succeeded, serr := s.store.GetLatestSucceededIntent(ctx, cp.ID)
		if serr != nil {
			return nil, serr
		}
		intentID = succeeded.ID
		charge, cerr := s.store.GetChargeByIntent(ctx, succeeded.ID)
		if cerr != nil {
			return nil, cerr
		}
		remaining := charge.Amount.MustSub(charge.AmountRefunded)
		if remaining.IsPositive() {
			if _, rerr := s.refundIntent(ctx, cp, succeeded, succeeded.IdempotencyKey+"-cancel", remaining, "cart payment cancelled"); rerr != nil {
				return nil, rerr
			}
			refunded = true
		}
	default:
		return nil, err
	}

	if err := s.store.SoftDeleteCartPayment(ctx, cp.ID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cp.DeletedAt = &now
	cp.UpdatedAt = now

	s.publish(ctx, events.EventPaymentCancelled, cp.ID, &events.PaymentCancelledData{
		CartPaymentID: cp.ID,
		IntentID:      intentID,
		Refunded:      refunded,
	})

	s.logger.Info("cart payment cancelled",
		"cart_payment_id", cp.ID,
		"intent_id", intentID,
		"refunded", refunded,
	)

	return cp, nil
}

// cancelIntentAtProvider voids an uncaptured authorization and records the
// cancellation across the canonical row and both mirrors.
func (s *Service) cancelIntentAtProvider(ctx context.Context, intent *PaymentIntent) error {
	mirror, err := s.store.GetPgpIntent(ctx, intent.ID)
	if err != nil {
		return err
	}

	_, err = s.gateway.CancelIntent(ctx, &CancelIntentRequest{
		IdempotencyToken: ProviderToken(intent.IdempotencyKey, TokenActionCancel),
		ResourceID:       mirror.ResourceID,
	})
	if err != nil {
		switch payerr.KindOf(err) {
		case payerr.KindProviderResourceNotFound, payerr.KindProviderIdempotencyConflict:
			// Provider is authoritative for objects it already owns;
			// treat the cancel as already applied.
			s.logger.Warn("provider cancel reconciled as already applied",
				"intent_id", intent.ID,
				"error", err,
			)
		default:
			return err
		}
	}

	if _, err := s.store.UpdateIntentStatus(ctx, intent.ID, IntentCancelled, IntentRequiresCapture); err != nil {
		return err
	}

	mirror.Status = IntentCancelled
	mirror.AmountCapturable = money.Zero(intent.Amount.Currency)
	mirror.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdatePgpIntent(ctx, mirror); err != nil {
		return err
	}

	return s.store.UpdateLegacyChargeState(ctx, intent.ID, LegacyChargeCancelled, "")
}

// RefundRequestArgs is the request to refund part of a settled cart payment.
type RefundRequestArgs struct {
	CartPaymentID  string      `json:"cart_payment_id" validate:"required"`
	IdempotencyKey string      `json:"idempotency_key" validate:"required"`
	Amount         money.Money `json:"amount" validate:"required"`
	Reason         string      `json:"reason,omitempty"`
}

// Refund refunds amount against the cart payment's settled intent.
func (s *Service) Refund(ctx context.Context, req *RefundRequestArgs) (*Refund, error) {
	handle, err := s.locker.Acquire(ctx, "cart-payment:"+req.CartPaymentID, s.cfg.LockTTL, s.cfg.LockMaxRetry)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, handle)

	prior, err := s.store.GetRefundByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("looking up refund idempotency key: %w", err)
	}
	if prior != nil && prior.Status != RefundProcessing {
		return prior, nil
	}

	cp, err := s.store.GetCartPayment(ctx, req.CartPaymentID)
	if err != nil {
		return nil, err
	}
	succeeded, err := s.store.GetLatestSucceededIntent(ctx, cp.ID)
	if err != nil {
		return nil, err
	}

	return s.refundIntent(ctx, cp, succeeded, req.IdempotencyKey, req.Amount, req.Reason)
}

// refundIntent creates the refund pair, calls the provider, and reconciles
// status and refund accumulation on the response. A refund already recorded
// under the key resumes instead of duplicating: terminal rows are returned
// as-is, PROCESSING rows are resubmitted under the same derived token.
func (s *Service) refundIntent(ctx context.Context, cp *CartPayment, intent *PaymentIntent, idempotencyKey string, amount money.Money, reason string) (*Refund, error) {
	if !amount.IsPositive() {
		return nil, errors.New("refund amount must be positive")
	}

	prior, err := s.store.GetRefundByIdempotencyKey(ctx, idempotencyKey)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	if prior != nil {
		if prior.Status != RefundProcessing {
			return prior, nil
		}
		if prior.PaymentIntentID != intent.ID {
			intent, err = s.store.GetIntent(ctx, prior.PaymentIntentID)
			if err != nil {
				return nil, err
			}
		}
		return s.finishRefund(ctx, cp, intent, prior)
	}

	charge, err := s.store.GetChargeByIntent(ctx, intent.ID)
	if err != nil {
		return nil, err
	}
	remaining := charge.Amount.MustSub(charge.AmountRefunded)
	if amount.GreaterThan(remaining) {
		return nil, fmt.Errorf("refund of %d exceeds refundable remainder %d", amount.AmountMinor, remaining.AmountMinor)
	}

	now := time.Now().UTC()
	refund := &Refund{
		ID:              ulid.Make().String(),
		PaymentIntentID: intent.ID,
		IdempotencyKey:  idempotencyKey,
		Amount:          amount,
		Status:          RefundProcessing,
		Reason:          reason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	pgpRefund := &PgpRefund{
		ID:        ulid.Make().String(),
		RefundID:  refund.ID,
		Amount:    amount,
		Status:    RefundProcessing,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRefundPair(ctx, refund, pgpRefund); err != nil {
		return nil, err
	}

	return s.finishRefund(ctx, cp, intent, refund)
}

// finishRefund submits a PROCESSING refund to the provider and applies the
// outcome. Safe to call again for the same refund: the provider token is
// derived from the refund's idempotency key.
func (s *Service) finishRefund(ctx context.Context, cp *CartPayment, intent *PaymentIntent, refund *Refund) (*Refund, error) {
	mirror, err := s.store.GetPgpIntent(ctx, intent.ID)
	if err != nil {
		return nil, err
	}

	result, err := s.gateway.Refund(ctx, &RefundRequest{
		IdempotencyToken: ProviderToken(refund.IdempotencyKey, TokenActionRefund),
		ChargeResourceID: mirror.ChargeResourceID,
		AmountMinor:      refund.Amount.AmountMinor,
		Reason:           refund.Reason,
	})
	if err != nil {
		if payerr.IsRetryable(err) {
			// Leaves the refund PROCESSING; a replay under the same key
			// lands back here and resubmits.
			return nil, err
		}
		refund.Status = RefundFailed
		refund.UpdatedAt = time.Now().UTC()
		if uerr := s.store.UpdateRefundStatus(ctx, refund.ID, RefundFailed, ""); uerr != nil {
			s.logger.Error("failed to mark refund failed", "refund_id", refund.ID, "error", uerr)
		}
		return nil, err
	}

	refund.Status = result.Status
	refund.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateRefundStatus(ctx, refund.ID, result.Status, result.ResourceID); err != nil {
		return nil, err
	}

	if result.Status == RefundSucceeded {
		charge, err := s.store.GetChargeByIntent(ctx, intent.ID)
		if err != nil {
			return nil, err
		}
		if err := s.store.ApplyRefundToCharge(ctx, charge.ID, refund.Amount); err != nil {
			return nil, err
		}
		if err := s.store.ApplyRefundToLegacy(ctx, intent.ID, refund.Amount); err != nil {
			return nil, err
		}
	}

	s.publish(ctx, events.EventPaymentRefunded, cp.ID, &events.PaymentRefundedData{
		CartPaymentID: cp.ID,
		IntentID:      intent.ID,
		RefundID:      refund.ID,
		AmountMinor:   refund.Amount.AmountMinor,
		Currency:      string(refund.Amount.Currency),
		Reason:        refund.Reason,
	})

	s.logger.Info("refund processed",
		"cart_payment_id", cp.ID,
		"intent_id", intent.ID,
		"refund_id", refund.ID,
		"amount", refund.Amount.AmountMinor,
		"status", refund.Status,
	)

	return refund, nil
}

// GetCartPayment returns a cart payment by id.
func (s *Service) GetCartPayment(ctx context.Context, id string) (*CartPayment, error) {
	return s.store.GetCartPayment(ctx, id)
}

// ReconcileFromProvider applies an authoritative provider status to the local
// intent. It is the entry point for webhook events and is idempotent under
// redelivery: a no-op transition is not an error.
func (s *Service) ReconcileFromProvider(ctx context.Context, intentID string, providerStatus ProviderStatus, chargeResourceID string) error {
	intent, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		return err
	}

	target, ok := localStatusFor(providerStatus)
	if !ok {
		s.logger.Warn("ignoring unknown provider status",
			"intent_id", intentID,
			"provider_status", providerStatus,
		)
		return nil
	}
	if intent.Status == target {
		return nil
	}

	// PENDING intents resolve through REQUIRES_CAPTURE before settling.
	if intent.Status == IntentPending && (target == IntentSucceeded || target == IntentCapturing) {
		if _, err := s.store.UpdateIntentStatus(ctx, intent.ID, IntentRequiresCapture, IntentPending); err != nil {
			return err
		}
		intent.Status = IntentRequiresCapture
	}

	switch target {
	case IntentSucceeded:
		return s.settleFromProvider(ctx, intent, chargeResourceID)
	case IntentCancelled:
		if intent.IsTerminal() {
			return nil
		}
		if _, err := s.store.UpdateIntentStatus(ctx, intent.ID, IntentCancelled, intent.Status); err != nil {
			if payerr.IsConcurrentAccess(err) {
				return s.ReconcileFromProvider(ctx, intentID, providerStatus, chargeResourceID)
			}
			return err
		}
		return s.syncMirrorsTerminal(ctx, intent, IntentCancelled, "")
	case IntentFailed:
		if intent.IsTerminal() {
			return nil
		}
		if _, err := s.store.UpdateIntentStatus(ctx, intent.ID, IntentFailed, intent.Status); err != nil {
			if payerr.IsConcurrentAccess(err) {
				return nil
			}
			return err
		}
		return s.syncMirrorsTerminal(ctx, intent, IntentFailed, "")
	case IntentRequiresCapture:
		if intent.Status != IntentPending && intent.Status != IntentInit {
			return nil
		}
		if _, err := s.store.UpdateIntentStatus(ctx, intent.ID, IntentRequiresCapture, intent.Status); err != nil {
			if payerr.IsConcurrentAccess(err) {
				return nil
			}
			return err
		}
		return nil
	}
	return nil
}

// settleFromProvider drives an intent to SUCCEEDED on provider authority,
// creating the charge pair exactly once.
func (s *Service) settleFromProvider(ctx context.Context, intent *PaymentIntent, chargeResourceID string) error {
	if intent.Status == IntentSucceeded {
		return nil
	}
	if intent.IsTerminal() {
		return fmt.Errorf("intent %s is terminal in %s, cannot settle", intent.ID, intent.Status)
	}

	// Walk the remaining edges; redelivery at any point resumes here.
	if intent.Status == IntentRequiresCapture {
		if _, err := s.store.UpdateIntentStatus(ctx, intent.ID, IntentCapturing, IntentRequiresCapture); err != nil {
			if !payerr.IsConcurrentAccess(err) {
				return err
			}
			fresh, ferr := s.store.GetIntent(ctx, intent.ID)
			if ferr != nil {
				return ferr
			}
			if fresh.Status == IntentSucceeded {
				return nil
			}
			intent = fresh
		} else {
			intent.Status = IntentCapturing
		}
	}

	if _, err := s.store.UpdateIntentStatus(ctx, intent.ID, IntentSucceeded, IntentCapturing); err != nil {
		if payerr.IsConcurrentAccess(err) {
			return nil
		}
		return err
	}

	return s.recordCapture(ctx, intent, chargeResourceID, intent.Amount)
}

// recordCapture creates the charge pair and syncs both mirrors after an
// intent reaches SUCCEEDED.
func (s *Service) recordCapture(ctx context.Context, intent *PaymentIntent, chargeResourceID string, amount money.Money) error {
	mirror, err := s.store.GetPgpIntent(ctx, intent.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	charge := &PaymentCharge{
		ID:              ulid.Make().String(),
		CartPaymentID:   intent.CartPaymentID,
		PaymentIntentID: intent.ID,
		Amount:          amount,
		AmountRefunded:  money.Zero(amount.Currency),
		Status:          ChargeSucceeded,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	pgpCharge := &PgpPaymentCharge{
		ID:               ulid.Make().String(),
		PaymentChargeID:  charge.ID,
		ResourceID:       chargeResourceID,
		IntentResourceID: mirror.ResourceID,
		Amount:           amount,
		AmountRefunded:   money.Zero(amount.Currency),
		Status:           ChargeSucceeded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateChargePair(ctx, charge, pgpCharge); err != nil {
		return err
	}

	mirror.Status = IntentSucceeded
	mirror.ChargeResourceID = chargeResourceID
	mirror.AmountReceived = amount
	mirror.AmountCapturable = money.Zero(amount.Currency)
	mirror.UpdatedAt = now
	if err := s.store.UpdatePgpIntent(ctx, mirror); err != nil {
		return err
	}

	if err := s.store.UpdateLegacyChargeState(ctx, intent.ID, LegacyChargeSucceeded, chargeResourceID); err != nil {
		return err
	}

	s.publish(ctx, events.EventPaymentCaptured, intent.CartPaymentID, &events.PaymentCapturedData{
		CartPaymentID:  intent.CartPaymentID,
		IntentID:       intent.ID,
		AmountMinor:    amount.AmountMinor,
		Currency:       string(amount.Currency),
		CapturedAt:     now,
		ChargeResource: chargeResourceID,
	})

	return nil
}

// syncMirrorsTerminal pushes a terminal status onto the pgp and legacy
// mirrors in the same logical step as the canonical transition.
func (s *Service) syncMirrorsTerminal(ctx context.Context, intent *PaymentIntent, status IntentStatus, chargeResourceID string) error {
	mirror, err := s.store.GetPgpIntent(ctx, intent.ID)
	if err != nil {
		return err
	}
	mirror.Status = status
	mirror.AmountCapturable = money.Zero(intent.Amount.Currency)
	mirror.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdatePgpIntent(ctx, mirror); err != nil {
		return err
	}
	return s.store.UpdateLegacyChargeState(ctx, intent.ID, legacyStatusFor(status), chargeResourceID)
}

// failIntent CAS-fails an intent and syncs mirrors; the legacy mirror must
// observe the failure too.
func (s *Service) failIntent(ctx context.Context, intentID string, expected IntentStatus, cause error) (*PaymentIntent, error) {
	updated, err := s.store.UpdateIntentStatus(ctx, intentID, IntentFailed, expected)
	if err != nil {
		return nil, err
	}
	if err := s.syncMirrorsTerminal(ctx, updated, IntentFailed, ""); err != nil {
		return nil, err
	}

	var perr *payerr.Error
	data := &events.PaymentFailedData{
		CartPaymentID: updated.CartPaymentID,
		IntentID:      updated.ID,
	}
	if errors.As(cause, &perr) {
		data.ErrorKind = string(perr.Kind)
		data.ProviderCode = perr.ProviderCode
	}
	s.publish(ctx, events.EventPaymentFailed, updated.CartPaymentID, data)

	return updated, nil
}

// localStatusFor maps an authoritative provider status onto the canonical
// state machine.
func localStatusFor(p ProviderStatus) (IntentStatus, bool) {
	switch p {
	case ProviderRequiresCapture:
		return IntentRequiresCapture, true
	case ProviderProcessing:
		return IntentCapturing, true
	case ProviderSucceeded:
		return IntentSucceeded, true
	case ProviderCanceled:
		return IntentCancelled, true
	case ProviderFailed:
		return IntentFailed, true
	}
	return "", false
}

func (s *Service) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, "cart_payment", aggregateID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}

func (s *Service) release(ctx context.Context, handle *lock.Handle) {
	if err := s.locker.Release(ctx, handle); err != nil {
		// Expired-and-reassigned is non-fatal: optimistic predicates
		// protect the data path.
		s.logger.Warn("lock release failed",
			"resource", handle.Resource,
			"error", err,
		)
	}
}
