package cartpayment

import (
	"context"
	"log/slog"
	"time"

	"cartpay/internal/common/payerr"
)

// SchedulerConfig holds capture scheduler configuration.
type SchedulerConfig struct {
	Interval  time.Duration `envconfig:"CAPTURE_SCHEDULER_INTERVAL" default:"30s"`
	BatchSize int           `envconfig:"CAPTURE_SCHEDULER_BATCH_SIZE" default:"100"`
	// StaleAfter is how long an intent may sit in CAPTURING before the
	// scheduler re-submits the capture under the same provider token.
	StaleAfter time.Duration `envconfig:"CAPTURE_SCHEDULER_STALE_AFTER" default:"5m"`
	// ResubmitAfter is how long an intent may sit in INIT or PENDING
	// before the scheduler re-submits the create under the same provider
	// token. The grace keeps the sweep off requests still in flight.
	ResubmitAfter time.Duration `envconfig:"CAPTURE_SCHEDULER_RESUBMIT_AFTER" default:"1m"`
	// AlertAfter is the age past due at which waiting intents are counted
	// as a stall signal.
	AlertAfter time.Duration `envconfig:"CAPTURE_SCHEDULER_ALERT_AFTER" default:"30m"`
}

// Scheduler finalizes intents whose capture time has arrived. Multiple
// replicas can run concurrently: the REQUIRES_CAPTURE to CAPTURING
// conditional update admits exactly one winner per intent, losers skip.
type Scheduler struct {
	store   Store
	gateway Gateway
	svc     *Service
	logger  *slog.Logger
	cfg     SchedulerConfig
}

// NewScheduler creates a capture scheduler sharing the service's store and
// gateway.
func NewScheduler(store Store, gateway Gateway, svc *Service, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		gateway: gateway,
		svc:     svc,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run processes capture batches on the configured interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("capture scheduler started",
		"interval", s.cfg.Interval,
		"batch_size", s.cfg.BatchSize,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("capture scheduler stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("capture batch failed", "error", err)
			}
		}
	}
}

// RunOnce re-submits unsubmitted creates, processes one batch of due intents
// plus any stuck in CAPTURING, and logs the count of overdue waiters.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()

	unsubmitted, err := s.store.FindUnsubmitted(ctx, now.Add(-s.cfg.ResubmitAfter), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, intent := range unsubmitted {
		s.resubmitOne(ctx, intent)
	}

	due, err := s.store.FindDueForCapture(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, intent := range due {
		s.captureOne(ctx, intent)
	}

	stale, err := s.store.FindStaleCapturing(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, intent := range stale {
		s.finishCapture(ctx, intent)
	}

	overdue, err := s.store.CountIntentsRequiringCapture(ctx, now.Add(-s.cfg.AlertAfter))
	if err != nil {
		return err
	}
	if overdue > 0 {
		s.logger.Warn("intents overdue for capture", "count", overdue, "older_than", s.cfg.AlertAfter)
	}

	return nil
}

// resubmitOne re-drives a create that never resolved: an INIT row from a
// crash before the provider call, or a PENDING row parked on a transient
// failure. The create token is derived from the idempotency key, so the
// provider deduplicates whatever the first attempt already did.
func (s *Scheduler) resubmitOne(ctx context.Context, intent *PaymentIntent) {
	cp, err := s.store.GetCartPayment(ctx, intent.CartPaymentID)
	if err != nil {
		s.logger.Error("failed to load cart payment for resubmission", "intent_id", intent.ID, "error", err)
		return
	}
	mirror, err := s.store.GetPgpIntent(ctx, intent.ID)
	if err != nil {
		s.logger.Error("failed to load intent mirror", "intent_id", intent.ID, "error", err)
		return
	}
	updated, err := s.svc.submitNewIntent(ctx, cp, intent, mirror)
	if err != nil {
		s.logger.Warn("intent resubmission failed", "intent_id", intent.ID, "error", err)
		return
	}
	s.logger.Info("intent resubmitted",
		"intent_id", intent.ID,
		"cart_payment_id", intent.CartPaymentID,
		"status", updated.Status,
	)
}

// captureOne claims one due intent and drives it through capture. Losing the
// claim to another worker is not an error.
func (s *Scheduler) captureOne(ctx context.Context, intent *PaymentIntent) {
	claimed, err := s.store.UpdateIntentStatus(ctx, intent.ID, IntentCapturing, IntentRequiresCapture)
	if err != nil {
		if payerr.IsConcurrentAccess(err) {
			return
		}
		s.logger.Error("failed to claim intent for capture", "intent_id", intent.ID, "error", err)
		return
	}
	s.finishCapture(ctx, claimed)
}

// finishCapture submits the capture for an intent already in CAPTURING and
// applies the outcome. Safe to call again for the same intent: the provider
// token is derived from the idempotency key, and each local transition is
// conditional.
func (s *Scheduler) finishCapture(ctx context.Context, intent *PaymentIntent) {
	mirror, err := s.store.GetPgpIntent(ctx, intent.ID)
	if err != nil {
		s.logger.Error("failed to load intent mirror", "intent_id", intent.ID, "error", err)
		return
	}

	result, err := s.gateway.CaptureIntent(ctx, &CaptureIntentRequest{
		IdempotencyToken: ProviderToken(intent.IdempotencyKey, TokenActionCapture),
		ResourceID:       mirror.ResourceID,
		AmountMinor:      intent.Amount.AmountMinor,
	})
	if err != nil {
		if payerr.IsRetryable(err) {
			// Stays in CAPTURING; picked up again as stale.
			s.logger.Warn("capture submission failed, will retry",
				"intent_id", intent.ID,
				"error", err,
			)
			return
		}
		if payerr.IsKind(err, payerr.KindProviderResourceNotFound) {
			// The authorization no longer exists at the provider.
			s.cancelClaimed(ctx, intent, err)
			return
		}
		if payerr.IsKind(err, payerr.KindProviderIdempotencyConflict) {
			// The token was already consumed, so the provider may hold
			// a finished capture. It is authoritative: read its state
			// back instead of failing a possibly settled intent.
			s.reconcileClaimed(ctx, intent, mirror)
			return
		}
		if _, ferr := s.svc.failIntent(ctx, intent.ID, IntentCapturing, err); ferr != nil {
			s.logger.Error("failed to mark intent failed after capture rejection",
				"intent_id", intent.ID,
				"error", ferr,
			)
		}
		s.logger.Warn("capture rejected", "intent_id", intent.ID, "error", err)
		return
	}

	switch result.Status {
	case ProviderSucceeded:
		if _, err := s.store.UpdateIntentStatus(ctx, intent.ID, IntentSucceeded, IntentCapturing); err != nil {
			if !payerr.IsConcurrentAccess(err) {
				s.logger.Error("failed to finalize capture", "intent_id", intent.ID, "error", err)
			}
			return
		}
		if err := s.svc.recordCapture(ctx, intent, result.ChargeResourceID, intent.Amount); err != nil {
			s.logger.Error("failed to record capture", "intent_id", intent.ID, "error", err)
			return
		}
		s.logger.Info("intent captured",
			"intent_id", intent.ID,
			"cart_payment_id", intent.CartPaymentID,
			"amount", intent.Amount.AmountMinor,
		)
	case ProviderCanceled:
		s.cancelClaimed(ctx, intent, nil)
	case ProviderProcessing:
		// Asynchronous capture; the webhook finishes it.
		s.logger.Info("capture accepted, awaiting provider confirmation", "intent_id", intent.ID)
	default:
		s.logger.Warn("unexpected provider status after capture",
			"intent_id", intent.ID,
			"provider_status", result.Status,
		)
	}
}

// reconcileClaimed resolves an ambiguous capture outcome by reading the
// provider's view of the intent and applying it locally. On a read failure
// the intent stays CAPTURING and the stale sweep tries again.
func (s *Scheduler) reconcileClaimed(ctx context.Context, intent *PaymentIntent, mirror *PgpPaymentIntent) {
	provider, err := s.gateway.RetrieveIntent(ctx, &RetrieveIntentRequest{ResourceID: mirror.ResourceID})
	if err != nil {
		s.logger.Warn("failed to retrieve provider intent, will retry",
			"intent_id", intent.ID,
			"error", err,
		)
		return
	}
	if err := s.svc.ReconcileFromProvider(ctx, intent.ID, provider.Status, provider.ChargeResourceID); err != nil {
		s.logger.Error("failed to reconcile intent from provider", "intent_id", intent.ID, "error", err)
		return
	}
	s.logger.Info("intent reconciled from provider",
		"intent_id", intent.ID,
		"provider_status", provider.Status,
	)
}

// cancelClaimed records that a claimed intent's authorization was already
// gone at the provider.
func (s *Scheduler) cancelClaimed(ctx context.Context, intent *PaymentIntent, cause error) {
	if _, err := s.store.UpdateIntentStatus(ctx, intent.ID, IntentCancelled, IntentCapturing); err != nil {
		if !payerr.IsConcurrentAccess(err) {
			s.logger.Error("failed to cancel claimed intent", "intent_id", intent.ID, "error", err)
		}
		return
	}
	if err := s.svc.syncMirrorsTerminal(ctx, intent, IntentCancelled, ""); err != nil {
		s.logger.Error("failed to sync mirrors after cancel", "intent_id", intent.ID, "error", err)
		return
	}
	s.logger.Warn("intent cancelled, authorization gone at provider",
		"intent_id", intent.ID,
		"cause", cause,
	)
}
