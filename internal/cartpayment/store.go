package cartpayment

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"cartpay/internal/common/database"
	"cartpay/internal/common/money"
	"cartpay/internal/common/payerr"
)

// PostgresStore provides cart payment data access.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new cart payment store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const cartPaymentColumns = `
	id, payer_id, payment_method_id, amount_minor, currency, capture_method,
	delay_capture, reference_id, reference_type, client_description,
	payout_account_id, application_fee_minor, deleted_at, created_at, updated_at
`

const intentColumns = `
	id, cart_payment_id, idempotency_key, amount_minor, currency, status,
	capture_method, capture_after, legacy_consumer_charge_id,
	captured_at, cancelled_at, created_at, updated_at
`

// GetCartPayment retrieves a cart payment by ID, including soft-deleted rows;
// callers that must exclude cancelled payments check IsDeleted themselves.
func (s *PostgresStore) GetCartPayment(ctx context.Context, id string) (*CartPayment, error) {
	query := `SELECT ` + cartPaymentColumns + ` FROM cart_payments WHERE id = $1`

	row := s.db.QueryRow(ctx, query, id)
	return scanCartPayment(row)
}

// SoftDeleteCartPayment marks a cart payment deleted without erasing it.
func (s *PostgresStore) SoftDeleteCartPayment(ctx context.Context, id string) error {
	query := `
		UPDATE cart_payments
		SET deleted_at = $1, updated_at = $1
		WHERE id = $2 AND deleted_at IS NULL
	`

	_, err := s.db.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return database.Classify("soft deleting cart payment", err)
	}
	return nil
}

// CreateCartPaymentGraph inserts the cart payment, its first intent, the
// provider mirror, and both legacy shadow rows in one transaction.
func (s *PostgresStore) CreateCartPaymentGraph(ctx context.Context, g *PaymentGraph) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertCartPayment(ctx, tx, g.CartPayment); err != nil {
			return err
		}
		if err := insertLegacyConsumerCharge(ctx, tx, g.ConsumerCharge); err != nil {
			return err
		}
		if err := insertIntent(ctx, tx, g.Intent); err != nil {
			return err
		}
		if err := insertPgpIntent(ctx, tx, g.PgpIntent); err != nil {
			return err
		}
		return insertLegacyStripeCharge(ctx, tx, g.StripeCharge)
	})
}

// CreateIntentStep inserts a new intent with its mirrors and adjustment
// record, and moves the cart payment and legacy totals to the new amount, in
// one transaction.
func (s *PostgresStore) CreateIntentStep(ctx context.Context, step *IntentStep) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertIntent(ctx, tx, step.Intent); err != nil {
			return err
		}
		if err := insertPgpIntent(ctx, tx, step.PgpIntent); err != nil {
			return err
		}
		if err := insertLegacyStripeCharge(ctx, tx, step.StripeCharge); err != nil {
			return err
		}
		if err := insertAdjustment(ctx, tx, step.Adjustment); err != nil {
			return err
		}
		if err := updateCartAmount(ctx, tx, step.Intent.CartPaymentID, step.NewCartAmount); err != nil {
			return err
		}
		return updateLegacyTotal(ctx, tx, step.Intent.LegacyConsumerChargeID, step.NewCartAmount)
	})
}

// ApplyAmountDecrease records an amount reduction in one transaction. The
// mirror update is skipped when the decrease settles through a refund rather
// than an uncaptured intent.
func (s *PostgresStore) ApplyAmountDecrease(ctx context.Context, d *AmountDecrease) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if d.PgpIntent != nil {
			intentQuery := `
				UPDATE payment_intents
				SET amount_minor = $1, updated_at = $2
				WHERE id = $3
			`
			if _, err := tx.Exec(ctx, intentQuery,
				d.Intent.Amount.AmountMinor, d.Intent.UpdatedAt, d.Intent.ID,
			); err != nil {
				return database.Classify("updating intent amount", err)
			}

			mirrorQuery := `
				UPDATE pgp_payment_intents
				SET amount_minor = $1, amount_capturable_minor = $2, updated_at = $3
				WHERE payment_intent_id = $4
			`
			if _, err := tx.Exec(ctx, mirrorQuery,
				d.PgpIntent.Amount.AmountMinor,
				d.PgpIntent.AmountCapturable.AmountMinor,
				d.PgpIntent.UpdatedAt,
				d.PgpIntent.PaymentIntentID,
			); err != nil {
				return database.Classify("updating intent mirror amount", err)
			}
		}
		if err := insertAdjustment(ctx, tx, d.Adjustment); err != nil {
			return err
		}
		if err := updateCartAmount(ctx, tx, d.Adjustment.CartPaymentID, d.NewCartAmount); err != nil {
			return err
		}
		return updateLegacyTotal(ctx, tx, d.Intent.LegacyConsumerChargeID, d.NewCartAmount)
	})
}

// GetIntent retrieves a payment intent by ID.
func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`

	row := s.db.QueryRow(ctx, query, id)
	return scanIntent(row)
}

// GetIntentByIdempotencyKey retrieves the intent created under a client
// idempotency key. The read goes to the primary so a just-committed create is
// always visible to the next request holding the lock.
func (s *PostgresStore) GetIntentByIdempotencyKey(ctx context.Context, key string) (*PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE idempotency_key = $1`

	row := s.db.QueryRow(ctx, query, key)
	return scanIntent(row)
}

// GetLatestActiveIntent returns the most recent non-terminal intent for a
// cart payment. Ties on created_at break on the larger id.
func (s *PostgresStore) GetLatestActiveIntent(ctx context.Context, cartPaymentID string) (*PaymentIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE cart_payment_id = $1
		  AND status IN ($2, $3, $4, $5)
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	row := s.db.QueryRow(ctx, query, cartPaymentID,
		IntentInit, IntentPending, IntentRequiresCapture, IntentCapturing)
	intent, err := scanIntent(row)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNoActiveIntent
	}
	return intent, err
}

// GetLatestSucceededIntent returns the most recent SUCCEEDED intent for a
// cart payment.
func (s *PostgresStore) GetLatestSucceededIntent(ctx context.Context, cartPaymentID string) (*PaymentIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE cart_payment_id = $1 AND status = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	row := s.db.QueryRow(ctx, query, cartPaymentID, IntentSucceeded)
	return scanIntent(row)
}

// UpdateIntentStatus conditionally moves an intent's status. The predicate on
// the expected status is the concurrency control: zero rows updated means
// another worker moved the row first, reported as a ConcurrentAccessError and
// never retried here.
func (s *PostgresStore) UpdateIntentStatus(ctx context.Context, id string, to, expected IntentStatus) (*PaymentIntent, error) {
	if !CanTransition(expected, to) {
		return nil, &TransitionError{From: expected, To: to}
	}

	now := time.Now().UTC()
	var capturedAt, cancelledAt interface{}
	switch to {
	case IntentSucceeded:
		capturedAt = now
	case IntentCancelled:
		cancelledAt = now
	}

	query := `
		UPDATE payment_intents
		SET status = $1,
		    captured_at = COALESCE($2, captured_at),
		    cancelled_at = COALESCE($3, cancelled_at),
		    updated_at = $4
		WHERE id = $5 AND status = $6
		RETURNING ` + intentColumns

	row := s.db.QueryRow(ctx, query, to, capturedAt, cancelledAt, now, id, expected)
	intent, err := scanIntent(row)
	if errors.Is(err, database.ErrNotFound) {
		return nil, &payerr.ConcurrentAccessError{EntityID: id, ExpectedStatus: string(expected)}
	}
	return intent, err
}

// FindDueForCapture returns intents awaiting capture whose capture_after is
// at or before cutoff. The boundary is inclusive.
func (s *PostgresStore) FindDueForCapture(ctx context.Context, cutoff time.Time, limit int) ([]*PaymentIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE status = $1 AND capture_after <= $2
		ORDER BY capture_after ASC
		LIMIT $3
	`

	rows, err := s.db.Query(ctx, query, IntentRequiresCapture, cutoff, limit)
	if err != nil {
		return nil, database.Classify("finding intents due for capture", err)
	}
	defer rows.Close()

	var intents []*PaymentIntent
	for rows.Next() {
		intent, err := scanIntentRows(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

// FindStaleCapturing returns intents stuck in CAPTURING since before cutoff.
// A worker crash between the provider call and the final transition leaves
// rows here; the derived capture token makes re-submission safe.
func (s *PostgresStore) FindStaleCapturing(ctx context.Context, cutoff time.Time, limit int) ([]*PaymentIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE status = $1 AND updated_at <= $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	rows, err := s.db.Query(ctx, query, IntentCapturing, cutoff, limit)
	if err != nil {
		return nil, database.Classify("finding stale capturing intents", err)
	}
	defer rows.Close()

	var intents []*PaymentIntent
	for rows.Next() {
		intent, err := scanIntentRows(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

// FindUnsubmitted returns intents still in INIT or PENDING since before
// cutoff: a create that never reached the provider, or one parked PENDING on
// a transient failure. The derived create token makes re-submission safe.
func (s *PostgresStore) FindUnsubmitted(ctx context.Context, cutoff time.Time, limit int) ([]*PaymentIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE status IN ($1, $2) AND updated_at <= $3
		ORDER BY updated_at ASC
		LIMIT $4
	`

	rows, err := s.db.Query(ctx, query, IntentInit, IntentPending, cutoff, limit)
	if err != nil {
		return nil, database.Classify("finding unsubmitted intents", err)
	}
	defer rows.Close()

	var intents []*PaymentIntent
	for rows.Next() {
		intent, err := scanIntentRows(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

// CountIntentsRequiringCapture counts intents still awaiting capture whose
// due time passed before olderThan. A nonzero count past the alerting window
// means the scheduler is stalled.
func (s *PostgresStore) CountIntentsRequiringCapture(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM payment_intents
		WHERE status = $1 AND capture_after <= $2
	`

	var count int
	if err := s.db.QueryRow(ctx, query, IntentRequiresCapture, olderThan).Scan(&count); err != nil {
		return 0, database.Classify("counting intents requiring capture", err)
	}
	return count, nil
}

// GetPgpIntent retrieves the provider mirror of an intent.
func (s *PostgresStore) GetPgpIntent(ctx context.Context, paymentIntentID string) (*PgpPaymentIntent, error) {
	query := `
		SELECT id, payment_intent_id, resource_id, charge_resource_id,
		       idempotency_key, amount_minor, amount_capturable_minor,
		       amount_received_minor, currency, status, created_at, updated_at
		FROM pgp_payment_intents
		WHERE payment_intent_id = $1
	`

	var m PgpPaymentIntent
	var amount, capturable, received int64
	var currency string
	err := s.db.QueryRow(ctx, query, paymentIntentID).Scan(
		&m.ID, &m.PaymentIntentID, &m.ResourceID, &m.ChargeResourceID,
		&m.IdempotencyKey, &amount, &capturable, &received,
		&currency, &m.Status, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, database.Classify("scanning intent mirror", err)
	}
	m.Amount = money.New(amount, money.Currency(currency))
	m.AmountCapturable = money.New(capturable, money.Currency(currency))
	m.AmountReceived = money.New(received, money.Currency(currency))
	return &m, nil
}

// UpdatePgpIntent writes the full mirror state after a provider response.
func (s *PostgresStore) UpdatePgpIntent(ctx context.Context, m *PgpPaymentIntent) error {
	query := `
		UPDATE pgp_payment_intents
		SET resource_id = $1, charge_resource_id = $2, amount_minor = $3,
		    amount_capturable_minor = $4, amount_received_minor = $5,
		    status = $6, updated_at = $7
		WHERE payment_intent_id = $8
	`

	_, err := s.db.Exec(ctx, query,
		m.ResourceID, m.ChargeResourceID, m.Amount.AmountMinor,
		m.AmountCapturable.AmountMinor, m.AmountReceived.AmountMinor,
		m.Status, m.UpdatedAt, m.PaymentIntentID,
	)
	if err != nil {
		return database.Classify("updating intent mirror", err)
	}
	return nil
}

// CreateChargePair inserts the settled charge and its provider mirror in one
// transaction.
func (s *PostgresStore) CreateChargePair(ctx context.Context, charge *PaymentCharge, mirror *PgpPaymentCharge) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		chargeQuery := `
			INSERT INTO payment_charges (
				id, cart_payment_id, payment_intent_id, amount_minor,
				amount_refunded_minor, currency, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		if _, err := tx.Exec(ctx, chargeQuery,
			charge.ID, charge.CartPaymentID, charge.PaymentIntentID,
			charge.Amount.AmountMinor, charge.AmountRefunded.AmountMinor,
			charge.Amount.Currency, charge.Status, charge.CreatedAt, charge.UpdatedAt,
		); err != nil {
			return database.Classify("inserting charge", err)
		}

		mirrorQuery := `
			INSERT INTO pgp_payment_charges (
				id, payment_charge_id, resource_id, intent_resource_id,
				amount_minor, amount_refunded_minor, currency, status,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`
		if _, err := tx.Exec(ctx, mirrorQuery,
			mirror.ID, mirror.PaymentChargeID, mirror.ResourceID,
			mirror.IntentResourceID, mirror.Amount.AmountMinor,
			mirror.AmountRefunded.AmountMinor, mirror.Amount.Currency,
			mirror.Status, mirror.CreatedAt, mirror.UpdatedAt,
		); err != nil {
			return database.Classify("inserting charge mirror", err)
		}
		return nil
	})
}

// GetChargeByIntent retrieves the settled charge for an intent.
func (s *PostgresStore) GetChargeByIntent(ctx context.Context, intentID string) (*PaymentCharge, error) {
	query := `
		SELECT id, cart_payment_id, payment_intent_id, amount_minor,
		       amount_refunded_minor, currency, status, created_at, updated_at
		FROM payment_charges
		WHERE payment_intent_id = $1
	`

	var c PaymentCharge
	var amount, refunded int64
	var currency string
	err := s.db.QueryRow(ctx, query, intentID).Scan(
		&c.ID, &c.CartPaymentID, &c.PaymentIntentID, &amount, &refunded,
		&currency, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, database.Classify("scanning charge", err)
	}
	c.Amount = money.New(amount, money.Currency(currency))
	c.AmountRefunded = money.New(refunded, money.Currency(currency))
	return &c, nil
}

// ApplyRefundToCharge accumulates a settled refund onto the charge and its
// mirror in one transaction. The check constraint on amount_refunded_minor
// keeps the accumulation from exceeding the charged amount.
func (s *PostgresStore) ApplyRefundToCharge(ctx context.Context, chargeID string, amount money.Money) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		chargeQuery := `
			UPDATE payment_charges
			SET amount_refunded_minor = amount_refunded_minor + $1, updated_at = $2
			WHERE id = $3
		`
		if _, err := tx.Exec(ctx, chargeQuery, amount.AmountMinor, now, chargeID); err != nil {
			return database.Classify("applying refund to charge", err)
		}

		mirrorQuery := `
			UPDATE pgp_payment_charges
			SET amount_refunded_minor = amount_refunded_minor + $1, updated_at = $2
			WHERE payment_charge_id = $3
		`
		if _, err := tx.Exec(ctx, mirrorQuery, amount.AmountMinor, now, chargeID); err != nil {
			return database.Classify("applying refund to charge mirror", err)
		}
		return nil
	})
}

// CreateRefundPair inserts a refund and its provider mirror in one
// transaction.
func (s *PostgresStore) CreateRefundPair(ctx context.Context, refund *Refund, mirror *PgpRefund) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		refundQuery := `
			INSERT INTO refunds (
				id, payment_intent_id, idempotency_key, amount_minor, currency,
				status, reason, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		if _, err := tx.Exec(ctx, refundQuery,
			refund.ID, refund.PaymentIntentID, refund.IdempotencyKey,
			refund.Amount.AmountMinor, refund.Amount.Currency,
			refund.Status, refund.Reason, refund.CreatedAt, refund.UpdatedAt,
		); err != nil {
			return database.Classify("inserting refund", err)
		}

		mirrorQuery := `
			INSERT INTO pgp_refunds (
				id, refund_id, resource_id, amount_minor, currency, status,
				reason, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		if _, err := tx.Exec(ctx, mirrorQuery,
			mirror.ID, mirror.RefundID, mirror.ResourceID,
			mirror.Amount.AmountMinor, mirror.Amount.Currency,
			mirror.Status, mirror.Reason, mirror.CreatedAt, mirror.UpdatedAt,
		); err != nil {
			return database.Classify("inserting refund mirror", err)
		}
		return nil
	})
}

// GetRefundByIdempotencyKey retrieves the refund created under a client
// idempotency key.
func (s *PostgresStore) GetRefundByIdempotencyKey(ctx context.Context, key string) (*Refund, error) {
	query := `
		SELECT id, payment_intent_id, idempotency_key, amount_minor, currency,
		       status, reason, created_at, updated_at
		FROM refunds
		WHERE idempotency_key = $1
	`

	var r Refund
	var amount int64
	var currency string
	err := s.db.QueryRow(ctx, query, key).Scan(
		&r.ID, &r.PaymentIntentID, &r.IdempotencyKey, &amount, &currency,
		&r.Status, &r.Reason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, database.Classify("scanning refund", err)
	}
	r.Amount = money.New(amount, money.Currency(currency))
	return &r, nil
}

// UpdateRefundStatus moves a refund and its mirror to a new status, recording
// the provider resource id on success.
func (s *PostgresStore) UpdateRefundStatus(ctx context.Context, id string, status RefundStatus, resourceID string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		refundQuery := `
			UPDATE refunds
			SET status = $1, updated_at = $2
			WHERE id = $3
		`
		if _, err := tx.Exec(ctx, refundQuery, status, now, id); err != nil {
			return database.Classify("updating refund status", err)
		}

		mirrorQuery := `
			UPDATE pgp_refunds
			SET status = $1, resource_id = COALESCE(NULLIF($2, ''), resource_id), updated_at = $3
			WHERE refund_id = $4
		`
		if _, err := tx.Exec(ctx, mirrorQuery, status, resourceID, now, id); err != nil {
			return database.Classify("updating refund mirror status", err)
		}
		return nil
	})
}

// UpdateLegacyChargeState projects an intent's state onto both legacy shadow
// rows in one transaction, so legacy readers never observe a torn update.
func (s *PostgresStore) UpdateLegacyChargeState(ctx context.Context, intentID string, status LegacyChargeStatus, chargeResourceID string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		stripeQuery := `
			UPDATE legacy_stripe_charges
			SET status = $1,
			    charge_resource_id = COALESCE(NULLIF($2, ''), charge_resource_id),
			    updated_at = $3
			WHERE payment_intent_id = $4
			RETURNING legacy_consumer_charge_id
		`
		var consumerChargeID string
		err := tx.QueryRow(ctx, stripeQuery, status, chargeResourceID, now, intentID).Scan(&consumerChargeID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return database.ErrNotFound
			}
			return database.Classify("updating legacy stripe charge", err)
		}

		consumerQuery := `
			UPDATE legacy_consumer_charges
			SET status = $1, updated_at = $2
			WHERE id = $3
		`
		if _, err := tx.Exec(ctx, consumerQuery, status, now, consumerChargeID); err != nil {
			return database.Classify("updating legacy consumer charge", err)
		}
		return nil
	})
}

// ApplyRefundToLegacy accumulates a settled refund onto the legacy shadow of
// an intent.
func (s *PostgresStore) ApplyRefundToLegacy(ctx context.Context, intentID string, amount money.Money) error {
	query := `
		UPDATE legacy_stripe_charges
		SET amount_refunded_minor = amount_refunded_minor + $1, updated_at = $2
		WHERE payment_intent_id = $3
	`

	_, err := s.db.Exec(ctx, query, amount.AmountMinor, time.Now().UTC(), intentID)
	if err != nil {
		return database.Classify("applying refund to legacy charge", err)
	}
	return nil
}

// Insert helpers shared by the composite transactional writes.

func insertCartPayment(ctx context.Context, tx pgx.Tx, cp *CartPayment) error {
	query := `
		INSERT INTO cart_payments (
			id, payer_id, payment_method_id, amount_minor, currency,
			capture_method, delay_capture, reference_id, reference_type,
			client_description, payout_account_id, application_fee_minor,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	var payoutAccountID *string
	var applicationFee *int64
	if cp.SplitPayment != nil {
		payoutAccountID = &cp.SplitPayment.PayoutAccountID
		applicationFee = &cp.SplitPayment.ApplicationFee.AmountMinor
	}

	_, err := tx.Exec(ctx, query,
		cp.ID, cp.PayerID, cp.PaymentMethodID, cp.Amount.AmountMinor,
		cp.Amount.Currency, cp.CaptureMethod, cp.DelayCapture,
		cp.ReferenceID, cp.ReferenceType, cp.ClientDescription,
		payoutAccountID, applicationFee, cp.CreatedAt, cp.UpdatedAt,
	)
	if err != nil {
		return database.Classify("inserting cart payment", err)
	}
	return nil
}

func insertIntent(ctx context.Context, tx pgx.Tx, intent *PaymentIntent) error {
	query := `
		INSERT INTO payment_intents (
			id, cart_payment_id, idempotency_key, amount_minor, currency,
			status, capture_method, capture_after, legacy_consumer_charge_id,
			captured_at, cancelled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := tx.Exec(ctx, query,
		intent.ID, intent.CartPaymentID, intent.IdempotencyKey,
		intent.Amount.AmountMinor, intent.Amount.Currency, intent.Status,
		intent.CaptureMethod, intent.CaptureAfter, intent.LegacyConsumerChargeID,
		intent.CapturedAt, intent.CancelledAt, intent.CreatedAt, intent.UpdatedAt,
	)
	if err != nil {
		return database.Classify("inserting intent", err)
	}
	return nil
}

func insertPgpIntent(ctx context.Context, tx pgx.Tx, m *PgpPaymentIntent) error {
	query := `
		INSERT INTO pgp_payment_intents (
			id, payment_intent_id, resource_id, charge_resource_id,
			idempotency_key, amount_minor, amount_capturable_minor,
			amount_received_minor, currency, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := tx.Exec(ctx, query,
		m.ID, m.PaymentIntentID, m.ResourceID, m.ChargeResourceID,
		m.IdempotencyKey, m.Amount.AmountMinor, m.AmountCapturable.AmountMinor,
		m.AmountReceived.AmountMinor, m.Amount.Currency, m.Status,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return database.Classify("inserting intent mirror", err)
	}
	return nil
}

func insertLegacyConsumerCharge(ctx context.Context, tx pgx.Tx, c *LegacyConsumerCharge) error {
	query := `
		INSERT INTO legacy_consumer_charges (
			id, cart_payment_id, payer_id, total_minor, currency, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := tx.Exec(ctx, query,
		c.ID, c.CartPaymentID, c.PayerID, c.Total.AmountMinor,
		c.Total.Currency, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return database.Classify("inserting legacy consumer charge", err)
	}
	return nil
}

func insertLegacyStripeCharge(ctx context.Context, tx pgx.Tx, c *LegacyStripeCharge) error {
	query := `
		INSERT INTO legacy_stripe_charges (
			id, legacy_consumer_charge_id, payment_intent_id,
			charge_resource_id, amount_minor, amount_refunded_minor, currency,
			status, idempotency_key, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := tx.Exec(ctx, query,
		c.ID, c.LegacyConsumerChargeID, c.PaymentIntentID, c.ChargeResourceID,
		c.Amount.AmountMinor, c.AmountRefunded.AmountMinor, c.Amount.Currency,
		c.Status, c.IdempotencyKey, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return database.Classify("inserting legacy stripe charge", err)
	}
	return nil
}

func insertAdjustment(ctx context.Context, tx pgx.Tx, a *AdjustmentHistory) error {
	query := `
		INSERT INTO payment_intent_adjustment_history (
			id, cart_payment_id, payment_intent_id, idempotency_key,
			amount_original_minor, amount_delta_minor, currency, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := tx.Exec(ctx, query,
		a.ID, a.CartPaymentID, a.PaymentIntentID, a.IdempotencyKey,
		a.AmountOriginal.AmountMinor, a.AmountDelta.AmountMinor,
		a.AmountDelta.Currency, a.CreatedAt,
	)
	if err != nil {
		return database.Classify("inserting adjustment record", err)
	}
	return nil
}

func updateCartAmount(ctx context.Context, tx pgx.Tx, cartPaymentID string, amount money.Money) error {
	query := `
		UPDATE cart_payments
		SET amount_minor = $1, updated_at = $2
		WHERE id = $3
	`

	_, err := tx.Exec(ctx, query, amount.AmountMinor, time.Now().UTC(), cartPaymentID)
	if err != nil {
		return database.Classify("updating cart payment amount", err)
	}
	return nil
}

func updateLegacyTotal(ctx context.Context, tx pgx.Tx, consumerChargeID string, total money.Money) error {
	if consumerChargeID == "" {
		return nil
	}
	query := `
		UPDATE legacy_consumer_charges
		SET total_minor = $1, updated_at = $2
		WHERE id = $3
	`

	_, err := tx.Exec(ctx, query, total.AmountMinor, time.Now().UTC(), consumerChargeID)
	if err != nil {
		return database.Classify("updating legacy consumer charge total", err)
	}
	return nil
}

// Scan helpers

func scanCartPayment(row pgx.Row) (*CartPayment, error) {
	var cp CartPayment
	var amount int64
	var currency string
	var payoutAccountID *string
	var applicationFee *int64
	err := row.Scan(
		&cp.ID, &cp.PayerID, &cp.PaymentMethodID, &amount, &currency,
		&cp.CaptureMethod, &cp.DelayCapture, &cp.ReferenceID, &cp.ReferenceType,
		&cp.ClientDescription, &payoutAccountID, &applicationFee,
		&cp.DeletedAt, &cp.CreatedAt, &cp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, database.Classify("scanning cart payment", err)
	}
	cp.Amount = money.New(amount, money.Currency(currency))
	if payoutAccountID != nil && applicationFee != nil {
		cp.SplitPayment = &SplitPayment{
			PayoutAccountID: *payoutAccountID,
			ApplicationFee:  money.New(*applicationFee, money.Currency(currency)),
		}
	}
	return &cp, nil
}

func scanIntent(row pgx.Row) (*PaymentIntent, error) {
	var i PaymentIntent
	var amount int64
	var currency string
	err := row.Scan(
		&i.ID, &i.CartPaymentID, &i.IdempotencyKey, &amount, &currency,
		&i.Status, &i.CaptureMethod, &i.CaptureAfter, &i.LegacyConsumerChargeID,
		&i.CapturedAt, &i.CancelledAt, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, database.Classify("scanning intent", err)
	}
	i.Amount = money.New(amount, money.Currency(currency))
	return &i, nil
}

func scanIntentRows(rows pgx.Rows) (*PaymentIntent, error) {
	var i PaymentIntent
	var amount int64
	var currency string
	err := rows.Scan(
		&i.ID, &i.CartPaymentID, &i.IdempotencyKey, &amount, &currency,
		&i.Status, &i.CaptureMethod, &i.CaptureAfter, &i.LegacyConsumerChargeID,
		&i.CapturedAt, &i.CancelledAt, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, database.Classify("scanning intent", err)
	}
	i.Amount = money.New(amount, money.Currency(currency))
	return &i, nil
}
