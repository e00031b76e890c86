package cartpayment

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartpay/internal/common/database"
	"cartpay/internal/common/events"
	"cartpay/internal/common/money"
	"cartpay/internal/common/payerr"
)

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeGateway, *fakeLocker, *fakePublisher) {
	t.Helper()
	store := newFakeStore()
	gateway := &fakeGateway{}
	locker := &fakeLocker{}
	publisher := &fakePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{
		CaptureDelay: 2 * time.Hour,
		LockTTL:      10 * time.Second,
		LockMaxRetry: 3,
	}
	svc := NewService(store, gateway, locker, publisher, cfg, logger)
	return svc, store, gateway, locker, publisher
}

func createRequestFixture(key string) *CreateRequest {
	return &CreateRequest{
		PayerID:         "payer_1",
		PaymentMethodID: "pm_1",
		Amount:          money.New(1000, money.USD),
		IdempotencyKey:  key,
	}
}

func settle(t *testing.T, svc *Service, intentID, chargeResourceID string) {
	t.Helper()
	require.NoError(t, svc.ReconcileFromProvider(context.Background(), intentID, ProviderSucceeded, chargeResourceID))
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("auto capture creates intent due immediately", func(t *testing.T) {
		svc, store, gateway, locker, publisher := newTestService(t)

		cp, intent, err := svc.Create(ctx, createRequestFixture("key-1"))
		require.NoError(t, err)

		assert.Equal(t, IntentRequiresCapture, intent.Status)
		assert.Equal(t, CaptureMethodAuto, intent.CaptureMethod)
		require.NotNil(t, intent.CaptureAfter)
		assert.WithinDuration(t, time.Now().UTC(), *intent.CaptureAfter, time.Minute)

		assert.Equal(t, 1, gateway.createCalls)
		assert.Equal(t, "key-1-CREATE", gateway.lastCreate.IdempotencyToken)
		assert.Equal(t, intent.ID, gateway.lastCreate.PaymentIntentID)

		mirror := store.mirrors[intent.ID]
		require.NotNil(t, mirror)
		assert.Equal(t, "pgp_pi_1", mirror.ResourceID)
		assert.Equal(t, IntentRequiresCapture, mirror.Status)
		assert.Equal(t, int64(1000), mirror.AmountCapturable.AmountMinor)

		stripe := store.stripeCharges[intent.ID]
		require.NotNil(t, stripe)
		assert.Equal(t, LegacyChargePending, stripe.Status)
		consumer := store.consumerCharges[intent.LegacyConsumerChargeID]
		require.NotNil(t, consumer)
		assert.Equal(t, cp.ID, consumer.CartPaymentID)
		assert.Equal(t, int64(1000), consumer.Total.AmountMinor)

		assert.Contains(t, locker.acquired, "payer:payer_1")
		assert.Contains(t, publisher.typesPublished(), events.EventPaymentIntentCreated)
	})

	t.Run("delayed capture schedules after the configured delay", func(t *testing.T) {
		svc, _, _, _, _ := newTestService(t)

		req := createRequestFixture("key-2")
		req.DelayCapture = true
		_, intent, err := svc.Create(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, CaptureMethodManual, intent.CaptureMethod)
		require.NotNil(t, intent.CaptureAfter)
		assert.WithinDuration(t, time.Now().UTC().Add(2*time.Hour), *intent.CaptureAfter, time.Minute)
	})

	t.Run("replay under the same key returns the prior result", func(t *testing.T) {
		svc, _, gateway, _, _ := newTestService(t)

		_, first, err := svc.Create(ctx, createRequestFixture("key-3"))
		require.NoError(t, err)
		_, second, err := svc.Create(ctx, createRequestFixture("key-3"))
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, gateway.createCalls)
	})

	t.Run("key reuse with different parameters is rejected", func(t *testing.T) {
		svc, _, gateway, _, _ := newTestService(t)

		_, _, err := svc.Create(ctx, createRequestFixture("key-4"))
		require.NoError(t, err)

		req := createRequestFixture("key-4")
		req.Amount = money.New(2500, money.USD)
		_, _, err = svc.Create(ctx, req)
		require.ErrorIs(t, err, ErrIdempotencyParamsMismatch)
		assert.Equal(t, 1, gateway.createCalls)
	})

	t.Run("key reuse with different capture mode is rejected", func(t *testing.T) {
		svc, _, gateway, _, _ := newTestService(t)

		_, _, err := svc.Create(ctx, createRequestFixture("key-8"))
		require.NoError(t, err)

		req := createRequestFixture("key-8")
		req.DelayCapture = true
		_, _, err = svc.Create(ctx, req)
		require.ErrorIs(t, err, ErrIdempotencyParamsMismatch)
		assert.Equal(t, 1, gateway.createCalls)
	})

	t.Run("transient key lookup failure surfaces instead of re-charging", func(t *testing.T) {
		svc, store, gateway, _, _ := newTestService(t)
		store.intentKeyErr = payerr.New(payerr.KindDatabaseConnection, "connection refused")

		_, _, err := svc.Create(ctx, createRequestFixture("key-9"))
		require.Error(t, err)
		assert.True(t, payerr.IsKind(err, payerr.KindDatabaseConnection))
		assert.Equal(t, 0, gateway.createCalls)
	})

	t.Run("retryable provider failure parks the intent pending", func(t *testing.T) {
		svc, store, gateway, _, _ := newTestService(t)
		gateway.createErr = payerr.New(payerr.KindProviderConnection, "provider unreachable")

		_, intent, err := svc.Create(ctx, createRequestFixture("key-5"))
		require.NoError(t, err)
		assert.Equal(t, IntentPending, intent.Status)
		assert.Equal(t, LegacyChargePending, store.stripeCharges[intent.ID].Status)
	})

	t.Run("provider decline fails the intent", func(t *testing.T) {
		svc, store, gateway, _, publisher := newTestService(t)
		gateway.createErr = payerr.New(payerr.KindProviderInvalidRequest, "card declined").
			WithProviderCode("card_declined")

		_, _, err := svc.Create(ctx, createRequestFixture("key-6"))
		var createErr *payerr.CartPaymentCreateError
		require.ErrorAs(t, err, &createErr)
		assert.Equal(t, "card_declined", createErr.Err.ProviderCode)

		intent, err := store.GetIntentByIdempotencyKey(ctx, "key-6")
		require.NoError(t, err)
		assert.Equal(t, IntentFailed, intent.Status)
		assert.Equal(t, LegacyChargeFailed, store.stripeCharges[intent.ID].Status)
		assert.Contains(t, publisher.typesPublished(), events.EventPaymentFailed)
	})

	t.Run("lock failure stops the request before the provider", func(t *testing.T) {
		svc, _, gateway, locker, _ := newTestService(t)
		locker.acquireErr = payerr.New(payerr.KindLockAcquire, "lock held")

		_, _, err := svc.Create(ctx, createRequestFixture("key-7"))
		require.Error(t, err)
		assert.True(t, payerr.IsKind(err, payerr.KindLockAcquire))
		assert.Equal(t, 0, gateway.createCalls)
	})
}

func TestAdjustAmount(t *testing.T) {
	ctx := context.Background()

	t.Run("same amount is a no-op", func(t *testing.T) {
		svc, store, gateway, _, _ := newTestService(t)
		cp, _, err := svc.Create(ctx, createRequestFixture("key-1"))
		require.NoError(t, err)

		got, err := svc.AdjustAmount(ctx, cp.ID, "adj-1", money.New(1000, money.USD))
		require.NoError(t, err)
		assert.Equal(t, int64(1000), got.Amount.AmountMinor)
		assert.Equal(t, 1, gateway.createCalls)
		assert.Empty(t, store.adjustments)
	})

	t.Run("decrease before capture lowers the amount in place", func(t *testing.T) {
		svc, store, gateway, _, publisher := newTestService(t)
		cp, intent, err := svc.Create(ctx, createRequestFixture("key-2"))
		require.NoError(t, err)

		got, err := svc.AdjustAmount(ctx, cp.ID, "adj-2", money.New(600, money.USD))
		require.NoError(t, err)

		assert.Equal(t, int64(600), got.Amount.AmountMinor)
		assert.Equal(t, int64(600), store.intents[intent.ID].Amount.AmountMinor)
		assert.Equal(t, int64(600), store.mirrors[intent.ID].AmountCapturable.AmountMinor)
		assert.Equal(t, 1, gateway.createCalls)
		assert.Equal(t, 0, gateway.cancelCalls)

		require.Len(t, store.adjustments, 1)
		assert.Equal(t, int64(-400), store.adjustments[0].AmountDelta.AmountMinor)
		assert.Equal(t, int64(1000), store.adjustments[0].AmountOriginal.AmountMinor)
		assert.Equal(t, int64(600), store.consumerCharges[intent.LegacyConsumerChargeID].Total.AmountMinor)
		assert.Contains(t, publisher.typesPublished(), events.EventPaymentAdjusted)
	})

	t.Run("increase before delayed capture supersedes the authorization", func(t *testing.T) {
		svc, store, gateway, _, _ := newTestService(t)
		req := createRequestFixture("key-3")
		req.DelayCapture = true
		cp, first, err := svc.Create(ctx, req)
		require.NoError(t, err)

		got, err := svc.AdjustAmount(ctx, cp.ID, "adj-3", money.New(1500, money.USD))
		require.NoError(t, err)

		assert.Equal(t, int64(1500), got.Amount.AmountMinor)
		assert.Equal(t, 1, gateway.cancelCalls)
		assert.Equal(t, "key-3-CANCEL", gateway.lastCancel.IdempotencyToken)
		assert.Equal(t, IntentCancelled, store.intents[first.ID].Status)

		assert.Equal(t, 2, gateway.createCalls)
		assert.Equal(t, "adj-3-CREATE", gateway.lastCreate.IdempotencyToken)
		// A superseding authorization covers the full new amount.
		assert.Equal(t, int64(1500), gateway.lastCreate.AmountMinor)

		replacement, err := store.GetIntentByIdempotencyKey(ctx, "adj-3")
		require.NoError(t, err)
		assert.Equal(t, IntentRequiresCapture, replacement.Status)
		assert.Equal(t, first.LegacyConsumerChargeID, replacement.LegacyConsumerChargeID)
	})

	t.Run("increase after capture charges only the delta", func(t *testing.T) {
		svc, _, gateway, _, _ := newTestService(t)
		cp, intent, err := svc.Create(ctx, createRequestFixture("key-4"))
		require.NoError(t, err)
		settle(t, svc, intent.ID, "pgp_ch_a")

		got, err := svc.AdjustAmount(ctx, cp.ID, "adj-4", money.New(1400, money.USD))
		require.NoError(t, err)

		assert.Equal(t, int64(1400), got.Amount.AmountMinor)
		assert.Equal(t, 0, gateway.cancelCalls)
		assert.Equal(t, 2, gateway.createCalls)
		assert.Equal(t, int64(400), gateway.lastCreate.AmountMinor)
	})

	t.Run("decrease after capture refunds the difference", func(t *testing.T) {
		svc, store, gateway, _, _ := newTestService(t)
		cp, intent, err := svc.Create(ctx, createRequestFixture("key-5"))
		require.NoError(t, err)
		settle(t, svc, intent.ID, "pgp_ch_b")

		got, err := svc.AdjustAmount(ctx, cp.ID, "adj-5", money.New(700, money.USD))
		require.NoError(t, err)

		assert.Equal(t, int64(700), got.Amount.AmountMinor)
		assert.Equal(t, 1, gateway.refundCalls)
		assert.Equal(t, int64(300), gateway.lastRefund.AmountMinor)
		assert.Equal(t, "adj-5-REFUND", gateway.lastRefund.IdempotencyToken)

		charge, err := store.GetChargeByIntent(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(300), charge.AmountRefunded.AmountMinor)
		assert.Equal(t, int64(300), store.stripeCharges[intent.ID].AmountRefunded.AmountMinor)
	})

	t.Run("failed void leaves the cart untouched and the retry completes", func(t *testing.T) {
		svc, store, gateway, _, _ := newTestService(t)
		req := createRequestFixture("key-7")
		req.DelayCapture = true
		cp, first, err := svc.Create(ctx, req)
		require.NoError(t, err)

		gateway.cancelErr = payerr.New(payerr.KindProviderConnection, "provider unreachable")
		_, err = svc.AdjustAmount(ctx, cp.ID, "adj-7", money.New(1500, money.USD))
		require.Error(t, err)

		// Nothing moved: the amount, the prior authorization, and no
		// replacement intent row.
		assert.Equal(t, int64(1000), store.cartPayments[cp.ID].Amount.AmountMinor)
		assert.Equal(t, IntentRequiresCapture, store.intents[first.ID].Status)
		_, err = store.GetIntentByIdempotencyKey(ctx, "adj-7")
		require.ErrorIs(t, err, database.ErrNotFound)
		assert.Equal(t, 1, gateway.createCalls)

		gateway.cancelErr = nil
		got, err := svc.AdjustAmount(ctx, cp.ID, "adj-7", money.New(1500, money.USD))
		require.NoError(t, err)

		assert.Equal(t, int64(1500), got.Amount.AmountMinor)
		assert.Equal(t, IntentCancelled, store.intents[first.ID].Status)
		assert.Equal(t, int64(1500), gateway.lastCreate.AmountMinor)
	})

	t.Run("replay under the same adjustment key does nothing new", func(t *testing.T) {
		svc, store, gateway, _, _ := newTestService(t)
		req := createRequestFixture("key-6")
		req.DelayCapture = true
		cp, _, err := svc.Create(ctx, req)
		require.NoError(t, err)

		_, err = svc.AdjustAmount(ctx, cp.ID, "adj-6", money.New(2000, money.USD))
		require.NoError(t, err)
		createsAfterFirst := gateway.createCalls
		adjustmentsAfterFirst := len(store.adjustments)

		_, err = svc.AdjustAmount(ctx, cp.ID, "adj-6", money.New(2000, money.USD))
		require.NoError(t, err)
		assert.Equal(t, createsAfterFirst, gateway.createCalls)
		assert.Equal(t, adjustmentsAfterFirst, len(store.adjustments))
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel before capture voids the authorization", func(t *testing.T) {
		svc, store, gateway, _, publisher := newTestService(t)
		cp, intent, err := svc.Create(ctx, createRequestFixture("key-1"))
		require.NoError(t, err)

		got, err := svc.Cancel(ctx, cp.ID)
		require.NoError(t, err)

		assert.True(t, got.IsDeleted())
		assert.Equal(t, 1, gateway.cancelCalls)
		assert.Equal(t, "key-1-CANCEL", gateway.lastCancel.IdempotencyToken)
		assert.Equal(t, IntentCancelled, store.intents[intent.ID].Status)
		assert.Equal(t, LegacyChargeCancelled, store.stripeCharges[intent.ID].Status)
		assert.Equal(t, LegacyChargeCancelled, store.consumerCharges[intent.LegacyConsumerChargeID].Status)
		assert.Contains(t, publisher.typesPublished(), events.EventPaymentCancelled)
	})

	t.Run("cancel after capture refunds in full", func(t *testing.T) {
		svc, store, gateway, _, _ := newTestService(t)
		cp, intent, err := svc.Create(ctx, createRequestFixture("key-2"))
		require.NoError(t, err)
		settle(t, svc, intent.ID, "pgp_ch_c")

		got, err := svc.Cancel(ctx, cp.ID)
		require.NoError(t, err)

		assert.True(t, got.IsDeleted())
		assert.Equal(t, 0, gateway.cancelCalls)
		assert.Equal(t, 1, gateway.refundCalls)
		assert.Equal(t, int64(1000), gateway.lastRefund.AmountMinor)

		charge, err := store.GetChargeByIntent(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, charge.Amount, charge.AmountRefunded)
	})

	t.Run("cancel of a pending intent fails it locally", func(t *testing.T) {
		svc, store, gateway, _, _ := newTestService(t)
		gateway.createErr = payerr.New(payerr.KindProviderConnection, "provider unreachable")
		cp, intent, err := svc.Create(ctx, createRequestFixture("key-3"))
		require.NoError(t, err)
		require.Equal(t, IntentPending, intent.Status)
		gateway.createErr = nil

		_, err = svc.Cancel(ctx, cp.ID)
		require.NoError(t, err)

		assert.Equal(t, 0, gateway.cancelCalls)
		assert.Equal(t, IntentFailed, store.intents[intent.ID].Status)
		assert.Equal(t, LegacyChargeFailed, store.stripeCharges[intent.ID].Status)
	})

	t.Run("redelivered cancel is a no-op", func(t *testing.T) {
		svc, _, gateway, _, _ := newTestService(t)
		cp, _, err := svc.Create(ctx, createRequestFixture("key-4"))
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, cp.ID)
		require.NoError(t, err)
		_, err = svc.Cancel(ctx, cp.ID)
		require.NoError(t, err)

		assert.Equal(t, 1, gateway.cancelCalls)
	})
}

func TestRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("partial refund settles and accumulates", func(t *testing.T) {
		svc, store, gateway, _, publisher := newTestService(t)
		cp, intent, err := svc.Create(ctx, createRequestFixture("key-1"))
		require.NoError(t, err)
		settle(t, svc, intent.ID, "pgp_ch_d")

		refund, err := svc.Refund(ctx, &RefundRequestArgs{
			CartPaymentID:  cp.ID,
			IdempotencyKey: "ref-1",
			Amount:         money.New(300, money.USD),
			Reason:         "item returned",
		})
		require.NoError(t, err)

		assert.Equal(t, RefundSucceeded, refund.Status)
		assert.Equal(t, "ref-1-REFUND", gateway.lastRefund.IdempotencyToken)
		assert.Equal(t, "pgp_ch_d", gateway.lastRefund.ChargeResourceID)

		charge, err := store.GetChargeByIntent(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(300), charge.AmountRefunded.AmountMinor)
		assert.Equal(t, int64(300), store.stripeCharges[intent.ID].AmountRefunded.AmountMinor)
		assert.Contains(t, publisher.typesPublished(), events.EventPaymentRefunded)
	})

	t.Run("refund above the remainder is rejected", func(t *testing.T) {
		svc, _, gateway, _, _ := newTestService(t)
		cp, intent, err := svc.Create(ctx, createRequestFixture("key-2"))
		require.NoError(t, err)
		settle(t, svc, intent.ID, "pgp_ch_e")

		_, err = svc.Refund(ctx, &RefundRequestArgs{
			CartPaymentID:  cp.ID,
			IdempotencyKey: "ref-2",
			Amount:         money.New(700, money.USD),
		})
		require.NoError(t, err)

		_, err = svc.Refund(ctx, &RefundRequestArgs{
			CartPaymentID:  cp.ID,
			IdempotencyKey: "ref-3",
			Amount:         money.New(400, money.USD),
		})
		require.Error(t, err)
		assert.Equal(t, 1, gateway.refundCalls)
	})

	t.Run("replay under the same key returns the prior refund", func(t *testing.T) {
		svc, _, gateway, _, _ := newTestService(t)
		cp, intent, err := svc.Create(ctx, createRequestFixture("key-3"))
		require.NoError(t, err)
		settle(t, svc, intent.ID, "pgp_ch_f")

		first, err := svc.Refund(ctx, &RefundRequestArgs{
			CartPaymentID:  cp.ID,
			IdempotencyKey: "ref-4",
			Amount:         money.New(200, money.USD),
		})
		require.NoError(t, err)

		second, err := svc.Refund(ctx, &RefundRequestArgs{
			CartPaymentID:  cp.ID,
			IdempotencyKey: "ref-4",
			Amount:         money.New(200, money.USD),
		})
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, gateway.refundCalls)
	})

	t.Run("refund parked processing resumes on replay", func(t *testing.T) {
		svc, store, gateway, _, _ := newTestService(t)
		cp, intent, err := svc.Create(ctx, createRequestFixture("key-4"))
		require.NoError(t, err)
		settle(t, svc, intent.ID, "pgp_ch_g")

		gateway.refundErr = payerr.New(payerr.KindProviderConnection, "provider unreachable")
		_, err = svc.Refund(ctx, &RefundRequestArgs{
			CartPaymentID:  cp.ID,
			IdempotencyKey: "ref-5",
			Amount:         money.New(400, money.USD),
		})
		require.Error(t, err)
		require.Equal(t, 1, gateway.refundCalls)

		parked, err := store.GetRefundByIdempotencyKey(ctx, "ref-5")
		require.NoError(t, err)
		require.Equal(t, RefundProcessing, parked.Status)

		gateway.refundErr = nil
		got, err := svc.Refund(ctx, &RefundRequestArgs{
			CartPaymentID:  cp.ID,
			IdempotencyKey: "ref-5",
			Amount:         money.New(400, money.USD),
		})
		require.NoError(t, err)

		assert.Equal(t, parked.ID, got.ID)
		assert.Equal(t, RefundSucceeded, got.Status)
		assert.Equal(t, 2, gateway.refundCalls)
		assert.Equal(t, "ref-5-REFUND", gateway.lastRefund.IdempotencyToken)

		charge, err := store.GetChargeByIntent(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(400), charge.AmountRefunded.AmountMinor)
		assert.Equal(t, int64(400), store.stripeCharges[intent.ID].AmountRefunded.AmountMinor)

		// A further replay of the settled refund is a pure read.
		again, err := svc.Refund(ctx, &RefundRequestArgs{
			CartPaymentID:  cp.ID,
			IdempotencyKey: "ref-5",
			Amount:         money.New(400, money.USD),
		})
		require.NoError(t, err)
		assert.Equal(t, got.ID, again.ID)
		assert.Equal(t, 2, gateway.refundCalls)
	})

	t.Run("transient key lookup failure surfaces instead of re-refunding", func(t *testing.T) {
		svc, store, gateway, _, _ := newTestService(t)
		cp, intent, err := svc.Create(ctx, createRequestFixture("key-5"))
		require.NoError(t, err)
		settle(t, svc, intent.ID, "pgp_ch_h")

		store.refundKeyErr = payerr.New(payerr.KindDatabaseConnection, "connection refused")
		_, err = svc.Refund(ctx, &RefundRequestArgs{
			CartPaymentID:  cp.ID,
			IdempotencyKey: "ref-6",
			Amount:         money.New(100, money.USD),
		})
		require.Error(t, err)
		assert.True(t, payerr.IsKind(err, payerr.KindDatabaseConnection))
		assert.Equal(t, 0, gateway.refundCalls)
	})
}

func TestReconcileFromProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeded webhook settles the intent", func(t *testing.T) {
		svc, store, _, _, publisher := newTestService(t)
		_, intent, err := svc.Create(ctx, createRequestFixture("key-1"))
		require.NoError(t, err)

		require.NoError(t, svc.ReconcileFromProvider(ctx, intent.ID, ProviderSucceeded, "pgp_ch_1"))

		assert.Equal(t, IntentSucceeded, store.intents[intent.ID].Status)
		charge, err := store.GetChargeByIntent(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), charge.Amount.AmountMinor)
		assert.Equal(t, "pgp_ch_1", store.mirrors[intent.ID].ChargeResourceID)
		assert.Equal(t, LegacyChargeSucceeded, store.stripeCharges[intent.ID].Status)
		assert.Equal(t, "pgp_ch_1", store.stripeCharges[intent.ID].ChargeResourceID)
		assert.Contains(t, publisher.typesPublished(), events.EventPaymentCaptured)
	})

	t.Run("redelivered webhook is a no-op", func(t *testing.T) {
		svc, store, _, _, _ := newTestService(t)
		_, intent, err := svc.Create(ctx, createRequestFixture("key-2"))
		require.NoError(t, err)

		require.NoError(t, svc.ReconcileFromProvider(ctx, intent.ID, ProviderSucceeded, "pgp_ch_2"))
		require.NoError(t, svc.ReconcileFromProvider(ctx, intent.ID, ProviderSucceeded, "pgp_ch_2"))

		assert.Len(t, store.charges, 1)
	})

	t.Run("pending intent resolves through requires_capture", func(t *testing.T) {
		svc, store, gateway, _, _ := newTestService(t)
		gateway.createErr = payerr.New(payerr.KindProviderConnection, "provider unreachable")
		_, intent, err := svc.Create(ctx, createRequestFixture("key-3"))
		require.NoError(t, err)
		require.Equal(t, IntentPending, intent.Status)

		require.NoError(t, svc.ReconcileFromProvider(ctx, intent.ID, ProviderSucceeded, "pgp_ch_3"))
		assert.Equal(t, IntentSucceeded, store.intents[intent.ID].Status)
	})

	t.Run("canceled webhook cancels the intent", func(t *testing.T) {
		svc, store, _, _, _ := newTestService(t)
		_, intent, err := svc.Create(ctx, createRequestFixture("key-4"))
		require.NoError(t, err)

		require.NoError(t, svc.ReconcileFromProvider(ctx, intent.ID, ProviderCanceled, ""))
		assert.Equal(t, IntentCancelled, store.intents[intent.ID].Status)
		assert.Equal(t, LegacyChargeCancelled, store.stripeCharges[intent.ID].Status)
	})

	t.Run("unknown provider status is ignored", func(t *testing.T) {
		svc, store, _, _, _ := newTestService(t)
		_, intent, err := svc.Create(ctx, createRequestFixture("key-5"))
		require.NoError(t, err)

		require.NoError(t, svc.ReconcileFromProvider(ctx, intent.ID, ProviderStatus("mystery"), ""))
		assert.Equal(t, IntentRequiresCapture, store.intents[intent.ID].Status)
	})
}
