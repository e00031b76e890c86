package pgp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartpay/internal/cartpayment"
	"cartpay/internal/common/database"
	"cartpay/internal/common/payerr"
)

type fakeReconciler struct {
	err    error
	calls  int
	lastID string
	lastSt cartpayment.ProviderStatus
	lastCh string
}

func (f *fakeReconciler) ReconcileFromProvider(_ context.Context, intentID string, status cartpayment.ProviderStatus, chargeResourceID string) error {
	f.calls++
	f.lastID = intentID
	f.lastSt = status
	f.lastCh = chargeResourceID
	return f.err
}

func postWebhook(t *testing.T, h *WebhookHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/pgp", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("routes the event to reconciliation", func(t *testing.T) {
		rec := &fakeReconciler{}
		h := NewWebhookHandler(rec, logger)

		resp := postWebhook(t, h, `{
			"event_id": "evt_1",
			"type": "payment_intent.succeeded",
			"intent": {
				"id": "pgp_pi_1",
				"charge_id": "pgp_ch_1",
				"status": "succeeded",
				"amount": 1000,
				"metadata": {"payment_intent_id": "pi_local_1"}
			}
		}`)

		assert.Equal(t, http.StatusOK, resp.Code)
		require.Equal(t, 1, rec.calls)
		assert.Equal(t, "pi_local_1", rec.lastID)
		assert.Equal(t, cartpayment.ProviderSucceeded, rec.lastSt)
		assert.Equal(t, "pgp_ch_1", rec.lastCh)
	})

	t.Run("acknowledges events without local metadata", func(t *testing.T) {
		rec := &fakeReconciler{}
		h := NewWebhookHandler(rec, logger)

		resp := postWebhook(t, h, `{"event_id":"evt_2","type":"payment_intent.created","intent":{"id":"pgp_pi_2","status":"requires_capture","metadata":{}}}`)

		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, 0, rec.calls)
	})

	t.Run("acknowledges events for unknown intents", func(t *testing.T) {
		rec := &fakeReconciler{err: database.ErrNotFound}
		h := NewWebhookHandler(rec, logger)

		resp := postWebhook(t, h, `{"event_id":"evt_3","type":"payment_intent.succeeded","intent":{"id":"pgp_pi_3","status":"succeeded","metadata":{"payment_intent_id":"pi_missing"}}}`)

		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, 1, rec.calls)
	})

	t.Run("transient failure forces redelivery", func(t *testing.T) {
		rec := &fakeReconciler{err: payerr.New(payerr.KindDatabaseConnection, "db down")}
		h := NewWebhookHandler(rec, logger)

		resp := postWebhook(t, h, `{"event_id":"evt_4","type":"payment_intent.succeeded","intent":{"id":"pgp_pi_4","status":"succeeded","metadata":{"payment_intent_id":"pi_local_4"}}}`)

		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		rec := &fakeReconciler{}
		h := NewWebhookHandler(rec, logger)

		resp := postWebhook(t, h, `{not json`)

		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, 0, rec.calls)
	})
}
