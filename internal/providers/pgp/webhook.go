package pgp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"cartpay/internal/cartpayment"
	"cartpay/internal/common/database"
)

// WebhookPayload is the structure of provider webhook callbacks. The
// payment_intent_id in metadata keys the event back to the local intent.
type WebhookPayload struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Intent    struct {
		ID       string            `json:"id"`
		ChargeID string            `json:"charge_id,omitempty"`
		Status   string            `json:"status"`
		Amount   int64             `json:"amount"`
		Metadata map[string]string `json:"metadata"`
	} `json:"intent"`
}

// Reconciler drives local state from provider authority.
type Reconciler interface {
	ReconcileFromProvider(ctx context.Context, intentID string, status cartpayment.ProviderStatus, chargeResourceID string) error
}

// WebhookHandler handles provider webhook callbacks. The provider redelivers
// until it sees 2xx, so handling is idempotent and transient failures return
// 5xx to force redelivery.
type WebhookHandler struct {
	reconciler Reconciler
	logger     *slog.Logger
}

// NewWebhookHandler creates a provider webhook handler.
func NewWebhookHandler(reconciler Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, logger: logger}
}

// ServeHTTP handles incoming provider webhook requests.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	intentID := payload.Intent.Metadata["payment_intent_id"]
	if intentID == "" {
		// Not one of ours; acknowledge so the provider stops redelivering.
		h.logger.Warn("webhook without payment_intent_id metadata",
			"event_id", payload.EventID,
			"type", payload.Type,
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("received provider webhook",
		"event_id", payload.EventID,
		"type", payload.Type,
		"intent_id", intentID,
		"provider_status", payload.Intent.Status,
	)

	err = h.reconciler.ReconcileFromProvider(ctx, intentID,
		cartpayment.ProviderStatus(payload.Intent.Status), payload.Intent.ChargeID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.logger.Warn("webhook for unknown intent", "intent_id", intentID)
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logger.Error("failed to reconcile from webhook",
			"intent_id", intentID,
			"error", err,
		)
		http.Error(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
