// Package api exposes the cart payment service over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cartpay/internal/cartpayment"
	"cartpay/internal/common/api"
	"cartpay/internal/common/database"
	"cartpay/internal/common/money"
)

// Handler handles cart payment HTTP requests
type Handler struct {
	service *cartpayment.Service
}

// NewHandler creates a new cart payment handler
func NewHandler(service *cartpayment.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the cart payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/adjust", h.Adjust)
	r.Delete("/{id}", h.Cancel)
	r.Post("/{id}/refunds", h.Refund)

	return r
}

// CreateResponse is the API response for a created cart payment.
type CreateResponse struct {
	CartPayment *cartpayment.CartPayment   `json:"cart_payment"`
	Intent      *cartpayment.PaymentIntent `json:"intent"`
}

// Create handles POST /cart-payments
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req cartpayment.CreateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationFailed(w, err)
		return
	}

	cp, intent, err := h.service.Create(r.Context(), &req)
	if err != nil {
		if errors.Is(err, cartpayment.ErrIdempotencyParamsMismatch) {
			api.Conflict(w, "idempotency key already used with different parameters")
			return
		}
		api.WritePaymentError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, CreateResponse{CartPayment: cp, Intent: intent})
}

// Get handles GET /cart-payments/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cp, err := h.service.GetCartPayment(r.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "cart payment not found")
			return
		}
		api.WritePaymentError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, cp)
}

// AdjustRequest is the API request for changing a cart payment's amount.
type AdjustRequest struct {
	IdempotencyKey string      `json:"idempotency_key" validate:"required"`
	Amount         money.Money `json:"amount" validate:"required"`
}

// Adjust handles POST /cart-payments/{id}/adjust
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AdjustRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationFailed(w, err)
		return
	}

	cp, err := h.service.AdjustAmount(r.Context(), id, req.IdempotencyKey, req.Amount)
	if err != nil {
		if database.IsNotFound(err) || errors.Is(err, cartpayment.ErrCartPaymentNotFound) {
			api.NotFound(w, "cart payment not found")
			return
		}
		api.WritePaymentError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, cp)
}

// Cancel handles DELETE /cart-payments/{id}
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cp, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "cart payment not found")
			return
		}
		api.WritePaymentError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, cp)
}

// RefundBody is the API request for refunding a cart payment.
type RefundBody struct {
	IdempotencyKey string      `json:"idempotency_key" validate:"required"`
	Amount         money.Money `json:"amount" validate:"required"`
	Reason         string      `json:"reason"`
}

// Refund handles POST /cart-payments/{id}/refunds
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RefundBody
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationFailed(w, err)
		return
	}

	refund, err := h.service.Refund(r.Context(), &cartpayment.RefundRequestArgs{
		CartPaymentID:  id,
		IdempotencyKey: req.IdempotencyKey,
		Amount:         req.Amount,
		Reason:         req.Reason,
	})
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "cart payment not found")
			return
		}
		api.WritePaymentError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, refund)
}
