package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"cartpay/internal/common/payerr"
)

// Response is the standard API response envelope
type Response[T any] struct {
	Data  T      `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error represents an API error
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Common error codes
const (
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeServiceUnavail = "SERVICE_UNAVAILABLE"
	ErrCodePaymentDecline = "PAYMENT_DECLINED"
)

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteData writes a successful data response
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, Response[T]{Data: data})
}

// WriteError writes an error response
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Response[any]{
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest writes a 400 response
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound writes a 404 response
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict writes a 409 response
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, ErrCodeConflict, message)
}

// Internal writes a 500 response
func Internal(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ValidationFailed writes a 400 with per-field details from validator errors
func ValidationFailed(w http.ResponseWriter, err error) {
	details := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
	}
	WriteJSON(w, http.StatusBadRequest, Response[any]{
		Error: &Error{
			Code:    ErrCodeValidation,
			Message: "request validation failed",
			Details: details,
		},
	})
}

// WritePaymentError maps a normalized payment error onto an HTTP response.
// The mapping branches on the normalized kind only.
func WritePaymentError(w http.ResponseWriter, err error) {
	var createErr *payerr.CartPaymentCreateError
	if errors.As(err, &createErr) {
		err = createErr.Err
	}

	switch payerr.KindOf(err) {
	case payerr.KindProviderInvalidRequest:
		WriteError(w, http.StatusPaymentRequired, ErrCodePaymentDecline, err.Error())
	case payerr.KindProviderResourceNotFound:
		NotFound(w, err.Error())
	case payerr.KindProviderIdempotencyConflict, payerr.KindDatabaseIntegrity:
		Conflict(w, err.Error())
	case payerr.KindConcurrentAccess, payerr.KindLockAcquire:
		Conflict(w, "resource is being modified concurrently, retry later")
	case payerr.KindProviderConnection, payerr.KindProviderRateLimit,
		payerr.KindDatabaseConnection, payerr.KindDatabaseOperation:
		WriteError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "temporarily unavailable, retry later")
	default:
		if payerr.IsConcurrentAccess(err) {
			Conflict(w, "resource is being modified concurrently, retry later")
			return
		}
		Internal(w, "internal error")
	}
}
