// Package apperror provides domain-specific error types for Fablenest.
// These errors carry an HTTP status code and a user-safe message. The Echo
// error handler maps them to appropriate HTTP responses automatically.
//
// NEVER return raw database or infrastructure errors to the client. Always
// wrap them in an apperror type or return a generic internal error.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the base error type for all domain errors. It carries an
// HTTP status code, a machine-readable error type, and a human-readable
// message safe to show to the client.
type AppError struct {
	// Code is the HTTP status code (e.g., 404, 400, 500).
	Code int `json:"-"`

	// Type is a machine-readable error classifier (e.g., "not_found").
	Type string `json:"type"`

	// Message is a human-readable description safe for the client.
	Message string `json:"message"`

	// Internal holds the underlying error for logging. Never exposed to client.
	Internal error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Type, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Internal
}

// Is matches two AppErrors by Type so sentinel comparisons like
// errors.Is(err, apperror.NewConflict("")) work in tests and retry loops.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) {
		return e.Type == t.Type
	}
	return false
}

// --- Constructors for common error types ---

// NewNotFound creates a 404 Not Found error.
func NewNotFound(message string) *AppError {
	return &AppError{
		Code:    http.StatusNotFound,
		Type:    "not_found",
		Message: message,
	}
}

// NewBadRequest creates a 400 Bad Request error.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Type:    "bad_request",
		Message: message,
	}
}

// NewUnauthorized creates a 401 Unauthorized error.
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:    http.StatusUnauthorized,
		Type:    "unauthorized",
		Message: message,
	}
}

// NewForbidden creates a 403 Forbidden error.
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:    http.StatusForbidden,
		Type:    "forbidden",
		Message: message,
	}
}

// NewConflict creates a 409 Conflict error. Returned when an optimistic
// update exhausted its retries; callers may retry at a higher level.
func NewConflict(message string) *AppError {
	return &AppError{
		Code:    http.StatusConflict,
		Type:    "conflict",
		Message: message,
	}
}

// NewValidation creates a 422 Unprocessable Entity error for validation failures.
func NewValidation(message string) *AppError {
	return &AppError{
		Code:    http.StatusUnprocessableEntity,
		Type:    "validation_error",
		Message: message,
	}
}

// --- Auth-flow error types ---

// NewInvalidCredentials creates the generic bad-login error. Deliberately
// identical for unknown email and wrong password so responses cannot be used
// to enumerate accounts.
func NewInvalidCredentials() *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Type:    "invalid_credentials",
		Message: "Invalid credentials",
	}
}

// NewUnverifiedEmail creates the error returned when a login is blocked
// because the account's email address has not been confirmed yet.
func NewUnverifiedEmail() *AppError {
	return &AppError{
		Code:    http.StatusForbidden,
		Type:    "unverified_email",
		Message: "Please verify your email address before signing in",
	}
}

// NewVerificationRequired creates the unusual-sign-in challenge error. The
// login is not completed; the user must follow the emailed verification code.
func NewVerificationRequired() *AppError {
	return &AppError{
		Code:    http.StatusForbidden,
		Type:    "verification_required",
		Message: "New sign-in location detected. Please verify your email.",
	}
}

// NewAuthMethodMismatch creates the error for an OAuth sign-in against an
// email that is registered with password authentication (or vice versa).
func NewAuthMethodMismatch(message string) *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Type:    "auth_method_mismatch",
		Message: message,
	}
}

// NewInsufficientVouchers creates the paywall shortfall error. No partial
// charge is ever made when this is returned.
func NewInsufficientVouchers() *AppError {
	return &AppError{
		Code:    http.StatusPaymentRequired,
		Type:    "insufficient_vouchers",
		Message: "Insufficient vouchers. Top up your coins or upgrade to premium for unlimited access.",
	}
}

// NewPasswordReused creates the password-history rejection error.
func NewPasswordReused() *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Type:    "password_reused",
		Message: "Please use a password you haven't used before",
	}
}

// NewInternal creates a 500 Internal Server Error. The real error is stored
// in Internal for logging but the client only sees a generic message.
func NewInternal(err error) *AppError {
	return &AppError{
		Code:     http.StatusInternalServerError,
		Type:     "internal_error",
		Message:  "An unexpected error occurred. Please try again.",
		Internal: err,
	}
}

// SafeMessage returns the client-safe error message from an error. If the
// error is an AppError, returns its Message field (which is safe to expose).
// For any other error type, returns a generic message to prevent leaking
// internal details like table names, query structure, or stack traces.
func SafeMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "an unexpected error occurred"
}

// SafeCode returns the HTTP status code from an AppError, or 500 for
// any other error type.
func SafeCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return http.StatusInternalServerError
}
