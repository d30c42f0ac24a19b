package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures so callers can map them to a response without
// parsing messages.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInvalidCredentials
	KindAccountNotActive
	KindTooManyAttempts
	KindRateLimited
	KindInvalidOrExpiredToken
	KindInsufficientRole
	KindNoPrimaryCongregation
	KindUnauthenticated
	KindValidation
	KindConflict
	KindNotFound
)

var kindCodes = map[ErrorKind]string{
	KindInternal:              "internal_error",
	KindInvalidCredentials:    "invalid_credentials",
	KindAccountNotActive:      "account_not_active",
	KindTooManyAttempts:       "too_many_attempts",
	KindRateLimited:           "rate_limited",
	KindInvalidOrExpiredToken: "invalid_or_expired_token",
	KindInsufficientRole:      "insufficient_role",
	KindNoPrimaryCongregation: "no_primary_congregation",
	KindUnauthenticated:       "unauthenticated",
	KindValidation:            "validation_failed",
	KindConflict:              "conflict",
	KindNotFound:              "not_found",
}

// String returns the stable machine-readable code for the kind.
func (k ErrorKind) String() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindInternal]
}

// StatusCode maps the kind to the HTTP status used by handlers and middleware.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindInvalidCredentials, KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAccountNotActive, KindInsufficientRole, KindInvalidOrExpiredToken:
		return http.StatusForbidden
	case KindTooManyAttempts, KindRateLimited:
		return http.StatusTooManyRequests
	case KindNoPrimaryCongregation:
		return http.StatusSeeOther
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// AuthError is the error type returned by every public operation in this package.
// Message is safe to show to end users; Cause is only for logs.
type AuthError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AuthError of the same kind, which lets
// callers compare against the package sentinels with errors.Is.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// StatusCode returns the HTTP status for this error.
func (e *AuthError) StatusCode() int {
	return e.Kind.StatusCode()
}

// Sentinel errors. Compare with errors.Is; matching is by kind.
var (
	ErrInvalidCredentials    = &AuthError{Kind: KindInvalidCredentials, Message: "Invalid email or password"}
	ErrAccountNotActive      = &AuthError{Kind: KindAccountNotActive, Message: "Account is not active"}
	ErrTooManyAttempts       = &AuthError{Kind: KindTooManyAttempts, Message: "Too many login attempts. Please try again later."}
	ErrRateLimited           = &AuthError{Kind: KindRateLimited, Message: "Too many requests. Please try again later."}
	ErrInvalidOrExpiredToken = &AuthError{Kind: KindInvalidOrExpiredToken, Message: "Invalid or expired token"}
	ErrCSRFMismatch          = &AuthError{Kind: KindInvalidOrExpiredToken, Message: "Invalid or expired security token. Please reload the page and try again."}
	ErrInsufficientRole      = &AuthError{Kind: KindInsufficientRole, Message: "You do not have permission to perform this action"}
	ErrNoPrimaryCongregation = &AuthError{Kind: KindNoPrimaryCongregation, Message: "Please join a congregation to continue"}
	ErrUnauthenticated       = &AuthError{Kind: KindUnauthenticated, Message: "Authentication required"}
	ErrEmailTaken            = &AuthError{Kind: KindConflict, Message: "An account with this email already exists"}
	ErrSessionNotFound       = &AuthError{Kind: KindNotFound, Message: "Session not found"}
	ErrInvalidProvider       = &AuthError{Kind: KindValidation, Message: "Unsupported OAuth provider"}
)

// ErrDuplicateKey is returned by storage implementations when a unique
// constraint rejects a write.
var ErrDuplicateKey = errors.New("duplicate key")

// NewValidationError builds a validation failure with a user-facing message.
func NewValidationError(message string) *AuthError {
	return &AuthError{Kind: KindValidation, Message: message}
}

func internalError(op string, err error) *AuthError {
	return &AuthError{
		Kind:    KindInternal,
		Message: "An unexpected error occurred",
		Cause:   fmt.Errorf("failed to %s: %w", op, err),
	}
}

func accountNotActiveError(status UserStatus) *AuthError {
	message := ErrAccountNotActive.Message
	switch status {
	case UserStatusPending:
		message = "Account is pending activation"
	case UserStatusSuspended:
		message = "Account is suspended"
	case UserStatusBanned:
		message = "Account is banned"
	}
	return &AuthError{Kind: KindAccountNotActive, Message: message}
}

// KindOf returns the kind of err, or KindInternal for errors that did not
// originate in this package.
func KindOf(err error) ErrorKind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindInternal
}

// StatusCodeOf returns the HTTP status for err.
func StatusCodeOf(err error) int {
	return KindOf(err).StatusCode()
}

// PublicMessage returns the message that may be shown to the client. Internal
// causes are only exposed when debug is set.
func PublicMessage(err error, debug bool) string {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		if debug {
			return err.Error()
		}
		return "An unexpected error occurred"
	}
	if debug && authErr.Cause != nil {
		return fmt.Sprintf("%s: %v", authErr.Message, authErr.Cause)
	}
	return authErr.Message
}
