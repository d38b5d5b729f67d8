// Package errors provides structured errors that carry a wire code for websocket
// clients and an HTTP status for the API surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	TypeValidation    ErrorType = "validation"
	TypeNotFound      ErrorType = "not_found"
	TypeNotAuthorized ErrorType = "not_authorized"
	TypeRateLimited   ErrorType = "rate_limited"
	TypeTransient     ErrorType = "transient_delivery"
	TypePermanent     ErrorType = "permanent_delivery"
	TypeInternal      ErrorType = "internal"
	TypeExternal      ErrorType = "external"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Code returns the code sent to websocket clients in error events.
func (e *Error) Code() string {
	switch e.Type {
	case TypeValidation:
		return "VALIDATION_ERROR"
	case TypeNotFound:
		return "NOT_FOUND"
	case TypeNotAuthorized:
		return "NOT_AUTHORIZED"
	case TypeRateLimited:
		return "RATE_LIMITED"
	case TypeTransient:
		return "TRANSIENT_DELIVERY_FAILURE"
	case TypePermanent:
		return "PERMANENT_DELIVERY_FAILURE"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeNotAuthorized:
		return http.StatusForbidden
	case TypeRateLimited:
		return http.StatusTooManyRequests
	case TypeTransient, TypeExternal:
		return http.StatusBadGateway
	case TypePermanent:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

func ValidationError(message string) *Error { return newError(TypeValidation, message, domain.ErrValidation) }

func NotFoundError(message string) *Error { return newError(TypeNotFound, message, domain.ErrNotFound) }

func NotAuthorizedError(message string) *Error {
	return newError(TypeNotAuthorized, message, domain.ErrNotAuthorized)
}

func RateLimitedError(message string) *Error { return newError(TypeRateLimited, message, nil) }

func InternalError(message string, cause error) *Error { return newError(TypeInternal, message, cause) }

func ExternalError(message string, cause error) *Error { return newError(TypeExternal, message, cause) }

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse represents the JSON structure sent to HTTP clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Code:    e.Code(),
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error. Domain sentinels
// are mapped to their matching type; anything else becomes an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		return newError(TypeValidation, err.Error(), err)
	case errors.Is(err, domain.ErrNotAuthorized):
		return newError(TypeNotAuthorized, err.Error(), err)
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownConnection):
		return newError(TypeNotFound, err.Error(), err)
	case errors.Is(err, domain.ErrPermanentDelivery):
		return newError(TypePermanent, err.Error(), err)
	case errors.Is(err, domain.ErrTransientDelivery):
		return newError(TypeTransient, err.Error(), err)
	}
	return InternalError("internal server error", err)
}
