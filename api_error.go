// Package roster is the HTTP middleware kit of the roster users service.
//
// Handlers never write responses directly. They record a result with SetResponse or
// SetError and the Handler middleware writes it once the chain unwinds, which lets
// middleware further out (idempotency recording, canonical logging) observe the final
// outcome. Errors are rendered in a Stripe-style envelope:
//
//	{"error": {"type": "request_error", "code": "conflict", "message": "..."}}
package roster

import (
	"net/http"
)

// APIError is the body of every error response and the value handlers pass to
// SetError. Status selects the HTTP status and is not serialized.
type APIError struct {
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message"`
	Param   string       `json:"param,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
	Status  int          `json:"-"`
}

// FieldError is one failed rule on one request field.
type FieldError struct {
	Param   string `json:"param"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error *APIError `json:"error"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Is reports whether target has the same type and code. Messages are ignored, so a
// customized copy still matches its sentinel.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	switch {
	case e == nil:
		return target == nil
	case !ok || t == nil:
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With copies the error with a different message.
func (e *APIError) With(message string) *APIError {
	return e.withMessage(message, "")
}

// WithParam copies the error with a different message and the offending parameter.
func (e *APIError) WithParam(message, param string) *APIError {
	return e.withMessage(message, param)
}

func (e *APIError) withMessage(message, param string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	if param != "" {
		dup.Param = param
	}
	return &dup
}

// Authentication.
var (
	ErrUnauthorized = &APIError{Type: "auth_error", Code: "unauthorized", Message: "Unauthorized", Status: http.StatusUnauthorized}
	ErrForbidden    = &APIError{Type: "auth_error", Code: "forbidden", Message: "Forbidden", Status: http.StatusForbidden}
)

// Requests the service will not serve as sent.
var (
	ErrBadRequest        = &APIError{Type: "request_error", Code: "bad_request", Message: "Bad request", Status: http.StatusBadRequest}
	ErrNotFound          = &APIError{Type: "not_found", Code: "resource_not_found", Message: "Resource not found", Status: http.StatusNotFound}
	ErrMethodNotAllowed  = &APIError{Type: "request_error", Code: "method_not_allowed", Message: "Method not allowed", Status: http.StatusMethodNotAllowed}
	ErrConflict          = &APIError{Type: "request_error", Code: "conflict", Message: "Conflict", Status: http.StatusConflict}
	ErrRequestInProgress = &APIError{Type: "request_error", Code: "request_in_progress", Message: "A request with this Idempotency-Key is in progress", Status: http.StatusConflict}
	ErrPayloadTooLarge   = &APIError{Type: "request_error", Code: "payload_too_large", Message: "Payload too large", Status: http.StatusRequestEntityTooLarge}
	ErrRateLimited       = &APIError{Type: "rate_limit_error", Code: "limit_exceeded", Message: "Too Many Requests", Status: http.StatusTooManyRequests}
)

// Server-side failures.
var (
	ErrInternal           = &APIError{Type: "internal_error", Code: "internal", Message: "Internal server error", Status: http.StatusInternalServerError}
	ErrServiceUnavailable = &APIError{Type: "internal_error", Code: "service_unavailable", Message: "Service unavailable", Status: http.StatusServiceUnavailable}
)

// NewValidationError reports request binding failures as a 400 listing every
// failed field.
func NewValidationError(fields []FieldError) *APIError {
	return &APIError{
		Type:    "validation_error",
		Code:    "invalid_request",
		Message: "Validation failed",
		Errors:  fields,
		Status:  http.StatusBadRequest,
	}
}

// NewRuleViolation reports a single domain rule failure. The rule's code and
// message become the error's own, so clients can branch on the code without
// reading the field list.
func NewRuleViolation(status int, field FieldError) *APIError {
	return &APIError{
		Type:    "validation_error",
		Code:    field.Code,
		Message: field.Message,
		Param:   field.Param,
		Errors:  []FieldError{field},
		Status:  status,
	}
}
