// Package errors defines the service error taxonomy shared by the storage,
// service and HTTP layers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure independent of its message.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeInvalidFormat       ErrorCode = "INVALID_FORMAT"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken        ErrorCode = "INVALID_TOKEN"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeAlreadyClaimed      ErrorCode = "ALREADY_CLAIMED"
	CodeCapacityExceeded    ErrorCode = "CAPACITY_EXCEEDED"
	CodeAlreadyInPool       ErrorCode = "ALREADY_IN_POOL"
	CodeConcurrentUpdate    ErrorCode = "CONCURRENT_MODIFICATION"
	CodeDuplicatePhone      ErrorCode = "DUPLICATE_PHONE"
	CodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"
	CodeIdempotencyInFlight ErrorCode = "IDEMPOTENCY_IN_FLIGHT"
	CodeRateLimitExceeded   ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeCancelled           ErrorCode = "CANCELLED"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// ServiceError carries a stable code, a client-safe message and the HTTP
// status the API layer should answer with.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is reports whether target is a ServiceError with the same code.
func (e *ServiceError) Is(target error) bool {
	var other *ServiceError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithDetails returns a copy of the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Sentinels usable with errors.Is; matching is by code.
var (
	ErrValidation          = newError(CodeValidation, http.StatusBadRequest, "validation failed", nil)
	ErrNotFound            = newError(CodeNotFound, http.StatusNotFound, "not found", nil)
	ErrForbidden           = newError(CodeForbidden, http.StatusForbidden, "forbidden", nil)
	ErrAlreadyClaimed      = newError(CodeAlreadyClaimed, http.StatusConflict, "already claimed", nil)
	ErrCapacityExceeded    = newError(CodeCapacityExceeded, http.StatusConflict, "capacity exceeded", nil)
	ErrAlreadyInPool       = newError(CodeAlreadyInPool, http.StatusConflict, "already in public pool", nil)
	ErrConcurrentUpdate    = newError(CodeConcurrentUpdate, http.StatusConflict, "concurrent modification", nil)
	ErrIdempotencyConflict = newError(CodeIdempotencyConflict, http.StatusConflict, "idempotency key reused", nil)
	ErrIdempotencyInFlight = newError(CodeIdempotencyInFlight, http.StatusConflict, "request in progress", nil)
)

// Validation reports malformed input.
func Validation(field, message string) *ServiceError {
	e := newError(CodeValidation, http.StatusBadRequest, fmt.Sprintf("%s: %s", field, message), nil)
	return e.WithDetails("field", field)
}

// Required reports a missing mandatory field.
func Required(field string) *ServiceError {
	return Validation(field, "is required")
}

// InvalidFormat reports a field whose shape is wrong.
func InvalidFormat(field, expected string) *ServiceError {
	e := newError(CodeInvalidFormat, http.StatusBadRequest, fmt.Sprintf("%s has invalid format", field), nil)
	return e.WithDetails("field", field).WithDetails("expected", expected)
}

// NotFound reports an unknown resource.
func NotFound(resource, id string) *ServiceError {
	msg := resource + " not found"
	if id != "" {
		msg = fmt.Sprintf("%s %q not found", resource, id)
	}
	return newError(CodeNotFound, http.StatusNotFound, msg, nil)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "authentication required"
	}
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "invalid or expired token", err)
}

func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "forbidden"
	}
	return newError(CodeForbidden, http.StatusForbidden, message, nil)
}

func AlreadyClaimed(customerID string) *ServiceError {
	return newError(CodeAlreadyClaimed, http.StatusConflict, "customer is not in the public pool", nil).
		WithDetails("customer_id", customerID)
}

func CapacityExceeded(userID string, limit int) *ServiceError {
	return newError(CodeCapacityExceeded, http.StatusConflict,
		fmt.Sprintf("customer limit of %d reached", limit), nil).
		WithDetails("user_id", userID).
		WithDetails("limit", limit)
}

func AlreadyInPool(customerID string) *ServiceError {
	return newError(CodeAlreadyInPool, http.StatusConflict, "customer is already in the public pool", nil).
		WithDetails("customer_id", customerID)
}

func ConcurrentUpdate(customerID string, err error) *ServiceError {
	return newError(CodeConcurrentUpdate, http.StatusConflict, "customer was modified concurrently, retry later", err).
		WithDetails("customer_id", customerID)
}

func DuplicatePhone(phone string) *ServiceError {
	return newError(CodeDuplicatePhone, http.StatusConflict, "a customer with this phone already exists", nil).
		WithDetails("phone", phone)
}

func IdempotencyConflict(key string) *ServiceError {
	return newError(CodeIdempotencyConflict, http.StatusConflict,
		"idempotency key was already used with a different payload", nil).
		WithDetails("idempotency_key", key)
}

func IdempotencyInFlight(key string) *ServiceError {
	return newError(CodeIdempotencyInFlight, http.StatusConflict,
		"a request with this idempotency key is still in progress", nil).
		WithDetails("idempotency_key", key)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimitExceeded, http.StatusTooManyRequests,
		fmt.Sprintf("rate limit of %d requests per %s exceeded", limit, window), nil)
}

func Cancelled(err error) *ServiceError {
	return newError(CodeCancelled, http.StatusRequestTimeout, "operation cancelled", err)
}

func Internal(message string, err error) *ServiceError {
	if message == "" {
		message = "internal error"
	}
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError extracts the first ServiceError in err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
