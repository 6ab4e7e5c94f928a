package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies failures that cross package boundaries.
type ErrorType string

const (
	ErrorTypeValidation          ErrorType = "validation_error"
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeUpstreamRateLimited ErrorType = "upstream_rate_limited"
	ErrorTypeUpstreamFailure     ErrorType = "upstream_failure"
	ErrorTypeUnavailable         ErrorType = "unavailable"
)

type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error type to the status the API answers with.
func (e *AppError) HTTPStatus() int {
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case ErrorTypeUpstreamFailure:
		return http.StatusBadGateway
	case ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func New(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    codeFor(errType),
	}
}

func NewValidationError(message string, originalError error) *AppError {
	return New(ErrorTypeValidation, message, originalError)
}

func NewNotFoundError(message string, originalError error) *AppError {
	return New(ErrorTypeNotFound, message, originalError)
}

func NewUpstreamRateLimitedError(message string, originalError error) *AppError {
	return New(ErrorTypeUpstreamRateLimited, message, originalError)
}

func NewUpstreamFailureError(message string, originalError error) *AppError {
	return New(ErrorTypeUpstreamFailure, message, originalError)
}

func NewUnavailableError(message string, originalError error) *AppError {
	return New(ErrorTypeUnavailable, message, originalError)
}

// TypeOf returns the type of the first AppError in err's chain, or "" when none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

func IsValidationError(err error) bool { return TypeOf(err) == ErrorTypeValidation }

func IsNotFoundError(err error) bool { return TypeOf(err) == ErrorTypeNotFound }

func IsUpstreamRateLimited(err error) bool { return TypeOf(err) == ErrorTypeUpstreamRateLimited }

func IsUpstreamFailure(err error) bool { return TypeOf(err) == ErrorTypeUpstreamFailure }

func IsUnavailable(err error) bool { return TypeOf(err) == ErrorTypeUnavailable }

// StatusOf returns the HTTP status for err. Errors outside the taxonomy map to 500.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func codeFor(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeUpstreamRateLimited:
		return "UPSTREAM_RATE_LIMITED"
	case ErrorTypeUpstreamFailure:
		return "UPSTREAM_FAILURE"
	case ErrorTypeUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}
