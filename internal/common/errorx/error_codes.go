package errorx

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryAuthorization  ErrorCategory = "authorization"
	CategoryNotFound       ErrorCategory = "not_found"
	CategoryConflict       ErrorCategory = "conflict"
	CategoryInternal       ErrorCategory = "internal"
	CategoryUnavailable    ErrorCategory = "unavailable"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// APIError represents a structured API error
type APIError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Category   ErrorCategory  `json:"category"`
	Severity   Severity       `json:"severity"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Category, e.Message)
}

// JSON returns the error as a JSON string
func (e *APIError) JSON() string {
	out, _ := json.Marshal(e)
	return string(out)
}

// WithDetail returns a copy of the error carrying an extra detail.
// The package level errors are shared, so they are never mutated in place.
func (e *APIError) WithDetail(key string, value any) *APIError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

var (
	// Validation Errors (E1000-E1999)
	ErrInvalidInput = &APIError{
		Code:       "E1001",
		Message:    "Invalid input provided",
		Category:   CategoryValidation,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidScope = &APIError{
		Code:       "E1002",
		Message:    "Notification target scope is invalid",
		Category:   CategoryValidation,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusBadRequest,
	}

	// Authentication Errors (E2000-E2999)
	ErrUnauthorized = &APIError{
		Code:       "E2001",
		Message:    "Authentication required",
		Category:   CategoryAuthentication,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrSessionNotFound = &APIError{
		Code:       "E2002",
		Message:    "Session not found",
		Category:   CategoryAuthentication,
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrSessionExpired = &APIError{
		Code:       "E2003",
		Message:    "Session has expired",
		Category:   CategoryAuthentication,
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrFingerprintMismatch = &APIError{
		Code:       "E2004",
		Message:    "Session does not belong to this client",
		Category:   CategoryAuthentication,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusUnauthorized,
	}

	// Authorization Errors (E3000-E3999)
	ErrForbidden = &APIError{
		Code:       "E3001",
		Message:    "Access forbidden",
		Category:   CategoryAuthorization,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	}

	ErrInvalidCSRFToken = &APIError{
		Code:       "E3002",
		Message:    "CSRF token missing or invalid",
		Category:   CategoryAuthorization,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	}

	ErrForbiddenOrigin = &APIError{
		Code:       "E3003",
		Message:    "Origin is not allowed",
		Category:   CategoryAuthorization,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	}

	ErrForbiddenNamespace = &APIError{
		Code:       "E3004",
		Message:    "Namespace is not allowed for this role",
		Category:   CategoryAuthorization,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	}

	// Resource Errors (E4000-E4999)
	ErrResourceNotFound = &APIError{
		Code:       "E4001",
		Message:    "Requested resource not found",
		Category:   CategoryNotFound,
		Severity:   SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	}

	ErrDuplicateConnection = &APIError{
		Code:       "E4091",
		Message:    "Connection already registered",
		Category:   CategoryConflict,
		Severity:   SeverityWarning,
		HTTPStatus: http.StatusConflict,
	}

	// System Errors (E5000-E5999)
	ErrInternalServer = &APIError{
		Code:       "E5001",
		Message:    "Internal server error occurred",
		Category:   CategoryInternal,
		Severity:   SeverityCritical,
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrStoreUnavailable = &APIError{
		Code:       "E5031",
		Message:    "Session store is unavailable",
		Category:   CategoryUnavailable,
		Severity:   SeverityError,
		HTTPStatus: http.StatusServiceUnavailable,
	}
)
