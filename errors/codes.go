package errors

import "net/http"

// ErrorCategory classifies errors by how callers should react to them.
type ErrorCategory string

const (
	// CategoryTransient covers store outages and timeouts. The caller retries;
	// the sweep skips the node until the next tick.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent covers bad payloads and missing records.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource covers throttling.
	CategoryResource ErrorCategory = "resource"

	// CategoryFatal covers conditions that abort a whole sweep: a broken lock
	// backend, corrupted records, recovered panics.
	CategoryFatal ErrorCategory = "fatal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Transient
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // liveness store unreachable or failed
	ErrCodeTimeout     ErrorCode = "TIMEOUT"

	// Permanent
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeCanceled     ErrorCode = "CANCELED"

	// Resource
	ErrCodeRateLimit ErrorCode = "RATE_LIMITED"
	ErrCodeLockHeld  ErrorCode = "LOCK_HELD" // another process owns the sweep

	// Fatal
	ErrCodeFatal      ErrorCode = "FATAL"
	ErrCodeInternal   ErrorCode = "INTERNAL"
	ErrCodeCorruption ErrorCode = "CORRUPTION"
	ErrCodePanic      ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the category assigned to a code unless overridden.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeUnavailable, ErrCodeTimeout:
		return CategoryTransient
	case ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeConflict, ErrCodeCanceled:
		return CategoryPermanent
	case ErrCodeRateLimit, ErrCodeLockHeld:
		return CategoryResource
	default:
		return CategoryFatal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// HTTPStatus maps the code onto the status line the API answers with.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeUnavailable, ErrCodeLockHeld:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeUnavailable:  "liveness store unavailable",
	ErrCodeTimeout:      "operation timed out",
	ErrCodeInvalidInput: "invalid input provided",
	ErrCodeNotFound:     "resource not found",
	ErrCodeConflict:     "conflicting operation",
	ErrCodeCanceled:     "operation canceled",
	ErrCodeRateLimit:    "rate limit exceeded",
	ErrCodeLockHeld:     "sweep lock held elsewhere",
	ErrCodeFatal:        "fatal error",
	ErrCodeInternal:     "internal error",
	ErrCodeCorruption:   "data corruption detected",
	ErrCodePanic:        "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
