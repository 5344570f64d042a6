package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Wrap adds context to err while preserving the chain.
// An existing *Error keeps its code, category and tags. Context errors map to
// TIMEOUT and CANCELED. Anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		wrapped := &Error{
			code:      fe.code,
			category:  fe.category,
			message:   message,
			cause:     err,
			metadata:  fe.Metadata(),
			fields:    fe.fields,
			retryable: fe.retryable,
			timestamp: fe.timestamp,
			nodeID:    fe.nodeID,
			serviceID: fe.serviceID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error under a specific code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsFleetError extracts the outermost *Error in the chain, or nil.
func AsFleetError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}

// Is reports whether the outermost structured error in the chain has code.
func Is(err error, code ErrorCode) bool {
	if fe := AsFleetError(err); fe != nil {
		return fe.code == code
	}
	return false
}

// IsCategory reports whether the outermost structured error has category.
func IsCategory(err error, category ErrorCategory) bool {
	if fe := AsFleetError(err); fe != nil {
		return fe.category == category
	}
	return false
}

// IsRetryable reports whether the error is retryable. Plain errors are not.
func IsRetryable(err error) bool {
	if fe := AsFleetError(err); fe != nil {
		return fe.Retryable()
	}
	return false
}

// IsTransient reports a transient store failure.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsFatal reports an error that must abort the current sweep.
func IsFatal(err error) bool {
	return IsCategory(err, CategoryFatal)
}

// Code extracts the error code, or "" for plain errors.
func Code(err error) ErrorCode {
	if fe := AsFleetError(err); fe != nil {
		return fe.code
	}
	return ""
}

// Fields extracts per-field validation messages, or nil.
func Fields(err error) map[string]string {
	if fe := AsFleetError(err); fe != nil && len(fe.fields) > 0 {
		return fe.Fields()
	}
	return nil
}

// HTTPStatus returns the status code the API uses for err.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if fe := AsFleetError(err); fe != nil {
		return fe.code.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the message without its cause chain, suitable for
// API responses. Plain errors are reported generically.
func PublicMessage(err error) string {
	if fe := AsFleetError(err); fe != nil {
		return fe.message
	}
	return ErrCodeInternal.Description()
}

// Join combines multiple errors. Returns nil if all are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
