package store

import (
	"context"
	stderrors "errors"

	"github.com/vinayprograms/fleetwatch/errors"
)

// Classify maps a store error onto the fleetwatch taxonomy. Structured errors
// (typically returned by a mutator) pass through unchanged. Anything the
// store cannot explain is a transient UNAVAILABLE.
func Classify(err error, message string, opts ...errors.Option) error {
	switch {
	case err == nil:
		return nil
	case errors.AsFleetError(err) != nil:
		return err
	case stderrors.Is(err, ErrNotFound):
		return errors.WrapWithCode(err, errors.ErrCodeNotFound, message, opts...)
	case stderrors.Is(err, ErrConflict):
		return errors.WrapWithCode(err, errors.ErrCodeConflict, message, opts...)
	case stderrors.Is(err, ErrLockHeld):
		return errors.WrapWithCode(err, errors.ErrCodeLockHeld, message, opts...)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, message, opts...)
	}
	return errors.WrapWithCode(err, errors.ErrCodeUnavailable, message, opts...)
}
