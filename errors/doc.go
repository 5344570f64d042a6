// Package errors is the error taxonomy shared by every fleetwatch component.
//
// Each error carries a code, a category and optional metadata. The category
// decides what a caller does next:
//
//   - Transient (UNAVAILABLE, TIMEOUT): the liveness store failed. Ingestion
//     callers retry; the sweep leaves the node for the next tick.
//   - Permanent (INVALID_INPUT, NOT_FOUND, CONFLICT): reject and report.
//   - Resource (RATE_LIMITED, LOCK_HELD): back off.
//   - Fatal (FATAL, CORRUPTION, PANIC, INTERNAL): log, abort the current
//     sweep, keep the process running.
//
// Usage:
//
//	err := errors.InvalidInput("ip_address is required", errors.WithField("ip_address", "required"))
//	if errors.Is(err, errors.ErrCodeInvalidInput) {
//	    w.WriteHeader(errors.HTTPStatus(err))
//	}
//
// Errors marshal to JSON so they can be returned over the API and the bus.
package errors
