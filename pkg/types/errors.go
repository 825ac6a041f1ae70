package types

import "errors"

// Error taxonomy for client operations. Callers match with errors.Is.
var (
	// ErrInvalidArgument marks client-side validation failures. Operations
	// failing with it never reached the transport.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTimeout means no result arrived within the requested bound.
	// The caller may retry.
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed means the handle was closed or never connected. Fatal to
	// that handle.
	ErrClosed = errors.New("handle closed")

	// ErrTransport wraps network or broker failures after retries exhaust.
	ErrTransport = errors.New("transport failure")
)
