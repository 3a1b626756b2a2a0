package arrival

import "errors"

// Arrival queue errors.
var (
	// ErrStorageFailure wraps every failure of the underlying store. A
	// Store that returns it did not persist the message.
	ErrStorageFailure = errors.New("arrival storage failure")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("arrival queue closed")
)
