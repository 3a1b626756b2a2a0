package outbox

import "errors"

// Buffer errors.
var (
	// ErrCapacityExceeded is returned when the buffer is full and the
	// policy rejects new messages instead of dropping the oldest.
	ErrCapacityExceeded = errors.New("publish buffer capacity exceeded")

	// ErrBufferDisabled is returned by Enqueue when buffering is off.
	ErrBufferDisabled = errors.New("publish buffer disabled")

	// ErrIndexOutOfRange is returned by Get and Delete.
	ErrIndexOutOfRange = errors.New("buffered message index out of range")

	// ErrRejected is wrapped by a Flush send function to drop a message the
	// connection will never accept. The flush continues with the next one.
	ErrRejected = errors.New("buffered message rejected")

	// ErrPersistence wraps failures of the on-disk mirror.
	ErrPersistence = errors.New("publish buffer persistence failure")
)
