package correlator

import (
	"errors"
	"fmt"
)

// Correlator errors.
var (
	// ErrOperationNotFound is returned when a completion names a handle that
	// is not outstanding. Late or duplicate engine callbacks produce it.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrHandleCollision means the handle counter wrapped onto a handle that
	// is still outstanding. It is an integrity violation, never retried.
	ErrHandleCollision = errors.New("operation handle collision")

	// ErrTimeout is returned by a wait that ran out of time. The operation
	// itself stays outstanding.
	ErrTimeout = errors.New("operation timed out")

	// ErrConnectionClosed fails operations whose connection went away
	// before they completed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCorrelatorClosed is returned by Issue after Close.
	ErrCorrelatorClosed = errors.New("correlator closed")
)

// FailureKind classifies why an operation did not succeed.
type FailureKind int

const (
	// FailureProtocol is a failure reported by the network engine.
	FailureProtocol FailureKind = iota
	// FailureTimeout is a wait that exceeded its deadline.
	FailureTimeout
	// FailureConnectionClosed is an operation abandoned by a closing connection.
	FailureConnectionClosed
	// FailureCaller is a failure supplied by the caller through Cancel.
	FailureCaller
)

// String returns the kind name used in logs.
func (k FailureKind) String() string {
	switch k {
	case FailureProtocol:
		return "protocol"
	case FailureTimeout:
		return "timeout"
	case FailureConnectionClosed:
		return "connection_closed"
	case FailureCaller:
		return "caller"
	default:
		return "unknown"
	}
}

// OperationError is the failure delivered to waiters and listeners.
// errors.Is sees through it to the sentinel or engine error in Err.
type OperationError struct {
	Kind   FailureKind
	Op     Kind
	Handle Handle
	Err    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %d failed (%s): %v", e.Op, e.Handle, e.Kind, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// classify wraps err in an OperationError, choosing the kind from the
// sentinel it carries. An existing OperationError is returned unchanged.
func classify(tok *Token, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return err
	}

	kind := FailureProtocol
	switch {
	case errors.Is(err, ErrConnectionClosed):
		kind = FailureConnectionClosed
	case errors.Is(err, ErrTimeout):
		kind = FailureTimeout
	}
	return &OperationError{Kind: kind, Op: tok.op.Kind, Handle: tok.handle, Err: err}
}

// IsKind reports whether err is an OperationError of the given kind.
func IsKind(err error, kind FailureKind) bool {
	var opErr *OperationError
	return errors.As(err, &opErr) && opErr.Kind == kind
}
