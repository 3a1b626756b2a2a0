package correlator

import (
	"context"
	"sync"
	"time"
)

// Token is the caller's view of an issued operation.
//
// Done is closed exactly once, when the operation reaches its final
// phase. For a publish that is delivery, not acceptance; Accepted is
// closed earlier when the engine takes the message.
type Token struct {
	handle Handle
	op     Operation

	mu       sync.Mutex
	phase    Phase
	err      error
	notified bool

	accepted     chan struct{}
	acceptedOnce sync.Once
	done         chan struct{}
	doneOnce     sync.Once
}

func newToken(h Handle, op Operation) *Token {
	return &Token{
		handle:   h,
		op:       op,
		accepted: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Handle returns the operation handle.
func (t *Token) Handle() Handle { return t.handle }

// Kind returns the operation kind.
func (t *Token) Kind() Kind { return t.op.Kind }

// Connection returns the identity of the owning connection.
func (t *Token) Connection() string { return t.op.Connection }

// UserContext returns the opaque value supplied at issue time.
func (t *Token) UserContext() any { return t.op.UserContext }

// Topics returns the topics the operation was issued for.
func (t *Token) Topics() []string { return t.op.Topics }

// Payload returns the publish payload, nil for other kinds.
func (t *Token) Payload() []byte { return t.op.Payload }

// QoS returns the publish QoS.
func (t *Token) QoS() byte { return t.op.QoS }

// Phase returns the current phase.
func (t *Token) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Err returns the failure, or nil while pending or after success.
func (t *Token) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the operation completes.
func (t *Token) Done() <-chan struct{} { return t.done }

// Accepted is closed when a publish is accepted by the engine, or when
// any operation completes.
func (t *Token) Accepted() <-chan struct{} { return t.accepted }

// IsComplete reports whether the operation has reached its final phase.
func (t *Token) IsComplete() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the operation completes or ctx ends. A context
// deadline is reported as ErrTimeout; the operation stays outstanding.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return &OperationError{Kind: FailureTimeout, Op: t.op.Kind, Handle: t.handle, Err: ErrTimeout}
		}
		return ctx.Err()
	}
}

// WaitTimeout blocks for at most d. A non-positive d waits forever.
func (t *Token) WaitTimeout(d time.Duration) error {
	if d <= 0 {
		return t.Wait(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return t.Wait(ctx)
}

// accept moves a dispatched token to Accepted. It reports false when the
// token already left the Dispatched phase.
func (t *Token) accept() bool {
	t.mu.Lock()
	if t.phase != PhaseDispatched {
		t.mu.Unlock()
		return false
	}
	t.phase = PhaseAccepted
	t.notified = true
	t.mu.Unlock()

	t.acceptedOnce.Do(func() { close(t.accepted) })
	return true
}

// finish records the outcome and releases waiters. It reports whether the
// listener still has to be told about this outcome.
func (t *Token) finish(err error) (notify bool) {
	t.mu.Lock()
	if t.phase == PhaseDelivered || t.phase == PhaseFailed {
		t.mu.Unlock()
		return false
	}
	if err != nil {
		t.phase = PhaseFailed
	} else {
		t.phase = PhaseDelivered
	}
	t.err = err
	// A publish already reported as accepted has had its one listener call.
	notify = !t.notified
	t.notified = true
	t.mu.Unlock()

	t.acceptedOnce.Do(func() { close(t.accepted) })
	t.doneOnce.Do(func() { close(t.done) })
	return notify
}
