package correlator

import (
	"fmt"
	"sync"
)

// Logger is the logging interface used by the correlator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Correlator maps operation handles to pending operations and routes
// completions from the engine's callback goroutines back to waiters and
// listeners.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Listeners are invoked without any correlator lock held, so they may
//     issue new operations.
type Correlator struct {
	mu      sync.Mutex
	next    Handle
	pending map[Handle]*Token
	closed  bool

	logger Logger
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{
		pending: make(map[Handle]*Token),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger. Not safe to call concurrently with other methods.
func (c *Correlator) SetLogger(logger Logger) {
	c.logger = logger
}

// Issue registers op and returns its token. The handle is strictly greater
// than every handle issued before it unless the counter wrapped, in which
// case a collision with an outstanding handle is reported instead of
// aliasing two operations.
func (c *Correlator) Issue(op Operation) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCorrelatorClosed
	}

	c.next++
	if c.next == 0 {
		c.next = 1
	}
	h := c.next
	if _, exists := c.pending[h]; exists {
		return nil, fmt.Errorf("%w: handle %d", ErrHandleCollision, h)
	}

	tok := newToken(h, op)
	c.pending[h] = tok
	return tok, nil
}

// Resolve removes and returns the operation for h without notifying anyone.
func (c *Correlator) Resolve(h Handle) (*Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, ok := c.pending[h]
	if ok {
		delete(c.pending, h)
	}
	return tok, ok
}

// Peek returns the operation for h and leaves it outstanding.
func (c *Correlator) Peek(h Handle) (*Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tok, ok := c.pending[h]
	return tok, ok
}

// Complete resolves h and runs its completion path on the calling
// goroutine: waiters are released and the listener gets success or
// failure. A nil err is success. Unknown handles are logged and reported
// as ErrOperationNotFound.
func (c *Correlator) Complete(h Handle, err error) error {
	tok, ok := c.Resolve(h)
	if !ok {
		c.logger.Debug("completion for unknown operation", "handle", h, "error", err)
		return fmt.Errorf("%w: handle %d", ErrOperationNotFound, h)
	}
	c.finish(tok, classify(tok, err))
	return nil
}

// Cancel fails h with a caller-supplied reason.
func (c *Correlator) Cancel(h Handle, reason error) error {
	tok, ok := c.Resolve(h)
	if !ok {
		return fmt.Errorf("%w: handle %d", ErrOperationNotFound, h)
	}
	c.finish(tok, &OperationError{Kind: FailureCaller, Op: tok.op.Kind, Handle: h, Err: reason})
	return nil
}

// Accept marks a publish as taken by the engine. The operation stays
// outstanding until Deliver. The listener's OnSuccess fires here, once.
func (c *Correlator) Accept(h Handle) error {
	tok, ok := c.Peek(h)
	if !ok {
		c.logger.Debug("accept for unknown operation", "handle", h)
		return fmt.Errorf("%w: handle %d", ErrOperationNotFound, h)
	}
	if tok.accept() {
		c.notify(tok, nil)
	}
	return nil
}

// Deliver ends a publish: Delivered on nil err, Failed otherwise.
func (c *Correlator) Deliver(h Handle, err error) error {
	return c.Complete(h, err)
}

// FailConnection fails every outstanding operation of one connection with
// ErrConnectionClosed and returns how many were failed.
func (c *Correlator) FailConnection(identity string, cause error) int {
	c.mu.Lock()
	var failed []*Token
	for h, tok := range c.pending {
		if tok.op.Connection == identity {
			delete(c.pending, h)
			failed = append(failed, tok)
		}
	}
	c.mu.Unlock()

	c.failAll(failed, cause)
	return len(failed)
}

// Close fails every outstanding operation and rejects further Issue calls.
func (c *Correlator) Close() int {
	c.mu.Lock()
	c.closed = true
	failed := make([]*Token, 0, len(c.pending))
	for h, tok := range c.pending {
		delete(c.pending, h)
		failed = append(failed, tok)
	}
	c.mu.Unlock()

	c.failAll(failed, nil)
	return len(failed)
}

// Pending returns the outstanding operations of kind for one connection.
func (c *Correlator) Pending(identity string, kind Kind) []*Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Token
	for _, tok := range c.pending {
		if tok.op.Connection == identity && tok.op.Kind == kind {
			out = append(out, tok)
		}
	}
	return out
}

// Len returns the number of outstanding operations.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) failAll(tokens []*Token, cause error) {
	for _, tok := range tokens {
		err := ErrConnectionClosed
		if cause != nil {
			err = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		}
		c.finish(tok, &OperationError{Kind: FailureConnectionClosed, Op: tok.op.Kind, Handle: tok.handle, Err: err})
	}
}

func (c *Correlator) finish(tok *Token, err error) {
	if tok.finish(err) {
		c.notify(tok, err)
	}
}

// notify calls the listener, containing any panic so one faulty listener
// cannot take down the engine's callback goroutine.
func (c *Correlator) notify(tok *Token, err error) {
	l := tok.op.Listener
	if l == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in operation listener",
				"handle", tok.handle,
				"kind", tok.op.Kind.String(),
				"panic", r,
			)
		}
	}()

	if err != nil {
		l.OnFailure(tok, err)
		return
	}
	l.OnSuccess(tok)
}
