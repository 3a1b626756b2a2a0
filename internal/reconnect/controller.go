package reconnect

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrUnknownConnection is returned for identities that are not tracked.
var ErrUnknownConnection = errors.New("connection not tracked")

// Logger is the logging interface used by the controller.
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

// Reconnector starts a reconnect attempt for one connection. The attempt
// is asynchronous; its outcome is reported back through ConnectSucceeded
// or ConnectFailed.
type Reconnector interface {
	Reconnect(identity string)
}

// ReconnectorFunc adapts a function to Reconnector.
type ReconnectorFunc func(identity string)

func (f ReconnectorFunc) Reconnect(identity string) { f(identity) }

// LostFunc is told that a connection went offline because the network did.
// cause is nil: the reason is not known.
type LostFunc func(cause error)

// Settings tunes the controller.
type Settings struct {
	// RateLimit is reconnect attempts per second across all connections.
	RateLimit float64
	Burst     int

	// FailureThreshold consecutive failures open a connection's breaker;
	// it half-opens again after OpenTimeout.
	FailureThreshold int
	OpenTimeout      time.Duration

	// RetryInterval is the period of Run's sweep. 0 disables it.
	RetryInterval time.Duration
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		RateLimit:        2,
		Burst:            4,
		FailureThreshold: 5,
		OpenTimeout:      time.Minute,
		RetryInterval:    30 * time.Second,
	}
}

type entry struct {
	state    stateCell
	expected atomic.Bool
	breaker  *gobreaker.TwoStepCircuitBreaker
	onLost   LostFunc

	mu      sync.Mutex
	pending func(success bool)
}

// takePending returns and clears the breaker callback of the attempt in flight.
func (e *entry) takePending() func(bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	done := e.pending
	e.pending = nil
	return done
}

// Controller owns the liveness state of every logical connection and
// decides when to reconnect.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Reachability signals may
//     arrive concurrently; the Connecting transition is a compare-and-swap,
//     so one connection never gets two attempts for one outage.
type Controller struct {
	reconnector Reconnector
	settings    Settings
	limiter     *rate.Limiter
	clock       clock.Clock

	mu      sync.RWMutex
	entries map[string]*entry

	logger Logger
}

// New creates a controller that reconnects through r.
func New(r Reconnector, settings Settings) *Controller {
	if settings.Burst < 1 {
		settings.Burst = 1
	}
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 1
	}
	return &Controller{
		reconnector: r,
		settings:    settings,
		limiter:     rate.NewLimiter(rate.Limit(settings.RateLimit), settings.Burst),
		clock:       clock.New(),
		entries:     make(map[string]*entry),
		logger:      noopLogger{},
	}
}

// SetLogger sets the logger for the controller.
func (c *Controller) SetLogger(logger Logger) {
	c.logger = logger
}

// SetClock sets the clock driving Run's sweep.
func (c *Controller) SetClock(cl clock.Clock) {
	c.clock = cl
}

// Track starts tracking identity in the Disconnected state. onLost may be
// nil. Tracking an identity twice replaces its callback only.
func (c *Controller) Track(identity string, onLost LostFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[identity]; ok {
		e.onLost = onLost
		return
	}

	e := &entry{onLost: onLost}
	threshold := uint32(c.settings.FailureThreshold)
	e.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        identity,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     c.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("reconnect circuit breaker state changed",
				"identity", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	c.entries[identity] = e
}

// Untrack forgets identity. An attempt in flight finishes unobserved.
func (c *Controller) Untrack(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, identity)
}

func (c *Controller) get(identity string) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[identity]
	return e, ok
}

// snapshot returns the tracked entries in identity order.
func (c *Controller) snapshot() ([]string, []*entry) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]*entry, len(ids))
	for i, id := range ids {
		entries[i] = c.entries[id]
	}
	return ids, entries
}

// State returns the state of identity; untracked identities are Disconnected.
func (c *Controller) State(identity string) State {
	if e, ok := c.get(identity); ok {
		return e.state.get()
	}
	return StateDisconnected
}

// SetState forces the state of identity.
func (c *Controller) SetState(identity string, s State) {
	if e, ok := c.get(identity); ok {
		e.state.set(s)
	}
}

// Transition moves identity to `to` if it is currently in one of from.
func (c *Controller) Transition(identity string, to State, from ...State) bool {
	e, ok := c.get(identity)
	if !ok {
		return false
	}
	return e.state.transitionFrom(to, from...)
}

// Expect records whether the application wants identity connected. Only
// expected connections are reconnected.
func (c *Controller) Expect(identity string, expected bool) {
	if e, ok := c.get(identity); ok {
		e.expected.Store(expected)
	}
}

// Expected reports whether identity should be reconnected.
func (c *Controller) Expected(identity string) bool {
	if e, ok := c.get(identity); ok {
		return e.expected.Load()
	}
	return false
}

// ConnectSucceeded records a successful connect of identity.
func (c *Controller) ConnectSucceeded(identity string) {
	e, ok := c.get(identity)
	if !ok {
		return
	}
	e.state.set(StateConnected)
	if done := e.takePending(); done != nil {
		done(true)
	}
}

// ConnectFailed records a failed connect of identity. Expected connections
// go to OfflineBuffering and are retried later; others to Disconnected.
func (c *Controller) ConnectFailed(identity string, err error) {
	e, ok := c.get(identity)
	if !ok {
		return
	}
	next := StateDisconnected
	if e.expected.Load() {
		next = StateOfflineBuffering
	}
	e.state.set(next)
	if done := e.takePending(); done != nil {
		done(false)
	}
	c.logger.Debug("connect failed", "identity", identity, "next_state", next.String(), "error", err)
}

// ConnectionLost records that the engine lost identity's connection.
func (c *Controller) ConnectionLost(identity string) {
	e, ok := c.get(identity)
	if !ok {
		return
	}
	e.state.transitionFrom(StateOfflineBuffering, StateConnected, StateConnecting)
}

// OnReachabilityLost marks every connected connection OfflineBuffering and
// tells each one's LostFunc. Expected connections that were already down
// become OfflineBuffering silently.
func (c *Controller) OnReachabilityLost() {
	ids, entries := c.snapshot()
	for i, e := range entries {
		if e.state.transitionFrom(StateOfflineBuffering, StateConnected) {
			c.logger.Info("network lost, connection offline", "identity", ids[i])
			if e.onLost != nil {
				e.onLost(nil)
			}
			continue
		}
		if e.expected.Load() {
			e.state.transitionFrom(StateOfflineBuffering, StateDisconnected)
		}
	}
}

// OnReachabilityRegained starts one reconnect attempt for every expected
// connection that is Disconnected or OfflineBuffering and returns how many
// attempts were started.
func (c *Controller) OnReachabilityRegained(ctx context.Context) int {
	return c.sweep(ctx)
}

// Run sweeps offline connections every RetryInterval until ctx ends.
func (c *Controller) Run(ctx context.Context) {
	if c.settings.RetryInterval <= 0 {
		return
	}
	ticker := c.clock.Ticker(c.settings.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Controller) sweep(ctx context.Context) int {
	ids, entries := c.snapshot()
	started := 0
	for i, e := range entries {
		if !e.expected.Load() {
			continue
		}
		if !e.state.transitionFrom(StateConnecting, StateDisconnected, StateOfflineBuffering) {
			continue
		}
		if c.attempt(ctx, ids[i], e) {
			started++
		}
	}
	return started
}

// attempt runs one reconnect for an entry already moved to Connecting.
func (c *Controller) attempt(ctx context.Context, identity string, e *entry) bool {
	if err := c.limiter.Wait(ctx); err != nil {
		e.state.transitionFrom(StateOfflineBuffering, StateConnecting)
		c.logger.Debug("reconnect not attempted", "identity", identity, "error", err)
		return false
	}

	done, err := e.breaker.Allow()
	if err != nil {
		e.state.transitionFrom(StateOfflineBuffering, StateConnecting)
		c.logger.Debug("reconnect suppressed by circuit breaker", "identity", identity, "error", err)
		return false
	}

	e.mu.Lock()
	e.pending = done
	e.mu.Unlock()

	c.logger.Info("reconnecting", "identity", identity)
	c.reconnector.Reconnect(identity)
	return true
}
