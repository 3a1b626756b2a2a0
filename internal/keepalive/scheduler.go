package keepalive

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrWakeLockHeld is reported when a wake fires while the previous
	// ping still holds the wake lock.
	ErrWakeLockHeld = errors.New("wake lock already held")

	// ErrInvalidInterval is returned by Start for a non-positive interval.
	ErrInvalidInterval = errors.New("keepalive interval must be positive")
)

// Logger is the logging interface used by the scheduler.
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

// Pinger sends one keepalive ping. It returns false when no ping was sent
// (for example while disconnected); done is then never called. Otherwise
// done is called exactly once with the ping's outcome.
type Pinger interface {
	Ping(done func(err error)) bool
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(done func(err error)) bool

func (f PingerFunc) Ping(done func(err error)) bool { return f(done) }

// round is one wake: the wake lock is released exactly once per round.
type round struct {
	once sync.Once
}

// Scheduler fires a ping every interval while started, holding a wake lock
// from the moment the wake fires until the ping completes.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Scheduler struct {
	pinger Pinger
	lock   WakeLock
	clock  clock.Clock
	logger Logger

	mu       sync.Mutex
	running  bool
	interval time.Duration
	timer    *clock.Timer
	gen      uint64
	current  *round
}

// New creates a stopped scheduler.
func New(pinger Pinger, lock WakeLock, c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{
		pinger: pinger,
		lock:   lock,
		clock:  c,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// Start arms the first wake at now+interval. Each wake re-arms the next.
// Starting a running scheduler restarts it with the new interval.
func (s *Scheduler) Start(interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = true
	s.interval = interval
	s.armLocked(interval)
	s.logger.Debug("keepalive started", "interval", interval)
	return nil
}

// Schedule replaces the next wake with one at now+delay. Ignored while stopped.
func (s *Scheduler) Schedule(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.armLocked(delay)
}

// Stop cancels pending wakes and releases the wake lock if a ping is still
// outstanding. A late completion of that ping is ignored. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	r := s.current
	s.current = nil
	s.mu.Unlock()

	if r != nil {
		s.release(r)
	}
	if wasRunning {
		s.logger.Debug("keepalive stopped")
	}
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) armLocked(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() { s.wake(gen) })
}

func (s *Scheduler) wake(gen uint64) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}

	s.armLocked(s.interval)

	if s.current != nil {
		s.mu.Unlock()
		s.logger.Warn("keepalive wake skipped", "error", ErrWakeLockHeld)
		return
	}
	if err := s.lock.Acquire(); err != nil {
		s.mu.Unlock()
		s.logger.Error("keepalive wake lock", "error", err)
		return
	}
	r := &round{}
	s.current = r
	s.mu.Unlock()

	sent := s.pinger.Ping(func(err error) { s.pingDone(r, err) })
	if !sent {
		s.logger.Debug("keepalive ping not sent")
		s.finishRound(r)
	}
}

func (s *Scheduler) pingDone(r *round, err error) {
	s.finishRound(r)

	if err != nil {
		s.logger.Warn("keepalive ping failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.armLocked(s.interval)
	}
}

func (s *Scheduler) finishRound(r *round) {
	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.mu.Unlock()
	s.release(r)
}

func (s *Scheduler) release(r *round) {
	r.once.Do(s.lock.Release)
}
