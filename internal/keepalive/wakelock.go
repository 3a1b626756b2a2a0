package keepalive

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// WakeLock keeps the host awake for the duration of one ping.
// Implementations must tolerate Release without a matching Acquire.
type WakeLock interface {
	Acquire() error
	Release()
}

// TrackingLock is a WakeLock for hosts without a power manager. It records
// how often and for how long it was held, which is what the bridge reports.
type TrackingLock struct {
	clock clock.Clock

	mu         sync.Mutex
	held       bool
	acquiredAt time.Time
	acquired   int
	heldFor    time.Duration
}

// NewTrackingLock creates an unheld lock.
func NewTrackingLock(c clock.Clock) *TrackingLock {
	if c == nil {
		c = clock.New()
	}
	return &TrackingLock{clock: c}
}

// Acquire takes the lock. Taking it twice is ErrWakeLockHeld.
func (l *TrackingLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return ErrWakeLockHeld
	}
	l.held = true
	l.acquiredAt = l.clock.Now()
	l.acquired++
	return nil
}

// Release drops the lock if held.
func (l *TrackingLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false
	l.heldFor += l.clock.Since(l.acquiredAt)
}

// Held reports whether the lock is currently held.
func (l *TrackingLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Stats returns how many times the lock was acquired and the total time
// it has been held, excluding a hold in progress.
func (l *TrackingLock) Stats() (acquired int, heldFor time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, l.heldFor
}
