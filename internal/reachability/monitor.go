package reachability

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Logger is the logging interface used by the monitor.
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

// Probe reports whether the network is usable.
type Probe func(ctx context.Context) bool

// DialProbe returns a Probe that succeeds when a TCP connection to addr
// can be opened within timeout.
func DialProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close() //nolint:errcheck // Probe connection only
		return true
	}
}

// Handler receives reachability transitions.
type Handler interface {
	OnReachabilityLost()
	OnReachabilityRegained(ctx context.Context) int
}

// Monitor probes periodically and reports transitions to its handlers.
// The first probe establishes the baseline: a network that is down at
// start is reported as lost, one that is up is not reported.
type Monitor struct {
	probe    Probe
	interval time.Duration
	clock    clock.Clock

	mu        sync.Mutex
	handlers  []Handler
	known     bool
	reachable bool

	logger Logger
}

// NewMonitor creates a monitor running probe every interval.
func NewMonitor(probe Probe, interval time.Duration) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
		clock:    clock.New(),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.logger = logger
}

// SetClock sets the clock driving the probe ticker.
func (m *Monitor) SetClock(c clock.Clock) {
	m.clock = c
}

// Subscribe adds a handler. Call before Run.
func (m *Monitor) Subscribe(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Reachable returns the last probe result; false before the first probe.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Run probes immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and dispatches a transition if the result changed.
func (m *Monitor) Check(ctx context.Context) {
	up := m.probe(ctx)
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	changed := !m.known || up != m.reachable
	first := !m.known
	m.known = true
	m.reachable = up
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	if !changed || (first && up) {
		return
	}

	if up {
		m.logger.Info("network reachable again")
		for _, h := range handlers {
			h.OnReachabilityRegained(ctx)
		}
		return
	}

	m.logger.Warn("network unreachable")
	for _, h := range handlers {
		h.OnReachabilityLost()
	}
}
