package bridge

import (
	"github.com/nerrad567/mqttbridge/internal/correlator"
)

// ping sends one keepalive probe on c. It is the keepalive Pinger.
func (b *Bridge) ping(c *connection, done func(err error)) bool {
	tok, err := b.corr.Issue(correlator.Operation{
		Kind:       correlator.KindPing,
		Connection: string(c.id),
		Listener: correlator.ListenerFuncs{
			Success: func(*correlator.Token) {
				done(nil)
				acquired, held := c.lock.Stats()
				b.telemetry.WriteKeepalive(string(c.id), acquired, held)
			},
			Failure: func(_ *correlator.Token, err error) { done(err) },
		},
	})
	if err != nil {
		b.logger.Warn("keepalive ping not issued", "identity", c.id, "error", err)
		return false
	}

	h := tok.Handle()
	sent := c.engine.Ping(func(err error) {
		b.corr.Complete(h, err) //nolint:errcheck // Unknown once failed by connection loss
	})
	if !sent {
		b.corr.Resolve(h)
		return false
	}
	b.trace(c, "keepalive ping sent", "handle", h)
	return true
}

func (b *Bridge) startKeepalive(c *connection) {
	if c.keepAlive <= 0 {
		return
	}
	if err := c.keepalive.Start(c.keepAlive); err != nil {
		b.logger.Warn("keepalive not started", "identity", c.id, "error", err)
	}
}

// stopKeepalive stops the schedule and fails pings still in flight so the
// wake lock is released.
func (b *Bridge) stopKeepalive(c *connection) {
	c.keepalive.Stop()
	for _, tok := range b.corr.Pending(string(c.id), correlator.KindPing) {
		b.corr.Complete(tok.Handle(), ErrConnectionClosed) //nolint:errcheck // May race with the reply
	}
}

// handleConnectionLost is the engine's report that an established
// connection dropped.
func (b *Bridge) handleConnectionLost(c *connection, cause error) {
	if !c.markOffline() {
		return
	}
	b.stopKeepalive(c)
	b.ctrl.ConnectionLost(string(c.id))

	b.telemetry.WriteConnectionEvent(string(c.id), "connection_lost")
	b.logger.Warn("connection lost", "identity", c.id, "error", cause)

	if l := c.getListener(); l != nil {
		b.safely(c, "ConnectionLost", func() { l.ConnectionLost(cause) })
	}
}

// handleNetworkLost is the reconnection controller's report that the
// network went away while c was connected. The reason is unknown.
func (b *Bridge) handleNetworkLost(c *connection) {
	if !c.markOffline() {
		return
	}
	b.stopKeepalive(c)

	b.telemetry.WriteConnectionEvent(string(c.id), "network_lost")
	b.logger.Warn("network lost", "identity", c.id)

	if l := c.getListener(); l != nil {
		b.safely(c, "ConnectionLost", func() { l.ConnectionLost(nil) })
	}
}
