package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	measurementConnectionEvents = "connection_events"
	measurementQueueDepth       = "queue_depth"
	measurementKeepalive        = "keepalive"
)

// WriteConnectionEvent records a lifecycle event of one logical connection.
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - identity: The connection identity (serverURI:clientID:appID)
//   - event: One of "connected", "connect_failed", "connection_lost",
//     "network_lost" or "disconnected"
//
// Example:
//
//	client.WriteConnectionEvent("tcp://broker:1883:sensor-gw:mqttbridge", "connected")
func (c *Client) WriteConnectionEvent(identity, event string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(connectionEventPoint(identity, event, c.now()))
}

// WriteQueueDepth records how many messages wait on one connection: stored
// arrivals not yet acknowledged and publishes buffered while offline.
func (c *Client) WriteQueueDepth(identity string, arrived, buffered int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(queueDepthPoint(identity, arrived, buffered, c.now()))
}

// WriteKeepalive records the keepalive wake lock totals of one connection
// after a completed ping: rounds that took the lock and the total time it
// was held.
func (c *Client) WriteKeepalive(identity string, acquired int, heldFor time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(keepalivePoint(identity, acquired, heldFor, c.now()))
}

func connectionEventPoint(identity, event string, at time.Time) *write.Point {
	return write.NewPoint(
		measurementConnectionEvents,
		map[string]string{
			"identity": identity,
			"event":    event,
		},
		map[string]any{
			"count": 1,
		},
		at,
	)
}

func queueDepthPoint(identity string, arrived, buffered int, at time.Time) *write.Point {
	return write.NewPoint(
		measurementQueueDepth,
		map[string]string{
			"identity": identity,
		},
		map[string]any{
			"arrived":  arrived,
			"buffered": buffered,
		},
		at,
	)
}

func keepalivePoint(identity string, acquired int, heldFor time.Duration, at time.Time) *write.Point {
	return write.NewPoint(
		measurementKeepalive,
		map[string]string{
			"identity": identity,
		},
		map[string]any{
			"acquired": acquired,
			"held_ms":  heldFor.Milliseconds(),
		},
		at,
	)
}
