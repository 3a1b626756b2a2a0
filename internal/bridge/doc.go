// Package bridge is the application-facing side of the MQTT bridge.
//
// A Bridge owns a set of logical connections, each identified by
// "<serverURI>:<clientID>:<appID>" and driven by its own network Engine.
// Every asynchronous request (connect, publish, subscribe, unsubscribe,
// disconnect) returns a correlator.Token that completes exactly once.
//
// # Inbound path
//
//	engine callback -> arrival.Queue.Insert -> delivery goroutine -> Listener
//
// A message is committed to the durable queue before the broker is
// acknowledged and before the application sees it. In AckAuto mode it is
// discarded when the listener returns nil; in AckManual mode it stays
// until Acknowledge. Messages that nobody consumed are replayed by
// Redeliver and whenever a listener is registered.
//
// # Outbound path
//
// While a connection is not connected, publishes go to the outbox buffer.
// The buffer is flushed oldest first on connect, under the connection's
// publish gate, so a new publish never overtakes a buffered one.
//
// # Liveness
//
// Each connection has a keepalive scheduler that pings through the engine.
// Connection state lives in the reconnect.Controller, which also decides
// when to reconnect after a connection or network loss.
package bridge
