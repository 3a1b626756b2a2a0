// Package reconnect tracks the liveness of logical connections and drives
// reconnection.
//
// Each connection is Disconnected, Connecting, Connected or
// OfflineBuffering. Reachability changes from the host move connections
// offline and back; a regained network triggers exactly one attempt per
// connection the application still expects to be connected. A per
// connection circuit breaker stops hammering a broker that keeps refusing,
// and a shared rate limiter spaces attempts when many connections come
// back at once.
package reconnect
