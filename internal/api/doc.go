// Package api implements the local HTTP API and WebSocket stream of the
// MQTT bridge.
//
// This package provides:
//   - REST endpoints to inspect connections, publish, subscribe and manage
//     the durable arrival queue and the offline publish buffer
//   - WebSocket hub that streams stored messages, connection events and
//     delivery confirmations, and accepts acknowledgements
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// Applications that cannot link the bridge as a library talk to it here.
// The Hub is the bridge listener of every configured connection: an inbound
// message is stored first, then streamed to clients subscribed to the
// "messages" channel. A message that reached no client stays stored and is
// replayed when a client subscribes.
//
// Connection identities contain "://" and ':' and appear path-escaped in
// URLs: /api/v1/connections/tcp:%2F%2Fbroker:1883:sensor-gw:mqttbridge.
//
// # Security
//
// The API has no authentication and is meant to listen on loopback only.
package api
