// Package mqtt provides the MQTT network engine used by the bridge.
//
// This package manages:
//   - One paho client per logical connection
//   - Asynchronous connect, publish, subscribe and unsubscribe with
//     completion callbacks
//   - Manual acknowledgement of inbound messages after they are stored
//   - Last Will and Testament (LWT) and retained online/offline status
//   - A heartbeat publish used as the keepalive ping
//
// # Architecture
//
// The engine never reconnects on its own. paho's auto-reconnect is off and
// the bridge's reconnection controller decides when to call Connect again,
// so reconnect storms after a network flap are rate limited in one place.
//
//	Application ↔ Bridge ↔ Engine (paho) ↔ MQTT Broker
//
// # Acknowledgement
//
// Auto-ack is disabled. The inbound handler is expected to persist the
// message; the engine sends PUBACK/PUBREC only when it returns nil, so a
// message that could not be stored is redelivered by the broker.
//
// # Security Considerations
//
//   - TLS is required for production deployments (broker.tls=true)
//   - Credentials are validated against broker ACL
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	engine := mqtt.NewEngine(cfg.Connections[0])
//	engine.SetInboundHandler(func(in mqtt.Inbound) error {
//	    return store(in)
//	})
//	engine.Connect(func(err error) {
//	    if err != nil {
//	        log.Printf("connect failed: %v", err)
//	    }
//	})
package mqtt
