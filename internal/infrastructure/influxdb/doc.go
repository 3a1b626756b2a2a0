// Package influxdb records MQTT bridge telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched writes and health monitoring. The bridge writes
// these measurements through it:
//   - connection_events: one point per lifecycle event of a connection
//   - queue_depth: stored arrivals and buffered publishes per connection
//   - keepalive: wake lock acquisitions and total hold time per connection
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "home",
//	    Bucket: "mqttbridge",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	b.SetTelemetry(client)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size, flush_interval).
// A broker outage produces bursts of events; batching keeps them off the
// bridge's hot path.
package influxdb
