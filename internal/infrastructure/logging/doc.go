// Package logging provides structured logging for the MQTT bridge.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the bridge components.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error), changeable at runtime
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("connected", "identity", id)
//	queue.SetLogger(logger.With("component", "arrival"))
//
// # Security
//
// Never log broker passwords or message payloads. Payload sizes are fine.
package logging
