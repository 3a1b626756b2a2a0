package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/mqttbridge/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for a connection attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for a status or heartbeat publish.
	defaultPublishTimeout = 5 * time.Second

	// defaultSubscribeTimeout bounds subscribe and unsubscribe acknowledgements.
	defaultSubscribeTimeout = 10 * time.Second

	// defaultKeepAlive is used when the connection config leaves keep_alive unset.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// buildClientOptions creates paho MQTT options from a connection config.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Clean session mode from config
//   - Manual acknowledgement of inbound messages
//   - TLS configuration (if enabled)
//
// Automatic reconnection is disabled: the bridge's reconnection controller
// decides when to reconnect.
func buildClientOptions(cfg config.ConnectionConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(cfg.Broker.ClientID)

	// Authentication (if credentials provided)
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(cfg.CleanSession)

	// Reconnection is driven by the bridge, never by paho.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	// An inbound message is acknowledged only once it is stored.
	opts.SetAutoAckDisabled(true)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetWriteTimeout(defaultPublishTimeout)

	keepAlive := defaultKeepAlive
	if cfg.KeepAlive > 0 {
		keepAlive = time.Duration(cfg.KeepAlive) * time.Second
	}
	opts.SetKeepAlive(keepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts
}

// statusTopic returns the configured status topic or the default for the client.
func statusTopic(cfg config.ConnectionConfig) string {
	if cfg.StatusTopic != "" {
		return cfg.StatusTopic
	}
	return Topics{}.Status(cfg.Broker.ClientID)
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// QoS: 1 (guaranteed delivery)
// Retained: true (new subscribers see last status)
func configureLWT(opts *pahomqtt.ClientOptions, topic, clientID string) {
	willPayload := fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)

	opts.SetWill(topic, willPayload, 1, true)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildHeartbeatPayload creates the payload of a keepalive ping.
func buildHeartbeatPayload(clientID string, at time.Time) []byte {
	return fmt.Appendf(nil, `{"client_id":"%s","timestamp":"%s"}`, clientID, at.UTC().Format(time.RFC3339Nano))
}
