package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the MQTT bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge       BridgeConfig       `yaml:"bridge"`
	Database     DatabaseConfig     `yaml:"database"`
	Connections  []ConnectionConfig `yaml:"connections"`
	Keepalive    KeepaliveConfig    `yaml:"keepalive"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Buffer       BufferConfig       `yaml:"buffer"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// BridgeConfig contains settings for the bridge process itself.
type BridgeConfig struct {
	// AppID is the third component of every connection identity
	// (serverURI:clientID:appID). Two bridges sharing a database must use
	// different values.
	AppID string `yaml:"app_id"`

	// OperationTimeout bounds blocking waits issued by the bridge itself
	// (shutdown disconnects, API publish with wait=true). Seconds.
	OperationTimeout int `yaml:"operation_timeout"`

	// QuiesceTimeout is how long a disconnect waits for in-flight work. Milliseconds.
	QuiesceTimeout int `yaml:"quiesce_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// ConnectionConfig describes one logical broker connection.
type ConnectionConfig struct {
	Name          string               `yaml:"name"`
	Broker        MQTTBrokerConfig     `yaml:"broker"`
	Auth          MQTTAuthConfig       `yaml:"auth"`
	CleanSession  bool                 `yaml:"clean_session"`
	KeepAlive     int                  `yaml:"keep_alive"`
	AckMode       string               `yaml:"ack_mode"`
	StatusTopic   string               `yaml:"status_topic"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SubscriptionConfig is a topic filter subscribed right after the first connect.
type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
	QoS   int    `yaml:"qos"`
}

// KeepaliveConfig controls the bridge-driven keepalive ping.
type KeepaliveConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"`
}

// ReconnectConfig contains reconnection control loop settings.
type ReconnectConfig struct {
	// RetryInterval is the period of the sweep that retries offline
	// connections even without a reachability change. Seconds. 0 disables.
	RetryInterval int `yaml:"retry_interval"`

	// RateLimit is the sustained number of reconnect attempts per second
	// across all connections, Burst the number allowed at once.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	// FailureThreshold consecutive failed attempts open the per-connection
	// breaker for OpenTimeout seconds.
	FailureThreshold int `yaml:"failure_threshold"`
	OpenTimeout      int `yaml:"open_timeout"`
}

// BufferConfig is the default disconnected publish buffer policy.
type BufferConfig struct {
	Enabled    bool `yaml:"enabled"`
	Capacity   int  `yaml:"capacity"`
	Persist    bool `yaml:"persist"`
	DropOldest bool `yaml:"drop_oldest"`
}

// ReachabilityConfig controls the network reachability probe.
type ReachabilityConfig struct {
	Enabled bool `yaml:"enabled"`
	// Address is dialled over TCP to decide whether the network is up.
	// Empty means the first connection's broker address.
	Address  string `yaml:"address"`
	Interval int    `yaml:"interval"`
	Timeout  int    `yaml:"timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MQTTBRIDGE_SECTION_KEY
// For example: MQTTBRIDGE_DATABASE_PATH, MQTTBRIDGE_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyConnectionDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			AppID:            "mqttbridge",
			OperationTimeout: 30,
			QuiesceTimeout:   250,
		},
		Database: DatabaseConfig{
			Path:        "./data/mqttbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Keepalive: KeepaliveConfig{
			Enabled:  true,
			Interval: 60,
		},
		Reconnect: ReconnectConfig{
			RetryInterval:    30,
			RateLimit:        2,
			Burst:            4,
			FailureThreshold: 5,
			OpenTimeout:      60,
		},
		Buffer: BufferConfig{
			Enabled:  true,
			Capacity: 5000,
		},
		Reachability: ReachabilityConfig{
			Enabled:  true,
			Interval: 10,
			Timeout:  3,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyConnectionDefaults fills per-connection fields left empty in YAML.
func applyConnectionDefaults(cfg *Config) {
	for i := range cfg.Connections {
		c := &cfg.Connections[i]
		if c.Broker.Port == 0 {
			c.Broker.Port = 1883
		}
		if c.KeepAlive == 0 {
			c.KeepAlive = 60
		}
		if c.AckMode == "" {
			c.AckMode = "auto"
		}
		if c.Name == "" {
			c.Name = c.Broker.ClientID
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MQTTBRIDGE_SECTION_KEY.
// Broker overrides apply to the first connection only.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MQTTBRIDGE_APP_ID"); v != "" {
		cfg.Bridge.AppID = v
	}

	if v := os.Getenv("MQTTBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if len(cfg.Connections) > 0 {
		first := &cfg.Connections[0]
		if v := os.Getenv("MQTTBRIDGE_MQTT_HOST"); v != "" {
			first.Broker.Host = v
		}
		if v := os.Getenv("MQTTBRIDGE_MQTT_PORT"); v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				first.Broker.Port = port
			}
		}
		if v := os.Getenv("MQTTBRIDGE_MQTT_USERNAME"); v != "" {
			first.Auth.Username = v
		}
		if v := os.Getenv("MQTTBRIDGE_MQTT_PASSWORD"); v != "" {
			first.Auth.Password = v
		}
	}

	if v := os.Getenv("MQTTBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("MQTTBRIDGE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("MQTTBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("MQTTBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.AppID == "" {
		errs = append(errs, "bridge.app_id is required")
	}
	if strings.Contains(c.Bridge.AppID, ":") {
		errs = append(errs, "bridge.app_id must not contain ':'")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	seen := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		prefix := fmt.Sprintf("connections[%d]", i)
		if conn.Broker.Host == "" {
			errs = append(errs, prefix+".broker.host is required")
		}
		if conn.Broker.Port < 1 || conn.Broker.Port > 65535 {
			errs = append(errs, prefix+".broker.port must be between 1 and 65535")
		}
		if conn.Broker.ClientID == "" {
			errs = append(errs, prefix+".broker.client_id is required")
		}
		if seen[conn.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is duplicated", prefix, conn.Name))
		}
		seen[conn.Name] = true
		switch strings.ToLower(conn.AckMode) {
		case "auto", "manual":
		default:
			errs = append(errs, prefix+".ack_mode must be auto or manual")
		}
		for j, sub := range conn.Subscriptions {
			if sub.Topic == "" {
				errs = append(errs, fmt.Sprintf("%s.subscriptions[%d].topic is required", prefix, j))
			}
			if sub.QoS < 0 || sub.QoS > 2 {
				errs = append(errs, fmt.Sprintf("%s.subscriptions[%d].qos must be 0, 1, or 2", prefix, j))
			}
		}
	}

	if c.Keepalive.Enabled && c.Keepalive.Interval < 1 {
		errs = append(errs, "keepalive.interval must be at least 1 second")
	}

	if c.Reconnect.RateLimit <= 0 {
		errs = append(errs, "reconnect.rate_limit must be positive")
	}
	if c.Reconnect.Burst < 1 {
		errs = append(errs, "reconnect.burst must be at least 1")
	}
	if c.Reconnect.FailureThreshold < 1 {
		errs = append(errs, "reconnect.failure_threshold must be at least 1")
	}

	if c.Buffer.Enabled && c.Buffer.Capacity < 1 {
		errs = append(errs, "buffer.capacity must be at least 1 when the buffer is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// BrokerURL returns the paho server URI for the connection.
func (c ConnectionConfig) BrokerURL() string {
	scheme := "tcp"
	if c.Broker.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Broker.Host, c.Broker.Port)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetOperationTimeout returns the bridge operation timeout as a Duration.
func (c *Config) GetOperationTimeout() time.Duration {
	return time.Duration(c.Bridge.OperationTimeout) * time.Second
}

// GetQuiesceTimeout returns the disconnect quiesce period as a Duration.
func (c *Config) GetQuiesceTimeout() time.Duration {
	return time.Duration(c.Bridge.QuiesceTimeout) * time.Millisecond
}
