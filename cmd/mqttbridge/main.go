// MQTT Bridge - durable MQTT client service
//
// This is the main entry point for the bridge. It keeps one or more broker
// connections alive on behalf of local applications:
//   - Inbound messages are stored before they are acknowledged
//   - Publishes made while offline are buffered and sent on reconnect
//   - Keepalive pings and reconnects are driven by the bridge itself
//
// Applications talk to it over the local HTTP API and WebSocket stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/nerrad567/mqttbridge/internal/api"
	"github.com/nerrad567/mqttbridge/internal/arrival"
	"github.com/nerrad567/mqttbridge/internal/bridge"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/config"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/database"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/logging"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttbridge/internal/outbox"
	"github.com/nerrad567/mqttbridge/internal/reachability"
	"github.com/nerrad567/mqttbridge/internal/reconnect"
	"github.com/nerrad567/mqttbridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// defaultConnectRetry is the initial connect retry period when
// reconnect.retry_interval is 0.
const defaultConnectRetry = 5 * time.Second

// options are the command-line flags.
type options struct {
	configPath  string
	logLevel    string
	showVersion bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("mqttbridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses the command line. The config path falls back to
// MQTTBRIDGE_CONFIG, then to defaultConfigPath.
func parseFlags(args []string) (options, error) {
	var opts options

	fs := pflag.NewFlagSet("mqttbridge", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts.configPath = getConfigPath(opts.configPath)
	return opts, nil
}

// getConfigPath returns the configuration file path.
// A flag value wins, then MQTTBRIDGE_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("MQTTBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - opts: Parsed command-line options
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, opts options) (err error) { //nolint:gocognit,gocyclo // Startup sequence: linear wiring of every component
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting mqttbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	log.Info("configuration loaded", "path", opts.configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Every component registers its shutdown here; they run in reverse
	// order and their errors are combined.
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	db, err := database.Open(database.ConfigFrom(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	closers = append(closers, func() error {
		log.Info("closing database")
		return db.Close()
	})
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	queue := arrival.New(db.DB)
	queue.SetLogger(log)

	buffer := outbox.New(bufferPolicy(cfg.Buffer), outbox.NewSQLiteStore(db.DB))
	buffer.SetLogger(log)
	restored, err := buffer.Load(ctx)
	if err != nil {
		return fmt.Errorf("restoring publish buffer: %w", err)
	}
	if restored > 0 {
		log.Info("restored buffered publishes", "count", restored)
	}

	// Connect to InfluxDB (optional). It closes after the bridge so the
	// final disconnect events are flushed.
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		closers = append(closers, func() error {
			log.Info("closing InfluxDB connection")
			return influxClient.Close()
		})
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	b := bridge.New(bridgeConfig(cfg), queue, buffer)
	b.SetLogger(log)
	if influxClient != nil {
		b.SetTelemetry(influxClient)
	}
	closers = append(closers, func() error {
		log.Info("closing bridge")
		return b.Close()
	})

	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log)
		go hub.Run(ctx)
	}

	ids, err := addConnections(b, hub, cfg, log)
	if err != nil {
		return err
	}

	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:           cfg.API,
			WS:               cfg.WebSocket,
			Logger:           log,
			Bridge:           b,
			Database:         db,
			OperationTimeout: cfg.GetOperationTimeout(),
			ExternalHub:      hub,
			Version:          version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		closers = append(closers, srv.Close)
	}

	var wg sync.WaitGroup
	runCtx, stop := context.WithCancel(ctx)
	closers = append(closers, func() error {
		stop()
		wg.Wait()
		return nil
	})

	ctrl := b.Controller()
	wg.Go(func() { ctrl.Run(runCtx) })

	if cfg.Reachability.Enabled {
		if addr := reachabilityAddress(cfg); addr != "" {
			monitor := reachability.NewMonitor(
				reachability.DialProbe(addr, time.Duration(cfg.Reachability.Timeout)*time.Second),
				time.Duration(cfg.Reachability.Interval)*time.Second,
			)
			monitor.SetLogger(log)
			monitor.Subscribe(ctrl)
			wg.Go(func() { monitor.Run(runCtx) })
			log.Info("reachability monitor started", "address", addr)
		}
	}

	retry := time.Duration(cfg.Reconnect.RetryInterval) * time.Second
	if retry <= 0 {
		retry = defaultConnectRetry
	}
	for i, id := range ids {
		subs := topicFilters(cfg.Connections[i].Subscriptions)
		wg.Go(func() {
			startConnection(runCtx, b, id, subs, retry, cfg.GetOperationTimeout(), log)
		})
	}

	if err := healthCheck(ctx, db); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal", "connections", len(ids))

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// bridgeConfig maps the configuration onto bridge.Config.
func bridgeConfig(cfg *config.Config) bridge.Config {
	bc := bridge.Config{
		AppID:            cfg.Bridge.AppID,
		QuiesceTimeout:   cfg.GetQuiesceTimeout(),
		OperationTimeout: cfg.GetOperationTimeout(),
		Reconnect:        reconnectSettings(cfg.Reconnect),
	}
	if cfg.Keepalive.Enabled {
		bc.KeepAliveInterval = time.Duration(cfg.Keepalive.Interval) * time.Second
	}
	return bc
}

// reconnectSettings maps the reconnect section onto reconnect.Settings.
func reconnectSettings(rc config.ReconnectConfig) reconnect.Settings {
	return reconnect.Settings{
		RateLimit:        rc.RateLimit,
		Burst:            rc.Burst,
		FailureThreshold: rc.FailureThreshold,
		OpenTimeout:      time.Duration(rc.OpenTimeout) * time.Second,
		RetryInterval:    time.Duration(rc.RetryInterval) * time.Second,
	}
}

// bufferPolicy maps the buffer section onto the default outbox policy.
func bufferPolicy(bc config.BufferConfig) outbox.Policy {
	return outbox.Policy{
		Enabled:            bc.Enabled,
		Capacity:           bc.Capacity,
		PersistOnDisk:      bc.Persist,
		DropOldestWhenFull: bc.DropOldest,
	}
}

// topicFilters converts configured subscriptions to bridge filters.
func topicFilters(subs []config.SubscriptionConfig) []bridge.TopicFilter {
	filters := make([]bridge.TopicFilter, 0, len(subs))
	for _, s := range subs {
		filters = append(filters, bridge.TopicFilter{Topic: s.Topic, QoS: byte(s.QoS)}) //nolint:gosec // Validated 0-2 by config
	}
	return filters
}

// reachabilityAddress returns the address the reachability probe dials:
// the configured one, or the first connection's broker.
func reachabilityAddress(cfg *config.Config) string {
	if cfg.Reachability.Address != "" {
		return cfg.Reachability.Address
	}
	if len(cfg.Connections) == 0 {
		return ""
	}
	broker := cfg.Connections[0].Broker
	return net.JoinHostPort(broker.Host, strconv.Itoa(broker.Port))
}

// addConnections registers every configured connection with the bridge.
// When hub is non-nil it becomes each connection's listener.
func addConnections(b *bridge.Bridge, hub *api.Hub, cfg *config.Config, log *logging.Logger) ([]bridge.Identity, error) {
	ids := make([]bridge.Identity, 0, len(cfg.Connections))
	for _, cc := range cfg.Connections {
		mode, err := bridge.ParseAckMode(cc.AckMode)
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", cc.Name, err)
		}

		engine := mqtt.NewEngine(cc)
		engine.SetLogger(log.With("connection", cc.Name))

		opts := []bridge.Option{
			bridge.WithAckMode(mode),
			bridge.WithCleanSession(cc.CleanSession),
		}
		if hub != nil {
			id := bridge.MakeIdentity(cc.BrokerURL(), cc.Broker.ClientID, cfg.Bridge.AppID)
			opts = append(opts, bridge.WithListener(hub.ListenerFor(id)))
		}

		id, err := b.AddConnection(cc.BrokerURL(), cc.Broker.ClientID, engine, opts...)
		if err != nil {
			return nil, fmt.Errorf("adding connection %s: %w", cc.Name, err)
		}
		log.Info("connection configured",
			"name", cc.Name,
			"identity", id,
			"ack_mode", mode.String(),
			"clean_session", cc.CleanSession,
		)
		ids = append(ids, id)
	}
	return ids, nil
}

// startConnection makes the first connection of id, retrying every retry
// until it succeeds or ctx ends, then subscribes the configured filters.
// Later drops are handled by the reconnection controller.
func startConnection(ctx context.Context, b *bridge.Bridge, id bridge.Identity, subs []bridge.TopicFilter, retry, timeout time.Duration, log *logging.Logger) {
	for {
		err := connectOnce(ctx, b, id, timeout)
		if err == nil {
			break
		}
		if ctx.Err() != nil || errors.Is(err, bridge.ErrClosed) {
			return
		}
		log.Warn("initial connect failed, retrying", "identity", id, "retry_in", retry, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}

	if len(subs) == 0 {
		return
	}
	tok, err := b.Subscribe(id, subs, nil, nil)
	if err == nil {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err = tok.Wait(waitCtx)
		cancel()
	}
	if err != nil {
		log.Error("subscribing configured filters failed", "identity", id, "error", err)
		return
	}
	log.Info("subscribed", "identity", id, "filters", len(subs))
}

func connectOnce(ctx context.Context, b *bridge.Bridge, id bridge.Identity, timeout time.Duration) error {
	tok, err := b.Connect(id, nil, nil)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return tok.Wait(waitCtx)
}

// healthCheck verifies the infrastructure the bridge cannot run without.
// Broker connections are made in the background and are not checked.
func healthCheck(ctx context.Context, db *database.DB) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}
