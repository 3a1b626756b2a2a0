package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/mqttbridge/internal/bridge"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/config"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultOperationTimeout bounds publish and subscribe requests that wait
// for the broker when no timeout is configured.
const defaultOperationTimeout = 30 * time.Second

// HealthChecker is a dependency whose health is reported by /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config           config.APIConfig
	WS               config.WebSocketConfig
	Logger           *logging.Logger
	Bridge           *bridge.Bridge
	Database         HealthChecker // optional
	OperationTimeout time.Duration
	ExternalHub      *Hub // If set, the server uses this hub instead of creating its own
	Version          string
}

// Server is the local HTTP API of the bridge.
//
// It manages the HTTP listener, routes, middleware, and the WebSocket hub
// that streams arrivals to applications. The server is created with New()
// and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	bridge    *bridge.Bridge
	database  HealthChecker
	opTimeout time.Duration
	version   string
	startTime time.Time

	server      *http.Server
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, bridge)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	opTimeout := deps.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOperationTimeout
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		bridge:    deps.Bridge,
		database:  deps.Database,
		opTimeout: opTimeout,
		version:   deps.Version,
		startTime: time.Now(),
	}

	// Use the externally-provided hub if available (main registers it as
	// connection listener before the API starts).
	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	s.wireHub()

	return s, nil
}

// Hub returns the WebSocket hub streaming bridge events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// wireHub connects the hub's client requests to the bridge: a client
// subscribing to the message stream triggers redelivery of everything
// parked, and ack requests acknowledge stored messages.
func (s *Server) wireHub() {
	s.hub.SetOnSubscribe(func(channel string) {
		if channel != WSChannelMessages {
			return
		}
		for _, info := range s.bridge.Connections() {
			if err := s.bridge.Redeliver(info.Identity); err != nil {
				s.logger.Debug("redeliver on subscribe failed", "identity", info.Identity, "error", err)
			}
		}
	})
	s.hub.SetAckHandler(func(ctx context.Context, identity, messageID string) bool {
		return s.bridge.Acknowledge(ctx, bridge.Identity(identity), messageID)
	})
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, and launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
