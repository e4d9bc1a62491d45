package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/workspace-sync/internal/session"
	"github.com/example/workspace-sync/internal/types"
)

// Authenticator resolves the viewer of the inbound HTTP request before the
// connection is upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (types.ViewerID, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (types.ViewerID, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (types.ViewerID, error) {
	return f(r)
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	ReadLimit          int64
	// RateLimit caps inbound frames per second per connection; excess frames
	// are delayed, not dropped.
	RateLimit float64
	RateBurst int
}

// Gateway upgrades HTTP requests into sync connections, resolves the
// caller's identity and hands each connection to the session coordinator.
type Gateway struct {
	auth     Authenticator
	coord    *session.Coordinator
	registry *ConnectionRegistry
	logger   zerolog.Logger
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, coord *session.Coordinator, registry *ConnectionRegistry, logger zerolog.Logger, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if coord == nil {
		return nil, errors.New("session coordinator is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 200
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 50
	}
	return &Gateway{
		auth:     auth,
		coord:    coord,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Identity travels in the hello and the upgrade request, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	_, span := tracer.Start(r.Context(), "ws.upgrade")
	defer span.End()
	start := time.Now()

	viewer, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.Observe(time.Since(start).Seconds())

	childLogger := g.logger.With().Str("viewer", string(viewer)).Str("remote", r.RemoteAddr).Logger()
	var connection *Connection
	connection = newConnection(wsConn, viewer, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
		readLimit:          g.cfg.ReadLimit,
		rateLimit:          rate.Limit(g.cfg.RateLimit),
		rateBurst:          g.cfg.RateBurst,
	}, func() {
		g.registry.Unregister(connection)
	})
	connection.peer = g.coord.Connect(connection, viewer)

	g.registry.Register(connection)
	childLogger.Debug().Msg("websocket connection established")

	go connection.Run()
}

// Shutdown closes every live connection with 1001.
func (g *Gateway) Shutdown() int {
	return g.registry.CloseAll(closeGoingAway, "server shutting down")
}
