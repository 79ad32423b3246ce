// Package gateway exposes the session registry over HTTP and streams
// registry events to websocket clients.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/sandesh/internal/observability"
	"github.com/harun/sandesh/internal/tracing"
	"github.com/harun/sandesh/pkg/bridge"
	"github.com/harun/sandesh/pkg/transport/loopback"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxInboundSize = 4096
)

// Server is the HTTP and websocket front of the registry.
type Server struct {
	addr         string
	pingInterval time.Duration
	server       *http.Server
	listener     net.Listener
	upgrader     websocket.Upgrader
	hub          *Hub
	authHandler  *AuthHandler
	limiter      *ClientRateLimiter
	registry     *bridge.Registry
	loopback     *loopback.Transport
	unsubscribe  func()
	logger       zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	streams        sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	// Addr is the listen address, for example ":8085" or "127.0.0.1:0".
	Addr         string
	SharedSecret string
	// RequestsPerMinute and MaxConcurrent bound each client address.
	RequestsPerMinute int
	MaxConcurrent     int
	PingInterval      time.Duration
	Registry          *bridge.Registry
	// Loopback enables the pairing and inbound endpoints.
	Loopback *loopback.Transport
	Logger   zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8085"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	s := &Server{
		addr:         cfg.Addr,
		pingInterval: cfg.PingInterval,
		hub:          NewHub(logger),
		authHandler:  NewAuthHandler(cfg.SharedSecret),
		limiter:      NewClientRateLimiterWithLimits(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		registry:     cfg.Registry,
		loopback:     cfg.Loopback,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.unsubscribe = cfg.Registry.Subscribe(s.hub.Notify)
	if cfg.Loopback != nil {
		cfg.Loopback.OnOutbound(s.hub.Outbound)
	}

	if cfg.SharedSecret == "" {
		logger.Warn().Msg("Gateway shared secret is empty, API is unauthenticated")
	}

	return s, nil
}

// Handler returns the routed API. /healthz and /metrics skip authentication.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /sessions", s.handleCreateSession)
	api.HandleFunc("GET /sessions", s.handleListSessions)
	api.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	api.HandleFunc("DELETE /sessions/{id}", s.handleDestroySession)
	api.HandleFunc("POST /sessions/{id}/initialize", s.handleInitializeSession)
	api.HandleFunc("POST /sessions/{id}/messages", s.handleSendMessage)
	api.HandleFunc("POST /sessions/{id}/inbound", s.handleInbound)
	api.HandleFunc("POST /sessions/{id}/pair", s.handlePair)
	api.HandleFunc("GET /clients", s.handleListClients)
	api.HandleFunc("GET /ws", s.handleWebSocket)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/", s.authHandler.Middleware(s.limiter.Middleware(s.traced(api))))
	return mux
}

// traced attaches trace and request ids to the request context and echoes
// them back. A caller-supplied trace id is kept; request ids are always fresh.
func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		requestID := tracing.NewTraceID()
		w.Header().Set("X-Trace-Id", traceID)
		w.Header().Set("X-Request-Id", requestID)
		ctx := tracing.WithRequestID(tracing.WithTraceID(r.Context(), traceID), requestID)

		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Gateway request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the Gateway Server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.unsubscribe()

	s.hub.Publish(EventServerShutdown, "", map[string]interface{}{
		"message": "Server is shutting down",
	})
	if n := s.hub.CloseAll("server shutdown"); n > 0 {
		s.logger.Info().Int("clients", n).Msg("Closed stream clients")
	}

	var err error
	if s.server != nil {
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shutdown server: %w", shutdownErr)
		}
	}

	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return err
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleWebSocket streams registry events. ?session=<id> narrows the stream
// to one session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}

	filter := r.URL.Query().Get("session")
	if filter != "" {
		if _, err := s.registry.Get(filter); err != nil {
			writeFailure(w, err)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	now := time.Now()
	client := &Client{
		ID:            uuid.NewString(),
		Conn:          conn,
		ConnectedAt:   now,
		LastActivity:  now,
		IPAddress:     clientAddress(r),
		SessionFilter: filter,
	}
	s.hub.Join(client)

	s.logger.Info().
		Str("clientId", client.ID).
		Str("ip", client.IPAddress).
		Str("session", filter).
		Msg("Client connected")

	s.streams.Add(1)
	go s.handleClient(client)
}

// handleClient reads until the client goes away and keeps the connection
// alive with pings. Client frames carry no commands.
func (s *Server) handleClient(client *Client) {
	defer s.streams.Done()

	done := make(chan struct{})
	defer func() {
		close(done)
		client.Conn.Close()
		s.hub.Leave(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	client.Conn.SetReadLimit(maxInboundSize)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		s.hub.Touch(client.ID)
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.WriteControl(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.hub.Touch(client.ID)
	}
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.hub.Clients()
}

// SweepLimiter drops idle rate limiter windows.
func (s *Server) SweepLimiter() int {
	return s.limiter.Sweep()
}
