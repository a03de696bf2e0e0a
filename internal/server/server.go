// Package server exposes the relay to clients: the WebSocket endpoint,
// health and readiness checks, and an HTTP publish endpoint for external
// producers.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"update-relay/internal/config"
	"update-relay/internal/relay"
)

// Channel is the part of the channel adapter the server needs.
type Channel interface {
	Publish(ctx context.Context, payload []byte) error
	Connected() bool
}

// Config holds server configuration.
type Config struct {
	Address         string
	WSPath          string
	AllowedOrigins  []string
	MaxPublishBody  int64
	ShutdownTimeout time.Duration
}

// ConfigFrom extracts server settings from the relay configuration.
func ConfigFrom(cfg config.ServerConfig) Config {
	return Config{
		Address:         cfg.Addr,
		WSPath:          cfg.WSPath,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxPublishBody:  cfg.MaxPublishBody,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Server accepts client connections and hands them to the session manager.
type Server struct {
	config   Config
	manager  *relay.Manager
	channel  Channel
	logger   *slog.Logger
	engine   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
}

// New creates a server.
func New(cfg Config, m *relay.Manager, ch Channel, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/"
	}
	if cfg.MaxPublishBody <= 0 {
		cfg.MaxPublishBody = 1 << 20
	}

	s := &Server{
		config:  cfg,
		manager: m,
		channel: ch,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	engine.GET(cfg.WSPath, s.handleWebSocket)
	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)
	engine.POST("/publish", s.handlePublish)
	s.engine = engine

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the listener's address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled, then shuts down within ShutdownTimeout.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("relay_server_starting",
		slog.String("addr", listener.Addr().String()),
		slog.String("ws_path", s.config.WSPath))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("relay_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown; the
		// session manager closes them.
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("relay_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("relay_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Warn("websocket_upgrade_failed",
			slog.String("remote_addr", c.Request.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	sess, err := s.manager.Connect(conn)
	if err != nil {
		s.logger.Warn("session_connect_failed",
			slog.String("remote_addr", c.Request.RemoteAddr),
			slog.String("error", err.Error()))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	s.logger.Debug("websocket_connection_accepted",
		slog.String("session_id", sess.ID()),
		slog.String("remote_addr", c.Request.RemoteAddr))
}

// HealthResponse is the body of /health and /ready.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions,omitempty"`
}

// PublishResponse is the body of a successful /publish.
type PublishResponse struct {
	Status string `json:"status"`
	Bytes  int    `json:"bytes"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReady reports ready only while the channel adapter holds both roles.
func (s *Server) handleReady(c *gin.Context) {
	if !s.channel.Connected() {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "not_ready"})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ready", Sessions: s.manager.Count()})
}

// handlePublish republishes the raw request body on the shared channel, as
// if a connected session had sent it.
func (s *Server) handlePublish(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.config.MaxPublishBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read body"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty message"})
		return
	}
	if int64(len(body)) > s.config.MaxPublishBody {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "message too large"})
		return
	}

	if err := s.channel.Publish(c.Request.Context(), body); err != nil {
		s.logger.Warn("http_publish_failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, PublishResponse{Status: "accepted", Bytes: len(body)})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == s.config.WSPath && c.Writer.Status() == http.StatusSwitchingProtocols {
			return
		}
		s.logger.Debug("http_request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

// originChecker allows any origin when allowed is empty.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
