// session_manager.go
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"update-relay/internal/config"
	"update-relay/internal/metrics"
)

// ErrManagerClosed is returned by Connect once the manager loop has exited.
var ErrManagerClosed = errors.New("session manager closed")

// ErrSendBufferFull means a session did not drain its outbound queue in time.
var ErrSendBufferFull = errors.New("session send buffer full")

// DeliveryError reports a failed delivery to one session. The session is
// dropped; the error is never propagated to other sessions.
type DeliveryError struct {
	SessionID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to session %s: %v", e.SessionID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Publisher republishes session messages on the shared channel.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// DefaultGreeting is sent to every session when it connects.
const DefaultGreeting = "Hi!"

// Config holds per-session settings. An empty Greeting means DefaultGreeting.
type Config struct {
	Greeting       string
	SendBuffer     int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	RateLimit      float64
	RateBurst      int
}

// ConfigFrom extracts session settings from the relay configuration.
func ConfigFrom(cfg config.SessionConfig) Config {
	return Config{
		Greeting:       cfg.Greeting,
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	}
}

func (c Config) withDefaults() Config {
	if c.Greeting == "" {
		c.Greeting = DefaultGreeting
	}
	if c.SendBuffer < 1 {
		c.SendBuffer = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		c.RateBurst = 1
	}
	return c
}

// pingPeriod must be less than PongWait.
func (c Config) pingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

func (c Config) limiter() *rate.Limiter {
	if c.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(c.RateLimit), c.RateBurst)
}

// Manager owns the live sessions and fans channel messages out to them.
// The sessions map is only touched by the Run goroutine.
type Manager struct {
	cfg       Config
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	sessions   map[string]*Session
	register   chan *Session
	unregister chan *Session
	count      chan chan int
	done       chan struct{}

	// ctx scopes publishes made on behalf of sessions; cancelled on exit.
	ctx    context.Context
	cancel context.CancelFunc
}

// Session is one connected client.
type Session struct {
	id      string
	conn    Conn
	send    chan []byte
	manager *Manager
	limiter *rate.Limiter
}
