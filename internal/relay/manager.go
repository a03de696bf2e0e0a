// manager.go

// Central event loop. The manager handles session registration, unregistration
// and fan-out of messages arriving from the shared channel.
package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"update-relay/internal/medium"
	"update-relay/internal/metrics"
)

// ErrSubscriptionClosed is returned by Run when the inbound stream ends.
var ErrSubscriptionClosed = errors.New("channel subscription closed")

// NewManager creates a manager that republishes session messages through
// publisher. Run must be started for Connect to make progress.
func NewManager(cfg Config, publisher Publisher, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg.withDefaults(),
		publisher:  publisher,
		logger:     logger,
		metrics:    m,
		sessions:   make(map[string]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run is the manager loop. It delivers every message from inbound to every
// registered session and returns when ctx is done (nil) or inbound is
// closed (ErrSubscriptionClosed). All sessions are closed on return.
func (m *Manager) Run(ctx context.Context, inbound <-chan medium.Message) error {
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case s := <-m.register:
			// send is fresh and buffered, so the greeting is queued ahead
			// of any channel message.
			s.send <- []byte(m.cfg.Greeting)
			m.sessions[s.id] = s
			m.metrics.SessionOpened()
			m.logger.Debug("session_registered",
				slog.String("session_id", s.id),
				slog.Int("sessions", len(m.sessions)))

		case s := <-m.unregister:
			if m.remove(s) {
				m.logger.Debug("session_unregistered",
					slog.String("session_id", s.id),
					slog.Int("sessions", len(m.sessions)))
			}

		case reply := <-m.count:
			reply <- len(m.sessions)

		case msg, ok := <-inbound:
			if !ok {
				return ErrSubscriptionClosed
			}
			m.deliver(msg)
		}
	}
}

// deliver queues msg on every session without blocking. A session whose
// queue is full is dropped.
func (m *Manager) deliver(msg medium.Message) {
	delivered := 0
	for id, s := range m.sessions {
		select {
		case s.send <- msg.Payload:
			delivered++
		default:
			err := &DeliveryError{SessionID: id, Err: ErrSendBufferFull}
			m.logger.Warn("session_delivery_failed",
				slog.String("session_id", id),
				slog.String("channel", msg.Channel),
				slog.String("error", err.Error()))
			m.remove(s)
			m.metrics.Dropped("send_buffer_full")
		}
	}
	m.metrics.Delivered(delivered)
}

// remove drops s from the registry and closes its queue; the writer then
// closes the transport. Reports whether s was registered.
func (m *Manager) remove(s *Session) bool {
	cur, ok := m.sessions[s.id]
	if !ok || cur != s {
		return false
	}
	delete(m.sessions, s.id)
	close(s.send)
	m.metrics.SessionClosed()
	return true
}

func (m *Manager) shutdown() {
	m.cancel()
	for _, s := range m.sessions {
		m.remove(s)
	}
	close(m.done)
	m.logger.Info("session_manager_stopped")
}

// Connect registers a new session on conn, queues the greeting to it and
// starts its reader and writer.
func (m *Manager) Connect(conn Conn) (*Session, error) {
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, m.cfg.SendBuffer),
		manager: m,
		limiter: m.cfg.limiter(),
	}

	select {
	case m.register <- s:
	case <-m.done:
		return nil, ErrManagerClosed
	}

	go s.write()
	go s.read()

	return s, nil
}

// Disconnect removes s from fan-out and closes its transport. Safe to call
// more than once and after the manager has stopped.
func (m *Manager) Disconnect(s *Session) {
	select {
	case m.unregister <- s:
	case <-m.done:
	}
	s.conn.Close()
}

// Count returns the number of registered sessions, or 0 once stopped.
func (m *Manager) Count() int {
	reply := make(chan int, 1)
	select {
	case m.count <- reply:
		return <-reply
	case <-m.done:
		return 0
	}
}

// Done is closed when Run has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// publish forwards one inbound frame from s to the shared channel. Local
// sessions receive it only through the subscription round trip.
func (m *Manager) publish(s *Session, payload []byte) {
	if err := m.publisher.Publish(m.ctx, payload); err != nil {
		if m.ctx.Err() != nil {
			return
		}
		m.logger.Warn("session_publish_failed",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()))
	}
}

// deliveryFailed handles a transport write error on s.
func (m *Manager) deliveryFailed(s *Session, err error) {
	derr := &DeliveryError{SessionID: s.id, Err: err}
	m.logger.Info("session_delivery_failed",
		slog.String("session_id", s.id),
		slog.String("error", derr.Error()))
	m.metrics.Dropped("write_failed")
	m.Disconnect(s)
}
