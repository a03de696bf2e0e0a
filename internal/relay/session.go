// session.go
// The read goroutine listens to frames from the client and republishes them on the shared channel.
// The write goroutine drains the session's send queue back to the client.
// Separating read/write avoids head-of-line blocking when a client is slow.

package relay

import (
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// ID returns the session identifier assigned at connect time.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) read() {
	defer s.manager.Disconnect(s)

	cfg := s.manager.cfg
	s.conn.SetReadLimit(cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.manager.logger.Debug("session_read_failed",
					slog.String("session_id", s.id),
					slog.String("error", err.Error()))
			}
			return
		}

		if s.limiter != nil {
			if !s.limiter.Allow() {
				s.manager.metrics.RateLimited()
				if err := s.limiter.Wait(s.manager.ctx); err != nil {
					return
				}
			}
		}

		// Published inline so frames from one session reach the channel in order.
		s.manager.publish(s, message)
	}
}

func (s *Session) write() {
	cfg := s.manager.cfg
	ticker := time.NewTicker(cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				// The manager closed the queue.
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(frameType(message), message); err != nil {
				s.manager.deliveryFailed(s, err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.manager.deliveryFailed(s, err)
				return
			}
		}
	}
}

// frameType picks a text frame for UTF-8 payloads and a binary frame otherwise.
func frameType(payload []byte) int {
	if utf8.Valid(payload) {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}
