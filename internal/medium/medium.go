// Package medium provides the shared publish/subscribe media that relay
// instances fan messages through.
//
// Every medium exposes two roles. A Publisher sends payloads on a named
// channel; a Subscriber receives everything published on it, including
// payloads published by the same process. Backends:
//   - Redis: one client per role (the default)
//   - MQTT: one paho client per role
//   - AMQP: one connection per role, fanout exchange per channel
//   - Gossip: libp2p gossipsub, one host shared by both roles
//   - Memory: process-local, for a single instance and tests
package medium

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when a role is used after Close.
var ErrClosed = errors.New("medium: closed")

// Message is a payload received on a channel. The payload is opaque.
type Message struct {
	Channel string
	Payload []byte
}

// Publisher is the publish role.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Subscriber is the subscribe role. Subscribe returns once the medium has
// accepted the subscription. The returned channel is closed when the
// subscriber is closed or its connection to the medium is lost.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
}

// Dialer opens the two roles against one medium.
type Dialer interface {
	DialPublisher(ctx context.Context) (Publisher, error)
	DialSubscriber(ctx context.Context) (Subscriber, error)
}

// stream is a Message channel that can be closed while medium client
// goroutines are still trying to send on it.
type stream struct {
	mu     sync.RWMutex
	out    chan Message
	done   chan struct{}
	once   sync.Once
	closed bool
}

func newStream(size int) *stream {
	if size <= 0 {
		size = 1
	}
	return &stream{
		out:  make(chan Message, size),
		done: make(chan struct{}),
	}
}

// send blocks until the message is queued or the stream is closed.
func (s *stream) send(msg Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- msg:
		return true
	case <-s.done:
		return false
	}
}

// offer queues the message only if there is room.
func (s *stream) offer(msg Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

func (s *stream) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()
	})
}
