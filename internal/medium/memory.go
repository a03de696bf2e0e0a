package medium

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is a process-local medium. Every Publisher and Subscriber dialed
// from the same Memory shares its channels, so several relay instances in
// one process behave like instances sharing a broker.
type Memory struct {
	mu     sync.RWMutex
	nextID int
	size   int
	subs   map[string]map[int]*stream
}

// NewMemory creates a memory medium. size is the per-subscription buffer.
func NewMemory(size int) *Memory {
	return &Memory{
		size: size,
		subs: make(map[string]map[int]*stream),
	}
}

func (m *Memory) DialPublisher(ctx context.Context) (Publisher, error) {
	return &memoryPublisher{medium: m}, nil
}

func (m *Memory) DialSubscriber(ctx context.Context) (Subscriber, error) {
	return &memorySubscriber{medium: m, ids: make(map[int]string)}, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

func (m *Memory) publish(channel string, payload []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.subs[channel] {
		// A full subscriber loses the message instead of stalling publishers.
		st.offer(Message{Channel: channel, Payload: append([]byte(nil), payload...)})
	}
}

func (m *Memory) subscribe(channel string) (int, *stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[channel]; !ok {
		m.subs[channel] = make(map[int]*stream)
	}
	id := m.nextID
	m.nextID++
	st := newStream(m.size)
	m.subs[channel][id] = st
	return id, st
}

func (m *Memory) unsubscribe(channel string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byChannel, ok := m.subs[channel]
	if !ok {
		return
	}
	if st, exists := byChannel[id]; exists {
		delete(byChannel, id)
		st.close()
	}
	if len(byChannel) == 0 {
		delete(m.subs, channel)
	}
}

type memoryPublisher struct {
	medium *Memory
	closed atomic.Bool
}

func (p *memoryPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.medium.publish(channel, payload)
	return nil
}

func (p *memoryPublisher) Close() error {
	p.closed.Store(true)
	return nil
}

type memorySubscriber struct {
	medium *Memory
	mu     sync.Mutex
	ids    map[int]string
	closed bool
}

func (s *memorySubscriber) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, st := s.medium.subscribe(channel)
	s.ids[id] = channel
	return st.out, nil
}

func (s *memorySubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, channel := range s.ids {
		s.medium.unsubscribe(channel, id)
	}
	s.ids = nil
	return nil
}
