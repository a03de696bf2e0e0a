package medium

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures the AMQP 0.9.1 medium.
type AMQPConfig struct {
	URL            string
	ConnectTimeout time.Duration
	BufferSize     int
}

// AMQP dials one connection per role. Each channel name maps to a fanout
// exchange; every subscriber binds its own exclusive auto-delete queue.
type AMQP struct {
	cfg AMQPConfig
}

// NewAMQP creates an AMQP medium.
func NewAMQP(cfg AMQPConfig) *AMQP {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &AMQP{cfg: cfg}
}

func (a *AMQP) dial(ctx context.Context) (*amqp091.Connection, *amqp091.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	conn, err := amqp091.DialConfig(a.cfg.URL, amqp091.Config{
		Dial: contextDial(ctx, a.cfg.ConnectTimeout),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ctx.Err(); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// contextDial is amqp091.DefaultDial bounded by ctx as well as timeout. The
// deadline covers the AMQP handshake; amqp091 clears it once the
// connection is open.
func contextDial(ctx context.Context, timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		deadline := time.Now().Add(timeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func (a *AMQP) DialPublisher(ctx context.Context) (Publisher, error) {
	conn, ch, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	return &amqpPublisher{conn: conn, ch: ch, declared: make(map[string]bool)}, nil
}

func (a *AMQP) DialSubscriber(ctx context.Context) (Subscriber, error) {
	conn, ch, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	return &amqpSubscriber{conn: conn, ch: ch, size: a.cfg.BufferSize}, nil
}

func declareExchange(ch *amqp091.Channel, name string) error {
	return ch.ExchangeDeclare(name, amqp091.ExchangeFanout, true, false, false, false, nil)
}

type amqpPublisher struct {
	conn *amqp091.Connection

	mu       sync.Mutex
	ch       *amqp091.Channel
	declared map[string]bool
}

func (p *amqpPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[channel] {
		if err := declareExchange(p.ch, channel); err != nil {
			return fmt.Errorf("amqp declare exchange %s: %w", channel, err)
		}
		p.declared[channel] = true
	}

	return p.ch.PublishWithContext(ctx, channel, "", false, false, amqp091.Publishing{
		ContentType: "application/octet-stream",
		Timestamp:   time.Now(),
		Body:        payload,
	})
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch.Close()
	return p.conn.Close()
}

type amqpSubscriber struct {
	conn *amqp091.Connection
	size int

	mu      sync.Mutex
	ch      *amqp091.Channel
	streams []*stream
	closed  bool
}

func (s *amqpSubscriber) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := declareExchange(s.ch, channel); err != nil {
		return nil, fmt.Errorf("amqp declare exchange %s: %w", channel, err)
	}
	q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp declare queue: %w", err)
	}
	if err := s.ch.QueueBind(q.Name, "", channel, false, nil); err != nil {
		return nil, fmt.Errorf("amqp bind %s: %w", q.Name, err)
	}
	// ctx bounds setup only; the consumer lives until Close.
	deliveries, err := s.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp consume %s: %w", q.Name, err)
	}
	if err := ctx.Err(); err != nil {
		s.ch.QueueDelete(q.Name, false, false, false)
		return nil, err
	}

	st := newStream(s.size)
	go func() {
		defer st.close()
		for d := range deliveries {
			st.send(Message{Channel: channel, Payload: d.Body})
		}
	}()

	s.streams = append(s.streams, st)
	return st.out, nil
}

func (s *amqpSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, st := range s.streams {
		st.close()
	}
	s.ch.Close()
	return s.conn.Close()
}
