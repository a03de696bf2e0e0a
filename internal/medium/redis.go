package medium

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis medium.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	BufferSize int
	// HealthInterval is how often a subscription's connection is pinged.
	// A failed ping ends the subscription.
	HealthInterval time.Duration
}

// Redis dials one Redis client per role, mirroring a dedicated
// subscriber connection next to the one used for PUBLISH.
type Redis struct {
	cfg RedisConfig
}

// NewRedis creates a Redis medium.
func NewRedis(cfg RedisConfig) *Redis {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	return &Redis{cfg: cfg}
}

func (r *Redis) dial(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     r.cfg.Addr,
		Password: r.cfg.Password,
		DB:       r.cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", r.cfg.Addr, err)
	}
	return client, nil
}

func (r *Redis) DialPublisher(ctx context.Context) (Publisher, error) {
	client, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	return &redisPublisher{client: client}, nil
}

func (r *Redis) DialSubscriber(ctx context.Context) (Subscriber, error) {
	client, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	return &redisSubscriber{client: client, size: r.cfg.BufferSize, interval: r.cfg.HealthInterval}, nil
}

type redisPublisher struct {
	client *redis.Client
}

func (p *redisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}

type redisSubscriber struct {
	client   *redis.Client
	size     int
	interval time.Duration

	mu     sync.Mutex
	subs   []*redis.PubSub
	stream []*stream
	closed bool
}

func (s *redisSubscriber) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ps := s.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so an unreachable server
	// surfaces here rather than as a silent empty stream.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	st := newStream(s.size)
	in := ps.Channel(redis.WithChannelSize(max(s.size, 1)))
	go func() {
		defer st.close()
		for msg := range in {
			if !st.send(Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}) {
				return
			}
		}
	}()

	go s.watch(ps, st)

	s.subs = append(s.subs, ps)
	s.stream = append(s.stream, st)
	return st.out, nil
}

// watch pings the subscription connection and ends the stream on the first
// failure. A PubSub that go-redis reconnects on its own has already missed
// whatever was published in between.
func (s *redisSubscriber) watch(ps *redis.PubSub, st *stream) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			err := ps.Ping(ctx)
			cancel()
			if err != nil {
				st.close()
				ps.Close()
				return
			}
		}
	}
}

func (s *redisSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, st := range s.stream {
		st.close()
	}
	for _, ps := range s.subs {
		ps.Close()
	}
	return s.client.Close()
}
