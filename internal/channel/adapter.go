// Package channel bridges the relay to the shared pub/sub medium.
//
// An Adapter owns two independent roles on the medium: a publisher used to
// republish session messages, and a subscriber whose stream is handed to
// the session manager through Messages.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"update-relay/internal/config"
	"update-relay/internal/medium"
	"update-relay/internal/metrics"
)

// Config holds adapter settings.
type Config struct {
	Channel         string
	ConnectTimeout  time.Duration
	BufferSize      int
	PublishTimeout  time.Duration
	Retries         int
	RetryBackoff    time.Duration
	BreakerFailures int
	BreakerReset    time.Duration
}

// ConfigFrom extracts adapter settings from the relay configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Channel:         cfg.Medium.Channel,
		ConnectTimeout:  cfg.Medium.ConnectTimeout,
		BufferSize:      cfg.Medium.BufferSize,
		PublishTimeout:  cfg.Publish.Timeout,
		Retries:         cfg.Publish.Retries,
		RetryBackoff:    cfg.Publish.RetryBackoff,
		BreakerFailures: cfg.Publish.BreakerFailures,
		BreakerReset:    cfg.Publish.BreakerReset,
	}
}

// Adapter is connected to one named channel on the medium.
type Adapter struct {
	cfg     Config
	pub     medium.Publisher
	sub     medium.Subscriber
	out     chan medium.Message
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	metrics *metrics.Metrics

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials the publish and subscribe roles and subscribes to the
// configured channel. It fails with *ConnectionError if either role cannot
// be established. ctx bounds connection establishment only.
func Connect(ctx context.Context, dialer medium.Dialer, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pub, err := dialer.DialPublisher(ctx)
	if err != nil {
		return nil, &ConnectionError{Role: RolePublish, Channel: cfg.Channel, Err: err}
	}

	sub, err := dialer.DialSubscriber(ctx)
	if err != nil {
		pub.Close()
		return nil, &ConnectionError{Role: RoleSubscribe, Channel: cfg.Channel, Err: err}
	}

	in, err := sub.Subscribe(ctx, cfg.Channel)
	if err != nil {
		sub.Close()
		pub.Close()
		return nil, &ConnectionError{Role: RoleSubscribe, Channel: cfg.Channel, Err: err}
	}

	a := &Adapter{
		cfg:     cfg,
		pub:     pub,
		sub:     sub,
		out:     make(chan medium.Message, cfg.BufferSize),
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Channel,
		MaxRequests: 1,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("publish_circuit_state_changed",
				slog.String("channel", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	a.connected.Store(true)

	go a.forward(in)

	logger.Info("channel_connected", slog.String("channel", cfg.Channel))
	return a, nil
}

// forward moves the subscription stream onto out and notices its end.
func (a *Adapter) forward(in <-chan medium.Message) {
	defer close(a.out)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				if a.connected.Swap(false) && !a.closed.Load() {
					a.logger.Error("channel_subscription_lost", slog.String("channel", a.cfg.Channel))
				}
				return
			}
			a.metrics.ChannelMessage()
			select {
			case a.out <- msg:
			case <-a.done:
				return
			}
		case <-a.done:
			return
		}
	}
}

// Channel returns the channel name.
func (a *Adapter) Channel() string {
	return a.cfg.Channel
}

// Messages returns the stream of messages arriving on the channel. It is
// closed when the subscription ends or the adapter is closed.
func (a *Adapter) Messages() <-chan medium.Message {
	return a.out
}

// OnMessage calls handler once per arriving message, in arrival order,
// until ctx is done or the stream ends. Use either OnMessage or Messages,
// not both.
func (a *Adapter) OnMessage(ctx context.Context, handler func(channel string, payload []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-a.out:
			if !ok {
				return nil
			}
			handler(msg.Channel, msg.Payload)
		}
	}
}

// Publish sends payload on the channel through the publish role. Each
// attempt is bounded by the publish timeout; failed attempts are retried
// up to the configured count unless the circuit is open or ctx is done.
func (a *Adapter) Publish(ctx context.Context, payload []byte) error {
	if a.closed.Load() {
		return &PublishError{Channel: a.cfg.Channel, Err: ErrClosed}
	}

	start := time.Now()
	attempts := 0
	var err error
	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(a.cfg.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				err = ctx.Err()
				a.metrics.PublishFailed(time.Since(start))
				return &PublishError{Channel: a.cfg.Channel, Attempts: attempts, Err: err}
			}
		}

		attempts++
		_, err = a.breaker.Execute(func() (interface{}, error) {
			return nil, a.publishOnce(ctx, payload)
		})
		if err == nil {
			a.metrics.Published(time.Since(start))
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || ctx.Err() != nil {
			break
		}
	}

	a.metrics.PublishFailed(time.Since(start))
	return &PublishError{Channel: a.cfg.Channel, Attempts: attempts, Err: err}
}

func (a *Adapter) publishOnce(ctx context.Context, payload []byte) error {
	if a.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.PublishTimeout)
		defer cancel()
	}
	return a.pub.Publish(ctx, a.cfg.Channel, payload)
}

// Connected reports whether both roles are up.
func (a *Adapter) Connected() bool {
	return a.connected.Load() && !a.closed.Load()
}

// Close releases both roles. Messages is closed once the forwarder exits.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.connected.Store(false)
		close(a.done)
		subErr := a.sub.Close()
		pubErr := a.pub.Close()
		err = errors.Join(subErr, pubErr)
		a.logger.Info("channel_closed", slog.String("channel", a.cfg.Channel))
	})
	return err
}
