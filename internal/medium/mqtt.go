package medium

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures the MQTT medium.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	BufferSize     int
}

// MQTT dials one paho client per role. Channel names are used as topics.
type MQTT struct {
	cfg    MQTTConfig
	logger *slog.Logger
}

// NewMQTT creates an MQTT medium.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &MQTT{cfg: cfg, logger: logger}
}

func (m *MQTT) options(role string) *mqtt.ClientOptions {
	// Client ids must be unique per broker, across roles and instances.
	id := fmt.Sprintf("%s-%s-%s", m.cfg.ClientID, role, uuid.NewString()[:8])
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(id).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetProtocolVersion(4)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username).SetPassword(m.cfg.Password)
	}
	return opts
}

func (m *MQTT) connect(ctx context.Context, client mqtt.Client) error {
	if err := waitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", m.cfg.Broker, err)
	}
	return nil
}

func (m *MQTT) DialPublisher(ctx context.Context) (Publisher, error) {
	client := mqtt.NewClient(m.options("pub"))
	if err := m.connect(ctx, client); err != nil {
		return nil, err
	}
	return &mqttPublisher{client: client, qos: m.cfg.QoS}, nil
}

func (m *MQTT) DialSubscriber(ctx context.Context) (Subscriber, error) {
	s := &mqttSubscriber{qos: m.cfg.QoS, size: m.cfg.BufferSize, logger: m.logger}
	opts := m.options("sub").SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Error("mqtt_subscriber_connection_lost", slog.String("error", err.Error()))
		s.closeStreams()
	})
	s.client = mqtt.NewClient(opts)
	if err := m.connect(ctx, s.client); err != nil {
		return nil, err
	}
	return s, nil
}

// waitToken waits for a paho token or ctx, whichever comes first.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mqttPublisher struct {
	client mqtt.Client
	qos    byte
}

func (p *mqttPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return errors.New("mqtt publisher not connected")
	}
	return waitToken(ctx, p.client.Publish(channel, p.qos, false, payload))
}

func (p *mqttPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

type mqttSubscriber struct {
	client mqtt.Client
	qos    byte
	size   int
	logger *slog.Logger

	mu      sync.Mutex
	streams []*stream
	closed  bool
}

func (s *mqttSubscriber) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	st := newStream(s.size)
	s.streams = append(s.streams, st)
	s.mu.Unlock()

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		st.send(Message{Channel: msg.Topic(), Payload: msg.Payload()})
	}
	if err := waitToken(ctx, s.client.Subscribe(channel, s.qos, handler)); err != nil {
		st.close()
		return nil, fmt.Errorf("mqtt subscribe %s: %w", channel, err)
	}
	return st.out, nil
}

func (s *mqttSubscriber) closeStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		st.close()
	}
}

func (s *mqttSubscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeStreams()
	s.client.Disconnect(250)
	return nil
}
