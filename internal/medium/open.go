package medium

import (
	"fmt"
	"log/slog"

	"update-relay/internal/config"
)

// Open returns the Dialer selected by cfg.Type. Nothing is dialed yet.
func Open(cfg config.MediumConfig, logger *slog.Logger) (Dialer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case config.MediumRedis:
		return NewRedis(RedisConfig{
			Addr:           cfg.Redis.Addr,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			BufferSize:     cfg.BufferSize,
			HealthInterval: cfg.Redis.HealthInterval,
		}), nil
	case config.MediumMQTT:
		return NewMQTT(MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            byte(cfg.MQTT.QoS),
			ConnectTimeout: cfg.ConnectTimeout,
			BufferSize:     cfg.BufferSize,
		}, logger), nil
	case config.MediumAMQP:
		return NewAMQP(AMQPConfig{
			URL:            cfg.AMQP.URL,
			ConnectTimeout: cfg.ConnectTimeout,
			BufferSize:     cfg.BufferSize,
		}), nil
	case config.MediumGossip:
		return NewGossip(GossipConfig{
			ListenAddrs:     cfg.Gossip.ListenAddrs,
			Bootstrap:       cfg.Gossip.Bootstrap,
			Rendezvous:      cfg.Gossip.Rendezvous,
			MDNS:            cfg.Gossip.MDNS,
			IdentityKeyFile: cfg.Gossip.IdentityKeyFile,
			BufferSize:      cfg.BufferSize,
		}, logger), nil
	case config.MediumMemory:
		return NewMemory(cfg.BufferSize), nil
	default:
		return nil, fmt.Errorf("unknown medium type %q", cfg.Type)
	}
}
