// Package factory builds the configured broker implementation
package factory

import (
	"fmt"

	"github.com/BrentGruber/Basidia/config"
	"github.com/BrentGruber/Basidia/internal/broker"
	"github.com/BrentGruber/Basidia/internal/broker/amqp"
	"github.com/BrentGruber/Basidia/internal/broker/memory"
	"github.com/BrentGruber/Basidia/internal/broker/mqtt"
	"github.com/BrentGruber/Basidia/internal/broker/nats"
	"github.com/BrentGruber/Basidia/internal/broker/redis"
	"github.com/BrentGruber/Basidia/internal/logger"
	"github.com/BrentGruber/Basidia/internal/metrics"
)

// NewBroker returns a disconnected broker for cfg.Broker.Type
func NewBroker(cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (broker.Broker, error) {
	bc := cfg.Broker

	switch bc.Type {
	case config.BrokerTypeMemory:
		return memory.New(
			memory.WithPollInterval(cfg.PollInterval()),
			memory.WithLogger(log),
			memory.WithMetrics(m),
		), nil

	case config.BrokerTypeAMQP:
		tlsConfig, err := broker.NewTLSConfig(bc.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		return amqp.New(bc.URL,
			amqp.WithDialer(amqp.NewDialer(tlsConfig, cfg.ConnectTimeout())),
			amqp.WithPrefetch(bc.Prefetch),
			amqp.WithLogger(log),
			amqp.WithMetrics(m),
		), nil

	case config.BrokerTypeNATS:
		return nats.NewBroker(bc, log, m), nil

	case config.BrokerTypeMQTT:
		return mqtt.NewBroker(bc, log, m), nil

	case config.BrokerTypeRedis:
		return redis.NewBroker(bc, log, m), nil

	default:
		return nil, fmt.Errorf("unsupported broker type: %s", bc.Type)
	}
}
