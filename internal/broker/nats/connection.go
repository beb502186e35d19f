package nats

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/BrentGruber/Basidia/internal/broker"
	"github.com/BrentGruber/Basidia/internal/metrics"
)

func (b *Broker) connectOptions(ctx context.Context) ([]nats.Option, error) {
	timeout := b.connectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	opts := []nats.Option{
		nats.Name(b.cfg.ClientID),
		nats.Timeout(timeout),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(b.handleDisconnect),
		nats.ReconnectHandler(b.handleReconnect),
		nats.ClosedHandler(b.handleClosed),
	}

	if b.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(b.cfg.Username, b.cfg.Password))
	}

	tlsConfig, err := broker.NewTLSConfig(b.cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}

	return opts, nil
}

func (b *Broker) handleDisconnect(conn *nats.Conn, err error) {
	if err == nil {
		return
	}
	b.Logger.Error("disconnected from NATS server", "error", err)
	b.SetState(broker.BrokerStateConnecting)
}

func (b *Broker) handleReconnect(conn *nats.Conn) {
	b.Logger.Info("reconnected to NATS server", "url", conn.ConnectedUrl())
	b.SetState(broker.BrokerStateConnected)
	b.SafeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncBrokerReconnects()
	})
}

func (b *Broker) handleClosed(conn *nats.Conn) {
	if b.State() == broker.BrokerStateDisconnecting || b.State() == broker.BrokerStateDisconnected {
		return
	}
	b.Logger.Warn("NATS connection closed")
	b.SetState(broker.BrokerStateError)
}
