package mqtt

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BrentGruber/Basidia/internal/broker"
	"github.com/BrentGruber/Basidia/internal/metrics"
)

func (b *Broker) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.URL).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetCleanSession(true).
		SetConnectTimeout(b.timeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute) // Prevent exponential backoff from growing too large

	opts.OnConnect = b.handleConnect
	opts.OnConnectionLost = b.handleConnectionLost
	opts.OnReconnecting = b.handleReconnecting

	tlsConfig, err := broker.NewTLSConfig(b.cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	return opts, nil
}

// handleConnect runs after every successful (re)connect. The session is
// clean, so live subscriptions are restored here.
func (b *Broker) handleConnect(client mqtt.Client) {
	b.Logger.Info("mqtt client connected", "url", broker.RedactURL(b.cfg.URL))
	b.SetState(broker.BrokerStateConnected)

	if err := b.resubscribeAll(client); err != nil {
		b.Logger.Error("failed to resubscribe after reconnect", "error", err)
	}
}

func (b *Broker) handleConnectionLost(client mqtt.Client, err error) {
	b.Logger.Error("mqtt connection lost", "error", err)
	b.SetState(broker.BrokerStateConnecting)
}

func (b *Broker) handleReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	b.Logger.Info("mqtt client reconnecting", "lastConnect", b.GetStats().LastConnect)
	b.SafeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncBrokerReconnects()
	})
}
