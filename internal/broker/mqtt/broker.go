// Package mqtt implements broker.Broker over MQTT. Queue names are used as
// topics and every subscriber receives every message. Messages published
// before a consumer subscribes are not retained.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BrentGruber/Basidia/config"
	"github.com/BrentGruber/Basidia/internal/broker"
	"github.com/BrentGruber/Basidia/internal/logger"
	"github.com/BrentGruber/Basidia/internal/metrics"
)

// ClientFactory builds a paho client from options
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Broker is the MQTT-backed broker
type Broker struct {
	*broker.Base

	cfg       config.BrokerConfig
	timeout   time.Duration
	newClient ClientFactory

	mu       sync.Mutex
	client   mqtt.Client
	subs     map[uint64]*subscription
	lifetime context.Context
	stop     context.CancelFunc
}

// NewBroker creates a disconnected MQTT broker
func NewBroker(cfg config.BrokerConfig, log *logger.Logger, m *metrics.Metrics) *Broker {
	return NewBrokerWithClientFactory(cfg, mqtt.NewClient, log, m)
}

// NewBrokerWithClientFactory creates a broker whose client is built by
// factory (for testing)
func NewBrokerWithClientFactory(cfg config.BrokerConfig, factory ClientFactory, log *logger.Logger, m *metrics.Metrics) *Broker {
	timeout, err := time.ParseDuration(cfg.ConnectTimeout)
	if err != nil || timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Broker{
		Base:      broker.NewBase("mqtt", log, m),
		cfg:       cfg,
		timeout:   timeout,
		newClient: factory,
		subs:      make(map[uint64]*subscription),
	}
}

// Connect creates the client and waits for the initial connection
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return nil
	}

	opts, err := b.clientOptions()
	if err != nil {
		return broker.NewConnectionError(b.cfg.URL, err)
	}

	b.SetState(broker.BrokerStateConnecting)
	b.Logger.Info("connecting to mqtt broker", "url", broker.RedactURL(b.cfg.URL))

	client := b.newClient(opts)
	if err := wait(ctx, client.Connect(), b.timeout); err != nil {
		b.SetState(broker.BrokerStateError)
		return broker.NewConnectionError(b.cfg.URL, err)
	}

	b.client = client
	b.lifetime, b.stop = context.WithCancel(context.Background())
	b.SetState(broker.BrokerStateConnected)
	return nil
}

// Disconnect cancels consumer tasks and disconnects the client
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	stop, client := b.stop, b.client
	b.stop, b.client = nil, nil
	b.mu.Unlock()

	if stop != nil {
		b.SetState(broker.BrokerStateDisconnecting)
		stop()
	}

	var waitErr error
	if err := b.Tasks.CancelAll(ctx); err != nil {
		if ctx.Err() != nil {
			waitErr = fmt.Errorf("waiting for consumer tasks: %w", err)
		} else {
			b.Logger.Warn("consumer tasks ended with errors", "error", err)
		}
	}

	b.mu.Lock()
	clear(b.subs)
	b.mu.Unlock()

	if client != nil {
		b.Logger.Info("disconnecting from mqtt broker")
		client.Disconnect(250)
	}

	b.SetState(broker.BrokerStateDisconnected)
	return waitErr
}

// DeclareQueue only checks the connection; topics need no declaration
func (b *Broker) DeclareQueue(ctx context.Context, name string, opts ...broker.QueueOption) error {
	_, _, err := b.connection()
	return err
}

func (b *Broker) connection() (mqtt.Client, context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil || !b.IsConnected() {
		return nil, nil, broker.ErrNotConnected
	}
	return b.client, b.lifetime, nil
}

// wait blocks until token completes, ctx is done or timeout elapses
func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

var _ broker.Broker = (*Broker)(nil)
