// Package redis implements broker.Broker over Redis PUBLISH/SUBSCRIBE. Each
// queue is a channel and every subscriber receives every message. Redis
// keeps nothing for channels without subscribers, so messages published
// before the first Consume are lost.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BrentGruber/Basidia/config"
	"github.com/BrentGruber/Basidia/internal/broker"
	"github.com/BrentGruber/Basidia/internal/logger"
	"github.com/BrentGruber/Basidia/internal/metrics"
)

// Broker is the Redis-backed broker
type Broker struct {
	*broker.Base

	cfg     config.BrokerConfig
	timeout time.Duration

	mu       sync.Mutex
	client   *redis.Client
	lifetime context.Context
	stop     context.CancelFunc
}

// NewBroker creates a disconnected Redis broker
func NewBroker(cfg config.BrokerConfig, log *logger.Logger, m *metrics.Metrics) *Broker {
	timeout, err := time.ParseDuration(cfg.ConnectTimeout)
	if err != nil || timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Broker{
		Base:    broker.NewBase("redis", log, m),
		cfg:     cfg,
		timeout: timeout,
	}
}

func (b *Broker) clientOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(b.cfg.URL)
	if err != nil {
		return nil, err
	}

	if b.cfg.Username != "" {
		opts.Username = b.cfg.Username
	}
	if b.cfg.Password != "" {
		opts.Password = b.cfg.Password
	}
	if b.cfg.ClientID != "" {
		opts.ClientName = b.cfg.ClientID
	}
	opts.DialTimeout = b.timeout

	tlsConfig, err := broker.NewTLSConfig(b.cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.TLSConfig = tlsConfig
	}

	return opts, nil
}

// Connect creates the client and pings the server
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
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		b.SetState(broker.BrokerStateError)
		return broker.NewConnectionError(b.cfg.URL, err)
	}

	b.client = client
	b.lifetime, b.stop = context.WithCancel(context.Background())
	b.SetState(broker.BrokerStateConnected)
	b.Logger.Info("connected to redis", "addr", opts.Addr, "db", opts.DB)
	return nil
}

// Disconnect cancels consumer tasks and closes the client
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	stop, client := b.stop, b.client
	b.stop, b.client = nil, nil
	b.mu.Unlock()

	if stop != nil {
		b.SetState(broker.BrokerStateDisconnecting)
		stop()
	}

	var errs []error
	if err := b.Tasks.CancelAll(ctx); err != nil {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("waiting for consumer tasks: %w", err))
		} else {
			b.Logger.Warn("consumer tasks ended with errors", "error", err)
		}
	}

	if client != nil {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
		b.Logger.Info("disconnected from redis")
	}

	b.SetState(broker.BrokerStateDisconnected)
	return errors.Join(errs...)
}

func (b *Broker) connection() (*redis.Client, context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil || !b.IsConnected() {
		return nil, nil, broker.ErrNotConnected
	}
	return b.client, b.lifetime, nil
}

// DeclareQueue only checks the connection; channels need no declaration
func (b *Broker) DeclareQueue(ctx context.Context, name string, opts ...broker.QueueOption) error {
	_, _, err := b.connection()
	return err
}

// Publish sends payload on the channel routingKey. Delivery mode is ignored.
func (b *Broker) Publish(ctx context.Context, routingKey string, payload []byte, opts ...broker.PublishOption) error {
	client, _, err := b.connection()
	if err != nil {
		return err
	}

	receivers, err := client.Publish(ctx, routingKey, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	if receivers == 0 {
		b.Logger.Debug("published to channel without subscribers", "channel", routingKey)
	}

	b.RecordPublished(routingKey, len(payload))
	return nil
}

// Consume subscribes to the channel queue. The subscription is confirmed by
// the server before Consume returns.
func (b *Broker) Consume(ctx context.Context, queue string, handler broker.Handler, opts ...broker.QueueOption) (broker.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	client, lifetime, err := b.connection()
	if err != nil {
		return nil, err
	}

	pubsub := client.Subscribe(ctx, queue)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", queue, err)
	}

	task := b.Tasks.Go(lifetime, func(ctx context.Context) error {
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-msgs:
				if !ok {
					return nil
				}
				// errors are logged and counted by Invoke
				_ = b.Invoke(ctx, queue, handler, []byte(msg.Payload))
			}
		}
	})

	b.Logger.Debug("subscribed to channel", "channel", queue)
	return &subscription{queue: queue, task: task}, nil
}

type subscription struct {
	queue string
	task  *broker.Task
}

func (s *subscription) Queue() string { return s.queue }

func (s *subscription) Cancel() { s.task.Cancel() }

var _ broker.Broker = (*Broker)(nil)
