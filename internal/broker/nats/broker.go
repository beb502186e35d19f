// Package nats implements broker.Broker over core NATS. Each queue is a
// subject and every subscriber receives every message, matching the
// broadcast semantics of the in-process broker. Core NATS keeps nothing for
// subjects without subscribers, so messages published before the first
// Consume are lost.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/BrentGruber/Basidia/config"
	"github.com/BrentGruber/Basidia/internal/broker"
	"github.com/BrentGruber/Basidia/internal/logger"
	"github.com/BrentGruber/Basidia/internal/metrics"
)

// pendingBuffer is the per-consumer channel capacity
const pendingBuffer = 256

// Broker is the NATS-backed broker
type Broker struct {
	*broker.Base

	cfg            config.BrokerConfig
	connectTimeout time.Duration

	mu       sync.Mutex
	conn     *nats.Conn
	lifetime context.Context
	stop     context.CancelFunc
}

// NewBroker creates a disconnected NATS broker
func NewBroker(cfg config.BrokerConfig, log *logger.Logger, m *metrics.Metrics) *Broker {
	timeout, err := time.ParseDuration(cfg.ConnectTimeout)
	if err != nil || timeout <= 0 {
		timeout = nats.DefaultTimeout
	}
	return &Broker{
		Base:           broker.NewBase("nats", log, m),
		cfg:            cfg,
		connectTimeout: timeout,
	}
}

// Connect dials the NATS server
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		if b.IsConnected() {
			return nil
		}
		b.stop()
		b.conn.Close()
		b.conn, b.stop = nil, nil
	}

	opts, err := b.connectOptions(ctx)
	if err != nil {
		return broker.NewConnectionError(b.cfg.URL, err)
	}

	b.SetState(broker.BrokerStateConnecting)
	b.Logger.Info("connecting to NATS server", "url", broker.RedactURL(b.cfg.URL))

	conn, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		b.SetState(broker.BrokerStateError)
		return broker.NewConnectionError(b.cfg.URL, err)
	}

	b.conn = conn
	b.lifetime, b.stop = context.WithCancel(context.Background())
	b.SetState(broker.BrokerStateConnected)
	b.Logger.Info("connected to NATS server", "url", conn.ConnectedUrl())
	return nil
}

// Disconnect cancels consumer tasks and drains the connection
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	stop, conn := b.stop, b.conn
	b.stop, b.conn = nil, nil
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

	if conn != nil {
		b.Logger.Info("disconnecting from NATS server")
		conn.Close()
	}

	b.SetState(broker.BrokerStateDisconnected)
	return waitErr
}

func (b *Broker) connection() (*nats.Conn, context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || !b.IsConnected() {
		return nil, nil, broker.ErrNotConnected
	}
	return b.conn, b.lifetime, nil
}

// DeclareQueue only checks the connection; subjects need no declaration
func (b *Broker) DeclareQueue(ctx context.Context, name string, opts ...broker.QueueOption) error {
	_, _, err := b.connection()
	return err
}

// Publish sends payload on the subject for routingKey. Delivery mode is
// ignored; core NATS does not persist messages.
func (b *Broker) Publish(ctx context.Context, routingKey string, payload []byte, opts ...broker.PublishOption) error {
	conn, _, err := b.connection()
	if err != nil {
		return err
	}

	subject := NormalizeSubject(routingKey)
	if err := conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	b.RecordPublished(routingKey, len(payload))
	return nil
}

// Consume subscribes to the subject for queue. The subscription is flushed
// to the server before Consume returns.
func (b *Broker) Consume(ctx context.Context, queue string, handler broker.Handler, opts ...broker.QueueOption) (broker.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	conn, lifetime, err := b.connection()
	if err != nil {
		return nil, err
	}

	subject := NormalizeSubject(queue)
	msgs := make(chan *nats.Msg, pendingBuffer)
	sub, err := conn.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	if err := conn.FlushTimeout(b.connectTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription to %s: %w", subject, err)
	}

	task := b.Tasks.Go(lifetime, func(ctx context.Context) error {
		defer func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
				b.Logger.Debug("failed to unsubscribe", "subject", subject, "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-msgs:
				// errors are logged and counted by Invoke
				_ = b.Invoke(ctx, queue, handler, msg.Data)
			}
		}
	})

	b.Logger.Debug("subscribed to subject", "queue", queue, "subject", subject)
	return &subscription{queue: queue, task: task}, nil
}

type subscription struct {
	queue string
	task  *broker.Task
}

func (s *subscription) Queue() string { return s.queue }

func (s *subscription) Cancel() { s.task.Cancel() }

var _ broker.Broker = (*Broker)(nil)
