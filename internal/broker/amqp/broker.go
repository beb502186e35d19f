// Package amqp adapts an AMQP 0-9-1 client to broker.Broker. Queues map to
// AMQP queues and publishing goes through the default exchange.
//
// Acknowledgement policy: a delivery is acked once its handler returns nil.
// A handler error nacks the delivery without requeue, so a poison message is
// dropped rather than redelivered forever. The one exception is a delivery
// interrupted by consumer cancellation, which is requeued.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/BrentGruber/Basidia/internal/broker"
	"github.com/BrentGruber/Basidia/internal/logger"
	"github.com/BrentGruber/Basidia/internal/metrics"
)

// Broker is the AMQP-backed broker
type Broker struct {
	*broker.Base

	url      string
	dialer   Dialer
	prefetch int

	mu       sync.Mutex
	conn     Connection
	ch       Channel
	lifetime context.Context
	stop     context.CancelFunc
}

type options struct {
	dialer   Dialer
	prefetch int
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

// Option configures the AMQP broker
type Option func(*options)

// WithDialer replaces the default amqp091-go dialer
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithPrefetch sets the channel QoS prefetch count; 0 leaves it unlimited
func WithPrefetch(n int) Option {
	return func(o *options) { o.prefetch = n }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics enables metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a disconnected AMQP broker for url
func New(url string, opts ...Option) *Broker {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = NewDialer(nil, 0)
	}

	return &Broker{
		Base:     broker.NewBase("amqp", o.logger, o.metrics),
		url:      url,
		dialer:   o.dialer,
		prefetch: o.prefetch,
	}
}

// Connect dials the server and opens the channel used for every operation
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil {
		if b.IsConnected() {
			return nil
		}
		// the previous connection was lost; release what is left of it
		b.stop()
		_ = b.ch.Close()
		_ = b.conn.Close()
		b.ch, b.conn, b.stop = nil, nil, nil
	}

	b.SetState(broker.BrokerStateConnecting)

	conn, err := b.dialer.Dial(ctx, b.url)
	if err != nil {
		b.SetState(broker.BrokerStateError)
		return broker.NewConnectionError(b.url, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		b.SetState(broker.BrokerStateError)
		return broker.NewConnectionError(b.url, fmt.Errorf("failed to open channel: %w", err))
	}

	if b.prefetch > 0 {
		if err := ch.Qos(b.prefetch, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			b.SetState(broker.BrokerStateError)
			return broker.NewConnectionError(b.url, fmt.Errorf("failed to set prefetch: %w", err))
		}
	}

	b.conn = conn
	b.ch = ch
	b.lifetime, b.stop = context.WithCancel(context.Background())

	go b.watch(b.lifetime, conn.NotifyClose(make(chan *amqp.Error, 1)))

	b.SetState(broker.BrokerStateConnected)
	b.Logger.Info("connected to amqp broker", "url", broker.RedactURL(b.url))
	return nil
}

// watch flips the state when the server closes the connection. The caller
// has to Connect again.
func (b *Broker) watch(ctx context.Context, closed chan *amqp.Error) {
	select {
	case <-ctx.Done():
	case amqpErr, ok := <-closed:
		if !ok || amqpErr == nil {
			return
		}
		b.Logger.Error("amqp connection lost", "error", amqpErr)
		b.SetState(broker.BrokerStateError)
		b.SafeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncBrokerReconnects()
		})
	}
}

// Disconnect cancels consumer tasks, waits for them, then closes the channel
// and the connection in that order.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	stop, ch, conn := b.stop, b.ch, b.conn
	b.stop, b.ch, b.conn = nil, nil, nil
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

	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}

	b.SetState(broker.BrokerStateDisconnected)
	if stop != nil {
		b.Logger.Info("disconnected from amqp broker")
	}
	return errors.Join(errs...)
}

func (b *Broker) channel() (Channel, context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil || !b.IsConnected() {
		return nil, nil, broker.ErrNotConnected
	}
	return b.ch, b.lifetime, nil
}

// DeclareQueue forwards the queue options to the server
func (b *Broker) DeclareQueue(ctx context.Context, name string, opts ...broker.QueueOption) error {
	ch, _, err := b.channel()
	if err != nil {
		return err
	}
	return b.declare(ch, name, broker.NewQueueOptions(opts...))
}

func (b *Broker) declare(ch Channel, name string, o broker.QueueOptions) error {
	if _, err := ch.QueueDeclare(name, o.Durable, o.AutoDelete, o.Exclusive, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	b.Logger.Debug("queue declared",
		"queue", name,
		"durable", o.Durable,
		"exclusive", o.Exclusive,
		"autoDelete", o.AutoDelete)
	return nil
}

// Publish sends payload through the default exchange with routingKey
func (b *Broker) Publish(ctx context.Context, routingKey string, payload []byte, opts ...broker.PublishOption) error {
	ch, _, err := b.channel()
	if err != nil {
		return err
	}

	o := broker.NewPublishOptions(opts...)
	mode := amqp.Persistent
	if o.DeliveryMode == broker.Transient {
		mode = amqp.Transient
	}

	err = ch.PublishWithContext(ctx, "", routingKey, false, false, amqp.Publishing{
		ContentType:  o.ContentType,
		DeliveryMode: mode,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}

	b.RecordPublished(routingKey, len(payload))
	return nil
}

// Consume declares queue and starts a consumer task iterating its deliveries
func (b *Broker) Consume(ctx context.Context, queue string, handler broker.Handler, opts ...broker.QueueOption) (broker.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	ch, lifetime, err := b.channel()
	if err != nil {
		return nil, err
	}

	o := broker.NewQueueOptions(opts...)
	if err := b.declare(ch, queue, o); err != nil {
		return nil, err
	}

	tag := fmt.Sprintf("basidia-%d", b.NextConsumerID())
	deliveries, err := ch.Consume(queue, tag, false, o.Exclusive, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	task := b.Tasks.Go(lifetime, func(ctx context.Context) error {
		return b.run(ctx, ch, queue, tag, deliveries, handler)
	})

	b.Logger.Debug("consumer registered", "queue", queue, "consumerTag", tag)
	return &subscription{queue: queue, task: task}, nil
}

func (b *Broker) run(ctx context.Context, ch Channel, queue, tag string, deliveries <-chan amqp.Delivery, handler broker.Handler) error {
	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
				b.Logger.Debug("failed to cancel consumer", "consumerTag", tag, "error", err)
			}
			return ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				b.Logger.Debug("delivery channel closed", "queue", queue, "consumerTag", tag)
				return nil
			}
			b.settle(ctx, queue, d, b.Invoke(ctx, queue, handler, d.Body))
		}
	}
}

func (b *Broker) settle(ctx context.Context, queue string, d amqp.Delivery, handlerErr error) {
	switch {
	case handlerErr == nil:
		if err := d.Ack(false); err != nil {
			b.Logger.Error("failed to ack delivery", "queue", queue, "error", err)
		}

	case ctx.Err() != nil && errors.Is(handlerErr, context.Canceled):
		if err := d.Nack(false, true); err != nil {
			b.Logger.Error("failed to requeue delivery", "queue", queue, "error", err)
		}

	default:
		if err := d.Nack(false, false); err != nil {
			b.Logger.Error("failed to nack delivery", "queue", queue, "error", err)
		}
		b.RecordDropped(queue, handlerErr)
	}
}

type subscription struct {
	queue string
	task  *broker.Task
}

func (s *subscription) Queue() string { return s.queue }

func (s *subscription) Cancel() { s.task.Cancel() }

var _ broker.Broker = (*Broker)(nil)
