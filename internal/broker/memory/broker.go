// Package memory implements broker.Broker with in-process FIFO queues. Every
// consumer registered on a queue receives every message published to it.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BrentGruber/Basidia/internal/broker"
	"github.com/BrentGruber/Basidia/internal/logger"
	"github.com/BrentGruber/Basidia/internal/metrics"
)

// DefaultPollInterval is how often an idle consumer task re-checks its queue
const DefaultPollInterval = 10 * time.Millisecond

// Broker is the in-process broker
type Broker struct {
	*broker.Base

	pollInterval time.Duration

	mu       sync.Mutex
	queues   map[string]*queue
	lifetime context.Context
	stop     context.CancelFunc
}

type queue struct {
	name      string
	opts      broker.QueueOptions
	messages  [][]byte
	consumers []*consumer

	// dispatching is held by the single goroutine draining this queue
	dispatching sync.Mutex
	wake        chan struct{}
}

type consumer struct {
	id      uint64
	queue   *queue
	handler broker.Handler
	ctx     context.Context
	cancel  context.CancelFunc
	broker  *Broker
}

type options struct {
	pollInterval time.Duration
	logger       *logger.Logger
	metrics      *metrics.Metrics
}

// Option configures the in-process broker
type Option func(*options)

// WithPollInterval sets the idle poll interval of consumer tasks
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics enables metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a disconnected in-process broker
func New(opts ...Option) *Broker {
	o := options{pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}

	return &Broker{
		Base:         broker.NewBase("memory", o.logger, o.metrics),
		pollInterval: o.pollInterval,
		queues:       make(map[string]*queue),
	}
}

// Connect marks the broker available. Calling it while connected is a no-op.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stop != nil {
		return nil
	}

	b.lifetime, b.stop = context.WithCancel(context.Background())
	b.SetState(broker.BrokerStateConnected)
	b.Logger.Info("connected to in-process broker")
	return nil
}

// Disconnect cancels every consumer task, waits for them to exit and clears
// every consumer registration. Queued messages are kept.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	stop := b.stop
	b.stop = nil
	b.mu.Unlock()

	if stop != nil {
		b.SetState(broker.BrokerStateDisconnecting)
		stop()
	}

	if err := b.Tasks.CancelAll(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("waiting for consumer tasks: %w", err)
		}
		b.Logger.Warn("consumer tasks ended with errors", "error", err)
	}

	b.mu.Lock()
	for _, q := range b.queues {
		for _, c := range q.consumers {
			c.cancel()
		}
		q.consumers = nil
	}
	b.mu.Unlock()

	b.SetState(broker.BrokerStateDisconnected)
	if stop != nil {
		b.Logger.Info("disconnected from in-process broker")
	}
	return nil
}

// DeclareQueue creates the queue if it does not exist. Options are recorded;
// only AutoDelete has an effect in-process.
func (b *Broker) DeclareQueue(ctx context.Context, name string, opts ...broker.QueueOption) error {
	if !b.IsConnected() {
		return broker.ErrNotConnected
	}

	b.mu.Lock()
	b.queueLocked(name, broker.NewQueueOptions(opts...))
	b.mu.Unlock()
	return nil
}

// Publish appends a copy of payload to the queue named routingKey and wakes
// its consumers. Delivery options are ignored.
func (b *Broker) Publish(ctx context.Context, routingKey string, payload []byte, opts ...broker.PublishOption) error {
	if !b.IsConnected() {
		return broker.ErrNotConnected
	}

	b.mu.Lock()
	q := b.queueLocked(routingKey, broker.NewQueueOptions())
	q.messages = append(q.messages, bytes.Clone(payload))
	b.mu.Unlock()

	b.RecordPublished(routingKey, len(payload))

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Consume registers handler on queue and starts its consumer task. The
// registration is recorded before Consume returns.
func (b *Broker) Consume(ctx context.Context, queueName string, handler broker.Handler, opts ...broker.QueueOption) (broker.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	if b.stop == nil {
		b.mu.Unlock()
		return nil, broker.ErrNotConnected
	}
	q := b.queueLocked(queueName, broker.NewQueueOptions(opts...))
	cctx, cancel := context.WithCancel(b.lifetime)
	c := &consumer{
		id:      b.NextConsumerID(),
		queue:   q,
		handler: handler,
		ctx:     cctx,
		cancel:  cancel,
		broker:  b,
	}
	q.consumers = append(q.consumers, c)

	// started under the lock so a concurrent Disconnect always sees the task
	b.Tasks.Go(cctx, func(ctx context.Context) error {
		return b.run(ctx, c)
	})
	b.mu.Unlock()

	b.Logger.Debug("consumer registered", "queue", queueName, "consumerId", c.id)
	return c, nil
}

// run is the consumer task loop: drain, then wait for a publish or the next
// poll tick.
func (b *Broker) run(ctx context.Context, c *consumer) error {
	defer b.unregister(c)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		if !b.IsConnected() {
			return nil
		}

		b.drain(ctx, c.queue)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.queue.wake:
		case <-ticker.C:
		}
	}
}

// drain delivers queued messages, oldest first, to every consumer registered
// when the message is popped. Only one goroutine drains a queue at a time.
func (b *Broker) drain(ctx context.Context, q *queue) {
	for {
		if !q.dispatching.TryLock() {
			return
		}

		for ctx.Err() == nil {
			b.mu.Lock()
			if len(q.messages) == 0 || len(q.consumers) == 0 {
				b.mu.Unlock()
				break
			}
			msg := q.messages[0]
			q.messages[0] = nil
			q.messages = q.messages[1:]
			consumers := slices.Clone(q.consumers)
			b.mu.Unlock()

			for _, c := range consumers {
				if c.ctx.Err() != nil {
					continue
				}
				// errors are logged and counted by Invoke
				_ = b.Invoke(c.ctx, q.name, c.handler, bytes.Clone(msg))
			}
		}

		q.dispatching.Unlock()

		// a publish may have landed after the last check but before unlock
		b.mu.Lock()
		more := len(q.messages) > 0 && len(q.consumers) > 0
		b.mu.Unlock()
		if !more || ctx.Err() != nil {
			return
		}
	}
}

func (b *Broker) queueLocked(name string, opts broker.QueueOptions) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{
			name: name,
			opts: opts,
			wake: make(chan struct{}, 1),
		}
		b.queues[name] = q
		b.Logger.Debug("queue declared",
			"queue", name,
			"durable", opts.Durable,
			"exclusive", opts.Exclusive,
			"autoDelete", opts.AutoDelete)
	}
	return q
}

func (b *Broker) unregister(c *consumer) {
	c.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	q := c.queue
	for i, existing := range q.consumers {
		if existing.id == c.id {
			q.consumers = slices.Delete(q.consumers, i, i+1)
			b.Logger.Debug("consumer removed", "queue", q.name, "consumerId", c.id)
			break
		}
	}

	// an auto-delete queue goes away with its last consumer unless messages
	// are still waiting in it
	if q.opts.AutoDelete && len(q.consumers) == 0 && len(q.messages) == 0 && b.queues[q.name] == q {
		delete(b.queues, q.name)
		b.Logger.Debug("auto-delete queue removed", "queue", q.name)
	}
}

// QueueDepth returns the number of undelivered messages in the queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// ClearQueue drops every undelivered message in the queue
func (b *Broker) ClearQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		q.messages = nil
	}
}

// ConsumerCount returns the number of registrations on the queue
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// ActiveTasks returns the number of running consumer tasks
func (b *Broker) ActiveTasks() int {
	return b.Tasks.Len()
}

// Queues returns the known queue names, sorted
func (b *Broker) Queues() []string {
	b.mu.Lock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	b.mu.Unlock()

	sort.Strings(names)
	return names
}

// UpdateMetrics samples the depth of every durable or shared queue into the
// queue_depth gauge. Auto-delete queues are per-call and are skipped.
func (b *Broker) UpdateMetrics(m *metrics.Metrics) {
	b.mu.Lock()
	depths := make(map[string]int, len(b.queues))
	for name, q := range b.queues {
		if q.opts.AutoDelete {
			continue
		}
		depths[name] = len(q.messages)
	}
	b.mu.Unlock()

	for name, depth := range depths {
		m.SetQueueDepth(name, float64(depth))
	}
}

func (c *consumer) Queue() string {
	return c.queue.name
}

func (c *consumer) Cancel() {
	c.broker.unregister(c)
}

var _ broker.Broker = (*Broker)(nil)
