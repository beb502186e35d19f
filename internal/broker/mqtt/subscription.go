package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/BrentGruber/Basidia/internal/broker"
)

// pendingBuffer is the per-consumer channel capacity
const pendingBuffer = 256

var topicReplacer = strings.NewReplacer("+", "_", "#", "_")

// ToTopic maps a queue name onto a literal MQTT topic
func ToTopic(queue string) string {
	return topicReplacer.Replace(queue)
}

// subscription is one local consumer. paho keeps a single route per topic,
// so all local consumers of a topic share one broker-side subscription and
// HandleMessage fans each message out to them.
type subscription struct {
	id    uint64
	queue string
	topic string
	msgs  chan []byte
	ctx   context.Context
	task  *broker.Task
}

func (s *subscription) Queue() string { return s.queue }

func (s *subscription) Cancel() { s.task.Cancel() }

// Consume registers a local consumer for queue, subscribing to its topic if
// it is the first one, and starts the consumer task
func (b *Broker) Consume(ctx context.Context, queue string, handler broker.Handler, opts ...broker.QueueOption) (broker.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	client, lifetime, err := b.connection()
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(lifetime)
	sub := &subscription{
		id:    b.NextConsumerID(),
		queue: queue,
		topic: ToTopic(queue),
		msgs:  make(chan []byte, pendingBuffer),
		ctx:   taskCtx,
	}

	b.mu.Lock()
	first := !b.hasTopicLocked(sub.topic)
	b.subs[sub.id] = sub
	b.mu.Unlock()

	if first {
		if err := wait(ctx, client.Subscribe(sub.topic, qosPersistent, b.HandleMessage), b.timeout); err != nil {
			cancel()
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
			b.Logger.Error("failed to subscribe to topic",
				"topic", sub.topic,
				"error", err)
			return nil, fmt.Errorf("failed to subscribe to topic %s: %w", sub.topic, err)
		}
		b.Logger.Debug("subscribed to topic", "topic", sub.topic)
	}

	sub.task = b.Tasks.Go(taskCtx, func(ctx context.Context) error {
		defer cancel()
		defer b.unsubscribe(client, sub)

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case payload := <-sub.msgs:
				// errors are logged and counted by Invoke
				_ = b.Invoke(ctx, queue, handler, payload)
			}
		}
	})

	return sub, nil
}

// HandleMessage fans a received message out to every local consumer of its
// topic
func (b *Broker) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	b.mu.Lock()
	targets := make([]*subscription, 0, 1)
	for _, sub := range b.subs {
		if sub.topic == msg.Topic() {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		b.RecordDropped(msg.Topic(), errors.New("no local consumer"))
		return
	}

	payload := msg.Payload()
	for _, sub := range targets {
		select {
		case sub.msgs <- payload:
		case <-sub.ctx.Done():
		}
	}
}

func (b *Broker) hasTopicLocked(topic string) bool {
	for _, sub := range b.subs {
		if sub.topic == topic {
			return true
		}
	}
	return false
}

// unsubscribe drops the registration and, once no local consumer is left on
// the topic, the broker-side subscription
func (b *Broker) unsubscribe(client mqtt.Client, sub *subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	shared := b.hasTopicLocked(sub.topic)
	b.mu.Unlock()

	if shared || !client.IsConnectionOpen() {
		return
	}
	if token := client.Unsubscribe(sub.topic); token.Wait() && token.Error() != nil {
		b.Logger.Debug("failed to unsubscribe from topic",
			"topic", sub.topic,
			"error", token.Error())
	}
}

// resubscribeAll restores every live topic subscription after a reconnect
func (b *Broker) resubscribeAll(client mqtt.Client) error {
	b.mu.Lock()
	topics := make(map[string]struct{})
	for _, sub := range b.subs {
		topics[sub.topic] = struct{}{}
	}
	b.mu.Unlock()

	var errs []error
	for topic := range topics {
		if token := client.Subscribe(topic, qosPersistent, b.HandleMessage); token.Wait() && token.Error() != nil {
			errs = append(errs, fmt.Errorf("topic %s: %w", topic, token.Error()))
		}
	}
	if len(topics) > 0 && len(errs) == 0 {
		b.Logger.Info("resubscribed to topics", "count", len(topics))
	}
	return errors.Join(errs...)
}
