package mqtt

import (
	"context"
	"fmt"

	"github.com/BrentGruber/Basidia/internal/broker"
)

// QoS levels used for the two delivery modes
const (
	qosTransient  byte = 0
	qosPersistent byte = 1
)

// Publish sends payload on the topic for routingKey. Persistent messages use
// QoS 1, transient ones QoS 0.
func (b *Broker) Publish(ctx context.Context, routingKey string, payload []byte, opts ...broker.PublishOption) error {
	client, _, err := b.connection()
	if err != nil {
		return err
	}

	o := broker.NewPublishOptions(opts...)
	qos := qosPersistent
	if o.DeliveryMode == broker.Transient {
		qos = qosTransient
	}

	topic := ToTopic(routingKey)
	if err := wait(ctx, client.Publish(topic, qos, false, payload), b.timeout); err != nil {
		b.Logger.Error("failed to publish message",
			"error", err,
			"topic", topic)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	b.RecordPublished(routingKey, len(payload))
	return nil
}
