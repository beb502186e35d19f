// Package broker defines the message broker contract shared by every
// transport: named queues, publish by routing key, and broadcast consumers
// driven by background consumer tasks.
package broker

import (
	"context"
	"time"
)

// BrokerState represents the current state of a broker connection
type BrokerState string

const (
	// BrokerStateDisconnected indicates the broker is not connected
	BrokerStateDisconnected BrokerState = "disconnected"
	// BrokerStateConnecting indicates the broker is attempting to connect
	BrokerStateConnecting BrokerState = "connecting"
	// BrokerStateConnected indicates the broker is connected
	BrokerStateConnected BrokerState = "connected"
	// BrokerStateDisconnecting indicates consumer tasks are being shut down
	BrokerStateDisconnecting BrokerState = "disconnecting"
	// BrokerStateError indicates the connection was lost or could not be made
	BrokerStateError BrokerState = "error"
)

// Handler consumes one message payload. A returned error (or panic) is
// reported by the broker and never stops the consumer.
type Handler func(ctx context.Context, payload []byte) error

// Subscription is a single consumer registration
type Subscription interface {
	// Queue returns the consumed queue name
	Queue() string

	// Cancel stops the consumer task and removes the registration. It does
	// not wait for an in-flight handler to return.
	Cancel()
}

// Broker is the capability set every broker implementation exposes
type Broker interface {
	// Connect establishes broker availability
	Connect(ctx context.Context) error

	// Disconnect cancels every consumer task, waits for them, releases the
	// transport and clears the connected state. Safe to call when never
	// connected.
	Disconnect(ctx context.Context) error

	// DeclareQueue ensures a queue exists
	DeclareQueue(ctx context.Context, name string, opts ...QueueOption) error

	// Publish enqueues payload for every consumer of the queue routingKey
	Publish(ctx context.Context, routingKey string, payload []byte, opts ...PublishOption) error

	// Consume registers handler on queue and starts its consumer task. The
	// queue options are used to declare the queue first.
	Consume(ctx context.Context, queue string, handler Handler, opts ...QueueOption) (Subscription, error)

	// IsConnected returns the current connection state
	IsConnected() bool
}

// DeliveryMode is a delivery durability hint
type DeliveryMode uint8

const (
	// Persistent asks the transport to persist the message (default)
	Persistent DeliveryMode = iota
	// Transient allows the transport to keep the message in memory only
	Transient
)

func (m DeliveryMode) String() string {
	if m == Transient {
		return "transient"
	}
	return "persistent"
}

// QueueOptions carry declare-queue semantics
type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// QueueOption configures QueueOptions
type QueueOption func(*QueueOptions)

// Durable sets whether the queue survives a broker restart
func Durable(v bool) QueueOption {
	return func(o *QueueOptions) { o.Durable = v }
}

// Exclusive sets whether the queue is private to this connection
func Exclusive(v bool) QueueOption {
	return func(o *QueueOptions) { o.Exclusive = v }
}

// AutoDelete sets whether the queue is removed once its last consumer leaves
func AutoDelete(v bool) QueueOption {
	return func(o *QueueOptions) { o.AutoDelete = v }
}

// NewQueueOptions applies opts over the defaults: durable, not exclusive,
// not auto-deleted.
func NewQueueOptions(opts ...QueueOption) QueueOptions {
	o := QueueOptions{Durable: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// PublishOptions carry per-message hints
type PublishOptions struct {
	DeliveryMode DeliveryMode
	ContentType  string
}

// PublishOption configures PublishOptions
type PublishOption func(*PublishOptions)

// WithDeliveryMode sets the delivery durability hint
func WithDeliveryMode(m DeliveryMode) PublishOption {
	return func(o *PublishOptions) { o.DeliveryMode = m }
}

// WithContentType sets the payload content type for transports that carry one
func WithContentType(ct string) PublishOption {
	return func(o *PublishOptions) { o.ContentType = ct }
}

// NewPublishOptions applies opts over the defaults
func NewPublishOptions(opts ...PublishOption) PublishOptions {
	o := PublishOptions{
		DeliveryMode: Persistent,
		ContentType:  "application/octet-stream",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// BrokerStats holds statistics for a broker connection
type BrokerStats struct {
	MessagesPublished uint64
	MessagesDelivered uint64
	HandlerErrors     uint64
	MessagesDropped   uint64
	LastConnect       time.Time
}
