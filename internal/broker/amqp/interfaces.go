package amqp

import (
	"context"
	"crypto/tls"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens connections to an AMQP server
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// Connection is the subset of *amqp.Connection the broker uses
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel is the subset of *amqp.Channel the broker uses
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

type dialer struct {
	tlsConfig *tls.Config
	timeout   time.Duration
}

// NewDialer returns a Dialer backed by amqp091-go. tlsConfig is used for
// amqps:// URLs and may be nil.
func NewDialer(tlsConfig *tls.Config, timeout time.Duration) Dialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &dialer{tlsConfig: tlsConfig, timeout: timeout}
}

func (d *dialer) Dial(ctx context.Context, url string) (Connection, error) {
	timeout := d.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:       10 * time.Second,
		Locale:          "en_US",
		TLSClientConfig: d.tlsConfig,
		Dial:            amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, err
	}
	return &connection{conn: conn}, nil
}

// connection adapts *amqp.Connection to Connection
type connection struct {
	conn *amqp.Connection
}

func (c *connection) Channel() (Channel, error) {
	return c.conn.Channel()
}

func (c *connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *connection) Close() error {
	return c.conn.Close()
}

var _ Channel = (*amqp.Channel)(nil)
