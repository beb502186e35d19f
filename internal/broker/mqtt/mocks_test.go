package mqtt

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err  error
	done chan struct{}
}

// NewMockToken returns an already completed token
func NewMockToken(err error) *MockToken {
	t := &MockToken{
		err:  err,
		done: make(chan struct{}),
	}
	close(t.done)
	return t
}

func (t *MockToken) Wait() bool                       { return true }
func (t *MockToken) WaitTimeout(d time.Duration) bool { return true }
func (t *MockToken) Error() error                     { return t.err }
func (t *MockToken) Done() <-chan struct{}            { return t.done }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// MockClient implements mqtt.Client for testing. Publish loops back to the
// subscribed route like a broker would.
type MockClient struct {
	connected  atomic.Bool
	connectErr error
	publishErr error

	mu           sync.RWMutex
	routes       map[string]mqtt.MessageHandler
	published    []published
	subscribes   []string
	unsubscribes []string
}

func NewMockClient() *MockClient {
	return &MockClient{
		routes: make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockClient) Connect() mqtt.Token {
	if m.connectErr == nil {
		m.connected.Store(true)
	}
	return NewMockToken(m.connectErr)
}

func (m *MockClient) Disconnect(quiesce uint) { m.connected.Store(false) }

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if m.publishErr != nil {
		return NewMockToken(m.publishErr)
	}
	body := payload.([]byte)

	m.mu.Lock()
	m.published = append(m.published, published{topic, qos, body})
	route := m.routes[topic]
	m.mu.Unlock()

	if route != nil {
		route(m, &MockMessage{topic: topic, payload: body})
	}
	return NewMockToken(nil)
}

func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[topic] = callback
	m.subscribes = append(m.subscribes, topic)
	return NewMockToken(nil)
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return NewMockToken(nil)
}

func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range topics {
		delete(m.routes, topic)
		m.unsubscribes = append(m.unsubscribes, topic)
	}
	return NewMockToken(nil)
}

func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                                   { return m.connected.Load() }
func (m *MockClient) IsConnectionOpen() bool                              { return m.connected.Load() }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader             { return mqtt.ClientOptionsReader{} }

func (m *MockClient) publishedMessages() []published {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]published, len(m.published))
	copy(out, m.published)
	return out
}

// MockMessage implements mqtt.Message for testing
type MockMessage struct {
	topic   string
	payload []byte
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return qosPersistent }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return 0 }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              {}
