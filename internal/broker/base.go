package broker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BrentGruber/Basidia/internal/logger"
	"github.com/BrentGruber/Basidia/internal/metrics"
)

// Base carries the state, logging, metrics and handler invocation shared by
// the broker implementations. Embed it and call NewBase.
type Base struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Tasks   *TaskGroup

	mu    sync.RWMutex
	state BrokerState
	stats BrokerStats

	nextConsumer atomic.Uint64
}

// NewBase creates a Base for the named transport. Either dependency may be
// nil.
func NewBase(transport string, log *logger.Logger, m *metrics.Metrics) *Base {
	if log == nil {
		log = logger.NewNop()
	}
	b := &Base{
		Logger:  log.With("broker", transport),
		Metrics: m,
		state:   BrokerStateDisconnected,
	}
	b.Tasks = NewTaskGroup(func(active int) {
		b.SafeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetConsumerTasks(float64(active))
		})
	})
	return b
}

// SafeMetricsUpdate runs fn when metrics are enabled
func (b *Base) SafeMetricsUpdate(fn func(*metrics.Metrics)) {
	if b.Metrics != nil {
		fn(b.Metrics)
	}
}

// State returns the current connection state
func (b *Base) State() BrokerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetState records a connection state transition
func (b *Base) SetState(s BrokerState) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	if s == BrokerStateConnected {
		b.stats.LastConnect = time.Now()
	}
	b.mu.Unlock()

	if prev != s {
		b.Logger.Debug("broker state changed", "from", prev, "to", s)
	}
	b.SafeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(s == BrokerStateConnected)
	})
}

// IsConnected reports whether the state is connected
func (b *Base) IsConnected() bool {
	return b.State() == BrokerStateConnected
}

// GetStats returns a snapshot of the broker counters
func (b *Base) GetStats() BrokerStats {
	b.mu.RLock()
	lastConnect := b.stats.LastConnect
	b.mu.RUnlock()
	return BrokerStats{
		MessagesPublished: atomic.LoadUint64(&b.stats.MessagesPublished),
		MessagesDelivered: atomic.LoadUint64(&b.stats.MessagesDelivered),
		HandlerErrors:     atomic.LoadUint64(&b.stats.HandlerErrors),
		MessagesDropped:   atomic.LoadUint64(&b.stats.MessagesDropped),
		LastConnect:       lastConnect,
	}
}

// NextConsumerID returns a broker-unique consumer registration id
func (b *Base) NextConsumerID() uint64 {
	return b.nextConsumer.Add(1)
}

// RecordPublished counts a successful publish
func (b *Base) RecordPublished(routingKey string, size int) {
	atomic.AddUint64(&b.stats.MessagesPublished, 1)
	b.SafeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("published")
	})
	b.Logger.Debug("published message", "routingKey", routingKey, "payloadSize", size)
}

// RecordDropped counts a message that could not be delivered
func (b *Base) RecordDropped(queue string, reason error) {
	atomic.AddUint64(&b.stats.MessagesDropped, 1)
	b.SafeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("dropped")
	})
	b.Logger.Warn("message dropped", "queue", queue, "error", reason)
}

// Invoke runs handler on payload, converting a panic into ErrHandlerPanic.
// The outcome is logged and counted; the error is returned so transports
// that acknowledge can settle the delivery.
func (b *Base) Invoke(ctx context.Context, queue string, handler Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			b.Logger.Error("handler panic",
				"queue", queue,
				"panic", r,
				"stack", string(debug.Stack()))
		}

		if err != nil {
			atomic.AddUint64(&b.stats.HandlerErrors, 1)
			b.SafeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncMessagesTotal("error")
			})
			b.Logger.Error("handler failed", "queue", queue, "error", err)
			return
		}

		atomic.AddUint64(&b.stats.MessagesDelivered, 1)
		b.SafeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("delivered")
		})
	}()

	return handler(ctx, payload)
}
