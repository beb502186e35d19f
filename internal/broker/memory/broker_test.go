package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrentGruber/Basidia/internal/broker"
)

// collector records payloads received by a handler
type collector struct {
	mu       sync.Mutex
	payloads []string
}

func (c *collector) handle(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(payload))
	return nil
}

func (c *collector) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func newConnectedBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(WithPollInterval(time.Millisecond))
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() {
		_ = b.Disconnect(context.Background())
	})
	return b
}

func TestNotConnected(t *testing.T) {
	b := New()
	ctx := context.Background()
	handler := func(ctx context.Context, payload []byte) error { return nil }

	tests := []struct {
		name string
		call func() error
	}{
		{
			name: "publish",
			call: func() error { return b.Publish(ctx, "q", []byte("x")) },
		},
		{
			name: "declare",
			call: func() error { return b.DeclareQueue(ctx, "q") },
		},
		{
			name: "consume",
			call: func() error {
				_, err := b.Consume(ctx, "q", handler)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), broker.ErrNotConnected)
		})
	}
	assert.False(t, b.IsConnected())
}

func TestDisconnectWithoutConnect(t *testing.T) {
	b := New()
	assert.NoError(t, b.Disconnect(context.Background()))
	assert.False(t, b.IsConnected())
}

func TestConnectDisconnect(t *testing.T) {
	b := New()
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	assert.True(t, b.IsConnected())
	require.NoError(t, b.Connect(ctx))

	require.NoError(t, b.Disconnect(ctx))
	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, b.Publish(ctx, "q", []byte("x")), broker.ErrNotConnected)

	// reconnect works
	require.NoError(t, b.Connect(ctx))
	assert.True(t, b.IsConnected())
	require.NoError(t, b.Disconnect(ctx))
}

func TestQueueDepthAndClear(t *testing.T) {
	b := newConnectedBroker(t)
	ctx := context.Background()

	require.NoError(t, b.DeclareQueue(ctx, "q"))
	assert.Equal(t, 0, b.QueueDepth("q"))

	require.NoError(t, b.Publish(ctx, "q", []byte("x")))
	assert.Equal(t, 1, b.QueueDepth("q"))

	b.ClearQueue("q")
	assert.Equal(t, 0, b.QueueDepth("q"))

	assert.Equal(t, 0, b.QueueDepth("unknown"))
	assert.Equal(t, []string{"q"}, b.Queues())
}

func TestDeclareQueueIdempotent(t *testing.T) {
	b := newConnectedBroker(t)
	ctx := context.Background()

	require.NoError(t, b.DeclareQueue(ctx, "q", broker.Durable(false)))
	require.NoError(t, b.Publish(ctx, "q", []byte("x")))
	require.NoError(t, b.DeclareQueue(ctx, "q"))
	assert.Equal(t, 1, b.QueueDepth("q"))
}

func TestPublishBeforeConsumeKeepsOrder(t *testing.T) {
	b := newConnectedBroker(t)
	ctx := context.Background()

	const n = 50
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg := fmt.Sprintf("msg-%d", i)
		want = append(want, msg)
		require.NoError(t, b.Publish(ctx, "q", []byte(msg)))
	}
	assert.Equal(t, n, b.QueueDepth("q"))

	c := &collector{}
	_, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(c.received()) == n }, time.Second, time.Millisecond)
	assert.Equal(t, want, c.received())
	assert.Equal(t, 0, b.QueueDepth("q"))
}

func TestBroadcast(t *testing.T) {
	b := newConnectedBroker(t)
	ctx := context.Background()

	consumers := make([]*collector, 3)
	for i := range consumers {
		consumers[i] = &collector{}
		_, err := b.Consume(ctx, "q", consumers[i].handle)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, b.ConsumerCount("q"))

	want := []string{"a", "b", "c", "d"}
	for _, msg := range want {
		require.NoError(t, b.Publish(ctx, "q", []byte(msg)))
	}

	for i, c := range consumers {
		assert.Eventually(t, func() bool { return len(c.received()) == len(want) }, time.Second, time.Millisecond,
			"consumer %d", i)
		assert.Equal(t, want, c.received(), "consumer %d", i)
	}
}

func TestSameHandlerTwiceIsTwoRegistrations(t *testing.T) {
	b := newConnectedBroker(t)
	ctx := context.Background()

	c := &collector{}
	_, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)
	_, err = b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "q", []byte("x")))
	assert.Eventually(t, func() bool { return len(c.received()) == 2 }, time.Second, time.Millisecond)
}

func TestHandlerErrorDoesNotStopProcessing(t *testing.T) {
	b := newConnectedBroker(t)
	ctx := context.Background()

	c := &collector{}
	handler := func(ctx context.Context, payload []byte) error {
		if string(payload) == "fail" {
			return errors.New("refusing to process fail")
		}
		return c.handle(ctx, payload)
	}

	require.NoError(t, b.Publish(ctx, "q", []byte("fail")))
	require.NoError(t, b.Publish(ctx, "q", []byte("good")))

	_, err := b.Consume(ctx, "q", handler)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(c.received()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"good"}, c.received())
	assert.Equal(t, uint64(1), b.GetStats().HandlerErrors)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := newConnectedBroker(t)
	ctx := context.Background()

	c := &collector{}
	_, err := b.Consume(ctx, "q", func(ctx context.Context, payload []byte) error {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "q", []byte("one")))
	require.NoError(t, b.Publish(ctx, "q", []byte("two")))

	assert.Eventually(t, func() bool { return len(c.received()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, c.received())
}

func TestPayloadIsCopied(t *testing.T) {
	b := newConnectedBroker(t)
	ctx := context.Background()

	payload := []byte("original")
	require.NoError(t, b.Publish(ctx, "q", payload))
	copy(payload, "mutated!")

	c := &collector{}
	_, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(c.received()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"original"}, c.received())
}

func TestSubscriptionCancel(t *testing.T) {
	b := newConnectedBroker(t)
	ctx := context.Background()

	c := &collector{}
	sub, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)
	assert.Equal(t, "q", sub.Queue())
	assert.Equal(t, 1, b.ConsumerCount("q"))

	sub.Cancel()
	assert.Equal(t, 0, b.ConsumerCount("q"))
	assert.Eventually(t, func() bool { return b.ActiveTasks() == 0 }, time.Second, time.Millisecond)

	// no consumer left, so the message waits in the queue
	require.NoError(t, b.Publish(ctx, "q", []byte("x")))
	assert.Equal(t, 1, b.QueueDepth("q"))
	assert.Empty(t, c.received())

	// cancelling twice is harmless
	sub.Cancel()
}

func TestDisconnectStopsAllConsumers(t *testing.T) {
	b := New(WithPollInterval(time.Millisecond))
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))

	started := make(chan struct{}, 1)
	slow := func(ctx context.Context, payload []byte) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}

	for _, q := range []string{"a", "b", "c"} {
		_, err := b.Consume(ctx, q, slow)
		require.NoError(t, err)
		_, err = b.Consume(ctx, q, func(ctx context.Context, payload []byte) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, 6, b.ActiveTasks())

	// leave a handler blocked mid-dispatch
	require.NoError(t, b.Publish(ctx, "a", []byte("x")))
	<-started

	require.NoError(t, b.Disconnect(ctx))
	assert.Equal(t, 0, b.ActiveTasks())
	for _, q := range []string{"a", "b", "c"} {
		assert.Equal(t, 0, b.ConsumerCount(q), q)
	}
	assert.False(t, b.IsConnected())
}

func TestConsumeAfterDisconnectIsRejected(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Disconnect(ctx))

	_, err := b.Consume(ctx, "q", func(ctx context.Context, payload []byte) error { return nil })
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}

func TestConcurrentPublishers(t *testing.T) {
	b := newConnectedBroker(t)
	ctx := context.Background()

	c := &collector{}
	_, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)

	const publishers = 8
	const perPublisher = 25
	var wg sync.WaitGroup
	wg.Add(publishers)
	for p := 0; p < publishers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				assert.NoError(t, b.Publish(ctx, "q", []byte(fmt.Sprintf("%d-%d", p, i))))
			}
		}(p)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return len(c.received()) == publishers*perPublisher }, 2*time.Second, time.Millisecond)

	// per publisher order is preserved
	last := make(map[int]int)
	for _, msg := range c.received() {
		var p, i int
		_, err := fmt.Sscanf(msg, "%d-%d", &p, &i)
		require.NoError(t, err)
		if prev, ok := last[p]; ok {
			assert.Greater(t, i, prev)
		}
		last[p] = i
	}
}

func TestScope(t *testing.T) {
	b := New(WithPollInterval(time.Millisecond))
	c := &collector{}

	err := broker.Scope(context.Background(), b, func(ctx context.Context, br broker.Broker) error {
		if _, err := br.Consume(ctx, "q", c.handle); err != nil {
			return err
		}
		if err := br.Publish(ctx, "q", []byte("x")); err != nil {
			return err
		}
		assert.Eventually(t, func() bool { return len(c.received()) == 1 }, time.Second, time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, b.IsConnected())
	assert.Equal(t, 0, b.ActiveTasks())
}
