package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrentGruber/Basidia/config"
	"github.com/BrentGruber/Basidia/internal/broker"
)

func redisURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("Environment variable REDIS_URL not set")
	}
	return url
}

func TestClientOptions(t *testing.T) {
	b := NewBroker(config.BrokerConfig{
		URL:            "redis://localhost:6379/2",
		ClientID:       "basidia",
		Password:       "secret",
		ConnectTimeout: "250ms",
	}, nil, nil)

	opts, err := b.clientOptions()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, "basidia", opts.ClientName)
	assert.Equal(t, 250*time.Millisecond, opts.DialTimeout)
}

func TestConnectFailures(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "invalid url", url: "http://localhost:6379"},
		{name: "unreachable", url: "redis://127.0.0.1:1/0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBroker(config.BrokerConfig{URL: tt.url, ConnectTimeout: "200ms"}, nil, nil)
			err := b.Connect(context.Background())

			var connErr *broker.ConnectionError
			assert.ErrorAs(t, err, &connErr)
			assert.False(t, b.IsConnected())
		})
	}
}

func TestNotConnected(t *testing.T) {
	b := NewBroker(config.BrokerConfig{URL: "redis://localhost:6379/0"}, nil, nil)
	ctx := context.Background()

	assert.ErrorIs(t, b.DeclareQueue(ctx, "q"), broker.ErrNotConnected)
	assert.ErrorIs(t, b.Publish(ctx, "q", []byte("x")), broker.ErrNotConnected)
	_, err := b.Consume(ctx, "q", func(ctx context.Context, payload []byte) error { return nil })
	assert.ErrorIs(t, err, broker.ErrNotConnected)
	assert.NoError(t, b.Disconnect(ctx))
}

func TestPublishConsume(t *testing.T) {
	b := NewBroker(config.BrokerConfig{URL: redisURL(t)}, nil, nil)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	queue := "test." + uuid.NewString()

	var mu sync.Mutex
	var got []string
	sub, err := b.Consume(ctx, queue, func(ctx context.Context, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, queue, sub.Queue())

	for _, msg := range []string{"a", "b"} {
		require.NoError(t, b.Publish(ctx, queue, []byte(msg)))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	sub.Cancel()
	assert.Eventually(t, func() bool { return b.Tasks.Len() == 0 }, time.Second, time.Millisecond)
}
