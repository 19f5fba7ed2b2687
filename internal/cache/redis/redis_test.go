package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

func setupRedis(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{Addr: fmt.Sprintf("%s:%s", host, port.Port()), PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager(setupRedis(t))

	unlock, err := lm.Acquire(ctx, "trade:T1", 300*time.Millisecond)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "trade:T1", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	// Renewal keeps the lock alive past its original TTL.
	time.Sleep(600 * time.Millisecond)
	_, err = lm.Acquire(ctx, "trade:T1", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	again, err := lm.Acquire(ctx, "trade:T1", time.Second)
	require.NoError(t, err)
	again()
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(setupRedis(t))

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "broker:orders", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "broker:orders", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "broker:other", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := setupRedis(t)
	bus := NewSignalBus(c, 0)

	sub, err := bus.Subscribe(ctx, "reconcile:*")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "reconcile:events", []byte(`{"type":"pass.completed"}`)))

	select {
	case msg := <-sub:
		assert.JSONEq(t, `{"type":"pass.completed"}`, string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}

	require.NoError(t, bus.StreamAppend(ctx, "reconcile:history", []byte("a")))
	require.NoError(t, bus.StreamAppend(ctx, "reconcile:history", []byte("b")))
	msgs, err := bus.StreamRead(ctx, "reconcile:history", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", string(msgs[1].Payload))

	assert.NotZero(t, c.PoolStats().TotalConns)
}
