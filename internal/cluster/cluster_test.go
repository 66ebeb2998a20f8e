package cluster

import (
	"chatio/internal/models"
	"chatio/internal/presence"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Tests require Redis; they are skipped when it is not reachable.
func testClient(t *testing.T) (*redis.Client, string) {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}

	prefix := "chatio-test:" + t.Name() + ":"
	cleanupKeys(ctx, client, prefix+"*")
	t.Cleanup(func() {
		cleanupKeys(ctx, client, prefix+"*")
		client.Close()
	})
	return client, prefix
}

func cleanupKeys(ctx context.Context, client *redis.Client, pattern string) {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func TestPresence_AcquireRelease(t *testing.T) {
	client, prefix := testClient(t)
	ctx := context.Background()

	// Two nodes sharing the same Redis.
	node1 := NewPresence(client, prefix, 0)
	node2 := NewPresence(client, prefix, 0)

	n, err := node1.Acquire(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = node2.Acquire(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = node1.Release(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// node1 gave back its only slot.
	_, err = node1.Release(ctx, "u1")
	require.ErrorIs(t, err, presence.ErrNotHeld)

	count, err := node2.Count(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	n, err = node2.Release(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	exists, err := client.Exists(ctx, prefix+"presence:u1").Result()
	require.NoError(t, err)
	require.Zero(t, exists, "counter key should be removed at zero")
}

func TestPresence_ReleaseUnknown(t *testing.T) {
	client, prefix := testClient(t)
	ctx := context.Background()
	p := NewPresence(client, prefix, 0)

	_, err := p.Release(ctx, "nobody")
	require.ErrorIs(t, err, presence.ErrNotHeld)

	count, err := p.Count(ctx, "nobody")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPresence_DeadNodeSlotsExpire(t *testing.T) {
	client, prefix := testClient(t)
	ctx := context.Background()

	crashed := NewPresence(client, prefix, 0)
	alive := NewPresence(client, prefix, 0)

	_, err := crashed.Acquire(ctx, "u1")
	require.NoError(t, err)
	_, err = crashed.Acquire(ctx, "u2")
	require.NoError(t, err)
	n, err := alive.Acquire(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// The crashed node stops beating and its heartbeat expires.
	require.NoError(t, client.Del(ctx, prefix+"node:"+crashed.NodeID()).Err())

	count, err := alive.Count(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	count, err = alive.Count(ctx, "u2")
	require.NoError(t, err)
	require.Zero(t, count)

	n, err = alive.Release(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPresence_RunKeepsHeartbeat(t *testing.T) {
	client, prefix := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	p := NewPresence(client, prefix, 300*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// Well past the TTL the key is still there.
	time.Sleep(time.Second)
	ttl, err := client.PTTL(context.Background(), prefix+"node:"+p.NodeID()).Result()
	require.NoError(t, err)
	require.Positive(t, ttl)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFanout_DeliversAcrossNodes(t *testing.T) {
	client, prefix := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := NewFanout(client, prefix)
	subscriber := NewFanout(client, prefix)

	var (
		mu       sync.Mutex
		received []models.Delivery
	)
	got := make(chan struct{}, 10)
	go func() {
		_ = subscriber.Run(ctx, func(d models.Delivery) int {
			mu.Lock()
			received = append(received, d)
			mu.Unlock()
			got <- struct{}{}
			return 1
		})
	}()

	select {
	case <-subscriber.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not ready")
	}

	deliveries := []models.Delivery{
		{Scope: models.DeliveryScopeRoom, Target: "r1", ExcludeConn: "c1", Event: models.ServerEventTyping, Data: []byte(`"r1"`)},
		{Scope: models.DeliveryScopeRoom, Target: "r1", ExcludeConn: "c1", Event: models.ServerEventStopTyping, Data: []byte(`"r1"`)},
		{Scope: models.DeliveryScopeUser, Target: "u2", Event: models.ServerEventMessageReceived, Data: []byte(`{"_id":"m1"}`)},
	}
	for _, d := range deliveries {
		require.NoError(t, publisher.Publish(ctx, d))
	}

	for range deliveries {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, deliveries, received)
}

func TestFanout_RunStopsOnCancel(t *testing.T) {
	client, prefix := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	f := NewFanout(client, prefix)
	done := make(chan error, 1)
	go func() {
		done <- f.Run(ctx, func(models.Delivery) int { return 0 })
	}()

	<-f.Ready()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
