package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func TestMemoryStoreExpiryIsCheckedAtAcquire(t *testing.T) {
	fc := clock.NewFake(t0)
	store := NewMemoryStore(fc)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "k", "a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, "k", "b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire before expiry must be rejected")

	fc.Advance(30 * time.Second)
	ok, err = store.Acquire(ctx, "k", "b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be reclaimable without a sweep")
}

func TestMemoryStoreReleaseChecksOwner(t *testing.T) {
	store := NewMemoryStore(clock.NewFake(t0))
	ctx := context.Background()

	_, _ = store.Acquire(ctx, "k", "a", time.Minute)
	ok, _ := store.Release(ctx, "k", "b")
	assert.False(t, ok)
	ok, _ = store.Release(ctx, "k", "a")
	assert.True(t, ok)
	ok, _ = store.Release(ctx, "k", "a")
	assert.False(t, ok)
}

func TestMemoryStoreSweep(t *testing.T) {
	fc := clock.NewFake(t0)
	store := NewMemoryStore(fc)
	ctx := context.Background()

	_, _ = store.Acquire(ctx, "short", "a", time.Second)
	_, _ = store.Acquire(ctx, "long", "a", time.Hour)
	fc.Advance(time.Minute)

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreConcurrentAcquire(t *testing.T) {
	store := NewMemoryStore(clock.NewFake(t0))
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.Acquire(context.Background(), "slot", "x", time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "flow:").WithTracer(noop.NewTracerProvider().Tracer("test"))
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "k", "a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("flow:k"))

	ok, err = store.Acquire(ctx, "k", "b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := store.Release(ctx, "k", "b")
	require.NoError(t, err)
	assert.False(t, released, "foreign token must not release")

	mr.FastForward(31 * time.Second)
	ok, err = store.Acquire(ctx, "k", "b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err = store.Release(ctx, "k", "b")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists("flow:k"))

	require.NoError(t, store.Ping(ctx))
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := NewRedisStore(client, "")
	mr.Close()

	_, err := store.Acquire(context.Background(), "k", "a", time.Second)
	assert.Error(t, err)
}
