package dedupe

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// windowFactories runs each behavioral test against both backends.
func windowFactories(t *testing.T) map[string]func(capacity int) Window {
	return map[string]func(capacity int) Window{
		"memory": func(capacity int) Window {
			return NewMemoryWindow(capacity)
		},
		"redis": func(capacity int) Window {
			_, client := setupTestRedis(t)
			return NewRedisWindowWithClient(client, "test:dedupe", capacity)
		},
	}
}

func TestWindow_ReplayWithinWindowIsDuplicate(t *testing.T) {
	for name, newWindow := range windowFactories(t) {
		t.Run(name, func(t *testing.T) {
			w := newWindow(10)
			ctx := context.Background()
			now := time.Now()

			dup, err := w.Seen(ctx, "gw:AT_MESSAGE_CREATE:1", now)
			require.NoError(t, err)
			assert.False(t, dup)

			for i := 0; i < 3; i++ {
				dup, err = w.Seen(ctx, "gw:AT_MESSAGE_CREATE:1", now)
				require.NoError(t, err)
				assert.True(t, dup, "replay %d", i)
			}
		})
	}
}

func TestWindow_OldestEvictedAfterCapacity(t *testing.T) {
	for name, newWindow := range windowFactories(t) {
		t.Run(name, func(t *testing.T) {
			w := newWindow(3)
			ctx := context.Background()
			now := time.Now()

			for i := 0; i < 3; i++ {
				dup, err := w.Seen(ctx, fmt.Sprintf("id-%d", i), now)
				require.NoError(t, err)
				require.False(t, dup)
			}

			// id-3 pushes id-0 out
			dup, err := w.Seen(ctx, "id-3", now)
			require.NoError(t, err)
			require.False(t, dup)

			dup, err = w.Seen(ctx, "id-0", now)
			require.NoError(t, err)
			assert.False(t, dup, "evicted id may be delivered again")

			// re-inserting id-0 evicted id-1; id-2 and id-3 are still present
			for _, id := range []string{"id-2", "id-3"} {
				dup, err = w.Seen(ctx, id, now)
				require.NoError(t, err)
				assert.True(t, dup, id)
			}
		})
	}
}

func TestMemoryWindow_ArrivedAtAndLen(t *testing.T) {
	w := NewMemoryWindow(2)
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0)

	_, _ = w.Seen(ctx, "a", t0)
	_, _ = w.Seen(ctx, "b", t0.Add(time.Second))

	at, ok := w.ArrivedAt("a")
	require.True(t, ok)
	assert.Equal(t, t0, at)

	_, _ = w.Seen(ctx, "c", t0.Add(2*time.Second))
	_, ok = w.ArrivedAt("a")
	assert.False(t, ok)
	assert.Equal(t, 2, w.Len())
	assert.NoError(t, w.Close())
}

func TestMemoryWindow_ConcurrentSeen(t *testing.T) {
	w := NewMemoryWindow(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				dup, err := w.Seen(ctx, fmt.Sprintf("id-%d", i), time.Now())
				if err == nil && !dup {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, fresh, "each id is fresh exactly once")
}

func TestRedisWindow_ArrivedAtAndLen(t *testing.T) {
	_, client := setupTestRedis(t)
	w := NewRedisWindowWithClient(client, "", 2)
	ctx := context.Background()
	t0 := time.UnixMilli(1700000000123)

	_, err := w.Seen(ctx, "a", t0)
	require.NoError(t, err)
	_, err = w.Seen(ctx, "b", t0)
	require.NoError(t, err)
	_, err = w.Seen(ctx, "c", t0)
	require.NoError(t, err)

	n, err := w.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, err := w.ArrivedAt(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "evicted ids lose their arrival time")

	at, ok, err := w.ArrivedAt(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0, at)

	// client is shared and stays open
	require.NoError(t, w.Close())
	assert.NoError(t, client.Ping(ctx).Err())
}

func TestRedisWindow_SharedAcrossInstances(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	first := NewRedisWindowWithClient(client, "shared", 10)
	second := NewRedisWindowWithClient(client, "shared", 10)

	dup, err := first.Seen(ctx, "wh:abc", time.Now())
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = second.Seen(ctx, "wh:abc", time.Now())
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestRedisWindow_ErrorWhenServerDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	w := NewRedisWindowWithClient(client, "down", 10)
	mr.Close()

	_, err := w.Seen(context.Background(), "x", time.Now())
	assert.Error(t, err)
}

func TestNewRedisWindow(t *testing.T) {
	mr := miniredis.RunT(t)

	w, err := NewRedisWindow("redis://"+mr.Addr()+"/0", "k", 5)
	require.NoError(t, err)
	dup, err := w.Seen(context.Background(), "x", time.Now())
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NoError(t, w.Close())

	_, err = NewRedisWindow("not a url", "k", 5)
	assert.Error(t, err)
}
