package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/issue-workflow/storage"
)

func TestCacheLoadsOnce(t *testing.T) {
	var loads int32
	c := New(func(ctx context.Context, key string) (string, error) {
		atomic.AddInt32(&loads, 1)
		return "v:" + key, nil
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, ok, err := c.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v:a", v)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestCacheAbsentSentinel(t *testing.T) {
	var loads int32
	c := New(func(ctx context.Context, key string) (int, error) {
		atomic.AddInt32(&loads, 1)
		return 0, ErrAbsent
	})
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "missing")
	assert.False(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}

func TestCacheErrorsAreNotCached(t *testing.T) {
	var loads int32
	boom := errors.New("boom")
	c := New(func(ctx context.Context, key string) (int, error) {
		if atomic.AddInt32(&loads, 1) == 1 {
			return 0, boom
		}
		return 42, nil
	})
	ctx := context.Background()

	_, _, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, boom)
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestCacheInvalidateReloads(t *testing.T) {
	var mu sync.Mutex
	current := "g1"
	c := New(func(ctx context.Context, key string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		return current, nil
	})
	ctx := context.Background()

	v, _, _ := c.Get(ctx, "wf")
	assert.Equal(t, "g1", v)

	mu.Lock()
	current = "g2"
	mu.Unlock()
	c.Invalidate("wf")

	v, _, _ = c.Get(ctx, "wf")
	assert.Equal(t, "g2", v)

	c.InvalidateAll()
	assert.Equal(t, 0, c.Len())
}

func TestCacheStaleLoadIsDiscarded(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	c := New(func(ctx context.Context, key string) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
			return "stale", nil
		}
		return "fresh", nil
	})
	ctx := context.Background()

	done := make(chan string)
	go func() {
		v, _, _ := c.Get(ctx, "wf")
		done <- v
	}()
	<-started
	c.Invalidate("wf")
	close(release)
	assert.Equal(t, "stale", <-done)

	v, _, err := c.Get(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestCacheCopyOnRead(t *testing.T) {
	c := New(func(ctx context.Context, key string) (map[string]string, error) {
		return map[string]string{"k": key}, nil
	}, WithCopy(func(in map[string]string) map[string]string {
		out := make(map[string]string, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}))
	ctx := context.Background()

	v, _, _ := c.Get(ctx, "a")
	v["k"] = "mutated"
	again, _, _ := c.Get(ctx, "a")
	assert.Equal(t, "a", again["k"])
}

func TestCacheConcurrentReaders(t *testing.T) {
	var loads int32
	c := New(func(ctx context.Context, key string) (string, error) {
		atomic.AddInt32(&loads, 1)
		return key, nil
	})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			v, ok, err := c.Get(ctx, key)
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, key, v)
			if i%10 == 0 {
				c.Invalidate(key)
			}
		}(i)
	}
	wg.Wait()
}

func TestCacheSkipsStoringInsideTransaction(t *testing.T) {
	var loads int32
	value := "committed"
	c := New(func(ctx context.Context, key string) (string, error) {
		atomic.AddInt32(&loads, 1)
		return value, nil
	})
	store := storage.NewMemoryStorage(nil)
	ctx := context.Background()

	err := store.RunInTx(ctx, func(txCtx context.Context) error {
		value = "pending"
		v, ok, err := c.Get(txCtx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "pending", v)
		assert.Equal(t, 0, c.Len())

		c.InvalidateAfter(txCtx, "k")
		return errors.New("abort")
	})
	require.Error(t, err)

	value = "committed"
	v, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "committed", v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loads))
}

func TestCacheInvalidateAfterCommit(t *testing.T) {
	value := "v1"
	c := New(func(ctx context.Context, key string) (string, error) {
		return value, nil
	})
	store := storage.NewMemoryStorage(nil)
	ctx := context.Background()

	_, _, err := c.Get(ctx, "k")
	require.NoError(t, err)

	err = store.RunInTx(ctx, func(txCtx context.Context) error {
		value = "v2"
		c.InvalidateAfter(txCtx, "k")
		// outside readers keep the committed value until the transaction ends
		v, _, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
		return nil
	})
	require.NoError(t, err)

	v, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	value = "v3"
	c.InvalidateAllAfter(ctx)
	v, _, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v3", v)
}
