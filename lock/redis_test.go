package lock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisService(t *testing.T, opts RedisOptions) *RedisService {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	opts.KeyPrefix = fmt.Sprintf("wf:test:lock:%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, opts.KeyPrefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return NewRedisService(client, opts)
}

func TestRedisLockExclusion(t *testing.T) {
	svc := newTestRedisService(t, RedisOptions{RetryInterval: 5 * time.Millisecond, MaxWait: 100 * time.Millisecond})
	ctx := context.Background()
	key := Key{Kind: UpdateScheme, TargetID: 1}

	first := svc.Get(key)
	require.NoError(t, first.Lock(ctx))

	second := svc.Get(key)
	err := second.Lock(ctx)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, first.Unlock(ctx))
	require.NoError(t, second.Lock(ctx))
	require.NoError(t, second.Unlock(ctx))
}

func TestRedisUnlockRequiresOwnership(t *testing.T) {
	svc := newTestRedisService(t, RedisOptions{TTL: 20 * time.Millisecond, RetryInterval: 5 * time.Millisecond})
	ctx := context.Background()
	key := Key{Kind: DeleteScheme, TargetID: 2}

	l := svc.Get(key)
	assert.ErrorIs(t, l.Unlock(ctx), ErrNotHeld)

	require.NoError(t, l.Lock(ctx))
	time.Sleep(40 * time.Millisecond)

	other := svc.Get(key)
	require.NoError(t, other.Lock(ctx))
	assert.ErrorIs(t, l.Unlock(ctx), ErrNotHeld)
	require.NoError(t, other.Unlock(ctx))
}

func TestRedisGuard(t *testing.T) {
	svc := newTestRedisService(t, RedisOptions{RetryInterval: 5 * time.Millisecond})
	guard := NewGuard(svc, nil)

	calls := 0
	err := guard.WaitForUpdatesToFinishAndExecute(context.Background(), 9, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
