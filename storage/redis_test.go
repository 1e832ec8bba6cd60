package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Setup Redis options (assumes Redis is running locally)
var testRedisOptions = RedisOptions{
	Addr:         "localhost:6379",
	Password:     "",
	DB:           0,
	PoolSize:     10,
	MinIdleConns: 2,
	IdleTimeout:  5 * time.Minute,
}

func newTestRedisStorage(t *testing.T) *RedisStorage {
	t.Helper()
	opts := testRedisOptions
	opts.KeyPrefix = fmt.Sprintf("wftest:%d:", time.Now().UnixNano())
	store, err := NewRedisStorage(opts, &MockGenerator{})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := store.client.Keys(ctx, opts.KeyPrefix+"*").Result()
		if len(keys) > 0 {
			store.client.Del(ctx, keys...)
		}
		_ = store.Close()
	})
	return store
}

func TestRedisStorage(t *testing.T) {
	runEntityStoreSuite(t, func(t *testing.T) EntityStore {
		return newTestRedisStorage(t)
	})
}

func TestNewRedisStorageConnectionFailure(t *testing.T) {
	badOpts := testRedisOptions
	badOpts.Addr = "invalid:6379"
	_, err := NewRedisStorage(badOpts, &MockGenerator{})
	assert.Error(t, err)
}
