package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockTimeout is returned when a lock could not be acquired within MaxWait.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// releaseScript deletes the key only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures a RedisService.
type RedisOptions struct {
	KeyPrefix     string
	TTL           time.Duration
	RetryInterval time.Duration
	MaxWait       time.Duration // zero waits until the context is done
}

// RedisService hands out cluster-wide locks backed by SET NX PX.
type RedisService struct {
	client *redis.Client
	opts   RedisOptions
}

// NewRedisService creates a cluster lock service on client.
func NewRedisService(client *redis.Client, opts RedisOptions) *RedisService {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "wf:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	return &RedisService{client: client, opts: opts}
}

// Get returns a lock handle for key. Handles are not shared between callers.
func (s *RedisService) Get(key Key) Lock {
	return &redisLock{
		service: s,
		name:    s.opts.KeyPrefix + key.String(),
	}
}

type redisLock struct {
	service *RedisService
	name    string
	token   string
}

func (l *redisLock) Lock(ctx context.Context) error {
	token := uuid.NewString()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.service.opts.RetryInterval
	policy.MaxInterval = 20 * l.service.opts.RetryInterval
	policy.MaxElapsedTime = l.service.opts.MaxWait

	op := func() error {
		ok, err := l.service.client.SetNX(ctx, l.name, token, l.service.opts.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if !ok {
			return fmt.Errorf("lock %s is held", l.name)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrLockTimeout, l.name, err)
	}
	l.token = token
	return nil
}

func (l *redisLock) Unlock(ctx context.Context) error {
	if l.token == "" {
		return ErrNotHeld
	}
	n, err := releaseScript.Run(ctx, l.service.client, []string{l.name}, l.token).Int()
	l.token = ""
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", l.name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s expired or was taken over", ErrNotHeld, l.name)
	}
	return nil
}
