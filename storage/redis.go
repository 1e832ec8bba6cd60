package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/gkit/generator"
)

const defaultKeyPrefix = "wf:"

// RedisStorage is a Redis-backed implementation of the EntityStore interface.
// Each row is a JSON value under prefix+table+":"+id; prefix+table+":ids" indexes the table.
type RedisStorage struct {
	client   *redis.Client
	prefix   string
	generate generator.Generator
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	KeyPrefix    string
}

// NewRedisClient creates a client and checks connectivity.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions, generate generator.Generator) (*RedisStorage, error) {
	client, err := NewRedisClient(opts)
	if err != nil {
		return nil, err
	}
	return NewRedisStorageWithClient(client, opts.KeyPrefix, generate), nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client, prefix string, generate generator.Generator) *RedisStorage {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if generate == nil {
		generate = DefaultGenerator()
	}
	return &RedisStorage{client: client, prefix: prefix, generate: generate}
}

func (s *RedisStorage) rowKey(table string, id int64) string {
	return fmt.Sprintf("%s%s:%d", s.prefix, table, id)
}

func (s *RedisStorage) indexKey(table string) string {
	return s.prefix + table + ":ids"
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func (s *RedisStorage) write(ctx context.Context, pipe redis.Pipeliner, table string, e Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal %s:%d: %w", table, e.ID, err)
	}
	pipe.Set(ctx, s.rowKey(table, e.ID), data, 0)
	pipe.SAdd(ctx, s.indexKey(table), e.ID)
	return nil
}

func (s *RedisStorage) load(ctx context.Context, table string, id int64) (*Entity, error) {
	data, err := s.client.Get(ctx, s.rowKey(table, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get %s from Redis: %w", s.rowKey(table, id), err)
	}
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", s.rowKey(table, id), err)
	}
	return &e, nil
}

// Create inserts a new row.
func (s *RedisStorage) Create(ctx context.Context, table string, fields map[string]string) (Entity, error) {
	if table == "" {
		return Entity{}, ErrNoTable
	}
	return withContext(ctx, func() (Entity, error) {
		id, err := s.generate.NextID()
		if err != nil {
			return Entity{}, fmt.Errorf("failed to generate id for %s: %w", table, err)
		}
		e := Entity{ID: int64(id), Fields: fields}.clone()
		pipe := s.client.TxPipeline()
		if err := s.write(ctx, pipe, table, e); err != nil {
			return Entity{}, err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return Entity{}, fmt.Errorf("failed to create %s row: %w", table, err)
		}
		journalFrom(ctx).record(table, e.ID, nil)
		return e, nil
	})
}

// Get retrieves a row by id.
func (s *RedisStorage) Get(ctx context.Context, table string, id int64) (Entity, error) {
	return withContext(ctx, func() (Entity, error) {
		e, err := s.load(ctx, table, id)
		if err != nil {
			return Entity{}, err
		}
		if e == nil {
			return Entity{}, fmt.Errorf("%w: key=%s", ErrNotFound, s.rowKey(table, id))
		}
		return *e, nil
	})
}

// Find scans the table index and filters rows client-side.
func (s *RedisStorage) Find(ctx context.Context, table string, filter Filter) ([]Entity, error) {
	return withContext(ctx, func() ([]Entity, error) {
		if raw, ok := filter[IDField]; ok {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, nil
			}
			e, err := s.load(ctx, table, id)
			if err != nil || e == nil || !filter.Matches(*e) {
				return nil, err
			}
			return []Entity{*e}, nil
		}

		ids, err := s.client.SMembers(ctx, s.indexKey(table)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s index: %w", table, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		keys := make([]string, 0, len(ids))
		for _, raw := range ids {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			keys = append(keys, s.rowKey(table, id))
		}
		if len(keys) == 0 {
			return nil, nil
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load %s rows: %w", table, err)
		}
		var out []Entity
		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var e Entity
			if err := json.Unmarshal([]byte(str), &e); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
			}
			if filter.Matches(e) {
				out = append(out, e)
			}
		}
		sortByID(out)
		return out, nil
	})
}

// Store replaces an existing row.
func (s *RedisStorage) Store(ctx context.Context, table string, e Entity) error {
	return withContextError(ctx, func() error {
		prev, err := s.load(ctx, table, e.ID)
		if err != nil {
			return err
		}
		if prev == nil {
			return fmt.Errorf("%w: key=%s", ErrNotFound, s.rowKey(table, e.ID))
		}
		pipe := s.client.TxPipeline()
		if err := s.write(ctx, pipe, table, e.clone()); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to store %s: %w", s.rowKey(table, e.ID), err)
		}
		journalFrom(ctx).record(table, e.ID, prev)
		return nil
	})
}

// UpdateWhere writes set onto matching rows using pipelining.
func (s *RedisStorage) UpdateWhere(ctx context.Context, table string, set map[string]string, filter Filter) (int, error) {
	rows, err := s.Find(ctx, table, filter)
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	pipe := s.client.TxPipeline()
	j := journalFrom(ctx)
	for _, e := range rows {
		prev := e.clone()
		next := e.clone()
		for k, v := range set {
			next.Fields[k] = v
		}
		if err := s.write(ctx, pipe, table, next); err != nil {
			return 0, err
		}
		j.record(table, e.ID, &prev)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to execute pipeline for %s update: %w", table, err)
	}
	return len(rows), nil
}

// Remove deletes a row by id.
func (s *RedisStorage) Remove(ctx context.Context, table string, id int64) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		prev, err := s.load(ctx, table, id)
		if err != nil || prev == nil {
			return false, err
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.rowKey(table, id))
		pipe.SRem(ctx, s.indexKey(table), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("failed to remove %s: %w", s.rowKey(table, id), err)
		}
		journalFrom(ctx).record(table, id, prev)
		return true, nil
	})
}

// RemoveWhere deletes matching rows using pipelining.
func (s *RedisStorage) RemoveWhere(ctx context.Context, table string, filter Filter) (int, error) {
	rows, err := s.Find(ctx, table, filter)
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	pipe := s.client.TxPipeline()
	j := journalFrom(ctx)
	for _, e := range rows {
		prev := e
		pipe.Del(ctx, s.rowKey(table, e.ID))
		pipe.SRem(ctx, s.indexKey(table), e.ID)
		j.record(table, e.ID, &prev)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to execute pipeline for deletion: %w", err)
	}
	return len(rows), nil
}

// RunInTx compensates the writes of fn when it fails; Redis itself has no rollback.
func (s *RedisStorage) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("transaction body is required")
	}
	return runJournaled(ctx, s, fn)
}

func (s *RedisStorage) restore(ctx context.Context, table string, id int64, prev *Entity) error {
	pipe := s.client.TxPipeline()
	if prev == nil {
		pipe.Del(ctx, s.rowKey(table, id))
		pipe.SRem(ctx, s.indexKey(table), id)
	} else if err := s.write(ctx, pipe, table, *prev); err != nil {
		return err
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Client exposes the underlying connection for components sharing it.
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
