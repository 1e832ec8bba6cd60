package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/songzhibin97/gkit/generator"
)

// MemoryStorage is an in-memory implementation of the EntityStore interface.
type MemoryStorage struct {
	tables   map[string]map[int64]Entity
	mu       sync.RWMutex
	generate generator.Generator
}

// NewMemoryStorage creates a new MemoryStorage. A nil generator falls back to a snowflake generator.
func NewMemoryStorage(generate generator.Generator) *MemoryStorage {
	if generate == nil {
		generate = DefaultGenerator()
	}
	return &MemoryStorage{
		tables:   make(map[string]map[int64]Entity),
		generate: generate,
	}
}

func (s *MemoryStorage) table(name string) map[int64]Entity {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[int64]Entity)
		s.tables[name] = t
	}
	return t
}

// Create inserts a new row.
func (s *MemoryStorage) Create(ctx context.Context, table string, fields map[string]string) (Entity, error) {
	if table == "" {
		return Entity{}, ErrNoTable
	}
	return withContext(ctx, func() (Entity, error) {
		id, err := s.generate.NextID()
		if err != nil {
			return Entity{}, fmt.Errorf("failed to generate id for %s: %w", table, err)
		}
		e := Entity{ID: int64(id), Fields: fields}.clone()

		s.mu.Lock()
		defer s.mu.Unlock()
		s.table(table)[e.ID] = e
		journalFrom(ctx).record(table, e.ID, nil)
		return e.clone(), nil
	})
}

// Get retrieves a row by id.
func (s *MemoryStorage) Get(ctx context.Context, table string, id int64) (Entity, error) {
	return withContext(ctx, func() (Entity, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		e, ok := s.tables[table][id]
		if !ok {
			return Entity{}, fmt.Errorf("%w: %s id=%d", ErrNotFound, table, id)
		}
		return e.clone(), nil
	})
}

// Find returns matching rows ordered by id.
func (s *MemoryStorage) Find(ctx context.Context, table string, filter Filter) ([]Entity, error) {
	return withContext(ctx, func() ([]Entity, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []Entity
		for _, e := range s.tables[table] {
			if filter.Matches(e) {
				out = append(out, e.clone())
			}
		}
		sortByID(out)
		return out, nil
	})
}

// Store replaces an existing row.
func (s *MemoryStorage) Store(ctx context.Context, table string, e Entity) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		t := s.table(table)
		prev, ok := t[e.ID]
		if !ok {
			return struct{}{}, fmt.Errorf("%w: %s id=%d", ErrNotFound, table, e.ID)
		}
		journalFrom(ctx).record(table, e.ID, &prev)
		t[e.ID] = e.clone()
		return struct{}{}, nil
	})
	return err
}

// UpdateWhere writes set onto matching rows in a single lock.
func (s *MemoryStorage) UpdateWhere(ctx context.Context, table string, set map[string]string, filter Filter) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		n := 0
		t := s.table(table)
		j := journalFrom(ctx)
		for id, e := range t {
			if !filter.Matches(e) {
				continue
			}
			prev := e.clone()
			j.record(table, id, &prev)
			next := e.clone()
			for k, v := range set {
				next.Fields[k] = v
			}
			t[id] = next
			n++
		}
		return n, nil
	})
}

// Remove deletes a row by id.
func (s *MemoryStorage) Remove(ctx context.Context, table string, id int64) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		t := s.table(table)
		prev, ok := t[id]
		if !ok {
			return false, nil
		}
		journalFrom(ctx).record(table, id, &prev)
		delete(t, id)
		return true, nil
	})
}

// RemoveWhere deletes matching rows.
func (s *MemoryStorage) RemoveWhere(ctx context.Context, table string, filter Filter) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		t := s.table(table)
		j := journalFrom(ctx)
		n := 0
		for id, e := range t {
			if filter.Matches(e) {
				prev := e
				j.record(table, id, &prev)
				delete(t, id)
				n++
			}
		}
		return n, nil
	})
}

// RunInTx undoes the writes of fn when it fails or panics.
func (s *MemoryStorage) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("transaction body is required")
	}
	return runJournaled(ctx, s, fn)
}

func (s *MemoryStorage) restore(_ context.Context, table string, id int64, prev *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	if prev == nil {
		delete(t, id)
		return nil
	}
	t[id] = prev.clone()
	return nil
}

// Count returns the number of rows in table.
func (s *MemoryStorage) Count(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}
