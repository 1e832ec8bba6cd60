// Package lock serializes structural mutations to schemes and workflows across the cluster.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotHeld is returned when unlocking a lock the caller does not hold.
var ErrNotHeld = errors.New("lock not held")

// OperationKind names the structural mutation a lock serializes.
type OperationKind int

const (
	DeleteMappingRow OperationKind = iota
	DeleteScheme
	DeleteWorkflowScheme
	UpdateDraftScheme
	UpdateScheme
	UpdateWorkflowScheme
)

// AllOperationKinds lists every kind in the fixed order bulk acquisition uses.
var AllOperationKinds = []OperationKind{
	DeleteMappingRow,
	DeleteScheme,
	DeleteWorkflowScheme,
	UpdateDraftScheme,
	UpdateScheme,
	UpdateWorkflowScheme,
}

func (k OperationKind) String() string {
	switch k {
	case DeleteMappingRow:
		return "delete-mapping-row"
	case DeleteScheme:
		return "delete-scheme"
	case DeleteWorkflowScheme:
		return "delete-workflow-scheme"
	case UpdateDraftScheme:
		return "update-draft-scheme"
	case UpdateScheme:
		return "update-scheme"
	case UpdateWorkflowScheme:
		return "update-workflow-scheme"
	default:
		return fmt.Sprintf("operation-%d", int(k))
	}
}

// Key identifies one lock.
type Key struct {
	Kind     OperationKind
	TargetID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Kind, k.TargetID)
}

// Lock is a blocking mutual-exclusion lock.
type Lock interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Service hands out the lock for a key.
type Service interface {
	Get(key Key) Lock
}

// MemoryService is a process-local Service for single-node installs and tests.
type MemoryService struct {
	mu    sync.Mutex
	locks map[Key]*memoryLock
}

// NewMemoryService creates a process-local lock service.
func NewMemoryService() *MemoryService {
	return &MemoryService{locks: make(map[Key]*memoryLock)}
}

// Get returns the lock for key, creating it on first use.
func (s *MemoryService) Get(key Key) Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &memoryLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	return l
}

type memoryLock struct {
	ch chan struct{}
}

func (l *memoryLock) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *memoryLock) Unlock(context.Context) error {
	select {
	case <-l.ch:
		return nil
	default:
		return ErrNotHeld
	}
}

// Guard acquires operation locks around scheme mutations.
type Guard struct {
	locks  Service
	logger *slog.Logger
}

// NewGuard creates a Guard over locks.
func NewGuard(locks Service, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{locks: locks, logger: logger}
}

// WithLock runs fn while holding the lock for (kind, targetID). The lock is released on every path.
func (g *Guard) WithLock(ctx context.Context, kind OperationKind, targetID int64, fn func(ctx context.Context) error) (err error) {
	key := Key{Kind: kind, TargetID: targetID}
	l := g.locks.Get(key)
	if err := l.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	defer func() {
		if unlockErr := l.Unlock(context.WithoutCancel(ctx)); unlockErr != nil {
			g.logger.Error("failed to release lock", "lock", key.String(), "error", unlockErr)
			if err == nil {
				err = fmt.Errorf("failed to release lock %s: %w", key, unlockErr)
			}
		}
	}()
	return fn(ctx)
}

// WaitForUpdatesToFinishAndExecute takes every operation lock of targetID in the fixed
// AllOperationKinds order, runs fn, then releases all of them. Every release is attempted;
// the error of fn wins, otherwise the first release failure is returned.
func (g *Guard) WaitForUpdatesToFinishAndExecute(ctx context.Context, targetID int64, fn func(ctx context.Context) error) error {
	held := make([]Lock, 0, len(AllOperationKinds))
	keys := make([]Key, 0, len(AllOperationKinds))
	var runErr error
	for _, kind := range AllOperationKinds {
		key := Key{Kind: kind, TargetID: targetID}
		l := g.locks.Get(key)
		if err := l.Lock(ctx); err != nil {
			runErr = fmt.Errorf("failed to acquire lock %s: %w", key, err)
			break
		}
		held = append(held, l)
		keys = append(keys, key)
	}

	if runErr == nil {
		runErr = fn(ctx)
	}

	var firstReleaseErr error
	releaseCtx := context.WithoutCancel(ctx)
	for i := len(held) - 1; i >= 0; i-- {
		if err := held[i].Unlock(releaseCtx); err != nil {
			g.logger.Error("failed to release lock", "lock", keys[i].String(), "error", err)
			if firstReleaseErr == nil {
				firstReleaseErr = fmt.Errorf("failed to release lock %s: %w", keys[i], err)
			}
		}
	}
	if runErr != nil {
		return runErr
	}
	return firstReleaseErr
}
