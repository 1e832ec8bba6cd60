package scheme

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSchemeBeingMigrated is returned when a structural change hits a scheme with an active migration.
var ErrSchemeBeingMigrated = errors.New("workflow scheme is being migrated")

// MigrationTask describes a running scheme migration.
type MigrationTask struct {
	ID         string
	SchemeID   int64
	ProjectIDs []int64
	StartedBy  string
	StartedAt  time.Time
}

// MigrationTracker reports in-flight migrations. It is only used as a guard.
type MigrationTracker interface {
	Active(ctx context.Context, schemeID int64) (*MigrationTask, error)
	ActiveForProjects(ctx context.Context, schemeID int64, projectIDs []int64) (*MigrationTask, error)
}

// MemoryMigrationTracker keeps running migrations in process memory.
type MemoryMigrationTracker struct {
	mu    sync.RWMutex
	tasks map[string]MigrationTask
}

// NewMemoryMigrationTracker creates an empty tracker.
func NewMemoryMigrationTracker() *MemoryMigrationTracker {
	return &MemoryMigrationTracker{tasks: make(map[string]MigrationTask)}
}

// Start registers a running migration.
func (t *MemoryMigrationTracker) Start(task MigrationTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if task.StartedAt.IsZero() {
		task.StartedAt = time.Now()
	}
	t.tasks[task.ID] = task
}

// Finish removes a migration.
func (t *MemoryMigrationTracker) Finish(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, id)
}

// Active returns any migration running against schemeID.
func (t *MemoryMigrationTracker) Active(_ context.Context, schemeID int64) (*MigrationTask, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, task := range t.tasks {
		if task.SchemeID == schemeID {
			task := task
			return &task, nil
		}
	}
	return nil, nil
}

// ActiveForProjects returns a migration of schemeID touching any of projectIDs.
func (t *MemoryMigrationTracker) ActiveForProjects(_ context.Context, schemeID int64, projectIDs []int64) (*MigrationTask, error) {
	want := make(map[int64]bool, len(projectIDs))
	for _, id := range projectIDs {
		want[id] = true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, task := range t.tasks {
		if task.SchemeID != schemeID {
			continue
		}
		for _, p := range task.ProjectIDs {
			if want[p] {
				task := task
				return &task, nil
			}
		}
	}
	return nil, nil
}
