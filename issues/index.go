package issues

import (
	"context"
	"sync"

	"github.com/songzhibin97/issue-workflow/types"
)

// Index is the search index sink the engine re-submits changed issues to.
type Index interface {
	Reindex(ctx context.Context, issues ...*types.Issue) error
}

type suspendKey struct{}

// Suspend returns a context in which indexing is switched off. Leaving the
// context's scope switches it back on.
func Suspend(ctx context.Context) context.Context {
	return context.WithValue(ctx, suspendKey{}, true)
}

// Suspended reports whether indexing is off for ctx.
func Suspended(ctx context.Context) bool {
	v, _ := ctx.Value(suspendKey{}).(bool)
	return v
}

// MemoryIndex keeps the latest indexed copy of every issue.
type MemoryIndex struct {
	mu      sync.RWMutex
	docs    map[int64]*types.Issue
	reindex int
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[int64]*types.Issue)}
}

// Reindex implements Index. Calls made while indexing is suspended are dropped.
func (x *MemoryIndex) Reindex(ctx context.Context, issues ...*types.Issue) error {
	if Suspended(ctx) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, issue := range issues {
		if issue == nil {
			continue
		}
		x.docs[issue.ID] = issue.Clone()
		x.reindex++
	}
	return nil
}

// Document returns the indexed copy of an issue.
func (x *MemoryIndex) Document(id int64) (*types.Issue, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	doc, ok := x.docs[id]
	return doc.Clone(), ok
}

// Search returns the indexed issues in a status.
func (x *MemoryIndex) Search(statusID string) []*types.Issue {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []*types.Issue
	for _, doc := range x.docs {
		if doc.StatusID == statusID {
			out = append(out, doc.Clone())
		}
	}
	return out
}

// Count returns how many documents have been written in total.
func (x *MemoryIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.reindex
}
