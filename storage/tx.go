package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type (
	journalKey struct{}
	hooksKey   struct{}
)

// txHooks holds the callbacks queued by AfterTx until the outermost transaction ends.
type txHooks struct {
	mu  sync.Mutex
	fns []func()
}

// InTx reports whether ctx carries an open transaction of any backend.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(hooksKey{}).(*txHooks)
	return ok
}

// AfterTx runs fn once the outermost transaction carried by ctx has ended, committed
// or rolled back. Without a transaction fn runs immediately.
func AfterTx(ctx context.Context, fn func()) {
	h, ok := ctx.Value(hooksKey{}).(*txHooks)
	if !ok {
		fn()
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, fn)
}

func withHooks(ctx context.Context) (context.Context, *txHooks) {
	h := &txHooks{}
	return context.WithValue(ctx, hooksKey{}, h), h
}

func (h *txHooks) run() {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// journal records the previous state of every row written inside RunInTx.
type journal struct {
	mu      sync.Mutex
	entries []undo
}

type undo struct {
	table string
	id    int64
	prev  *Entity
}

func journalFrom(ctx context.Context) *journal {
	j, _ := ctx.Value(journalKey{}).(*journal)
	return j
}

func (j *journal) record(table string, id int64, prev *Entity) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, undo{table: table, id: id, prev: prev})
}

// restorer puts a row back to a recorded state; prev nil means the row did not exist.
type restorer interface {
	restore(ctx context.Context, table string, id int64, prev *Entity) error
}

// runJournaled gives stores without native transactions undo-on-failure semantics.
func runJournaled(ctx context.Context, r restorer, fn func(ctx context.Context) error) (err error) {
	if journalFrom(ctx) != nil {
		return fn(ctx)
	}
	j := &journal{}
	txCtx, hooks := withHooks(context.WithValue(ctx, journalKey{}, j))
	defer hooks.run()

	defer func() {
		if p := recover(); p != nil {
			_ = rollback(context.WithoutCancel(ctx), r, j)
			panic(p)
		}
	}()

	if err = fn(txCtx); err != nil {
		if rbErr := rollback(context.WithoutCancel(ctx), r, j); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return err
	}
	return nil
}

func rollback(ctx context.Context, r restorer, j *journal) error {
	j.mu.Lock()
	entries := j.entries
	j.entries = nil
	j.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		u := entries[i]
		if err := r.restore(ctx, u.table, u.id, u.prev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
