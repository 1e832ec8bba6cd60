package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/songzhibin97/issue-workflow/cache"
	"github.com/songzhibin97/issue-workflow/codec"
	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

// Table names.
const (
	TableWorkflow      = "JiraWorkflows"
	TableDraftWorkflow = "JiraDraftWorkflows"
)

const (
	fieldWorkflowName = "workflowname"
	fieldParentName   = "parentname"
	fieldDescriptor   = "descriptor"
)

// Repository stores named workflow graphs as encoded descriptors.
type Repository struct {
	store  storage.EntityStore
	codec  codec.Codec
	cache  *cache.Cache[*types.WorkflowGraph]
	logger *slog.Logger
}

// NewRepository creates a workflow repository. A nil codec means the XML codec.
func NewRepository(store storage.EntityStore, c codec.Codec, logger *slog.Logger) *Repository {
	if c == nil {
		c = codec.NewXMLCodec()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repository{store: store, codec: c, logger: logger}
	r.cache = cache.New(r.load, cache.WithCopy((*types.WorkflowGraph).Clone))
	return r
}

// row returns the single descriptor row of name. More than one row is corruption.
func (r *Repository) row(ctx context.Context, name string) (storage.Entity, bool, error) {
	row, dups, err := storage.FindOne(ctx, r.store, TableWorkflow, storage.Filter{fieldWorkflowName: name})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Entity{}, false, nil
	}
	if err != nil {
		return storage.Entity{}, false, fmt.Errorf("failed to look up workflow %q: %w", name, err)
	}
	if len(dups) > 0 {
		err := types.Integrity("load workflow", fmt.Errorf("%d rows stored for workflow %q", len(dups)+1, name))
		r.logger.Error("duplicate workflow rows", "workflow", name, "rows", len(dups)+1)
		return storage.Entity{}, false, err
	}
	return row, true, nil
}

func (r *Repository) load(ctx context.Context, name string) (*types.WorkflowGraph, error) {
	row, ok, err := r.row(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cache.ErrAbsent
	}
	g, err := r.codec.Decode(row.Get(fieldDescriptor))
	if err != nil {
		r.logger.Error("stored workflow descriptor does not decode", "workflow", name, "error", err)
		return nil, types.Integrity("load workflow", fmt.Errorf("workflow %q: %w", name, err))
	}
	g.Name = name
	r.logger.Debug("loaded workflow", "workflow", name, "steps", len(g.Steps))
	return g, nil
}

// Get returns a private copy of the graph stored under name.
func (r *Repository) Get(ctx context.Context, name string) (*types.WorkflowGraph, error) {
	g, ok, err := r.cache.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkflowNotFound, name)
	}
	return g, nil
}

// Exists reports whether a workflow is stored under name.
func (r *Repository) Exists(ctx context.Context, name string) (bool, error) {
	_, ok, err := r.cache.Get(ctx, name)
	return ok, err
}

// Save stores g under name. An existing workflow is replaced only when
// allowOverwrite is set; otherwise Save reports false and changes nothing.
func (r *Repository) Save(ctx context.Context, name string, g *types.WorkflowGraph, allowOverwrite bool) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, types.IllegalState("save workflow", errors.New("workflow name must not be blank"))
	}
	if g == nil {
		return false, types.IllegalState("save workflow", errors.New("workflow graph is required"))
	}
	stored := g.Clone()
	stored.Name = name
	descriptor, err := r.codec.Encode(stored)
	if err != nil {
		return false, fmt.Errorf("failed to encode workflow %q: %w", name, err)
	}
	defer r.cache.InvalidateAfter(ctx, name)

	saved := false
	err = r.store.RunInTx(ctx, func(ctx context.Context) error {
		row, exists, err := r.row(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			if !allowOverwrite {
				return nil
			}
			row.Set(fieldDescriptor, descriptor)
			if err := r.store.Store(ctx, TableWorkflow, row); err != nil {
				return fmt.Errorf("failed to overwrite workflow %q: %w", name, err)
			}
			saved = true
			return nil
		}
		if _, err := r.store.Create(ctx, TableWorkflow, map[string]string{
			fieldWorkflowName: name,
			fieldDescriptor:   descriptor,
		}); err != nil {
			return fmt.Errorf("failed to create workflow %q: %w", name, err)
		}
		saved = true
		return nil
	})
	return saved, err
}

// Remove deletes the workflow stored under name.
func (r *Repository) Remove(ctx context.Context, name string) (bool, error) {
	defer r.cache.InvalidateAfter(ctx, name)
	n, err := r.store.RemoveWhere(ctx, TableWorkflow, storage.Filter{fieldWorkflowName: name})
	if err != nil {
		return false, fmt.Errorf("failed to remove workflow %q: %w", name, err)
	}
	return n > 0, nil
}

// Rename moves the workflow stored under oldName to newName.
func (r *Repository) Rename(ctx context.Context, oldName, newName string) error {
	defer r.cache.InvalidateAfter(ctx, oldName)
	defer r.cache.InvalidateAfter(ctx, newName)
	return r.store.RunInTx(ctx, func(ctx context.Context) error {
		row, ok, err := r.row(ctx, oldName)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %q", ErrWorkflowNotFound, oldName)
		}
		g, err := r.codec.Decode(row.Get(fieldDescriptor))
		if err != nil {
			return types.Integrity("rename workflow", fmt.Errorf("workflow %q: %w", oldName, err))
		}
		g.Name = newName
		descriptor, err := r.codec.Encode(g)
		if err != nil {
			return err
		}
		row.Set(fieldWorkflowName, newName)
		row.Set(fieldDescriptor, descriptor)
		return r.store.Store(ctx, TableWorkflow, row)
	})
}

// ListNames returns the stored workflow names, sorted.
func (r *Repository) ListNames(ctx context.Context) ([]string, error) {
	rows, err := r.store.Find(ctx, TableWorkflow, storage.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	seen := make(map[string]bool, len(rows))
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		name := row.Get(fieldWorkflowName)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
