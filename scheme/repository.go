// Package scheme maps issue types to workflows: assignable and draft scheme
// repositories, project association, resolution and the guarded manager.
package scheme

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/songzhibin97/issue-workflow/cache"
	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

// Table names.
const (
	TableScheme             = "WorkflowScheme"
	TableSchemeEntity       = "WorkflowSchemeEntity"
	TableDraftScheme        = "DraftWorkflowScheme"
	TableDraftSchemeEntity  = "DraftWorkflowSchemeEntity"
	TableProjectAssociation = "ProjectWorkflowScheme"
)

const (
	fieldName        = "name"
	fieldDescription = "description"
)

var (
	// ErrSchemeNotFound is returned when a scheme id does not resolve.
	ErrSchemeNotFound = errors.New("workflow scheme not found")
	// ErrSystemWorkflow is returned when a scheme lookup is asked about the system workflow.
	ErrSystemWorkflow = errors.New("system workflow is not scheme-scoped")
)

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func idKey(id int64) string { return strconv.FormatInt(id, 10) }

// Repository persists assignable schemes.
type Repository struct {
	store    storage.EntityStore
	mappings mappingTable
	cache    *cache.Cache[*types.Scheme]
	logger   *slog.Logger
}

// NewRepository creates an assignable scheme repository over store.
func NewRepository(store storage.EntityStore, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repository{
		store:    store,
		mappings: mappingTable{store: store, table: TableSchemeEntity},
		logger:   logger,
	}
	r.cache = cache.New(r.load, cache.WithCopy((*types.Scheme).Clone))
	return r
}

func (r *Repository) load(ctx context.Context, key string) (*types.Scheme, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, cache.ErrAbsent
	}
	row, err := r.store.Get(ctx, TableScheme, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, cache.ErrAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scheme %d: %w", id, err)
	}
	mappings, err := r.mappings.load(ctx, id)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("loaded workflow scheme", "scheme", id, "mappings", len(mappings))
	return &types.Scheme{
		ID:          row.ID,
		Name:        row.Get(fieldName),
		Description: row.Get(fieldDescription),
		Mappings:    mappings,
	}, nil
}

// Create persists a new scheme with its mapping and returns it with its id.
func (r *Repository) Create(ctx context.Context, s *types.Scheme) (*types.Scheme, error) {
	if s == nil || strings.TrimSpace(s.Name) == "" {
		return nil, types.IllegalState("create scheme", errors.New("scheme name must not be blank"))
	}
	var created *types.Scheme
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		row, err := r.store.Create(ctx, TableScheme, map[string]string{
			fieldName:        s.Name,
			fieldDescription: s.Description,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheme %q: %w", s.Name, err)
		}
		if err := r.mappings.apply(ctx, row.ID, s.Mappings); err != nil {
			return err
		}
		created = s.Clone()
		created.ID = row.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.cache.InvalidateAfter(ctx, idKey(created.ID))
	return created, nil
}

// Update rewrites name, description and mapping of an existing scheme.
func (r *Repository) Update(ctx context.Context, s *types.Scheme) (*types.Scheme, error) {
	if s == nil || s.ID == 0 {
		return nil, types.IllegalState("update scheme", errors.New("scheme id is required"))
	}
	defer r.cache.InvalidateAfter(ctx, idKey(s.ID))
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		row, err := r.store.Get(ctx, TableScheme, s.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return types.IllegalState("update scheme", fmt.Errorf("%w: %d", ErrSchemeNotFound, s.ID))
		}
		if err != nil {
			return err
		}
		row.Set(fieldName, s.Name)
		row.Set(fieldDescription, s.Description)
		if err := r.store.Store(ctx, TableScheme, row); err != nil {
			return fmt.Errorf("failed to update scheme %d: %w", s.ID, err)
		}
		return r.mappings.apply(ctx, s.ID, s.Mappings)
	})
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Delete removes a scheme and all of its mapping rows.
func (r *Repository) Delete(ctx context.Context, id int64) (bool, error) {
	defer r.cache.InvalidateAfter(ctx, idKey(id))
	var existed bool
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := r.mappings.removeAll(ctx, id); err != nil {
			return err
		}
		var err error
		existed, err = r.store.Remove(ctx, TableScheme, id)
		return err
	})
	return existed, err
}

// Get returns the scheme with id. The second result is false when it does not exist.
func (r *Repository) Get(ctx context.Context, id int64) (*types.Scheme, bool, error) {
	return r.cache.Get(ctx, idKey(id))
}

// GetByName returns the first scheme called name.
func (r *Repository) GetByName(ctx context.Context, name string) (*types.Scheme, bool, error) {
	row, _, err := storage.FindOne(ctx, r.store, TableScheme, storage.Filter{fieldName: name})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r.Get(ctx, row.ID)
}

// GetAll returns every scheme ordered by id.
func (r *Repository) GetAll(ctx context.Context) ([]*types.Scheme, error) {
	rows, err := r.store.Find(ctx, TableScheme, storage.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list schemes: %w", err)
	}
	out := make([]*types.Scheme, 0, len(rows))
	for _, row := range rows {
		s, ok, err := r.Get(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// RenameWorkflow rewrites every mapping row pointing at oldName and reports whether any changed.
func (r *Repository) RenameWorkflow(ctx context.Context, oldName, newName string) (bool, error) {
	n, err := r.mappings.rename(ctx, oldName, newName)
	r.cache.InvalidateAllAfter(ctx)
	return n > 0, err
}

// GetSchemesUsingWorkflow returns the schemes mapping any issue type to wf.
func (r *Repository) GetSchemesUsingWorkflow(ctx context.Context, wf types.Workflow) ([]*types.Scheme, error) {
	if wf.IsSystem() {
		return nil, types.IllegalState("schemes using workflow", ErrSystemWorkflow)
	}
	ids, err := r.mappings.schemesUsing(ctx, wf.Name())
	if err != nil {
		return nil, err
	}
	out := make([]*types.Scheme, 0, len(ids))
	for _, id := range ids {
		s, ok, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// RemoveOrphanedMappings deletes mapping rows whose scheme is gone.
func (r *Repository) RemoveOrphanedMappings(ctx context.Context) (int, error) {
	return r.mappings.removeOrphans(ctx, TableScheme)
}
