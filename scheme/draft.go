package scheme

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/songzhibin97/issue-workflow/cache"
	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

const (
	fieldParent         = "parent"
	fieldLastModifiedBy = "lastModifiedBy"
	fieldLastModifiedAt = "lastModifiedAt"
)

var (
	// ErrDraftSchemeExists is returned when a parent already has a draft.
	ErrDraftSchemeExists = errors.New("draft workflow scheme already exists for parent")
	// ErrDraftSchemeNotFound is returned when a draft id does not resolve.
	ErrDraftSchemeNotFound = errors.New("draft workflow scheme not found")
	// ErrParentChanged is returned when an update tries to move a draft to another parent.
	ErrParentChanged = errors.New("parent of a draft workflow scheme cannot change")
)

// DraftRepository persists draft schemes, at most one per parent scheme.
type DraftRepository struct {
	store    storage.EntityStore
	mappings mappingTable
	byParent *cache.Cache[*types.DraftScheme]
	logger   *slog.Logger
}

// NewDraftRepository creates a draft scheme repository over store.
func NewDraftRepository(store storage.EntityStore, logger *slog.Logger) *DraftRepository {
	if logger == nil {
		logger = slog.Default()
	}
	r := &DraftRepository{
		store:    store,
		mappings: mappingTable{store: store, table: TableDraftSchemeEntity},
		logger:   logger,
	}
	r.byParent = cache.New(r.loadForParent, cache.WithCopy((*types.DraftScheme).Clone))
	return r
}

func (r *DraftRepository) fromRow(ctx context.Context, row storage.Entity) (*types.DraftScheme, error) {
	mappings, err := r.mappings.load(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	d := &types.DraftScheme{
		ID:             row.ID,
		ParentID:       row.Int64(fieldParent),
		Mappings:       mappings,
		LastModifiedBy: row.Get(fieldLastModifiedBy),
	}
	if ms := row.Int64(fieldLastModifiedAt); ms != 0 {
		d.LastModifiedAt = time.UnixMilli(ms)
	}
	return d, nil
}

func (r *DraftRepository) loadForParent(ctx context.Context, key string) (*types.DraftScheme, error) {
	row, dups, err := storage.FindOne(ctx, r.store, TableDraftScheme, storage.Filter{fieldParent: key})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, cache.ErrAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load draft scheme of %s: %w", key, err)
	}
	if len(dups) > 0 {
		r.logger.Warn("multiple draft schemes for one parent", "parent", key, "drafts", len(dups)+1)
	}
	return r.fromRow(ctx, row)
}

func auditFields(by string, at time.Time) map[string]string {
	return map[string]string{
		fieldLastModifiedBy: by,
		fieldLastModifiedAt: strconv.FormatInt(at.UnixMilli(), 10),
	}
}

// Create stages a draft of the parent scheme d.ParentID.
func (r *DraftRepository) Create(ctx context.Context, d *types.DraftScheme) (*types.DraftScheme, error) {
	if d == nil || d.ParentID == 0 {
		return nil, types.IllegalState("create draft scheme", errors.New("parent scheme id is required"))
	}
	defer r.byParent.InvalidateAfter(ctx, idKey(d.ParentID))
	var created *types.DraftScheme
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		exists, err := r.hasDraftInStore(ctx, d.ParentID)
		if err != nil {
			return err
		}
		if exists {
			return types.IllegalState("create draft scheme", fmt.Errorf("%w: %d", ErrDraftSchemeExists, d.ParentID))
		}
		fields := auditFields(d.LastModifiedBy, d.LastModifiedAt)
		fields[fieldParent] = idKey(d.ParentID)
		row, err := r.store.Create(ctx, TableDraftScheme, fields)
		if err != nil {
			return fmt.Errorf("failed to create draft scheme: %w", err)
		}
		if err := r.mappings.apply(ctx, row.ID, d.Mappings); err != nil {
			return err
		}
		created = d.Clone()
		created.ID = row.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *DraftRepository) hasDraftInStore(ctx context.Context, parentID int64) (bool, error) {
	rows, err := r.store.Find(ctx, TableDraftScheme, storage.Filter{fieldParent: idKey(parentID)})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Update rewrites the mapping and audit stamp of a draft. The parent cannot change.
func (r *DraftRepository) Update(ctx context.Context, d *types.DraftScheme) (*types.DraftScheme, error) {
	if d == nil || d.ID == 0 {
		return nil, types.IllegalState("update draft scheme", errors.New("draft scheme id is required"))
	}
	var parentID int64
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		row, err := r.store.Get(ctx, TableDraftScheme, d.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return types.IllegalState("update draft scheme", fmt.Errorf("%w: %d", ErrDraftSchemeNotFound, d.ID))
		}
		if err != nil {
			return err
		}
		parentID = row.Int64(fieldParent)
		if d.ParentID != 0 && d.ParentID != parentID {
			return types.IllegalState("update draft scheme", fmt.Errorf("%w: %d to %d", ErrParentChanged, parentID, d.ParentID))
		}
		for k, v := range auditFields(d.LastModifiedBy, d.LastModifiedAt) {
			row.Set(k, v)
		}
		if err := r.store.Store(ctx, TableDraftScheme, row); err != nil {
			return fmt.Errorf("failed to update draft scheme %d: %w", d.ID, err)
		}
		return r.mappings.apply(ctx, d.ID, d.Mappings)
	})
	if parentID != 0 {
		r.byParent.InvalidateAfter(ctx, idKey(parentID))
	}
	if err != nil {
		return nil, err
	}
	out := d.Clone()
	out.ParentID = parentID
	return out, nil
}

// Delete removes a draft and its mapping rows.
func (r *DraftRepository) Delete(ctx context.Context, id int64) (bool, error) {
	var existed bool
	var parentID int64
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		row, err := r.store.Get(ctx, TableDraftScheme, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		parentID = row.Int64(fieldParent)
		if err := r.mappings.removeAll(ctx, id); err != nil {
			return err
		}
		existed, err = r.store.Remove(ctx, TableDraftScheme, id)
		return err
	})
	if parentID != 0 {
		r.byParent.InvalidateAfter(ctx, idKey(parentID))
	}
	return existed, err
}

// DeleteByParentID removes the draft of a parent scheme, if any.
func (r *DraftRepository) DeleteByParentID(ctx context.Context, parentID int64) (bool, error) {
	d, ok, err := r.GetDraftForParent(ctx, parentID)
	if err != nil || !ok {
		return false, err
	}
	return r.Delete(ctx, d.ID)
}

// Get returns the draft with id.
func (r *DraftRepository) Get(ctx context.Context, id int64) (*types.DraftScheme, bool, error) {
	row, err := r.store.Get(ctx, TableDraftScheme, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	d, err := r.fromRow(ctx, row)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// GetAll returns every draft ordered by id.
func (r *DraftRepository) GetAll(ctx context.Context) ([]*types.DraftScheme, error) {
	rows, err := r.store.Find(ctx, TableDraftScheme, storage.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list draft schemes: %w", err)
	}
	out := make([]*types.DraftScheme, 0, len(rows))
	for _, row := range rows {
		d, err := r.fromRow(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// GetDraftForParent returns the draft of parentID.
func (r *DraftRepository) GetDraftForParent(ctx context.Context, parentID int64) (*types.DraftScheme, bool, error) {
	return r.byParent.Get(ctx, idKey(parentID))
}

// HasDraftForParent reports whether parentID has a draft.
func (r *DraftRepository) HasDraftForParent(ctx context.Context, parentID int64) (bool, error) {
	_, ok, err := r.GetDraftForParent(ctx, parentID)
	return ok, err
}

// GetParentID returns the parent scheme of a draft.
func (r *DraftRepository) GetParentID(ctx context.Context, draftID int64) (int64, error) {
	row, err := r.store.Get(ctx, TableDraftScheme, draftID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("%w: %d", ErrDraftSchemeNotFound, draftID)
	}
	if err != nil {
		return 0, err
	}
	return row.Int64(fieldParent), nil
}

// RenameWorkflow rewrites every draft mapping row pointing at oldName.
func (r *DraftRepository) RenameWorkflow(ctx context.Context, oldName, newName string) (bool, error) {
	n, err := r.mappings.rename(ctx, oldName, newName)
	r.byParent.InvalidateAllAfter(ctx)
	return n > 0, err
}

// GetSchemesUsingWorkflow returns the drafts mapping any issue type to wf.
func (r *DraftRepository) GetSchemesUsingWorkflow(ctx context.Context, wf types.Workflow) ([]*types.DraftScheme, error) {
	if wf.IsSystem() {
		return nil, types.IllegalState("draft schemes using workflow", ErrSystemWorkflow)
	}
	ids, err := r.mappings.schemesUsing(ctx, wf.Name())
	if err != nil {
		return nil, err
	}
	out := make([]*types.DraftScheme, 0, len(ids))
	for _, id := range ids {
		d, ok, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// RemoveOrphanedMappings deletes draft mapping rows whose draft is gone.
func (r *DraftRepository) RemoveOrphanedMappings(ctx context.Context) (int, error) {
	return r.mappings.removeOrphans(ctx, TableDraftScheme)
}
