package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/issue-workflow/cache"
	"github.com/songzhibin97/issue-workflow/codec"
	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

// DraftRepository stores at most one draft working copy per parent workflow.
type DraftRepository struct {
	store  storage.EntityStore
	codec  codec.Codec
	cache  *cache.Cache[*types.WorkflowGraph]
	logger *slog.Logger
	now    func() time.Time
}

// NewDraftRepository creates a draft repository. A nil codec means the XML codec.
func NewDraftRepository(store storage.EntityStore, c codec.Codec, logger *slog.Logger) *DraftRepository {
	if c == nil {
		c = codec.NewXMLCodec()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &DraftRepository{store: store, codec: c, logger: logger, now: time.Now}
	r.cache = cache.New(r.load, cache.WithCopy((*types.WorkflowGraph).Clone))
	return r
}

func (r *DraftRepository) row(ctx context.Context, parentName string) (storage.Entity, bool, error) {
	row, dups, err := storage.FindOne(ctx, r.store, TableDraftWorkflow, storage.Filter{fieldParentName: parentName})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Entity{}, false, nil
	}
	if err != nil {
		return storage.Entity{}, false, fmt.Errorf("failed to look up draft of %q: %w", parentName, err)
	}
	if len(dups) > 0 {
		return storage.Entity{}, false, types.Integrity("load draft workflow", fmt.Errorf("%d drafts stored for workflow %q", len(dups)+1, parentName))
	}
	return row, true, nil
}

func (r *DraftRepository) load(ctx context.Context, parentName string) (*types.WorkflowGraph, error) {
	row, ok, err := r.row(ctx, parentName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cache.ErrAbsent
	}
	g, err := r.codec.Decode(row.Get(fieldDescriptor))
	if err != nil {
		r.logger.Error("stored draft descriptor does not decode", "workflow", parentName, "error", err)
		return nil, types.Integrity("load draft workflow", fmt.Errorf("draft of %q: %w", parentName, err))
	}
	g.Name = parentName
	return g, nil
}

func draftOf(parentName string, g *types.WorkflowGraph) types.Workflow {
	info := &types.DraftInfo{ParentName: parentName, LastModifiedBy: g.UpdateAuthor()}
	if at, ok := g.UpdatedAt(); ok {
		info.LastModifiedAt = at
	}
	return types.Workflow{Kind: types.KindDraft, Graph: g, Draft: info}
}

// GetDraft returns the draft of parentName. The second result is false when there is none.
func (r *DraftRepository) GetDraft(ctx context.Context, parentName string) (types.Workflow, bool, error) {
	g, ok, err := r.cache.Get(ctx, parentName)
	if err != nil || !ok {
		return types.Workflow{}, false, err
	}
	return draftOf(parentName, g), true, nil
}

// HasDraft reports whether parentName has a draft.
func (r *DraftRepository) HasDraft(ctx context.Context, parentName string) (bool, error) {
	_, ok, err := r.cache.Get(ctx, parentName)
	return ok, err
}

func (r *DraftRepository) write(ctx context.Context, parentName string, g *types.WorkflowGraph, create bool) error {
	stored := g.Clone()
	stored.Name = parentName
	descriptor, err := r.codec.Encode(stored)
	if err != nil {
		return fmt.Errorf("failed to encode draft of %q: %w", parentName, err)
	}
	row, exists, err := r.row(ctx, parentName)
	if err != nil {
		return err
	}
	switch {
	case create && exists:
		return types.IllegalState("create draft workflow", fmt.Errorf("%w: %q", ErrDraftExists, parentName))
	case !create && !exists:
		return types.IllegalState("update draft workflow", fmt.Errorf("%w: %q", ErrDraftNotFound, parentName))
	case create:
		_, err = r.store.Create(ctx, TableDraftWorkflow, map[string]string{
			fieldParentName: parentName,
			fieldDescriptor: descriptor,
		})
	default:
		row.Set(fieldDescriptor, descriptor)
		err = r.store.Store(ctx, TableDraftWorkflow, row)
	}
	return err
}

// CreateDraft stores a working copy of parent stamped with author.
func (r *DraftRepository) CreateDraft(ctx context.Context, author *types.User, parent *types.WorkflowGraph) (types.Workflow, error) {
	if parent == nil || parent.Name == "" {
		return types.Workflow{}, types.IllegalState("create draft workflow", errors.New("parent workflow is required"))
	}
	g := parent.Clone()
	g.Stamp(types.KeyOf(author), r.now())
	defer r.cache.InvalidateAfter(ctx, parent.Name)
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		return r.write(ctx, parent.Name, g, true)
	})
	if err != nil {
		return types.Workflow{}, err
	}
	return draftOf(parent.Name, g), nil
}

// UpdateDraft replaces the draft of parentName and stamps editor.
func (r *DraftRepository) UpdateDraft(ctx context.Context, editor *types.User, parentName string, g *types.WorkflowGraph) (types.Workflow, error) {
	if g == nil {
		return types.Workflow{}, types.IllegalState("update draft workflow", errors.New("workflow graph is required"))
	}
	stamped := g.Clone()
	stamped.Stamp(types.KeyOf(editor), r.now())
	defer r.cache.InvalidateAfter(ctx, parentName)
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		return r.write(ctx, parentName, stamped, false)
	})
	if err != nil {
		return types.Workflow{}, err
	}
	return draftOf(parentName, stamped), nil
}

// UpdateDraftWithoutAudit replaces the draft of parentName keeping the audit
// stamp already stored on it. Upgrade and migration code uses this.
func (r *DraftRepository) UpdateDraftWithoutAudit(ctx context.Context, parentName string, g *types.WorkflowGraph) (types.Workflow, error) {
	if g == nil {
		return types.Workflow{}, types.IllegalState("update draft workflow", errors.New("workflow graph is required"))
	}
	out := g.Clone()
	defer r.cache.InvalidateAfter(ctx, parentName)
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		current, ok, err := r.loadStored(ctx, parentName)
		if err != nil {
			return err
		}
		if !ok {
			return types.IllegalState("update draft workflow", fmt.Errorf("%w: %q", ErrDraftNotFound, parentName))
		}
		if out.Meta == nil {
			out.Meta = make(map[string]string)
		}
		for _, key := range []string{types.MetaUpdateAuthor, types.MetaUpdatedDate} {
			if v, has := current.Meta[key]; has {
				out.Meta[key] = v
			} else {
				delete(out.Meta, key)
			}
		}
		return r.write(ctx, parentName, out, false)
	})
	if err != nil {
		return types.Workflow{}, err
	}
	return draftOf(parentName, out), nil
}

// loadStored reads the stored draft bypassing the cache, inside the caller's transaction.
func (r *DraftRepository) loadStored(ctx context.Context, parentName string) (*types.WorkflowGraph, bool, error) {
	g, err := r.load(ctx, parentName)
	if errors.Is(err, cache.ErrAbsent) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return g, true, nil
}

// DeleteDraft discards the draft of parentName.
func (r *DraftRepository) DeleteDraft(ctx context.Context, parentName string) (bool, error) {
	defer r.cache.InvalidateAfter(ctx, parentName)
	n, err := r.store.RemoveWhere(ctx, TableDraftWorkflow, storage.Filter{fieldParentName: parentName})
	if err != nil {
		return false, fmt.Errorf("failed to delete draft of %q: %w", parentName, err)
	}
	return n > 0, nil
}

// RenameParent moves the draft of oldName so it follows its renamed parent.
func (r *DraftRepository) RenameParent(ctx context.Context, oldName, newName string) (bool, error) {
	defer r.cache.InvalidateAfter(ctx, oldName)
	defer r.cache.InvalidateAfter(ctx, newName)
	n, err := r.store.UpdateWhere(ctx, TableDraftWorkflow, map[string]string{fieldParentName: newName}, storage.Filter{fieldParentName: oldName})
	if err != nil {
		return false, fmt.Errorf("failed to move draft of %q: %w", oldName, err)
	}
	return n > 0, nil
}
