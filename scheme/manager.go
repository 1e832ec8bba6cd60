package scheme

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/songzhibin97/issue-workflow/events"
	"github.com/songzhibin97/issue-workflow/lock"
	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

var (
	// ErrSchemeInUse is returned when deleting a scheme still attached to projects.
	ErrSchemeInUse = errors.New("workflow scheme is attached to projects")
	// ErrSchemeNameTaken is returned when creating or copying onto an existing name.
	ErrSchemeNameTaken = errors.New("workflow scheme name already in use")
)

// Manager performs guarded structural changes to schemes and their drafts.
type Manager struct {
	schemes      *Repository
	drafts       *DraftRepository
	associations *Associations
	resolver     *Resolver
	guard        *lock.Guard
	tracker      MigrationTracker
	notifier     events.Notifier
	logger       *slog.Logger
	now          func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	tracker       MigrationTracker
	notifier      events.Notifier
	logger        *slog.Logger
	now           func() time.Time
	systemDefault string
}

// WithMigrationTracker sets the tracker consulted before every structural change.
func WithMigrationTracker(t MigrationTracker) ManagerOption {
	return func(c *managerConfig) { c.tracker = t }
}

// WithNotifier sets where lifecycle events go.
func WithNotifier(n events.Notifier) ManagerOption {
	return func(c *managerConfig) { c.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(c *managerConfig) { c.logger = l }
}

// WithClock sets the time source of audit stamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(c *managerConfig) { c.now = now }
}

// WithSystemDefault overrides the workflow every resolution falls back to.
func WithSystemDefault(name string) ManagerOption {
	return func(c *managerConfig) { c.systemDefault = name }
}

// NewManager builds the scheme repositories over store.
func NewManager(store storage.EntityStore, guard *lock.Guard, options ...ManagerOption) *Manager {
	cfg := managerConfig{
		tracker:  NewMemoryMigrationTracker(),
		notifier: events.NopNotifier{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, option := range options {
		option(&cfg)
	}
	if guard == nil {
		guard = lock.NewGuard(lock.NewMemoryService(), cfg.logger)
	}
	schemes := NewRepository(store, cfg.logger)
	associations := NewAssociations(store)
	return &Manager{
		schemes:      schemes,
		drafts:       NewDraftRepository(store, cfg.logger),
		associations: associations,
		resolver:     NewResolver(schemes, associations, cfg.systemDefault),
		guard:        guard,
		tracker:      cfg.tracker,
		notifier:     cfg.notifier,
		logger:       cfg.logger,
		now:          cfg.now,
	}
}

// Schemes returns the assignable scheme repository.
func (m *Manager) Schemes() *Repository { return m.schemes }

// Drafts returns the draft scheme repository.
func (m *Manager) Drafts() *DraftRepository { return m.drafts }

// Associations returns the project association table.
func (m *Manager) Associations() *Associations { return m.associations }

// Resolver returns the project-level workflow resolver.
func (m *Manager) Resolver() *Resolver { return m.resolver }

func (m *Manager) notify(ctx context.Context, typ events.Type, user *types.User, subject string, data map[string]interface{}) {
	m.notifier.Notify(ctx, events.Event{
		Type:    typ,
		Subject: subject,
		Actor:   types.KeyOf(user),
		At:      m.now(),
		Data:    data,
	})
}

func (m *Manager) checkNotMigrating(ctx context.Context, op string, schemeID int64) error {
	task, err := m.tracker.Active(ctx, schemeID)
	if err != nil {
		return fmt.Errorf("failed to check migrations of scheme %d: %w", schemeID, err)
	}
	if task != nil {
		return types.IllegalState(op, fmt.Errorf("%w: scheme %d, task %s", ErrSchemeBeingMigrated, schemeID, task.ID))
	}
	return nil
}

// guarded runs fn under the (kind, schemeID) lock after the migration check.
func (m *Manager) guarded(ctx context.Context, op string, kind lock.OperationKind, schemeID int64, fn func(ctx context.Context) error) error {
	return m.guard.WithLock(ctx, kind, schemeID, func(ctx context.Context) error {
		if err := m.checkNotMigrating(ctx, op, schemeID); err != nil {
			return err
		}
		return fn(ctx)
	})
}

func (m *Manager) mustGet(ctx context.Context, op string, id int64) (*types.Scheme, error) {
	s, ok, err := m.schemes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.IllegalState(op, fmt.Errorf("%w: %d", ErrSchemeNotFound, id))
	}
	return s, nil
}

func (m *Manager) checkNameFree(ctx context.Context, op, name string) error {
	_, taken, err := m.schemes.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if taken {
		return types.IllegalState(op, fmt.Errorf("%w: %q", ErrSchemeNameTaken, name))
	}
	return nil
}

// CreateScheme persists a new assignable scheme.
func (m *Manager) CreateScheme(ctx context.Context, user *types.User, s *types.Scheme) (*types.Scheme, error) {
	if s != nil {
		if err := m.checkNameFree(ctx, "create scheme", s.Name); err != nil {
			return nil, err
		}
	}
	created, err := m.schemes.Create(ctx, s)
	if err != nil {
		return nil, err
	}
	m.notify(ctx, events.SchemeCreated, user, idKey(created.ID), map[string]interface{}{"name": created.Name})
	return created, nil
}

// UpdateScheme replaces name, description and mapping of a scheme.
func (m *Manager) UpdateScheme(ctx context.Context, user *types.User, s *types.Scheme) (*types.Scheme, error) {
	if s == nil || s.ID == 0 {
		return nil, types.IllegalState("update scheme", errors.New("scheme id is required"))
	}
	var updated *types.Scheme
	err := m.guarded(ctx, "update scheme", lock.UpdateScheme, s.ID, func(ctx context.Context) error {
		var err error
		updated, err = m.schemes.Update(ctx, s)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.notify(ctx, events.SchemeUpdated, user, idKey(s.ID), nil)
	return updated, nil
}

// SetWorkflowForIssueType maps one issue type of a scheme. DefaultIssueType sets the wildcard.
func (m *Manager) SetWorkflowForIssueType(ctx context.Context, user *types.User, schemeID int64, issueTypeID, workflowName string) error {
	if strings.TrimSpace(workflowName) == "" {
		return types.IllegalState("set scheme mapping", errors.New("workflow name must not be blank"))
	}
	err := m.guarded(ctx, "set scheme mapping", lock.UpdateWorkflowScheme, schemeID, func(ctx context.Context) error {
		s, err := m.mustGet(ctx, "set scheme mapping", schemeID)
		if err != nil {
			return err
		}
		if s.Mappings == nil {
			s.Mappings = make(map[string]string)
		}
		s.Mappings[issueTypeID] = workflowName
		_, err = m.schemes.Update(ctx, s)
		return err
	})
	if err != nil {
		return err
	}
	m.notify(ctx, events.SchemeUpdated, user, idKey(schemeID), map[string]interface{}{"issueType": issueTypeID, "workflow": workflowName})
	return nil
}

// RemoveIssueTypeMapping deletes the mapping row of one issue type.
func (m *Manager) RemoveIssueTypeMapping(ctx context.Context, user *types.User, schemeID int64, issueTypeID string) error {
	err := m.guarded(ctx, "remove scheme mapping", lock.DeleteMappingRow, schemeID, func(ctx context.Context) error {
		s, err := m.mustGet(ctx, "remove scheme mapping", schemeID)
		if err != nil {
			return err
		}
		if _, ok := s.Mappings[issueTypeID]; !ok {
			return nil
		}
		delete(s.Mappings, issueTypeID)
		_, err = m.schemes.Update(ctx, s)
		return err
	})
	if err != nil {
		return err
	}
	m.notify(ctx, events.SchemeUpdated, user, idKey(schemeID), map[string]interface{}{"issueType": issueTypeID})
	return nil
}

// DeleteScheme removes a scheme that no project uses, together with its draft.
func (m *Manager) DeleteScheme(ctx context.Context, user *types.User, id int64) (bool, error) {
	var existed bool
	err := m.guarded(ctx, "delete scheme", lock.DeleteScheme, id, func(ctx context.Context) error {
		projects, err := m.associations.ProjectsUsing(ctx, id)
		if err != nil {
			return err
		}
		if len(projects) > 0 {
			return types.IllegalState("delete scheme", fmt.Errorf("%w: scheme %d, %d projects", ErrSchemeInUse, id, len(projects)))
		}
		if _, err := m.drafts.DeleteByParentID(ctx, id); err != nil {
			return err
		}
		existed, err = m.schemes.Delete(ctx, id)
		return err
	})
	if err != nil {
		return false, err
	}
	if existed {
		m.notify(ctx, events.SchemeDeleted, user, idKey(id), nil)
	}
	return existed, nil
}

// CopyScheme creates a new scheme with the mapping of id.
func (m *Manager) CopyScheme(ctx context.Context, user *types.User, id int64, name, description string) (*types.Scheme, error) {
	source, err := m.mustGet(ctx, "copy scheme", id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = "Copy of " + source.Name
	}
	if err := m.checkNameFree(ctx, "copy scheme", name); err != nil {
		return nil, err
	}
	copied, err := m.schemes.Create(ctx, &types.Scheme{Name: name, Description: description, Mappings: source.Mappings})
	if err != nil {
		return nil, err
	}
	m.notify(ctx, events.SchemeCopied, user, idKey(copied.ID), map[string]interface{}{"source": id})
	return copied, nil
}

// AddSchemeToProject attaches a scheme to a project. Scheme id zero restores the default scheme.
func (m *Manager) AddSchemeToProject(ctx context.Context, user *types.User, projectID, schemeID int64) error {
	current, attached, err := m.associations.SchemeIDForProject(ctx, projectID)
	if err != nil {
		return err
	}
	if attached {
		task, err := m.tracker.ActiveForProjects(ctx, current, []int64{projectID})
		if err != nil {
			return err
		}
		if task != nil {
			return types.IllegalState("add scheme to project", fmt.Errorf("%w: project %d, task %s", ErrSchemeBeingMigrated, projectID, task.ID))
		}
	}
	if schemeID == 0 {
		if attached {
			_, err = m.associations.Dissociate(ctx, projectID, current)
		}
		return err
	}
	if _, err := m.mustGet(ctx, "add scheme to project", schemeID); err != nil {
		return err
	}
	if err := m.associations.Associate(ctx, projectID, schemeID); err != nil {
		return err
	}
	m.notify(ctx, events.SchemeAddedToProject, user, idKey(schemeID), map[string]interface{}{"project": projectID})
	return nil
}

// RemoveSchemeFromProject detaches a scheme; the project falls back to the default scheme.
func (m *Manager) RemoveSchemeFromProject(ctx context.Context, user *types.User, projectID, schemeID int64) (bool, error) {
	task, err := m.tracker.ActiveForProjects(ctx, schemeID, []int64{projectID})
	if err != nil {
		return false, err
	}
	if task != nil {
		return false, types.IllegalState("remove scheme from project", fmt.Errorf("%w: project %d, task %s", ErrSchemeBeingMigrated, projectID, task.ID))
	}
	removed, err := m.associations.Dissociate(ctx, projectID, schemeID)
	if err != nil || !removed {
		return removed, err
	}
	m.notify(ctx, events.SchemeRemovedFromProj, user, idKey(schemeID), map[string]interface{}{"project": projectID})
	return true, nil
}

// GetProjectsUsing returns the projects attached to a scheme.
func (m *Manager) GetProjectsUsing(ctx context.Context, schemeID int64) ([]int64, error) {
	return m.associations.ProjectsUsing(ctx, schemeID)
}

// IsActive reports whether any project uses the scheme.
func (m *Manager) IsActive(ctx context.Context, schemeID int64) (bool, error) {
	projects, err := m.associations.ProjectsUsing(ctx, schemeID)
	return len(projects) > 0, err
}

// CreateDraftOf stages a draft copying the current mapping of parentID.
func (m *Manager) CreateDraftOf(ctx context.Context, user *types.User, parentID int64) (*types.DraftScheme, error) {
	var created *types.DraftScheme
	err := m.guarded(ctx, "create draft scheme", lock.UpdateDraftScheme, parentID, func(ctx context.Context) error {
		parent, err := m.mustGet(ctx, "create draft scheme", parentID)
		if err != nil {
			return err
		}
		created, err = m.drafts.Create(ctx, &types.DraftScheme{
			ParentID:       parentID,
			Mappings:       parent.Mappings,
			LastModifiedBy: types.KeyOf(user),
			LastModifiedAt: m.now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	m.notify(ctx, events.DraftSchemeCreated, user, idKey(parentID), map[string]interface{}{"draft": created.ID})
	return created, nil
}

// UpdateDraft rewrites the mapping of a draft and stamps the editor.
func (m *Manager) UpdateDraft(ctx context.Context, user *types.User, d *types.DraftScheme) (*types.DraftScheme, error) {
	if d == nil || d.ID == 0 {
		return nil, types.IllegalState("update draft scheme", errors.New("draft scheme id is required"))
	}
	parentID, err := m.drafts.GetParentID(ctx, d.ID)
	if err != nil {
		return nil, types.IllegalState("update draft scheme", err)
	}
	var updated *types.DraftScheme
	err = m.guarded(ctx, "update draft scheme", lock.UpdateDraftScheme, parentID, func(ctx context.Context) error {
		stamped := d.Clone()
		stamped.LastModifiedBy = types.KeyOf(user)
		stamped.LastModifiedAt = m.now()
		var err error
		updated, err = m.drafts.Update(ctx, stamped)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.notify(ctx, events.DraftSchemeUpdated, user, idKey(parentID), map[string]interface{}{"draft": d.ID})
	return updated, nil
}

// DeleteDraftScheme discards the draft of parentID.
func (m *Manager) DeleteDraftScheme(ctx context.Context, user *types.User, parentID int64) (bool, error) {
	var removed bool
	err := m.guarded(ctx, "delete draft scheme", lock.DeleteWorkflowScheme, parentID, func(ctx context.Context) error {
		var err error
		removed, err = m.drafts.DeleteByParentID(ctx, parentID)
		return err
	})
	if err != nil {
		return false, err
	}
	if removed {
		m.notify(ctx, events.DraftSchemeDeleted, user, idKey(parentID), nil)
	}
	return removed, nil
}

// GetWorkflowMap returns the mapping of a scheme; with preferDraft the draft's
// mapping wins when one exists. Scheme id zero is the implicit default scheme.
func (m *Manager) GetWorkflowMap(ctx context.Context, schemeID int64, preferDraft bool) (map[string]string, error) {
	if schemeID == 0 {
		return m.resolver.defaultScheme().Mappings, nil
	}
	if preferDraft {
		d, ok, err := m.drafts.GetDraftForParent(ctx, schemeID)
		if err != nil {
			return nil, err
		}
		if ok {
			return d.Mappings, nil
		}
	}
	s, err := m.mustGet(ctx, "get workflow map", schemeID)
	if err != nil {
		return nil, err
	}
	return s.Mappings, nil
}

// CleanUpSchemes deletes mapping rows left behind by removed schemes and drafts.
func (m *Manager) CleanUpSchemes(ctx context.Context) (int, error) {
	n, err := m.schemes.RemoveOrphanedMappings(ctx)
	if err != nil {
		return n, err
	}
	d, err := m.drafts.RemoveOrphanedMappings(ctx)
	if n+d > 0 {
		m.logger.Info("removed orphaned scheme mappings", "assignable", n, "draft", d)
	}
	return n + d, err
}

// WaitForUpdatesToFinishAndExecute runs fn once no structural change to schemeID is in flight.
func (m *Manager) WaitForUpdatesToFinishAndExecute(ctx context.Context, schemeID int64, fn func(ctx context.Context) error) error {
	return m.guard.WaitForUpdatesToFinishAndExecute(ctx, schemeID, fn)
}

// RenameWorkflow rewrites references to oldName in assignable and draft schemes.
func (m *Manager) RenameWorkflow(ctx context.Context, oldName, newName string) error {
	if strings.TrimSpace(oldName) == "" || strings.TrimSpace(newName) == "" {
		return types.IllegalState("rename workflow in schemes", errors.New("workflow names must not be blank"))
	}
	if _, err := m.schemes.RenameWorkflow(ctx, oldName, newName); err != nil {
		return err
	}
	_, err := m.drafts.RenameWorkflow(ctx, oldName, newName)
	return err
}

// SchemesUsingWorkflow returns the assignable and draft schemes referencing wf.
func (m *Manager) SchemesUsingWorkflow(ctx context.Context, wf types.Workflow) ([]*types.Scheme, []*types.DraftScheme, error) {
	schemes, err := m.schemes.GetSchemesUsingWorkflow(ctx, wf)
	if err != nil {
		return nil, nil, err
	}
	drafts, err := m.drafts.GetSchemesUsingWorkflow(ctx, wf)
	if err != nil {
		return nil, nil, err
	}
	return schemes, drafts, nil
}

// ActiveWorkflowNames returns the workflows reachable from a scheme attached to a project, sorted.
func (m *Manager) ActiveWorkflowNames(ctx context.Context) ([]string, error) {
	all, err := m.schemes.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, s := range all {
		active, err := m.IsActive(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if !active {
			continue
		}
		for _, name := range s.Mappings {
			seen[name] = true
		}
		if s.Mappings[types.DefaultIssueType] == "" {
			seen[m.resolver.SystemDefault()] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// IsWorkflowActive reports whether an attached scheme resolves any issue type to name.
func (m *Manager) IsWorkflowActive(ctx context.Context, name string) (bool, error) {
	names, err := m.ActiveWorkflowNames(ctx)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(names, name)
	return i < len(names) && names[i] == name, nil
}
