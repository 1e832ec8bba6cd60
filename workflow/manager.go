package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/issue-workflow/codec"
	"github.com/songzhibin97/issue-workflow/events"
	"github.com/songzhibin97/issue-workflow/issues"
	"github.com/songzhibin97/issue-workflow/rules"
	"github.com/songzhibin97/issue-workflow/scheme"
	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

// ErrDraftRemovesStatus is returned when publishing a draft of an active workflow that drops a status.
var ErrDraftRemovesStatus = errors.New("draft removes a status used by the active workflow")

// Manager owns the lifecycle of workflows and their drafts.
type Manager struct {
	store      storage.EntityStore
	workflows  *Repository
	drafts     *DraftRepository
	executions *ExecutionStore
	schemes    *scheme.Manager
	statuses   issues.StatusCatalog
	registry   *rules.Registry
	notifier   events.Notifier
	logger     *slog.Logger
	now        func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	codec    codec.Codec
	statuses issues.StatusCatalog
	registry *rules.Registry
	notifier events.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// WithCodec sets the descriptor codec. The default is the XML codec.
func WithCodec(c codec.Codec) ManagerOption {
	return func(cfg *managerConfig) { cfg.codec = c }
}

// WithStatusCatalog makes saves check that every step links to a known status.
func WithStatusCatalog(c issues.StatusCatalog) ManagerOption {
	return func(cfg *managerConfig) { cfg.statuses = c }
}

// WithRegistry makes saves check that every function a graph names is registered.
func WithRegistry(r *rules.Registry) ManagerOption {
	return func(cfg *managerConfig) { cfg.registry = r }
}

// WithNotifier sets where lifecycle events go.
func WithNotifier(n events.Notifier) ManagerOption {
	return func(cfg *managerConfig) { cfg.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(cfg *managerConfig) { cfg.logger = l }
}

// WithClock sets the time source of audit stamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(cfg *managerConfig) { cfg.now = now }
}

// NewManager builds the workflow repositories over store.
func NewManager(store storage.EntityStore, schemes *scheme.Manager, options ...ManagerOption) *Manager {
	cfg := managerConfig{
		notifier: events.NopNotifier{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, option := range options {
		option(&cfg)
	}
	drafts := NewDraftRepository(store, cfg.codec, cfg.logger)
	drafts.now = cfg.now
	return &Manager{
		store:      store,
		workflows:  NewRepository(store, cfg.codec, cfg.logger),
		drafts:     drafts,
		executions: NewExecutionStore(store),
		schemes:    schemes,
		statuses:   cfg.statuses,
		registry:   cfg.registry,
		notifier:   cfg.notifier,
		logger:     cfg.logger,
		now:        cfg.now,
	}
}

// Repository returns the workflow repository.
func (m *Manager) Repository() *Repository { return m.workflows }

// Drafts returns the draft repository.
func (m *Manager) Drafts() *DraftRepository { return m.drafts }

// Executions returns the execution store.
func (m *Manager) Executions() *ExecutionStore { return m.executions }

func (m *Manager) systemName() string {
	return m.schemes.Resolver().SystemDefault()
}

func (m *Manager) notify(ctx context.Context, typ events.Type, user *types.User, subject string, data map[string]interface{}) {
	m.notifier.Notify(ctx, events.Event{Type: typ, Subject: subject, Actor: types.KeyOf(user), At: m.now(), Data: data})
}

// IsSystemWorkflow reports whether name is the read-only system workflow.
func (m *Manager) IsSystemWorkflow(name string) bool {
	return name == m.systemName()
}

// GetWorkflow returns the system or configurable workflow called name.
func (m *Manager) GetWorkflow(ctx context.Context, name string) (types.Workflow, error) {
	if m.IsSystemWorkflow(name) {
		g, err := codec.SystemWorkflow()
		if err != nil {
			return types.Workflow{}, err
		}
		g.Name = name
		return types.Workflow{Kind: types.KindSystem, Graph: g}, nil
	}
	g, err := m.workflows.Get(ctx, name)
	if err != nil {
		return types.Workflow{}, err
	}
	return types.Workflow{Kind: types.KindConfigurable, Graph: g}, nil
}

// GetDraftWorkflow returns the draft of parentName.
func (m *Manager) GetDraftWorkflow(ctx context.Context, parentName string) (types.Workflow, bool, error) {
	return m.drafts.GetDraft(ctx, parentName)
}

// GetWorkflows returns the system workflow and every configurable one, sorted by name.
func (m *Manager) GetWorkflows(ctx context.Context) ([]types.Workflow, error) {
	names, err := m.workflows.ListNames(ctx)
	if err != nil {
		return nil, err
	}
	names = append(names, m.systemName())
	sort.Strings(names)
	out := make([]types.Workflow, 0, len(names))
	for _, name := range names {
		wf, err := m.GetWorkflow(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// IsActive reports whether a project resolves any issue type to name.
func (m *Manager) IsActive(ctx context.Context, name string) (bool, error) {
	return m.schemes.IsWorkflowActive(ctx, name)
}

func (m *Manager) validate(ctx context.Context, op string, g *types.WorkflowGraph) error {
	if g == nil {
		return types.IllegalState(op, errors.New("workflow graph is required"))
	}
	if strings.TrimSpace(g.Name) == "" {
		return types.IllegalState(op, errors.New("workflow name must not be blank"))
	}
	var statusErr error
	statusExists := func(id string) bool {
		if m.statuses == nil {
			return true
		}
		_, err := m.statuses.ResolveStatus(ctx, id)
		if err != nil && !errors.Is(err, issues.ErrStatusNotFound) && statusErr == nil {
			statusErr = err
		}
		return err == nil
	}
	if err := g.Validate(statusExists); err != nil {
		if statusErr != nil {
			return statusErr
		}
		return types.IllegalState(op, err)
	}
	if m.registry != nil {
		if err := m.registry.CheckGraph(g); err != nil {
			return types.IllegalState(op, err)
		}
	}
	return nil
}

func (m *Manager) checkEditable(op, name string) error {
	if m.IsSystemWorkflow(name) {
		return types.IllegalState(op, fmt.Errorf("%w: %q is the system workflow", ErrWorkflowNotEditable, name))
	}
	return nil
}

// CreateWorkflow stores a new workflow. The name must be free.
func (m *Manager) CreateWorkflow(ctx context.Context, user *types.User, g *types.WorkflowGraph) (types.Workflow, error) {
	if err := m.validate(ctx, "create workflow", g); err != nil {
		return types.Workflow{}, err
	}
	if err := m.checkEditable("create workflow", g.Name); err != nil {
		return types.Workflow{}, err
	}
	stored := g.Clone()
	stored.Stamp(types.KeyOf(user), m.now())
	saved, err := m.workflows.Save(ctx, stored.Name, stored, false)
	if err != nil {
		return types.Workflow{}, err
	}
	if !saved {
		return types.Workflow{}, types.IllegalState("create workflow", fmt.Errorf("%w: %q", ErrWorkflowExists, g.Name))
	}
	m.notify(ctx, events.WorkflowCreated, user, stored.Name, nil)
	return types.Workflow{Kind: types.KindConfigurable, Graph: stored}, nil
}

// UpdateWorkflow replaces an inactive configurable workflow. Active workflows are edited through drafts.
func (m *Manager) UpdateWorkflow(ctx context.Context, user *types.User, g *types.WorkflowGraph) (types.Workflow, error) {
	if g != nil {
		active, err := m.IsActive(ctx, g.Name)
		if err != nil {
			return types.Workflow{}, err
		}
		if active {
			return types.Workflow{}, types.IllegalState("update workflow", fmt.Errorf("%w: %q", ErrWorkflowActive, g.Name))
		}
	}
	return m.overwrite(ctx, "update workflow", user, g)
}

// OverwriteActiveWorkflow replaces a configurable workflow even when projects use it.
func (m *Manager) OverwriteActiveWorkflow(ctx context.Context, user *types.User, g *types.WorkflowGraph) (types.Workflow, error) {
	return m.overwrite(ctx, "overwrite workflow", user, g)
}

func (m *Manager) overwrite(ctx context.Context, op string, user *types.User, g *types.WorkflowGraph) (types.Workflow, error) {
	if err := m.validate(ctx, op, g); err != nil {
		return types.Workflow{}, err
	}
	if err := m.checkEditable(op, g.Name); err != nil {
		return types.Workflow{}, err
	}
	exists, err := m.workflows.Exists(ctx, g.Name)
	if err != nil {
		return types.Workflow{}, err
	}
	if !exists {
		return types.Workflow{}, types.IllegalState(op, fmt.Errorf("%w: %q", ErrWorkflowNotFound, g.Name))
	}
	stored := g.Clone()
	stored.Stamp(types.KeyOf(user), m.now())
	if _, err := m.workflows.Save(ctx, stored.Name, stored, true); err != nil {
		return types.Workflow{}, err
	}
	m.notify(ctx, events.WorkflowUpdated, user, stored.Name, nil)
	return types.Workflow{Kind: types.KindConfigurable, Graph: stored}, nil
}

// freeCopyName returns base when unused, otherwise base with a random suffix.
func (m *Manager) freeCopyName(ctx context.Context, base string) (string, error) {
	taken, err := m.workflows.Exists(ctx, base)
	if err != nil {
		return "", err
	}
	if !taken && !m.IsSystemWorkflow(base) {
		return base, nil
	}
	return base + " " + uuid.NewString()[:8], nil
}

// CopyWorkflow stores source under newName. A blank newName becomes "Copy of <source>".
func (m *Manager) CopyWorkflow(ctx context.Context, user *types.User, newName, description string, source types.Workflow) (types.Workflow, error) {
	if source.Graph == nil {
		return types.Workflow{}, types.IllegalState("copy workflow", errors.New("source workflow is required"))
	}
	if strings.TrimSpace(newName) == "" {
		var err error
		if newName, err = m.freeCopyName(ctx, "Copy of "+source.Name()); err != nil {
			return types.Workflow{}, err
		}
	}
	g := source.Graph.Clone()
	g.Name = newName
	g.Description = description
	if description != "" {
		if g.Meta == nil {
			g.Meta = make(map[string]string)
		}
		g.Meta[types.MetaDescription] = description
	}
	copied, err := m.CreateWorkflow(ctx, user, g)
	if err != nil {
		return types.Workflow{}, err
	}
	m.notify(ctx, events.WorkflowCopied, user, newName, map[string]interface{}{"source": source.Name()})
	return copied, nil
}

// UpdateWorkflowNameAndDescription renames a workflow and rewrites every reference to it.
func (m *Manager) UpdateWorkflowNameAndDescription(ctx context.Context, user *types.User, current, newName, newDescription string) error {
	const op = "rename workflow"
	if strings.TrimSpace(current) == "" || strings.TrimSpace(newName) == "" {
		return types.IllegalState(op, errors.New("workflow names must not be blank"))
	}
	if err := m.checkEditable(op, current); err != nil {
		return err
	}
	if err := m.checkEditable(op, newName); err != nil {
		return err
	}
	renamed := newName != current
	err := m.store.RunInTx(ctx, func(ctx context.Context) error {
		if renamed {
			taken, err := m.workflows.Exists(ctx, newName)
			if err != nil {
				return err
			}
			if taken {
				return types.IllegalState(op, fmt.Errorf("%w: %q", ErrWorkflowExists, newName))
			}
			if err := m.workflows.Rename(ctx, current, newName); err != nil {
				return err
			}
			if _, err := m.drafts.RenameParent(ctx, current, newName); err != nil {
				return err
			}
			if err := m.schemes.RenameWorkflow(ctx, current, newName); err != nil {
				return err
			}
			if _, err := m.executions.RenameWorkflow(ctx, current, newName); err != nil {
				return err
			}
		}
		g, err := m.workflows.Get(ctx, newName)
		if err != nil {
			return err
		}
		g.Description = newDescription
		if g.Meta == nil {
			g.Meta = make(map[string]string)
		}
		g.Meta[types.MetaDescription] = newDescription
		g.Stamp(types.KeyOf(user), m.now())
		_, err = m.workflows.Save(ctx, newName, g, true)
		return err
	})
	if err != nil {
		return err
	}
	if renamed {
		m.notify(ctx, events.WorkflowRenamed, user, newName, map[string]interface{}{"previous": current})
	} else {
		m.notify(ctx, events.WorkflowUpdated, user, newName, nil)
	}
	return nil
}

// DeleteWorkflow removes a workflow no scheme references and no draft copies.
func (m *Manager) DeleteWorkflow(ctx context.Context, user *types.User, name string) (bool, error) {
	const op = "delete workflow"
	if err := m.checkEditable(op, name); err != nil {
		return false, err
	}
	wf := types.Workflow{Kind: types.KindConfigurable, Graph: &types.WorkflowGraph{Name: name}}
	schemes, drafts, err := m.schemes.SchemesUsingWorkflow(ctx, wf)
	if err != nil {
		return false, err
	}
	if len(schemes)+len(drafts) > 0 {
		return false, types.IllegalState(op, fmt.Errorf("%w: %q is used by %d schemes and %d draft schemes", ErrWorkflowInUse, name, len(schemes), len(drafts)))
	}
	hasDraft, err := m.drafts.HasDraft(ctx, name)
	if err != nil {
		return false, err
	}
	if hasDraft {
		return false, types.IllegalState(op, fmt.Errorf("%w: %q has a draft", ErrWorkflowInUse, name))
	}
	removed, err := m.workflows.Remove(ctx, name)
	if err != nil || !removed {
		return removed, err
	}
	m.notify(ctx, events.WorkflowDeleted, user, name, nil)
	return true, nil
}

// CreateDraftWorkflow starts a draft of an active configurable workflow.
func (m *Manager) CreateDraftWorkflow(ctx context.Context, user *types.User, parentName string) (types.Workflow, error) {
	const op = "create draft workflow"
	if err := m.checkEditable(op, parentName); err != nil {
		return types.Workflow{}, err
	}
	active, err := m.IsActive(ctx, parentName)
	if err != nil {
		return types.Workflow{}, err
	}
	if !active {
		return types.Workflow{}, types.IllegalState(op, fmt.Errorf("only active workflows can have drafts: %q", parentName))
	}
	parent, err := m.workflows.Get(ctx, parentName)
	if err != nil {
		return types.Workflow{}, err
	}
	draft, err := m.drafts.CreateDraft(ctx, user, parent)
	if err != nil {
		return types.Workflow{}, err
	}
	m.notify(ctx, events.DraftWorkflowCreated, user, parentName, nil)
	return draft, nil
}

// UpdateDraftWorkflow replaces the draft of parentName.
func (m *Manager) UpdateDraftWorkflow(ctx context.Context, user *types.User, parentName string, g *types.WorkflowGraph) (types.Workflow, error) {
	if g == nil {
		return types.Workflow{}, types.IllegalState("update draft workflow", errors.New("workflow graph is required"))
	}
	check := g.Clone()
	check.Name = parentName
	if err := m.validate(ctx, "update draft workflow", check); err != nil {
		return types.Workflow{}, err
	}
	return m.drafts.UpdateDraft(ctx, user, parentName, check)
}

// DeleteDraftWorkflow discards the draft of parentName.
func (m *Manager) DeleteDraftWorkflow(ctx context.Context, user *types.User, parentName string) (bool, error) {
	removed, err := m.drafts.DeleteDraft(ctx, parentName)
	if err != nil || !removed {
		return removed, err
	}
	m.notify(ctx, events.DraftWorkflowDeleted, user, parentName, nil)
	return true, nil
}

// PublishDraftWorkflow overwrites parentName with its draft and discards the draft.
// When backupName is not empty the previous version is first copied there.
func (m *Manager) PublishDraftWorkflow(ctx context.Context, user *types.User, parentName, backupName string) (types.Workflow, error) {
	const op = "publish draft workflow"
	draft, ok, err := m.drafts.GetDraft(ctx, parentName)
	if err != nil {
		return types.Workflow{}, err
	}
	if !ok {
		return types.Workflow{}, types.IllegalState(op, fmt.Errorf("%w: %q", ErrDraftNotFound, parentName))
	}
	parent, err := m.workflows.Get(ctx, parentName)
	if err != nil {
		return types.Workflow{}, err
	}
	if err := checkKeepsStatuses(parent, draft.Graph); err != nil {
		return types.Workflow{}, types.IllegalState(op, err)
	}
	if err := m.validate(ctx, op, draft.Graph); err != nil {
		return types.Workflow{}, err
	}

	published := draft.Graph.Clone()
	published.Stamp(types.KeyOf(user), m.now())
	err = m.store.RunInTx(ctx, func(ctx context.Context) error {
		if backupName != "" {
			backup := parent.Clone()
			backup.Name = backupName
			if _, err := m.CreateWorkflow(ctx, user, backup); err != nil {
				return fmt.Errorf("failed to save backup %q: %w", backupName, err)
			}
		}
		if _, err := m.workflows.Save(ctx, parentName, published, true); err != nil {
			return err
		}
		_, err := m.drafts.DeleteDraft(ctx, parentName)
		return err
	})
	if err != nil {
		return types.Workflow{}, err
	}
	m.notify(ctx, events.DraftWorkflowPublished, user, parentName, map[string]interface{}{"backup": backupName})
	return types.Workflow{Kind: types.KindConfigurable, Graph: published}, nil
}

// checkKeepsStatuses rejects a draft that drops a status the parent links to;
// issues sitting in that status would have no step.
func checkKeepsStatuses(parent, draft *types.WorkflowGraph) error {
	kept := make(map[string]bool)
	for _, id := range draft.LinkedStatusIDs() {
		kept[id] = true
	}
	for _, id := range parent.LinkedStatusIDs() {
		if !kept[id] {
			return fmt.Errorf("%w: %q", ErrDraftRemovesStatus, id)
		}
	}
	return nil
}
