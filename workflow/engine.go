// Package workflow stores workflow graphs and drafts, manages their lifecycle and
// drives issues through them.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/issue-workflow/events"
	"github.com/songzhibin97/issue-workflow/issues"
	"github.com/songzhibin97/issue-workflow/rules"
	"github.com/songzhibin97/issue-workflow/scheme"
	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

// TransitionState is a stage of transition execution.
type TransitionState int

const (
	StateValidating TransitionState = iota
	StateApplying
	StateCommitting
	StateIndexing
	StateSucceeded
	StateFailed
)

func (s TransitionState) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateApplying:
		return "applying"
	case StateCommitting:
		return "committing"
	case StateIndexing:
		return "indexing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transient variables the engine hands to post-functions.
const (
	VarTargetStep   = "targetStep"
	VarTargetStatus = "targetStatus"
	varEvents       = "_events"
)

// TransitionResult is the outcome of a transition. Rejections by validators,
// conditions or permissions are reported in Errors, not as an error.
type TransitionResult struct {
	Issue  *types.Issue
	State  TransitionState
	StepID int
	Errors types.ErrorCollection
}

// Succeeded reports whether the transition committed.
func (r *TransitionResult) Succeeded() bool {
	return r != nil && r.State == StateSucceeded
}

// NewIssue holds the fields of an issue to create.
type NewIssue struct {
	ProjectID       int64
	IssueTypeID     string
	Summary         string
	AssigneeKey     string
	ReporterKey     string
	SecurityLevelID int64
	ParentID        int64
	Fields          map[string]string
}

// FieldUpdater applies the screen fields of a transition to the issue.
type FieldUpdater interface {
	Apply(ctx context.Context, issue *types.Issue, action types.Action, inputs map[string]string) error
}

// ScreenFieldUpdater writes inputs onto the issue for transitions that show a screen.
type ScreenFieldUpdater struct{}

// Apply implements FieldUpdater.
func (ScreenFieldUpdater) Apply(_ context.Context, issue *types.Issue, action types.Action, inputs map[string]string) error {
	if action.View == "" && action.Meta[types.MetaFieldScreen] == "" {
		return nil
	}
	for field, value := range inputs {
		issue.SetField(field, value)
	}
	return nil
}

// Engine computes available transitions and executes them against issues.
type Engine struct {
	store       storage.EntityStore
	workflows   *Manager
	resolver    *scheme.Resolver
	executions  *ExecutionStore
	issues      *issues.Store
	index       issues.Index
	permissions issues.PermissionOracle
	registry    *rules.Registry
	fields      FieldUpdater
	notifier    events.Notifier
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithIndex sets the search index changed issues are re-submitted to.
func WithIndex(index issues.Index) EngineOption {
	return func(e *Engine) { e.index = index }
}

// WithPermissions sets the permission oracle. The default allows everything.
func WithPermissions(p issues.PermissionOracle) EngineOption {
	return func(e *Engine) { e.permissions = p }
}

// WithRules sets the function registry. The engine registers its own functions on it.
func WithRules(r *rules.Registry) EngineOption {
	return func(e *Engine) { e.registry = r }
}

// WithFieldUpdater sets how screen fields are applied.
func WithFieldUpdater(f FieldUpdater) EngineOption {
	return func(e *Engine) { e.fields = f }
}

// WithEventNotifier sets where fire-event post-functions publish.
func WithEventNotifier(n events.Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithTracer sets the tracer. The default is the global tracer provider.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineClock sets the time source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the workflows of m and the issues in store.
func NewEngine(store storage.EntityStore, m *Manager, resolver *scheme.Resolver, options ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		workflows:   m,
		resolver:    resolver,
		executions:  m.Executions(),
		issues:      issues.NewStore(store),
		index:       issues.NewMemoryIndex(),
		permissions: issues.AllowAll{},
		fields:      ScreenFieldUpdater{},
		notifier:    events.NopNotifier{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, option := range options {
		option(e)
	}
	if e.registry == nil {
		e.registry = rules.NewRegistry(nil)
	}
	if e.tracer == nil {
		e.tracer = defaultTracer()
	}
	e.registerFunctions()
	return e
}

// Registry returns the function registry used for conditions, validators and post-functions.
func (e *Engine) Registry() *rules.Registry { return e.registry }

// Issues returns the issue store.
func (e *Engine) Issues() *issues.Store { return e.issues }

func (e *Engine) newEnv(issue *types.Issue, user *types.User, g *types.WorkflowGraph, opts rules.Options) *rules.Env {
	return &rules.Env{
		Issue:    issue.Clone(),
		Original: issue.Clone(),
		User:     user,
		Graph:    g,
		Options:  opts,
	}
}

// WorkflowForIssue returns the workflow of the issue's execution entry, or the
// one its project and issue type resolve to when it has no entry yet.
func (e *Engine) WorkflowForIssue(ctx context.Context, issue *types.Issue) (types.Workflow, error) {
	name, err := e.workflowName(ctx, issue)
	if err != nil {
		return types.Workflow{}, err
	}
	return e.workflows.GetWorkflow(ctx, name)
}

func (e *Engine) workflowName(ctx context.Context, issue *types.Issue) (string, error) {
	if issue.WorkflowEntryID != 0 {
		entry, err := e.executions.Entry(ctx, issue.WorkflowEntryID)
		if err != nil {
			return "", err
		}
		return entry.WorkflowName, nil
	}
	return e.resolver.WorkflowNameForProject(ctx, issue.ProjectID, issue.IssueTypeID)
}

// position returns the workflow and current step of an issue.
func (e *Engine) position(ctx context.Context, issue *types.Issue) (types.Workflow, StepRecord, error) {
	if issue == nil || issue.WorkflowEntryID == 0 {
		return types.Workflow{}, StepRecord{}, types.IllegalState("locate issue", ErrNoIssueEntry)
	}
	wf, err := e.WorkflowForIssue(ctx, issue)
	if err != nil {
		return types.Workflow{}, StepRecord{}, err
	}
	current, err := e.executions.CurrentStep(ctx, issue.WorkflowEntryID)
	if err != nil {
		return types.Workflow{}, StepRecord{}, types.Integrity("locate issue", err)
	}
	if _, ok := wf.Graph.Step(current.StepID); !ok {
		return types.Workflow{}, StepRecord{}, types.Integrity("locate issue",
			fmt.Errorf("%w: step %d of workflow %q", ErrStepNotFound, current.StepID, wf.Name()))
	}
	return wf, current, nil
}

// AvailableActions returns the transitions the user may take from the issue's
// current step, ordered by their sequence hint then declaration order.
func (e *Engine) AvailableActions(ctx context.Context, issue *types.Issue, opts rules.Options, user *types.User) ([]types.Action, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if !opts.SkipPermissions && !e.permissions.HasPermission(ctx, issues.PermissionTransitionIssue, issue, user) {
		return nil, nil
	}
	wf, current, err := e.position(ctx, issue)
	if err != nil {
		return nil, err
	}
	return e.availableFrom(ctx, issue, wf, current, opts, user)
}

func (e *Engine) availableFrom(ctx context.Context, issue *types.Issue, wf types.Workflow, current StepRecord, opts rules.Options, user *types.User) ([]types.Action, error) {
	env := e.newEnv(issue, user, wf.Graph, opts)
	env.StepID = current.StepID
	var out []types.Action
	for _, a := range wf.Graph.ActionsFrom(current.StepID) {
		env.Action = a
		ok, err := e.registry.PassesRestriction(ctx, a.Restriction, env)
		if err != nil {
			return nil, fmt.Errorf("action %d of workflow %q: %w", a.ID, wf.Name(), err)
		}
		if ok {
			out = append(out, a)
		}
	}
	sortActions(out)
	return out, nil
}

func sortActions(actions []types.Action) {
	seq := func(a types.Action) int {
		if n, ok := a.Sequence(); ok {
			return n
		}
		return math.MaxInt
	}
	sort.SliceStable(actions, func(i, j int) bool { return seq(actions[i]) < seq(actions[j]) })
}

// IsValidAction reports whether actionID is among the available actions.
func (e *Engine) IsValidAction(ctx context.Context, issue *types.Issue, actionID int, opts rules.Options, user *types.User) (bool, error) {
	actions, err := e.AvailableActions(ctx, issue, opts, user)
	if err != nil {
		return false, err
	}
	for _, a := range actions {
		if a.ID == actionID {
			return true, nil
		}
	}
	return false, nil
}

// destination resolves the step an action leads to: the first conditional
// result that passes, else the unconditional result.
func (e *Engine) destination(ctx context.Context, action types.Action, from int, env *rules.Env) (int, string, error) {
	for _, cr := range action.ConditionalResults {
		ok, err := e.registry.PassesResult(ctx, cr, env)
		if err != nil {
			return 0, "", fmt.Errorf("action %d: %w", action.ID, err)
		}
		if ok {
			return resolveStay(cr.Step, from), "", nil
		}
	}
	return resolveStay(action.UnconditionalResult.Step, from), action.UnconditionalResult.Status, nil
}

func resolveStay(step, from int) int {
	if step == types.StayOnStep {
		return from
	}
	return step
}

func pendingEvents(env *rules.Env) []events.Event {
	evs, _ := env.Vars[varEvents].([]events.Event)
	return evs
}

func (e *Engine) dispatch(ctx context.Context, evs []events.Event) {
	for _, ev := range evs {
		e.notifier.Notify(ctx, ev)
	}
}

// reindex re-submits issues to the index. Failures are logged: the change is already committed.
func (e *Engine) reindex(ctx context.Context, toIndex ...*types.Issue) {
	if err := e.index.Reindex(ctx, toIndex...); err != nil {
		ids := make([]int64, 0, len(toIndex))
		for _, i := range toIndex {
			ids = append(ids, i.ID)
		}
		e.logger.Warn("failed to reindex issues after commit", "issues", ids, "error", err)
	}
}

// ExecuteTransition fires actionID on issue. Validation failures leave the issue
// untouched and come back in the result; everything else that goes wrong before
// the commit rolls the transaction back and is returned as an error.
func (e *Engine) ExecuteTransition(ctx context.Context, issue *types.Issue, actionID int, inputs map[string]string, user *types.User, opts rules.Options) (*TransitionResult, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.ExecuteTransition", trace.WithAttributes(
		attribute.Int64(IssueIDKey, issueID(issue)),
		attribute.Int(ActionIDKey, actionID),
	))
	defer span.End()

	result := &TransitionResult{Issue: issue.Clone(), State: StateValidating}
	fail := func(err error) (*TransitionResult, error) {
		result.State = StateFailed
		setSpanError(span, err)
		return result, err
	}
	reject := func(errs types.ErrorCollection) (*TransitionResult, error) {
		result.State = StateFailed
		result.Errors = errs
		span.AddEvent("transition_rejected", trace.WithAttributes(attribute.String("errors", errs.String())))
		return result, nil
	}

	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	default:
	}

	wf, current, err := e.position(ctx, issue)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String(WorkflowNameKey, wf.Name()), attribute.Int(StepIDKey, current.StepID))

	var errs types.ErrorCollection
	if !opts.SkipPermissions && !e.permissions.HasPermission(ctx, issues.PermissionTransitionIssue, issue, user) {
		errs.AddMessage("You do not have permission to transition this issue.")
		return reject(errs)
	}
	available, err := e.availableFrom(ctx, issue, wf, current, opts, user)
	if err != nil {
		return fail(err)
	}
	var action types.Action
	found := false
	for _, a := range available {
		if a.ID == actionID {
			action, found = a, true
			break
		}
	}
	if !found {
		errs.AddMessage(fmt.Sprintf("Action %d is not valid for issue %s in step %d of workflow %q.", actionID, issue.Key, current.StepID, wf.Name()))
		return reject(errs)
	}

	env := e.newEnv(issue, user, wf.Graph, opts)
	env.Action = action
	env.StepID = current.StepID
	env.Inputs = inputs
	errs, err = e.registry.Validate(ctx, action.Validators, env)
	if err != nil {
		return fail(err)
	}
	if errs.HasAnyErrors() {
		return reject(errs)
	}

	result.State = StateApplying
	destStepID := 0
	err = e.store.RunInTx(issues.Suspend(ctx), func(ctx context.Context) error {
		if err := e.fields.Apply(ctx, env.Issue, action, inputs); err != nil {
			return fmt.Errorf("failed to apply screen fields: %w", err)
		}
		dest, resultStatus, err := e.destination(ctx, action, current.StepID, env)
		if err != nil {
			return err
		}
		step, ok := wf.Graph.Step(dest)
		if !ok {
			return types.Integrity("execute transition", fmt.Errorf("%w: action %d leads to step %d", ErrStepNotFound, action.ID, dest))
		}
		now := e.now()
		if _, err := e.executions.MoveToHistory(ctx, current, action.ID, types.KeyOf(user), now); err != nil {
			return err
		}
		if _, err := e.executions.CreateCurrentStep(ctx, StepRecord{
			EntryID:   issue.WorkflowEntryID,
			StepID:    dest,
			Owner:     current.Owner,
			Status:    resultStatus,
			StartDate: now,
			DueDate:   current.DueDate,
		}); err != nil {
			return err
		}
		env.Issue.StatusID = step.LinkedStatusID
		env.Set(VarTargetStep, dest)
		env.Set(VarTargetStatus, step.LinkedStatusID)
		if err := e.registry.RunPostFunctions(ctx, action.PostFunctions, env); err != nil {
			return err
		}

		result.State = StateCommitting
		env.Issue.Updated = now
		if err := e.issues.Update(ctx, env.Issue); err != nil {
			return fmt.Errorf("failed to save issue: %w", err)
		}
		destStepID = dest
		return nil
	})
	if err != nil {
		e.logger.Error("transition rolled back", "issue", issue.Key, "action", actionID, "state", result.State.String(), "error", err)
		return fail(err)
	}

	result.State = StateIndexing
	toIndex := []*types.Issue{env.Issue}
	if env.Issue.SecurityLevelID != issue.SecurityLevelID {
		subtasks, err := e.issues.Subtasks(ctx, issue.ID)
		if err != nil {
			e.logger.Warn("failed to load subtasks for reindex", "issue", issue.Key, "error", err)
		}
		toIndex = append(toIndex, subtasks...)
	}
	e.reindex(ctx, toIndex...)
	e.dispatch(ctx, pendingEvents(env))

	result.Issue = env.Issue.Clone()
	result.StepID = destStepID
	result.State = StateSucceeded
	e.logger.Debug("transition executed", "issue", env.Issue.Key, "action", actionID, "step", destStepID, "status", env.Issue.StatusID)
	return result, nil
}

func issueID(i *types.Issue) int64 {
	if i == nil {
		return 0
	}
	return i.ID
}

// CreateIssue resolves the workflow of the new issue, fires its initial action
// and returns the persisted issue. The initial action's post-functions must
// create the issue row; if they do not, an integrity error is returned.
func (e *Engine) CreateIssue(ctx context.Context, user *types.User, in NewIssue, opts rules.Options) (*TransitionResult, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.CreateIssue", trace.WithAttributes(
		attribute.Int64("workflow.project.id", in.ProjectID),
		attribute.String("workflow.issuetype.id", in.IssueTypeID),
	))
	defer span.End()

	draft := &types.Issue{
		ProjectID:       in.ProjectID,
		IssueTypeID:     in.IssueTypeID,
		Summary:         in.Summary,
		AssigneeKey:     in.AssigneeKey,
		ReporterKey:     in.ReporterKey,
		SecurityLevelID: in.SecurityLevelID,
		ParentID:        in.ParentID,
		Fields:          in.Fields,
	}
	if draft.ReporterKey == "" {
		draft.ReporterKey = types.KeyOf(user)
	}
	result := &TransitionResult{Issue: draft.Clone(), State: StateValidating}
	fail := func(err error) (*TransitionResult, error) {
		result.State = StateFailed
		setSpanError(span, err)
		return result, err
	}

	name, err := e.resolver.WorkflowNameForProject(ctx, in.ProjectID, in.IssueTypeID)
	if err != nil {
		return fail(err)
	}
	wf, err := e.workflows.GetWorkflow(ctx, name)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String(WorkflowNameKey, wf.Name()))
	initial, ok := wf.Graph.Initial()
	if !ok {
		return fail(types.Integrity("create issue", fmt.Errorf("%w: %q", ErrNoInitialAction, wf.Name())))
	}

	var errs types.ErrorCollection
	if perm := initial.Meta[types.MetaPermission]; perm != "" && !opts.SkipPermissions &&
		!e.permissions.HasPermission(ctx, perm, draft, user) {
		errs.AddMessage("You do not have permission to create issues in this project.")
	}
	env := e.newEnv(draft, user, wf.Graph, opts)
	env.Action = initial
	env.Inputs = in.Fields
	if !errs.HasAnyErrors() {
		ok, err := e.registry.PassesRestriction(ctx, initial.Restriction, env)
		if err != nil {
			return fail(err)
		}
		if !ok {
			errs.AddMessage("You cannot create this issue: the workflow does not allow it.")
		}
	}
	if !errs.HasAnyErrors() {
		if errs, err = e.registry.Validate(ctx, initial.Validators, env); err != nil {
			return fail(err)
		}
	}
	if errs.HasAnyErrors() {
		result.State = StateFailed
		result.Errors = errs
		return result, nil
	}

	result.State = StateApplying
	var destStepID int
	err = e.store.RunInTx(issues.Suspend(ctx), func(ctx context.Context) error {
		entry, err := e.executions.CreateEntry(ctx, wf.Name())
		if err != nil {
			return err
		}
		dest, resultStatus, err := e.destination(ctx, initial, 0, env)
		if err != nil {
			return err
		}
		step, ok := wf.Graph.Step(dest)
		if !ok {
			return types.Integrity("create issue", fmt.Errorf("%w: initial action leads to step %d", ErrStepNotFound, dest))
		}
		now := e.now()
		if _, err := e.executions.CreateCurrentStep(ctx, StepRecord{
			EntryID:   entry.ID,
			StepID:    dest,
			Owner:     types.KeyOf(user),
			Status:    resultStatus,
			StartDate: now,
		}); err != nil {
			return err
		}
		env.Issue.WorkflowEntryID = entry.ID
		env.Issue.StatusID = step.LinkedStatusID
		env.Issue.Created = now
		env.Set(VarTargetStep, dest)
		env.Set(VarTargetStatus, step.LinkedStatusID)
		if err := e.registry.RunPostFunctions(ctx, initial.PostFunctions, env); err != nil {
			return err
		}

		result.State = StateCommitting
		if env.Issue.ID == 0 {
			return types.Integrity("create issue", fmt.Errorf("%w (workflow %q)", ErrIssueNotCreated, wf.Name()))
		}
		if _, err := e.issues.Get(ctx, env.Issue.ID); err != nil {
			return types.Integrity("create issue", fmt.Errorf("%w: %v", ErrIssueNotCreated, err))
		}
		destStepID = dest
		return e.executions.SetState(ctx, entry.ID, EntryActivated)
	})
	if err != nil {
		if types.IsIntegrity(err) {
			e.logger.Error("issue creation failed", "workflow", wf.Name(), "error", err)
		}
		return fail(err)
	}

	result.State = StateIndexing
	e.reindex(ctx, env.Issue)
	e.dispatch(ctx, pendingEvents(env))
	result.Issue = env.Issue.Clone()
	result.StepID = destStepID
	result.State = StateSucceeded
	return result, nil
}

// MigrateIssueToWorkflow moves an issue onto target, placing it on the step
// linked to newStatusID. The old entry is killed and its step archived.
func (e *Engine) MigrateIssueToWorkflow(ctx context.Context, issue *types.Issue, target types.Workflow, newStatusID string) (*types.Issue, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.MigrateIssueToWorkflow", trace.WithAttributes(
		attribute.Int64(IssueIDKey, issueID(issue)),
		attribute.String(WorkflowNameKey, target.Name()),
		attribute.String(StatusIDKey, newStatusID),
	))
	defer span.End()

	if issue == nil || target.Graph == nil {
		err := types.IllegalState("migrate issue", errors.New("issue and target workflow are required"))
		setSpanError(span, err)
		return nil, err
	}
	step, ok := target.Graph.StepForStatus(newStatusID)
	if !ok {
		err := types.IllegalState("migrate issue", fmt.Errorf("%w: status %q in workflow %q", ErrNoStepForStatus, newStatusID, target.Name()))
		setSpanError(span, err)
		return nil, err
	}

	updated := issue.Clone()
	err := e.store.RunInTx(issues.Suspend(ctx), func(ctx context.Context) error {
		now := e.now()
		var old StepRecord
		hasOld := false
		if issue.WorkflowEntryID != 0 {
			current, err := e.executions.CurrentStep(ctx, issue.WorkflowEntryID)
			switch {
			case err == nil:
				old, hasOld = current, true
			case !errors.Is(err, ErrNoCurrentStep):
				return err
			}
		}

		entry, err := e.executions.CreateEntry(ctx, target.Name())
		if err != nil {
			return err
		}
		start := old.StartDate
		if start.IsZero() {
			start = now
		}
		if _, err := e.executions.CreateCurrentStep(ctx, StepRecord{
			EntryID:   entry.ID,
			StepID:    step.ID,
			Owner:     old.Owner,
			Status:    old.Status,
			StartDate: start,
			DueDate:   old.DueDate,
		}); err != nil {
			return err
		}
		if hasOld {
			if _, err := e.executions.MoveToHistory(ctx, old, 0, "", now); err != nil {
				return err
			}
		}
		if issue.WorkflowEntryID != 0 {
			if err := e.executions.SetState(ctx, issue.WorkflowEntryID, EntryKilled); err != nil {
				return err
			}
		}
		if err := e.executions.SetState(ctx, entry.ID, EntryActivated); err != nil {
			return err
		}

		updated.WorkflowEntryID = entry.ID
		if updated.StatusID != newStatusID {
			updated.StatusID = newStatusID
			updated.Updated = now
		}
		return e.issues.Update(ctx, updated)
	})
	if err != nil {
		setSpanError(span, err)
		return nil, err
	}
	e.reindex(ctx, updated)
	return updated, nil
}
