package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/issue-workflow/events"
	"github.com/songzhibin97/issue-workflow/issues"
	"github.com/songzhibin97/issue-workflow/rules"
	"github.com/songzhibin97/issue-workflow/scheme"
	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

var (
	alice = &types.User{Key: "alice", Name: "Alice"}
	bob   = &types.User{Key: "bob", Name: "Bob"}
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e events.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) kinds() []events.Type {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]events.Type, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

func (n *recordingNotifier) issueEvents() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		if e.Type == events.IssueTransitioned {
			out = append(out, e.Data["eventType"].(string))
		}
	}
	return out
}

// countingIndex counts reindex calls made outside a suspended context.
type countingIndex struct {
	mu        sync.Mutex
	calls     int
	suspended int
	last      []*types.Issue
	err       error
}

func (x *countingIndex) Reindex(ctx context.Context, toIndex ...*types.Issue) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if issues.Suspended(ctx) {
		x.suspended++
		return nil
	}
	x.calls++
	x.last = toIndex
	return x.err
}

func (x *countingIndex) count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls
}

// bugFlow is a one-step workflow whose initial action creates the issue.
func bugFlow(name string) *types.WorkflowGraph {
	return &types.WorkflowGraph{
		Name: name,
		Steps: []types.Step{
			{ID: 1, Name: "Open", LinkedStatusID: "1"},
		},
		InitialActions: []types.Action{{
			ID:                  1,
			Name:                "Create",
			UnconditionalResult: types.Result{Step: 1, Status: "Open"},
			PostFunctions: []types.FunctionSpec{
				{Type: FuncCreateIssue},
				{Type: FuncFireEvent, Args: map[string]string{"eventType": "issue_created"}},
			},
		}},
	}
}

// withStep adds step id linked to status and an action from step 1 to it.
func withStep(g *types.WorkflowGraph, stepID int, status string, action types.Action) *types.WorkflowGraph {
	out := g.Clone()
	if _, ok := out.Step(stepID); !ok {
		out.Steps = append(out.Steps, types.Step{ID: stepID, Name: "Step " + status, LinkedStatusID: status})
	}
	for i := range out.Steps {
		if out.Steps[i].ID == 1 {
			out.Steps[i].Actions = append(out.Steps[i].Actions, action)
		}
	}
	return out
}

type harness struct {
	store    *storage.MemoryStorage
	schemes  *scheme.Manager
	manager  *Manager
	engine   *Engine
	registry *rules.Registry
	index    *countingIndex
	notifier *recordingNotifier
	project  types.Project
	clock    time.Time
}

func newHarness(t *testing.T, engineOptions ...EngineOption) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:    storage.NewMemoryStorage(nil),
		registry: rules.NewRegistry(nil),
		index:    &countingIndex{},
		notifier: &recordingNotifier{},
		clock:    time.UnixMilli(1_700_000_000_000),
	}
	now := func() time.Time { return h.clock }
	h.schemes = scheme.NewManager(h.store, nil, scheme.WithClock(now))
	h.manager = NewManager(h.store, h.schemes,
		WithRegistry(h.registry),
		WithNotifier(h.notifier),
		WithClock(now),
	)
	options := append([]EngineOption{
		WithRules(h.registry),
		WithIndex(h.index),
		WithEventNotifier(h.notifier),
		WithEngineClock(now),
	}, engineOptions...)
	h.engine = NewEngine(h.store, h.manager, h.schemes.Resolver(), options...)

	project, err := issues.NewProjects(h.store).Create(ctx, types.Project{Key: "BUG", Name: "Bugs"})
	require.NoError(t, err)
	h.project = project
	return h
}

// activate maps issue type "1" of the harness project to name.
func (h *harness) activate(t *testing.T, name string) *types.Scheme {
	t.Helper()
	ctx := context.Background()
	s, err := h.schemes.CreateScheme(ctx, alice, &types.Scheme{
		Name:     "Scheme for " + name,
		Mappings: map[string]string{"1": name},
	})
	require.NoError(t, err)
	require.NoError(t, h.schemes.AddSchemeToProject(ctx, alice, h.project.ID, s.ID))
	return s
}

func (h *harness) createIssue(t *testing.T, user *types.User, assignee string) *types.Issue {
	t.Helper()
	res, err := h.engine.CreateIssue(context.Background(), user, NewIssue{
		ProjectID:   h.project.ID,
		IssueTypeID: "1",
		Summary:     "Something broke",
		AssigneeKey: assignee,
	}, rules.Options{})
	require.NoError(t, err)
	require.True(t, res.Succeeded(), res.Errors.String())
	return res.Issue
}

func actionIDs(actions []types.Action) []int {
	out := make([]int, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.ID)
	}
	return out
}
