package scheme

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/issue-workflow/events"
	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

type recordingNotifier struct {
	events []events.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e events.Event) {
	n.events = append(n.events, e)
}

func (n *recordingNotifier) kinds() []events.Type {
	out := make([]events.Type, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestManager(t *testing.T, options ...ManagerOption) (*Manager, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage(nil)
	return NewManager(store, nil, options...), store
}

func TestResolveWorkflowName(t *testing.T) {
	withDefault := &types.Scheme{ID: 1, Mappings: map[string]string{"1": "Bug Flow", types.DefaultIssueType: "Default"}}
	empty := &types.Scheme{ID: 2, Mappings: map[string]string{}}

	assert.Equal(t, "Bug Flow", ResolveWorkflowName(withDefault, "1"))
	assert.Equal(t, "Default", ResolveWorkflowName(withDefault, "999"))
	assert.Equal(t, "jira", ResolveWorkflowName(empty, "1"))
	assert.Equal(t, "jira", ResolveWorkflowName(nil, "1"))
	assert.Equal(t, "jira", ResolveWorkflowName((*types.Scheme)(nil), "1"))

	draft := &types.DraftScheme{Mappings: map[string]string{"2": "Task Flow"}}
	assert.Equal(t, "Task Flow", ResolveWorkflowName(draft, "2"))
	assert.Equal(t, "jira", ResolveWorkflowName(draft, "3"))
}

func TestResolveWorkflowNameIsTotal(t *testing.T) {
	schemes := []types.SchemeMapping{
		nil,
		&types.Scheme{},
		&types.Scheme{Mappings: map[string]string{"1": "A"}},
		&types.Scheme{Mappings: map[string]string{types.DefaultIssueType: "D"}},
		&types.Scheme{Mappings: map[string]string{"1": ""}},
	}
	for _, s := range schemes {
		for i := -5; i < 50; i++ {
			assert.NotEmpty(t, ResolveWorkflowName(s, strconv.Itoa(i)))
		}
		assert.NotEmpty(t, ResolveWorkflowName(s, "not-a-number"))
		assert.NotEmpty(t, ResolveWorkflowName(s, types.DefaultIssueType))
	}
}

func TestRepositoryCreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(nil)
	repo := NewRepository(store, nil)

	created, err := repo.Create(ctx, &types.Scheme{
		Name:     "Software",
		Mappings: map[string]string{"1": "Bug Flow", "2": "Task Flow", types.DefaultIssueType: "Default"},
	})
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	rows, err := store.Find(ctx, TableSchemeEntity, storage.Filter{fieldIssueType: defaultIssueTypeToken})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Default", rows[0].Get(fieldWorkflow))

	got, ok, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.Mappings, got.Mappings)

	// callers cannot corrupt the cached copy
	got.Mappings["1"] = "Changed"
	again, _, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bug Flow", again.Mappings["1"])

	before, err := store.Find(ctx, TableSchemeEntity, storage.Filter{fieldIssueType: "1"})
	require.NoError(t, err)
	require.Len(t, before, 1)

	_, err = repo.Update(ctx, &types.Scheme{
		ID:       created.ID,
		Name:     "Software v2",
		Mappings: map[string]string{"1": "New Bug Flow", "3": "Epic Flow"},
	})
	require.NoError(t, err)

	got, ok, err = repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Software v2", got.Name)
	assert.Equal(t, map[string]string{"1": "New Bug Flow", "3": "Epic Flow"}, got.Mappings)

	after, err := store.Find(ctx, TableSchemeEntity, storage.Filter{fieldIssueType: "1"})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID, "changed mapping is updated in place")
	assert.Equal(t, 2, store.Count(TableSchemeEntity))
}

func TestRepositoryUpdateRemovesCorruptRows(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(nil)
	repo := NewRepository(store, nil)

	created, err := repo.Create(ctx, &types.Scheme{Name: "S", Mappings: map[string]string{"1": "A"}})
	require.NoError(t, err)

	id := strconv.FormatInt(created.ID, 10)
	_, err = store.Create(ctx, TableSchemeEntity, map[string]string{fieldScheme: id, fieldIssueType: "1", fieldWorkflow: "B"})
	require.NoError(t, err)
	_, err = store.Create(ctx, TableSchemeEntity, map[string]string{fieldScheme: id, fieldWorkflow: "Orphan"})
	require.NoError(t, err)
	require.Equal(t, 3, store.Count(TableSchemeEntity))

	repo.cache.InvalidateAll()
	got, _, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "A"}, got.Mappings, "lowest row wins, null key ignored")

	_, err = repo.Update(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Count(TableSchemeEntity))
}

func TestRepositoryUpdateMissingScheme(t *testing.T) {
	repo := NewRepository(storage.NewMemoryStorage(nil), nil)
	_, err := repo.Update(context.Background(), &types.Scheme{ID: 42, Name: "nope"})
	assert.ErrorIs(t, err, ErrSchemeNotFound)
	assert.True(t, types.IsIllegalState(err))

	_, err = repo.Create(context.Background(), &types.Scheme{Name: "  "})
	assert.True(t, types.IsIllegalState(err))
}

func TestRepositoryDeleteCascades(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage(nil)
	repo := NewRepository(store, nil)

	created, err := repo.Create(ctx, &types.Scheme{Name: "S", Mappings: map[string]string{"1": "A", "2": "B"}})
	require.NoError(t, err)
	_, _, err = repo.Get(ctx, created.ID)
	require.NoError(t, err)

	ok, err := repo.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, store.Count(TableSchemeEntity))

	_, found, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, found)

	ok, err = repo.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRenameWorkflowPropagates(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	s1, err := m.CreateScheme(ctx, nil, &types.Scheme{Name: "One", Mappings: map[string]string{"1": "A", "2": "C"}})
	require.NoError(t, err)
	s2, err := m.CreateScheme(ctx, nil, &types.Scheme{Name: "Two", Mappings: map[string]string{types.DefaultIssueType: "A"}})
	require.NoError(t, err)
	_, err = m.CreateDraftOf(ctx, nil, s2.ID)
	require.NoError(t, err)

	// warm the caches
	_, err = m.GetWorkflowMap(ctx, s1.ID, false)
	require.NoError(t, err)
	_, err = m.GetWorkflowMap(ctx, s2.ID, true)
	require.NoError(t, err)

	require.NoError(t, m.RenameWorkflow(ctx, "A", "B"))

	got1, err := m.GetWorkflowMap(ctx, s1.ID, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "B", "2": "C"}, got1)
	got2, err := m.GetWorkflowMap(ctx, s2.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "B", got2[types.DefaultIssueType])
	draft, err := m.GetWorkflowMap(ctx, s2.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "B", draft[types.DefaultIssueType])

	wfA := types.Workflow{Kind: types.KindConfigurable, Graph: &types.WorkflowGraph{Name: "A"}}
	schemes, drafts, err := m.SchemesUsingWorkflow(ctx, wfA)
	require.NoError(t, err)
	assert.Empty(t, schemes)
	assert.Empty(t, drafts)

	wfB := types.Workflow{Kind: types.KindConfigurable, Graph: &types.WorkflowGraph{Name: "B"}}
	schemes, drafts, err = m.SchemesUsingWorkflow(ctx, wfB)
	require.NoError(t, err)
	assert.Len(t, schemes, 2)
	assert.Len(t, drafts, 1)

	assert.True(t, types.IsIllegalState(m.RenameWorkflow(ctx, "", "B")))
}

func TestSchemesUsingSystemWorkflowFails(t *testing.T) {
	m, _ := newTestManager(t)
	system := types.Workflow{Kind: types.KindSystem, Graph: &types.WorkflowGraph{Name: types.SystemDefaultWorkflow}}
	_, _, err := m.SchemesUsingWorkflow(context.Background(), system)
	assert.ErrorIs(t, err, ErrSystemWorkflow)
}

func TestDraftSchemeAtMostOne(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, WithClock(func() time.Time { return at }))
	user := &types.User{Key: "admin"}

	parent, err := m.CreateScheme(ctx, user, &types.Scheme{Name: "P", Mappings: map[string]string{"1": "A"}})
	require.NoError(t, err)

	has, err := m.Drafts().HasDraftForParent(ctx, parent.ID)
	require.NoError(t, err)
	assert.False(t, has)

	draft, err := m.CreateDraftOf(ctx, user, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, draft.ParentID)
	assert.Equal(t, "admin", draft.LastModifiedBy)

	_, err = m.CreateDraftOf(ctx, user, parent.ID)
	assert.ErrorIs(t, err, ErrDraftSchemeExists)
	assert.True(t, types.IsIllegalState(err))

	has, err = m.Drafts().HasDraftForParent(ctx, parent.ID)
	require.NoError(t, err)
	assert.True(t, has)

	parentID, err := m.Drafts().GetParentID(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, parentID)

	got, ok, err := m.Drafts().GetDraftForParent(ctx, parent.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at.UnixMilli(), got.LastModifiedAt.UnixMilli())
	assert.Equal(t, map[string]string{"1": "A"}, got.Mappings)
}

func TestDraftSchemeParentIsImmutable(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	p1, err := m.CreateScheme(ctx, nil, &types.Scheme{Name: "P1"})
	require.NoError(t, err)
	p2, err := m.CreateScheme(ctx, nil, &types.Scheme{Name: "P2"})
	require.NoError(t, err)
	draft, err := m.CreateDraftOf(ctx, nil, p1.ID)
	require.NoError(t, err)

	moved := draft.Clone()
	moved.ParentID = p2.ID
	_, err = m.UpdateDraft(ctx, nil, moved)
	assert.ErrorIs(t, err, ErrParentChanged)

	edited := draft.Clone()
	edited.Mappings = map[string]string{"5": "E"}
	updated, err := m.UpdateDraft(ctx, &types.User{Key: "editor"}, edited)
	require.NoError(t, err)
	assert.Equal(t, p1.ID, updated.ParentID)
	assert.Equal(t, "editor", updated.LastModifiedBy)

	got, ok, err := m.Drafts().GetDraftForParent(ctx, p1.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"5": "E"}, got.Mappings)

	removed, err := m.DeleteDraftScheme(ctx, nil, p1.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	has, err := m.Drafts().HasDraftForParent(ctx, p1.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestManagerRejectsChangesDuringMigration(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemoryMigrationTracker()
	m, _ := newTestManager(t, WithMigrationTracker(tracker))

	s, err := m.CreateScheme(ctx, nil, &types.Scheme{Name: "S", Mappings: map[string]string{"1": "A"}})
	require.NoError(t, err)
	tracker.Start(MigrationTask{ID: "task-1", SchemeID: s.ID, ProjectIDs: []int64{10}})

	_, err = m.UpdateScheme(ctx, nil, s)
	assert.ErrorIs(t, err, ErrSchemeBeingMigrated)
	assert.True(t, types.IsIllegalState(err))

	err = m.SetWorkflowForIssueType(ctx, nil, s.ID, "2", "B")
	assert.ErrorIs(t, err, ErrSchemeBeingMigrated)
	err = m.RemoveIssueTypeMapping(ctx, nil, s.ID, "1")
	assert.ErrorIs(t, err, ErrSchemeBeingMigrated)
	_, err = m.DeleteScheme(ctx, nil, s.ID)
	assert.ErrorIs(t, err, ErrSchemeBeingMigrated)

	tracker.Finish("task-1")
	require.NoError(t, m.SetWorkflowForIssueType(ctx, nil, s.ID, "2", "B"))
	got, err := m.GetWorkflowMap(ctx, s.ID, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "A", "2": "B"}, got)
}

func TestManagerProjectAssociation(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	m, _ := newTestManager(t, WithNotifier(notifier))

	s, err := m.CreateScheme(ctx, nil, &types.Scheme{Name: "S", Mappings: map[string]string{"1": "Bug Flow"}})
	require.NoError(t, err)

	name, err := m.Resolver().WorkflowNameForProject(ctx, 10, "1")
	require.NoError(t, err)
	assert.Equal(t, "jira", name, "projects without a scheme use the default scheme")

	require.NoError(t, m.AddSchemeToProject(ctx, nil, 10, s.ID))
	name, err = m.Resolver().WorkflowNameForProject(ctx, 10, "1")
	require.NoError(t, err)
	assert.Equal(t, "Bug Flow", name)

	active, err := m.IsActive(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, active)
	projects, err := m.GetProjectsUsing(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, projects)

	wfActive, err := m.IsWorkflowActive(ctx, "Bug Flow")
	require.NoError(t, err)
	assert.True(t, wfActive)
	wfActive, err = m.IsWorkflowActive(ctx, "jira")
	require.NoError(t, err)
	assert.True(t, wfActive, "issue types without a mapping fall back to jira")

	_, err = m.DeleteScheme(ctx, nil, s.ID)
	assert.ErrorIs(t, err, ErrSchemeInUse)

	removed, err := m.RemoveSchemeFromProject(ctx, nil, 10, s.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	deleted, err := m.DeleteScheme(ctx, nil, s.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	assert.Equal(t, []events.Type{
		events.SchemeCreated,
		events.SchemeAddedToProject,
		events.SchemeRemovedFromProj,
		events.SchemeDeleted,
	}, notifier.kinds())
}

func TestManagerCopyScheme(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	s, err := m.CreateScheme(ctx, nil, &types.Scheme{Name: "S", Mappings: map[string]string{"1": "A", types.DefaultIssueType: "D"}})
	require.NoError(t, err)

	copied, err := m.CopyScheme(ctx, nil, s.ID, "", "copy")
	require.NoError(t, err)
	assert.Equal(t, "Copy of S", copied.Name)
	assert.NotEqual(t, s.ID, copied.ID)

	got, err := m.GetWorkflowMap(ctx, copied.ID, false)
	require.NoError(t, err)
	assert.Equal(t, s.Mappings, got)

	_, err = m.CopyScheme(ctx, nil, s.ID, "Copy of S", "")
	assert.ErrorIs(t, err, ErrSchemeNameTaken)
}

func TestManagerDeleteSchemeRemovesDraft(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	s, err := m.CreateScheme(ctx, nil, &types.Scheme{Name: "S", Mappings: map[string]string{"1": "A"}})
	require.NoError(t, err)
	_, err = m.CreateDraftOf(ctx, nil, s.ID)
	require.NoError(t, err)

	_, err = m.DeleteScheme(ctx, nil, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Count(TableDraftScheme))
	assert.Equal(t, 0, store.Count(TableDraftSchemeEntity))
	assert.Equal(t, 0, store.Count(TableSchemeEntity))
}

func TestCleanUpSchemes(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	s, err := m.CreateScheme(ctx, nil, &types.Scheme{Name: "S", Mappings: map[string]string{"1": "A"}})
	require.NoError(t, err)
	_, err = store.Create(ctx, TableSchemeEntity, map[string]string{fieldScheme: "987654", fieldIssueType: "1", fieldWorkflow: "X"})
	require.NoError(t, err)
	_, err = store.Create(ctx, TableDraftSchemeEntity, map[string]string{fieldScheme: "987655", fieldIssueType: "1", fieldWorkflow: "X"})
	require.NoError(t, err)

	n, err := m.CleanUpSchemes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := m.GetWorkflowMap(ctx, s.ID, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "A"}, got)
}

func TestGetWorkflowMapDefaultScheme(t *testing.T) {
	m, _ := newTestManager(t, WithSystemDefault("classic"))
	got, err := m.GetWorkflowMap(context.Background(), 0, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{types.DefaultIssueType: "classic"}, got)

	_, err = m.GetWorkflowMap(context.Background(), 77, false)
	assert.ErrorIs(t, err, ErrSchemeNotFound)
}

func TestWaitForUpdatesRunsWork(t *testing.T) {
	m, _ := newTestManager(t)
	ran := false
	err := m.WaitForUpdatesToFinishAndExecute(context.Background(), 1, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
