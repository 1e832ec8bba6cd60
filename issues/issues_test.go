package issues

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStorage(nil)
	projects := NewProjects(backend)
	store := NewStore(backend)

	project, err := projects.Create(ctx, types.Project{Key: "BUG", Name: "Bugs"})
	require.NoError(t, err)

	created, err := store.Create(ctx, &types.Issue{
		ProjectID:   project.ID,
		IssueTypeID: "1",
		StatusID:    "1",
		Summary:     "It broke",
		ReporterKey: "alice",
		Fields:      map[string]string{"severity": "high"},
	})
	require.NoError(t, err)
	assert.Equal(t, "BUG-1", created.Key)
	assert.False(t, created.Created.IsZero())

	second, err := store.Create(ctx, &types.Issue{ProjectID: project.ID, IssueTypeID: "1", ParentID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, "BUG-2", second.Key)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "It broke", got.Summary)
	assert.Equal(t, "high", got.Field("severity"))
	assert.Equal(t, created.Created.UnixMilli(), got.Created.UnixMilli())

	got.StatusID = "3"
	got.SetField("assignee", "bob")
	require.NoError(t, store.Update(ctx, got))

	byKey, err := store.GetByKey(ctx, "BUG-1")
	require.NoError(t, err)
	assert.Equal(t, "3", byKey.StatusID)
	assert.Equal(t, "bob", byKey.AssigneeKey)

	subtasks, err := store.Subtasks(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, second.ID, subtasks[0].ID)

	all, err := store.ByProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = store.Get(ctx, 12345)
	assert.ErrorIs(t, err, ErrIssueNotFound)
	assert.ErrorIs(t, store.Update(ctx, &types.Issue{ID: 12345}), ErrIssueNotFound)

	_, err = store.Create(ctx, &types.Issue{ProjectID: 999})
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestStatuses(t *testing.T) {
	ctx := context.Background()
	statuses := NewStatuses(storage.NewMemoryStorage(nil))
	for _, s := range SystemStatuses() {
		require.NoError(t, statuses.Add(ctx, s))
	}
	require.NoError(t, statuses.Add(ctx, types.Status{ID: "1", Name: "New"}))

	got, err := statuses.ResolveStatus(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "New", got.Name)

	_, err = statuses.ResolveStatus(ctx, "42")
	assert.ErrorIs(t, err, ErrStatusNotFound)

	all, err := statuses.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestMemoryIndexHonoursSuspend(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()
	issue := &types.Issue{ID: 1, StatusID: "1"}

	require.NoError(t, index.Reindex(Suspend(ctx), issue))
	assert.Equal(t, 0, index.Count())

	require.NoError(t, index.Reindex(ctx, issue, nil))
	assert.Equal(t, 1, index.Count())

	issue.StatusID = "2"
	doc, ok := index.Document(1)
	require.True(t, ok)
	assert.Equal(t, "1", doc.StatusID, "index keeps its own copy")
	assert.Len(t, index.Search("1"), 1)
	assert.False(t, Suspended(ctx))
}

func TestGrants(t *testing.T) {
	ctx := context.Background()
	g := NewGrants()
	issue := &types.Issue{ProjectID: 7, AssigneeKey: "bob", ReporterKey: "carol"}
	alice := &types.User{Key: "alice"}
	bob := &types.User{Key: "bob"}
	carol := &types.User{Key: "carol"}

	assert.False(t, g.HasPermission(ctx, PermissionTransitionIssue, issue, alice))

	g.Grant(7, PermissionTransitionIssue, "alice")
	assert.True(t, g.HasPermission(ctx, PermissionTransitionIssue, issue, alice))
	assert.False(t, g.HasPermission(ctx, PermissionTransitionIssue, issue, nil))

	g.Grant(7, PermissionTransitionIssue, RoleAssignee)
	assert.True(t, g.HasPermission(ctx, PermissionTransitionIssue, issue, bob))
	assert.False(t, g.HasPermission(ctx, PermissionTransitionIssue, issue, carol))

	g.Grant(0, PermissionTransitionIssue, RoleReporter)
	assert.True(t, g.HasPermission(ctx, PermissionTransitionIssue, issue, carol))

	g.Grant(0, PermissionCreateIssue, RoleAnyone)
	assert.True(t, g.HasPermission(ctx, PermissionCreateIssue, issue, nil))

	g.Revoke(7, PermissionTransitionIssue, "alice")
	assert.False(t, g.HasPermission(ctx, PermissionTransitionIssue, issue, alice))

	assert.True(t, AllowAll{}.HasPermission(ctx, "anything", nil, nil))
}
