package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/issue-workflow/codec"
	"github.com/songzhibin97/issue-workflow/config"
	"github.com/songzhibin97/issue-workflow/rules"
	"github.com/songzhibin97/issue-workflow/types"
	"github.com/songzhibin97/issue-workflow/workflow"
)

var admin = &types.User{Key: "admin", Name: "Admin"}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "memory"
	cfg.Lock.Backend = "memory"
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, options ...Option) *App {
	t.Helper()
	var logs bytes.Buffer
	options = append([]Option{WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))}, options...)
	a, err := New(context.Background(), cfg, options...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a
}

// triageFlow creates issues in status 10 and closes them with action 2.
func triageFlow() *types.WorkflowGraph {
	return &types.WorkflowGraph{
		Name: "Triage flow",
		Steps: []types.Step{
			{ID: 1, Name: "Triage", LinkedStatusID: "10", Actions: []types.Action{{
				ID:                  2,
				Name:                "Close",
				UnconditionalResult: types.Result{Step: 2, Status: "Closed"},
				PostFunctions:       []types.FunctionSpec{{Type: workflow.FuncUpdateIssueStatus}},
			}}},
			{ID: 2, Name: "Closed", LinkedStatusID: "6"},
		},
		InitialActions: []types.Action{{
			ID:                  1,
			Name:                "Create",
			UnconditionalResult: types.Result{Step: 1, Status: "Triage"},
			PostFunctions:       []types.FunctionSpec{{Type: workflow.FuncCreateIssue}},
		}},
	}
}

func writeSeed(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	descriptor, err := codec.NewXMLCodec().Encode(triageFlow())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "triage.xml"), []byte(descriptor), 0o644))

	seed := `
statuses:
  - id: "10"
    name: Triage
projects:
  - key: OPS
    name: Operations
workflows:
  - file: triage.xml
schemes:
  - name: Ops scheme
    mappings:
      "": jira
      "7": Triage flow
    projects: [OPS]
`
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))
	return path
}

func TestNewSeedsSystemStatuses(t *testing.T) {
	a := newApp(t, memoryConfig(t))
	ctx := context.Background()

	statuses, err := a.Statuses.All(ctx)
	require.NoError(t, err)
	assert.Len(t, statuses, 5)

	wf, err := a.Workflows.GetWorkflow(ctx, "jira")
	require.NoError(t, err)
	assert.Equal(t, types.KindSystem, wf.Kind)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Events.BufferSize = 0
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)

	_, err = New(context.Background(), nil)
	assert.Error(t, err)
}

func TestNewWithSQLite(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "nested", "workflow.db")
	a := newApp(t, cfg)

	statuses, err := a.Statuses.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, statuses, 5)
	assert.FileExists(t, cfg.Storage.SQLite.Path)
}

func TestApplySeedAndTransition(t *testing.T) {
	a := newApp(t, memoryConfig(t))
	ctx := context.Background()

	seed, err := LoadSeed(writeSeed(t))
	require.NoError(t, err)
	res, err := a.ApplySeed(ctx, admin, seed)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Statuses: 1, Projects: 1, Workflows: 1, Schemes: 1}, res)

	project, err := a.Projects.GetByKey(ctx, "OPS")
	require.NoError(t, err)
	name, err := a.Schemes.Resolver().WorkflowNameForProject(ctx, project.ID, "7")
	require.NoError(t, err)
	assert.Equal(t, "Triage flow", name)
	name, err = a.Schemes.Resolver().WorkflowNameForProject(ctx, project.ID, "1")
	require.NoError(t, err)
	assert.Equal(t, "jira", name)

	created, err := a.Engine.CreateIssue(ctx, admin, workflow.NewIssue{
		ProjectID:   project.ID,
		IssueTypeID: "7",
		Summary:     "Disk full",
	}, rules.Options{})
	require.NoError(t, err)
	require.True(t, created.Succeeded(), created.Errors.String())
	assert.Equal(t, "10", created.Issue.StatusID)

	moved, err := a.Engine.ExecuteTransition(ctx, created.Issue, 2, nil, admin, rules.Options{})
	require.NoError(t, err)
	require.True(t, moved.Succeeded(), moved.Errors.String())
	assert.Equal(t, "6", moved.Issue.StatusID)
	indexed := a.Index.Search("6")
	require.Len(t, indexed, 1)
	assert.Equal(t, moved.Issue.ID, indexed[0].ID)

	again, err := a.ApplySeed(ctx, admin, seed)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{}, again)
}

func TestParseSeedRejectsIncompleteEntries(t *testing.T) {
	for name, doc := range map[string]string{
		"project without name":  "projects:\n  - key: OPS\n",
		"lowercase project key": "projects:\n  - key: ops\n    name: Ops\n",
		"workflow without body": "workflows:\n  - name: Empty\n",
		"scheme without name":   "schemes:\n  - mappings: {\"\": jira}\n",
		"status without name":   "statuses:\n  - id: \"9\"\n",
		"not yaml":              "statuses: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSeed([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestPublishDraftKeepsBackup(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Workflow.BackupOnPublish = true
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	a := newApp(t, cfg, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	seed, err := LoadSeed(writeSeed(t))
	require.NoError(t, err)
	_, err = a.ApplySeed(ctx, admin, seed)
	require.NoError(t, err)

	_, err = a.Workflows.CreateDraftWorkflow(ctx, admin, "Triage flow")
	require.NoError(t, err)
	_, err = a.PublishDraft(ctx, admin, "Triage flow")
	require.NoError(t, err)

	backup, err := a.Workflows.GetWorkflow(ctx, "Triage flow (backup 20240301-123000)")
	require.NoError(t, err)
	assert.Len(t, backup.Graph.Steps, 2)
}
