// Package issues holds the collaborators the workflow engine drives: the issue
// and project stores, the status catalog, the search index and permissions.
package issues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

// Table names.
const (
	TableIssue   = "Issue"
	TableProject = "Project"
	TableStatus  = "IssueStatus"
)

var (
	// ErrIssueNotFound is returned when an issue id does not resolve.
	ErrIssueNotFound = errors.New("issue not found")
	// ErrProjectNotFound is returned when a project id does not resolve.
	ErrProjectNotFound = errors.New("project not found")
)

const (
	fieldKey          = "key"
	fieldProject      = "project"
	fieldIssueType    = "issuetype"
	fieldStatus       = "status"
	fieldSummary      = "summary"
	fieldAssignee     = "assignee"
	fieldReporter     = "reporter"
	fieldSecurity     = "security"
	fieldParent       = "parent"
	fieldWorkflowID   = "workflowId"
	fieldCustomFields = "customfields"
	fieldCreated      = "created"
	fieldUpdated      = "updated"
	fieldName         = "name"
	fieldCounter      = "counter"
)

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

func millis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return formatInt(t.UnixMilli())
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Store persists issues.
type Store struct {
	store storage.EntityStore
	now   func() time.Time
}

// NewStore creates an issue store over store.
func NewStore(store storage.EntityStore) *Store {
	return &Store{store: store, now: time.Now}
}

func encodeIssue(i *types.Issue) (map[string]string, error) {
	custom := "{}"
	if len(i.Fields) > 0 {
		b, err := json.Marshal(i.Fields)
		if err != nil {
			return nil, err
		}
		custom = string(b)
	}
	return map[string]string{
		fieldKey:          i.Key,
		fieldProject:      formatInt(i.ProjectID),
		fieldIssueType:    i.IssueTypeID,
		fieldStatus:       i.StatusID,
		fieldSummary:      i.Summary,
		fieldAssignee:     i.AssigneeKey,
		fieldReporter:     i.ReporterKey,
		fieldSecurity:     formatInt(i.SecurityLevelID),
		fieldParent:       formatInt(i.ParentID),
		fieldWorkflowID:   formatInt(i.WorkflowEntryID),
		fieldCustomFields: custom,
		fieldCreated:      millis(i.Created),
		fieldUpdated:      millis(i.Updated),
	}, nil
}

func decodeIssue(e storage.Entity) (*types.Issue, error) {
	i := &types.Issue{
		ID:              e.ID,
		Key:             e.Get(fieldKey),
		ProjectID:       e.Int64(fieldProject),
		IssueTypeID:     e.Get(fieldIssueType),
		StatusID:        e.Get(fieldStatus),
		Summary:         e.Get(fieldSummary),
		AssigneeKey:     e.Get(fieldAssignee),
		ReporterKey:     e.Get(fieldReporter),
		SecurityLevelID: e.Int64(fieldSecurity),
		ParentID:        e.Int64(fieldParent),
		WorkflowEntryID: e.Int64(fieldWorkflowID),
		Created:         fromMillis(e.Int64(fieldCreated)),
		Updated:         fromMillis(e.Int64(fieldUpdated)),
	}
	if raw := e.Get(fieldCustomFields); raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &i.Fields); err != nil {
			return nil, fmt.Errorf("issue %d has corrupt custom fields: %w", e.ID, err)
		}
	}
	return i, nil
}

// Create inserts an issue, assigning id, key and timestamps when missing.
func (s *Store) Create(ctx context.Context, issue *types.Issue) (*types.Issue, error) {
	out := issue.Clone()
	now := s.now()
	if out.Created.IsZero() {
		out.Created = now
	}
	out.Updated = out.Created
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		if out.Key == "" {
			key, err := s.nextKey(ctx, out.ProjectID)
			if err != nil {
				return err
			}
			out.Key = key
		}
		fields, err := encodeIssue(out)
		if err != nil {
			return err
		}
		row, err := s.store.Create(ctx, TableIssue, fields)
		if err != nil {
			return fmt.Errorf("failed to create issue: %w", err)
		}
		out.ID = row.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) nextKey(ctx context.Context, projectID int64) (string, error) {
	row, err := s.store.Get(ctx, TableProject, projectID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: %d", ErrProjectNotFound, projectID)
	}
	if err != nil {
		return "", err
	}
	n := row.Int64(fieldCounter) + 1
	row.Set(fieldCounter, formatInt(n))
	if err := s.store.Store(ctx, TableProject, row); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", row.Get(fieldKey), n), nil
}

// Get returns the issue with id.
func (s *Store) Get(ctx context.Context, id int64) (*types.Issue, error) {
	row, err := s.store.Get(ctx, TableIssue, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrIssueNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeIssue(row)
}

// GetByKey returns the issue with a human key such as "BUG-1".
func (s *Store) GetByKey(ctx context.Context, key string) (*types.Issue, error) {
	row, _, err := storage.FindOne(ctx, s.store, TableIssue, storage.Filter{fieldKey: key})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return decodeIssue(row)
}

// FindByWorkflowEntry returns the issue driven by an execution entry.
func (s *Store) FindByWorkflowEntry(ctx context.Context, entryID int64) (*types.Issue, bool, error) {
	row, _, err := storage.FindOne(ctx, s.store, TableIssue, storage.Filter{fieldWorkflowID: formatInt(entryID)})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	i, err := decodeIssue(row)
	return i, err == nil, err
}

// Update writes every field of an existing issue.
func (s *Store) Update(ctx context.Context, issue *types.Issue) error {
	fields, err := encodeIssue(issue)
	if err != nil {
		return err
	}
	err = s.store.Store(ctx, TableIssue, storage.Entity{ID: issue.ID, Fields: fields})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrIssueNotFound, issue.ID)
	}
	return err
}

// Subtasks returns the children of parentID.
func (s *Store) Subtasks(ctx context.Context, parentID int64) ([]*types.Issue, error) {
	rows, err := storage.Related(ctx, s.store, TableIssue, fieldParent, parentID)
	if err != nil {
		return nil, err
	}
	return decodeAll(rows)
}

// ByProject returns the issues of a project ordered by id.
func (s *Store) ByProject(ctx context.Context, projectID int64) ([]*types.Issue, error) {
	rows, err := storage.Related(ctx, s.store, TableIssue, fieldProject, projectID)
	if err != nil {
		return nil, err
	}
	return decodeAll(rows)
}

func decodeAll(rows []storage.Entity) ([]*types.Issue, error) {
	out := make([]*types.Issue, 0, len(rows))
	for _, row := range rows {
		i, err := decodeIssue(row)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, nil
}

// Projects persists projects.
type Projects struct {
	store storage.EntityStore
}

// NewProjects creates a project store.
func NewProjects(store storage.EntityStore) *Projects {
	return &Projects{store: store}
}

// Create inserts a project.
func (p *Projects) Create(ctx context.Context, project types.Project) (types.Project, error) {
	row, err := p.store.Create(ctx, TableProject, map[string]string{
		fieldKey:     project.Key,
		fieldName:    project.Name,
		fieldCounter: "0",
	})
	if err != nil {
		return types.Project{}, fmt.Errorf("failed to create project %q: %w", project.Key, err)
	}
	project.ID = row.ID
	return project, nil
}

// Get returns the project with id.
func (p *Projects) Get(ctx context.Context, id int64) (types.Project, error) {
	row, err := p.store.Get(ctx, TableProject, id)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Project{}, fmt.Errorf("%w: %d", ErrProjectNotFound, id)
	}
	if err != nil {
		return types.Project{}, err
	}
	return types.Project{ID: row.ID, Key: row.Get(fieldKey), Name: row.Get(fieldName)}, nil
}

// GetByKey returns the project with key.
func (p *Projects) GetByKey(ctx context.Context, key string) (types.Project, error) {
	row, _, err := storage.FindOne(ctx, p.store, TableProject, storage.Filter{fieldKey: key})
	if errors.Is(err, storage.ErrNotFound) {
		return types.Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, key)
	}
	if err != nil {
		return types.Project{}, err
	}
	return types.Project{ID: row.ID, Key: row.Get(fieldKey), Name: row.Get(fieldName)}, nil
}

// All returns every project ordered by id.
func (p *Projects) All(ctx context.Context) ([]types.Project, error) {
	rows, err := p.store.Find(ctx, TableProject, storage.Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]types.Project, 0, len(rows))
	for _, row := range rows {
		out = append(out, types.Project{ID: row.ID, Key: row.Get(fieldKey), Name: row.Get(fieldName)})
	}
	return out, nil
}
