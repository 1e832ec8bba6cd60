package scheme

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/issue-workflow/storage"
)

const (
	fieldProject = "project"
)

// Associations records which scheme each project uses. A project has at most one.
type Associations struct {
	store storage.EntityStore
}

// NewAssociations creates the project association table accessor.
func NewAssociations(store storage.EntityStore) *Associations {
	return &Associations{store: store}
}

// SchemeIDForProject returns the explicit scheme of a project. The second result is
// false when the project uses the implicit default scheme.
func (a *Associations) SchemeIDForProject(ctx context.Context, projectID int64) (int64, bool, error) {
	row, _, err := storage.FindOne(ctx, a.store, TableProjectAssociation, storage.Filter{fieldProject: idKey(projectID)})
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up scheme of project %d: %w", projectID, err)
	}
	return row.Int64(fieldScheme), true, nil
}

// Associate attaches schemeID to a project, replacing any previous scheme.
func (a *Associations) Associate(ctx context.Context, projectID, schemeID int64) error {
	return a.store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := a.store.RemoveWhere(ctx, TableProjectAssociation, storage.Filter{fieldProject: idKey(projectID)}); err != nil {
			return err
		}
		_, err := a.store.Create(ctx, TableProjectAssociation, map[string]string{
			fieldProject: idKey(projectID),
			fieldScheme:  idKey(schemeID),
		})
		return err
	})
}

// Dissociate detaches schemeID from a project and reports whether it was attached.
func (a *Associations) Dissociate(ctx context.Context, projectID, schemeID int64) (bool, error) {
	n, err := a.store.RemoveWhere(ctx, TableProjectAssociation, storage.Filter{
		fieldProject: idKey(projectID),
		fieldScheme:  idKey(schemeID),
	})
	return n > 0, err
}

// ProjectsUsing returns the ids of the projects attached to schemeID, ascending.
func (a *Associations) ProjectsUsing(ctx context.Context, schemeID int64) ([]int64, error) {
	rows, err := storage.Related(ctx, a.store, TableProjectAssociation, fieldScheme, schemeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects of scheme %d: %w", schemeID, err)
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.Int64(fieldProject))
	}
	sortIDs(ids)
	return ids, nil
}

// RemoveScheme detaches schemeID from every project.
func (a *Associations) RemoveScheme(ctx context.Context, schemeID int64) (int, error) {
	return a.store.RemoveWhere(ctx, TableProjectAssociation, storage.Filter{fieldScheme: idKey(schemeID)})
}
