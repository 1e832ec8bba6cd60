package issues

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

// ErrStatusNotFound is returned when a status id is not in the catalog.
var ErrStatusNotFound = errors.New("status not found")

const (
	fieldStatusID    = "statusId"
	fieldDescription = "description"
)

// StatusCatalog resolves status ids linked from workflow steps.
type StatusCatalog interface {
	ResolveStatus(ctx context.Context, id string) (*types.Status, error)
}

// Statuses is a StatusCatalog persisted in the entity store.
type Statuses struct {
	store storage.EntityStore
}

// NewStatuses creates the status catalog.
func NewStatuses(store storage.EntityStore) *Statuses {
	return &Statuses{store: store}
}

// Add inserts or replaces a status.
func (s *Statuses) Add(ctx context.Context, status types.Status) error {
	return s.store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.RemoveWhere(ctx, TableStatus, storage.Filter{fieldStatusID: status.ID}); err != nil {
			return err
		}
		_, err := s.store.Create(ctx, TableStatus, map[string]string{
			fieldStatusID:    status.ID,
			fieldName:        status.Name,
			fieldDescription: status.Description,
		})
		return err
	})
}

// ResolveStatus implements StatusCatalog.
func (s *Statuses) ResolveStatus(ctx context.Context, id string) (*types.Status, error) {
	row, _, err := storage.FindOne(ctx, s.store, TableStatus, storage.Filter{fieldStatusID: id})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrStatusNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &types.Status{ID: row.Get(fieldStatusID), Name: row.Get(fieldName), Description: row.Get(fieldDescription)}, nil
}

// All returns every status in insertion order.
func (s *Statuses) All(ctx context.Context) ([]types.Status, error) {
	rows, err := s.store.Find(ctx, TableStatus, storage.Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]types.Status, 0, len(rows))
	for _, row := range rows {
		out = append(out, types.Status{ID: row.Get(fieldStatusID), Name: row.Get(fieldName), Description: row.Get(fieldDescription)})
	}
	return out, nil
}

// SystemStatuses are the statuses the built-in workflow links to.
func SystemStatuses() []types.Status {
	return []types.Status{
		{ID: "1", Name: "Open", Description: "The issue is open and ready for the assignee to start work on it."},
		{ID: "3", Name: "In Progress", Description: "This issue is being actively worked on at the moment by the assignee."},
		{ID: "4", Name: "Reopened", Description: "This issue was once resolved, but the resolution was deemed incorrect."},
		{ID: "5", Name: "Resolved", Description: "A resolution has been taken, and it is awaiting verification by reporter."},
		{ID: "6", Name: "Closed", Description: "The issue is considered finished, the resolution is correct."},
	}
}
