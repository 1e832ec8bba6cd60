package scheme

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/songzhibin97/issue-workflow/storage"
	"github.com/songzhibin97/issue-workflow/types"
)

// Persisted column names shared by the assignable and draft mapping tables.
const (
	fieldScheme    = "scheme"
	fieldIssueType = "issuetype"
	fieldWorkflow  = "workflow"
)

// defaultIssueTypeToken stores the wildcard mapping key. Issue type ids are
// positive, so it never collides with a real one.
const defaultIssueTypeToken = "0"

func encodeIssueType(issueTypeID string) string {
	if issueTypeID == types.DefaultIssueType {
		return defaultIssueTypeToken
	}
	return issueTypeID
}

func decodeIssueType(stored string) string {
	if stored == defaultIssueTypeToken {
		return types.DefaultIssueType
	}
	return stored
}

// mappingTable owns the issue type to workflow rows of one scheme variant.
type mappingTable struct {
	store storage.EntityStore
	table string
}

func (m mappingTable) rows(ctx context.Context, schemeID int64) ([]storage.Entity, error) {
	rows, err := storage.Related(ctx, m.store, m.table, fieldScheme, schemeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s rows of scheme %d: %w", m.table, schemeID, err)
	}
	return rows, nil
}

// load reads the mapping of a scheme. Rows without an issue type and
// duplicate rows are ignored; the lowest id wins.
func (m mappingTable) load(ctx context.Context, schemeID int64) (map[string]string, error) {
	rows, err := m.rows(ctx, schemeID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		stored := row.Get(fieldIssueType)
		if stored == "" {
			continue
		}
		key := decodeIssueType(stored)
		if _, dup := out[key]; dup {
			continue
		}
		out[key] = row.Get(fieldWorkflow)
	}
	return out, nil
}

// apply brings the persisted rows of a scheme in line with want: new keys are
// inserted, changed keys updated in place, missing keys deleted. Rows with a
// null issue type and duplicates of an already seen key are deleted.
func (m mappingTable) apply(ctx context.Context, schemeID int64, want map[string]string) error {
	rows, err := m.rows(ctx, schemeID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		stored := row.Get(fieldIssueType)
		key := decodeIssueType(stored)
		workflow, wanted := want[key]
		switch {
		case stored == "", seen[key], !wanted:
			if _, err := m.store.Remove(ctx, m.table, row.ID); err != nil {
				return fmt.Errorf("failed to delete mapping row %d: %w", row.ID, err)
			}
			continue
		case row.Get(fieldWorkflow) != workflow:
			row.Set(fieldWorkflow, workflow)
			if err := m.store.Store(ctx, m.table, row); err != nil {
				return fmt.Errorf("failed to update mapping row %d: %w", row.ID, err)
			}
		}
		seen[key] = true
	}
	for key, workflow := range want {
		if seen[key] {
			continue
		}
		if _, err := m.store.Create(ctx, m.table, map[string]string{
			fieldScheme:    strconv.FormatInt(schemeID, 10),
			fieldIssueType: encodeIssueType(key),
			fieldWorkflow:  workflow,
		}); err != nil {
			return fmt.Errorf("failed to insert mapping for issue type %q: %w", key, err)
		}
	}
	return nil
}

func (m mappingTable) removeAll(ctx context.Context, schemeID int64) error {
	_, err := m.store.RemoveWhere(ctx, m.table, storage.Filter{fieldScheme: strconv.FormatInt(schemeID, 10)})
	if err != nil {
		return fmt.Errorf("failed to delete mappings of scheme %d: %w", schemeID, err)
	}
	return nil
}

func (m mappingTable) rename(ctx context.Context, oldName, newName string) (int, error) {
	n, err := m.store.UpdateWhere(ctx, m.table, map[string]string{fieldWorkflow: newName}, storage.Filter{fieldWorkflow: oldName})
	if err != nil {
		return 0, fmt.Errorf("failed to rename workflow %q in %s: %w", oldName, m.table, err)
	}
	return n, nil
}

// schemesUsing returns the distinct scheme ids with a row mapping to workflow, ascending.
func (m mappingTable) schemesUsing(ctx context.Context, workflow string) ([]int64, error) {
	rows, err := m.store.Find(ctx, m.table, storage.Filter{fieldWorkflow: workflow})
	if err != nil {
		return nil, fmt.Errorf("failed to find schemes using %q: %w", workflow, err)
	}
	seen := make(map[int64]bool, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		id := row.Int64(fieldScheme)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids, nil
}

// removeOrphans deletes rows whose scheme no longer exists and returns how many went.
func (m mappingTable) removeOrphans(ctx context.Context, schemeTable string) (int, error) {
	rows, err := m.store.Find(ctx, m.table, storage.Filter{})
	if err != nil {
		return 0, err
	}
	exists := make(map[int64]bool)
	removed := 0
	for _, row := range rows {
		id := row.Int64(fieldScheme)
		alive, checked := exists[id]
		if !checked {
			_, err := m.store.Get(ctx, schemeTable, id)
			switch {
			case err == nil:
				alive = true
			case errors.Is(err, storage.ErrNotFound):
				alive = false
			default:
				return removed, err
			}
			exists[id] = alive
		}
		if alive {
			continue
		}
		if _, err := m.store.Remove(ctx, m.table, row.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
