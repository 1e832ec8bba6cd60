// Package storage is the generic persistent entity store the repositories are built on.
package storage

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/songzhibin97/gkit/generator"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrNoTable is returned for an empty table name.
	ErrNoTable = errors.New("table name is required")
)

// idEpoch is the fixed start of the id clock, so ids keep increasing across restarts
// of a persistent backend.
var idEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultGenerator returns the snowflake generator the backends use when given none.
func DefaultGenerator() generator.Generator {
	return generator.NewSnowflake(idEpoch, 1)
}

// IDField is the filter key that matches the row id.
const IDField = "id"

// Entity is a row: a generated id and string-valued fields.
type Entity struct {
	ID     int64             `json:"id"`
	Fields map[string]string `json:"fields"`
}

// Get returns a field value or "".
func (e Entity) Get(name string) string {
	if name == IDField {
		return strconv.FormatInt(e.ID, 10)
	}
	return e.Fields[name]
}

// Int64 parses a field as an integer, returning 0 when absent or malformed.
func (e Entity) Int64(name string) int64 {
	n, _ := strconv.ParseInt(e.Get(name), 10, 64)
	return n
}

// Has reports whether the field is present.
func (e Entity) Has(name string) bool {
	_, ok := e.Fields[name]
	return ok
}

// Set writes a field value.
func (e *Entity) Set(name, value string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[name] = value
}

func (e Entity) clone() Entity {
	out := Entity{ID: e.ID, Fields: make(map[string]string, len(e.Fields))}
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	return out
}

// Filter selects rows by field equality. An empty filter matches every row.
type Filter map[string]string

// Matches reports whether e satisfies every clause.
func (f Filter) Matches(e Entity) bool {
	for k, v := range f {
		if k == IDField {
			if e.Get(IDField) != v {
				return false
			}
			continue
		}
		got, ok := e.Fields[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// EntityStore defines the CRUD contract every backend implements.
type EntityStore interface {
	// Create inserts a row with a generated id.
	Create(ctx context.Context, table string, fields map[string]string) (Entity, error)

	// Get retrieves a row by id.
	Get(ctx context.Context, table string, id int64) (Entity, error)

	// Find returns the rows matching filter ordered by id.
	Find(ctx context.Context, table string, filter Filter) ([]Entity, error)

	// Store replaces the fields of an existing row.
	Store(ctx context.Context, table string, e Entity) error

	// UpdateWhere writes set onto every row matching filter and returns the number of rows touched.
	UpdateWhere(ctx context.Context, table string, set map[string]string, filter Filter) (int, error)

	// Remove deletes a row by id and reports whether it existed.
	Remove(ctx context.Context, table string, id int64) (bool, error)

	// RemoveWhere deletes every row matching filter.
	RemoveWhere(ctx context.Context, table string, filter Filter) (int, error)

	// RunInTx runs fn so that its writes are undone if it fails. Nested calls join the outer transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Related returns the child rows whose foreign key field points at parentID.
func Related(ctx context.Context, s EntityStore, childTable, foreignKey string, parentID int64) ([]Entity, error) {
	return s.Find(ctx, childTable, Filter{foreignKey: strconv.FormatInt(parentID, 10)})
}

// FindOne returns the single row matching filter, ErrNotFound when none does.
// When several rows match the lowest id wins and the rest are reported in dups.
func FindOne(ctx context.Context, s EntityStore, table string, filter Filter) (Entity, []Entity, error) {
	rows, err := s.Find(ctx, table, filter)
	if err != nil {
		return Entity{}, nil, err
	}
	if len(rows) == 0 {
		return Entity{}, nil, ErrNotFound
	}
	return rows[0], rows[1:], nil
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

func sortByID(rows []Entity) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
}
