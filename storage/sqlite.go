package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/songzhibin97/gkit/generator"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entities (
	tbl  TEXT    NOT NULL,
	id   INTEGER NOT NULL,
	data TEXT    NOT NULL,
	PRIMARY KEY (tbl, id)
);
CREATE INDEX IF NOT EXISTS idx_entities_tbl ON entities(tbl);
`

// SQLiteStorage keeps every table in one entities table with the fields stored as JSON.
type SQLiteStorage struct {
	db       *sql.DB
	generate generator.Generator

	mu     sync.Mutex
	lastID int64
}

type txKey struct{}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string, generate generator.Generator) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	var lastID int64
	if err := db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM entities`).Scan(&lastID); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read last id: %w", err)
	}
	if generate == nil {
		generate = DefaultGenerator()
	}
	return &SQLiteStorage{db: db, generate: generate, lastID: lastID}, nil
}

// nextID keeps ids above every id already in the file, even when the clock or the
// generator of a previous process ran ahead.
func (s *SQLiteStorage) nextID() (int64, error) {
	n, err := s.generate.NextID()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(n)
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id, nil
}

func (s *SQLiteStorage) q(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func encodeFields(fields map[string]string) (string, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		var (
			e    Entity
			data string
		)
		if err := rows.Scan(&e.ID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entity %d: %w", e.ID, err)
		}
		if e.Fields == nil {
			e.Fields = map[string]string{}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// whereClause turns a filter into SQL over json_extract; clause order is stable.
func whereClause(table string, filter Filter) (string, []any) {
	var (
		clauses = []string{"tbl = ?"}
		args    = []any{table}
		keys    = make([]string, 0, len(filter))
	)
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == IDField {
			clauses = append(clauses, "CAST(id AS TEXT) = ?")
		} else {
			clauses = append(clauses, "json_extract(data, ?) = ?")
			args = append(args, `$."`+strings.ReplaceAll(k, `"`, `\"`)+`"`)
		}
		args = append(args, filter[k])
	}
	return strings.Join(clauses, " AND "), args
}

// Create inserts a new row.
func (s *SQLiteStorage) Create(ctx context.Context, table string, fields map[string]string) (Entity, error) {
	if table == "" {
		return Entity{}, ErrNoTable
	}
	id, err := s.nextID()
	if err != nil {
		return Entity{}, fmt.Errorf("failed to generate id for %s: %w", table, err)
	}
	e := Entity{ID: id, Fields: fields}.clone()
	data, err := encodeFields(e.Fields)
	if err != nil {
		return Entity{}, err
	}
	if _, err := s.q(ctx).ExecContext(ctx, `INSERT INTO entities (tbl, id, data) VALUES (?, ?, ?)`, table, e.ID, data); err != nil {
		return Entity{}, fmt.Errorf("failed to insert %s row: %w", table, err)
	}
	return e, nil
}

// Get retrieves a row by id.
func (s *SQLiteStorage) Get(ctx context.Context, table string, id int64) (Entity, error) {
	var data string
	err := s.q(ctx).QueryRowContext(ctx, `SELECT data FROM entities WHERE tbl = ? AND id = ?`, table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, fmt.Errorf("%w: %s id=%d", ErrNotFound, table, id)
	} else if err != nil {
		return Entity{}, fmt.Errorf("failed to query %s id=%d: %w", table, id, err)
	}
	e := Entity{ID: id}
	if err := json.Unmarshal([]byte(data), &e.Fields); err != nil {
		return Entity{}, fmt.Errorf("failed to unmarshal %s id=%d: %w", table, id, err)
	}
	return e, nil
}

// Find returns matching rows ordered by id.
func (s *SQLiteStorage) Find(ctx context.Context, table string, filter Filter) ([]Entity, error) {
	where, args := whereClause(table, filter)
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT id, data FROM entities WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	return scanEntities(rows)
}

// Store replaces an existing row.
func (s *SQLiteStorage) Store(ctx context.Context, table string, e Entity) error {
	data, err := encodeFields(e.Fields)
	if err != nil {
		return err
	}
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE entities SET data = ? WHERE tbl = ? AND id = ?`, data, table, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update %s id=%d: %w", table, e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s id=%d", ErrNotFound, table, e.ID)
	}
	return nil
}

// UpdateWhere writes set onto every matching row inside one transaction.
func (s *SQLiteStorage) UpdateWhere(ctx context.Context, table string, set map[string]string, filter Filter) (int, error) {
	n := 0
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		rows, err := s.Find(ctx, table, filter)
		if err != nil {
			return err
		}
		for _, e := range rows {
			for k, v := range set {
				e.Set(k, v)
			}
			if err := s.Store(ctx, table, e); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Remove deletes a row by id.
func (s *SQLiteStorage) Remove(ctx context.Context, table string, id int64) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM entities WHERE tbl = ? AND id = ?`, table, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s id=%d: %w", table, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveWhere deletes matching rows.
func (s *SQLiteStorage) RemoveWhere(ctx context.Context, table string, filter Filter) (int, error) {
	where, args := whereClause(table, filter)
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM entities WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RunInTx runs fn inside a database transaction.
func (s *SQLiteStorage) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if fn == nil {
		return errors.New("transaction body is required")
	}
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txCtx, hooks := withHooks(context.WithValue(ctx, txKey{}, tx))
	defer hooks.run()
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
