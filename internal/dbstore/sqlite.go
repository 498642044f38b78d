// Package dbstore is the reference implementation of the relational
// database collaborator that spec.md treats as out of scope (spec §1):
// a thin row store over modernc.org/sqlite that gives db.query,
// db.getItem, and db.getItems something real to call.
package dbstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store implements syscall.DBBackend over a single sqlite file.
type Store struct {
	db *sql.DB
}

// Open opens (and creates, if missing) the sqlite database at path and
// enables WAL mode for concurrent plugin access.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbstore: open %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbstore: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbstore: enable foreign keys: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate runs a host-supplied schema against the store. Table layout is
// the host's responsibility; dbstore itself is schema-agnostic.
func (s *Store) Migrate(ctx context.Context, schema string) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Query runs a parameterized SQL statement and returns its rows as a
// slice of column-name-keyed maps, or the affected-row count for
// statements that return no rows (spec §6, db.query).
func (s *Store) Query(ctx context.Context, query string, params []any) (any, error) {
	trimmed := strings.TrimSpace(query)
	if isSelect(trimmed) {
		rows, err := s.db.QueryContext(ctx, query, params...)
		if err != nil {
			return nil, fmt.Errorf("dbstore: query: %w", err)
		}
		defer rows.Close()
		return scanRows(rows)
	}

	result, err := s.db.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("dbstore: exec: %w", err)
	}
	affected, _ := result.RowsAffected()
	return map[string]any{"rowsAffected": affected}, nil
}

// GetItems runs a simple equality-filtered, paginated select against
// table (spec §6, db.getItems). where keys are matched with AND; an
// empty where matches every row.
func (s *Store) GetItems(ctx context.Context, table string, where map[string]any, limit, offset int) (any, error) {
	if !isValidIdentifier(table) {
		return nil, fmt.Errorf("dbstore: invalid table name %q", table)
	}

	query := fmt.Sprintf("SELECT * FROM %s", table)
	args := make([]any, 0, len(where)+2)

	if len(where) > 0 {
		clauses := make([]string, 0, len(where))
		for col, val := range where {
			if !isValidIdentifier(col) {
				return nil, fmt.Errorf("dbstore: invalid column name %q", col)
			}
			clauses = append(clauses, fmt.Sprintf("%s = ?", col))
			args = append(args, val)
		}
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dbstore: getItems on %q: %w", table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// GetItem fetches a single row from table by its id column (spec §6,
// db.getItem). It returns nil, nil when no row matches.
func (s *Store) GetItem(ctx context.Context, table string, id any) (any, error) {
	if !isValidIdentifier(table) {
		return nil, fmt.Errorf("dbstore: invalid table name %q", table)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = ? LIMIT 1", table), id)
	if err != nil {
		return nil, fmt.Errorf("dbstore: getItem on %q: %w", table, err)
	}
	defer rows.Close()

	items, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0)
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("dbstore: scan: %w", err)
		}

		item := make(map[string]any, len(cols))
		for i, col := range cols {
			item[col] = normalize(raw[i])
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// normalize turns driver-returned []byte (sqlite's native text/blob
// representation) into a plain string so results marshal cleanly to JSON
// over the RPC wire.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func isSelect(query string) bool {
	if len(query) < 6 {
		return false
	}
	upper := strings.ToUpper(query[:6])
	return upper == "SELECT" || strings.HasPrefix(upper, "WITH")
}

// isValidIdentifier guards the one place dbstore interpolates
// caller-supplied strings into SQL text: table and column names cannot
// be bound as parameters, so they are restricted to a safe character
// set instead.
func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			continue
		}
		return false
	}
	return true
}
