package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-sqlite3"

	"securechat/models"
)

type tableSchema struct {
	primaryKey string
	columns    []string
	mutable    map[string]bool
}

var tables = map[string]tableSchema{
	models.TableMessages: {
		primaryKey: "message_id",
		columns:    models.MessageColumns,
		mutable: setOf(
			"status", "receipt_id", "server_timestamp", "attachment",
			"encryption", "signing", "coder_errors", "error_condition", "error_text",
		),
	},
	models.TableTransmissions: {
		primaryKey: "transmission_id",
		columns:    models.TransmissionColumns,
		mutable:    setOf("received_timestamp"),
	},
}

func setOf(names ...string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

// Insert adds one row with values in the table's column order and returns
// the new row id. Unique constraint violations wrap ErrConflict.
func (s *Store) Insert(table string, values []any) (int64, error) {
	schema, ok := tables[table]
	if !ok {
		return 0, fmt.Errorf("insert: unknown table %q", table)
	}
	if len(values) != len(schema.columns) {
		return 0, fmt.Errorf("insert into %s: got %d values, want %d", table, len(values), len(schema.columns))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(schema.columns, ", "), placeholders)

	res, err := s.db.Exec(query, values...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("insert into %s: %w", table, ErrConflict)
		}
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read id of new %s row: %w", table, err)
	}
	return id, nil
}

// Update sets the given mutable columns on row id.
func (s *Store) Update(table string, fields map[string]any, id int64) error {
	schema, ok := tables[table]
	if !ok {
		return fmt.Errorf("update: unknown table %q", table)
	}
	if id <= 0 {
		return errors.New("row id must be > 0")
	}
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if !schema.mutable[name] {
			return fmt.Errorf("update %s: column %q is not writable", table, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names))
	args := make([]any, 0, len(names)+1)
	for _, name := range names {
		sets = append(sets, name+" = ?")
		args = append(args, fields[name])
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(sets, ", "), schema.primaryKey)
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update %s row %d: %w", table, id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s row %d: %w", table, id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
