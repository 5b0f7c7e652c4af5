package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgSQLExecutor implements registry.SQLExecutor over the same Postgres
// pool the document store itself uses, reusing the teacher's pgx
// dependency for the "sql" function source instead of introducing a
// second database driver the way original_source's sql.py reaches for
// an in-memory SQLite connection.
//
// Contract (grounded on original_source/.../validation/handlers/sql.py):
// the statement may return a `value` column (becomes the new value) or
// a `_ERROR` column (becomes a ValidationError); no rows, or neither
// column, leaves the input unchanged.
type PgSQLExecutor struct {
	pool *pgxpool.Pool
}

// NewPgSQLExecutor wraps a PostgresStore's pool for sql-source dispatch.
func NewPgSQLExecutor(s *PostgresStore) *PgSQLExecutor {
	return &PgSQLExecutor{pool: s.pool}
}

func (e *PgSQLExecutor) FieldValidation(ctx context.Context, sqlCode, value string) (string, string, error) {
	rows, err := e.pool.Query(ctx, sqlCode, value)
	if err != nil {
		return "", "", fmt.Errorf("sql field validation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", "", rows.Err()
	}
	result, errMsg, err := scanValueOrError(rows)
	if err != nil {
		return "", "", err
	}
	return result, errMsg, nil
}

func (e *PgSQLExecutor) RecordValidation(ctx context.Context, sqlCode string, fields map[string]string) (map[string]string, string, error) {
	cols := make([]string, 0, len(fields))
	placeholders := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields))
	i := 1
	for k, v := range fields {
		cols = append(cols, k)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		args = append(args, v)
		i++
	}

	// A session-scoped TEMP TABLE only survives on the connection that
	// created it, so the create/query/drop sequence must all run on one
	// pinned connection rather than independent pool.Exec/Query calls.
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("sql record validation: acquire connection: %w", err)
	}
	defer conn.Release()

	createSQL := fmt.Sprintf(`CREATE TEMP TABLE rows AS SELECT %s`, selectListWithAliases(placeholders, cols))
	if _, err := conn.Exec(ctx, createSQL, args...); err != nil {
		return nil, "", fmt.Errorf("sql record validation: create rows: %w", err)
	}
	defer conn.Exec(ctx, `DROP TABLE IF EXISTS rows`)

	rows, err := conn.Query(ctx, sqlCode)
	if err != nil {
		return nil, "", fmt.Errorf("sql record validation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, "", rows.Err()
	}

	fieldDescs := rows.FieldDescriptions()
	values, err := rows.Values()
	if err != nil {
		return nil, "", fmt.Errorf("sql record validation: scan: %w", err)
	}

	result := map[string]string{}
	var errMsg string
	for i, fd := range fieldDescs {
		name := string(fd.Name)
		str := fmt.Sprintf("%v", values[i])
		switch {
		case name == "_ERROR":
			errMsg = str
		case strings.HasPrefix(name, "_"):
			// ignore other underscore-prefixed helper columns
		default:
			result[name] = str
		}
	}
	if errMsg != "" {
		return nil, errMsg, nil
	}
	return result, "", nil
}

func scanValueOrError(rows pgx.Rows) (value string, errMsg string, err error) {
	fieldDescs := rows.FieldDescriptions()
	values, err := rows.Values()
	if err != nil {
		return "", "", err
	}
	for i, fd := range fieldDescs {
		name := string(fd.Name)
		str := fmt.Sprintf("%v", values[i])
		if name == "_ERROR" && str != "" && str != "<nil>" {
			errMsg = str
		}
		if name == "value" {
			value = str
		}
	}
	return value, errMsg, nil
}

func selectListWithAliases(placeholders, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s AS %s", placeholders[i], pgx.Identifier{c}.Sanitize())
	}
	return strings.Join(parts, ", ")
}
