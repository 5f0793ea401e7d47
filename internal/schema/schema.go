// Package schema bootstraps one readings table per source from embedded,
// per-dialect templates. Tables are created when missing and never altered.
package schema

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"climalog/internal/db"
	"climalog/internal/modules/climate/types"
)

//go:embed sql/*.sql
var sqlFS embed.FS

var templates = template.Must(template.ParseFS(sqlFS, "sql/*.sql"))

type tableParams struct {
	Table       string
	Index       string
	UniqueTimes bool
}

// Ensure creates the table and times index of every source. It is safe to
// run on every start.
func Ensure(ctx context.Context, conn *sql.DB, dialect db.Dialect, sources []types.Source, uniqueTimes bool) error {
	for _, source := range sources {
		if !source.Valid() {
			return fmt.Errorf("ensure schema: invalid source %q", source)
		}
		stmts, err := render(dialect, tableParams{
			Table:       source.String(),
			Index:       source.String() + "_times_idx",
			UniqueTimes: uniqueTimes,
		})
		if err != nil {
			return fmt.Errorf("ensure schema %s: %w", source, err)
		}
		for _, stmt := range stmts {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("ensure schema %s: %w", source, err)
			}
		}
		slog.Debug("schema ensured", "source", source, "dialect", dialect, "unique_times", uniqueTimes)
	}
	return nil
}

// Truncate removes every row of source and restarts its identity.
func Truncate(ctx context.Context, conn *sql.DB, dialect db.Dialect, source types.Source) error {
	if !source.Valid() {
		return fmt.Errorf("truncate: invalid source %q", source)
	}

	var stmts []string
	switch dialect {
	case db.Postgres:
		stmts = []string{"TRUNCATE TABLE " + source.String() + " RESTART IDENTITY"}
	case db.SQLite:
		stmts = []string{
			"DELETE FROM " + source.String(),
			"DELETE FROM sqlite_sequence WHERE name = '" + source.String() + "'",
		}
	default:
		return fmt.Errorf("truncate: unsupported dialect %q", dialect)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("truncate %s: begin: %w", source, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate %s: %w", source, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("truncate %s: commit: %w", source, err)
	}
	return nil
}

// render executes the dialect template and splits it into single statements;
// go-sqlite3 only runs the first statement of a prepared query.
func render(dialect db.Dialect, p tableParams) ([]string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, string(dialect)+".sql", p); err != nil {
		return nil, err
	}

	var out []string
	for _, stmt := range strings.Split(buf.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out, nil
}
