package repository

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/jonboulle/clockwork"

	"climalog/internal/db"
	"climalog/internal/modules/climate/types"
	"climalog/internal/schema"
)

//go:embed sql/*.sql
var sqlFS embed.FS

var queries = template.Must(template.ParseFS(sqlFS, "sql/*.sql"))

const (
	DefaultBatchSize    = 100
	DefaultLookbackDays = 14
)

type ReadOptions struct {
	// LookbackDays of 0 uses the repository default.
	LookbackDays int
	// NotBefore, when set, excludes rows at or before it.
	NotBefore time.Time
}

type ClimateRepository interface {
	Sources() []types.Source
	Write(ctx context.Context, source types.Source, samples []types.Sample) (int, error)
	Read(ctx context.Context, source types.Source, opts ReadOptions) ([]types.Row, error)
	Truncate(ctx context.Context, source types.Source) error
	Ping(ctx context.Context) error
}

type Options struct {
	Dialect      db.Dialect
	Sources      []types.Source
	BatchSize    int
	LookbackDays int
	// Location is the civil zone rows are returned in. Nil keeps UTC.
	Location *time.Location
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

type repositoryImpl struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger
}

func NewRepository(conn *sql.DB, opts Options) (ClimateRepository, error) {
	if conn == nil {
		return nil, errors.New("repository: nil db")
	}
	if opts.Dialect == "" {
		return nil, errors.New("repository: dialect is required")
	}
	for _, s := range opts.Sources {
		if !s.Valid() {
			return nil, fmt.Errorf("repository: invalid source %q", s)
		}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = DefaultLookbackDays
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &repositoryImpl{db: conn, opts: opts, log: opts.Logger.With("component", "repository")}, nil
}

func (r *repositoryImpl) Sources() []types.Source {
	return slices.Clone(r.opts.Sources)
}

func (r *repositoryImpl) known(source types.Source) bool {
	return slices.Contains(r.opts.Sources, source)
}

// Write inserts samples into the source table in one transaction. Either all
// rows commit or none do.
func (r *repositoryImpl) Write(ctx context.Context, source types.Source, samples []types.Sample) (int, error) {
	if !r.known(source) {
		return 0, storeError(source, "write", ErrUnknownSource)
	}
	if len(samples) == 0 {
		return 0, nil
	}

	head, err := render("insert-readings.sql", queryParams{Table: source.String(), dialect: r.opts.Dialect})
	if err != nil {
		return 0, storeError(source, "render", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError(source, "begin", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.log.Warn("rollback failed", "source", source, "error", err)
		}
	}()

	for batch := range slices.Chunk(samples, r.opts.BatchSize) {
		query, args := buildInsert(r.opts.Dialect, head, batch)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, storeError(source, "insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storeError(source, "commit", err)
	}
	committed = true

	r.log.Debug("batch committed", "source", source, "rows", len(samples))
	return len(samples), nil
}

// Read returns the rows of source inside the lookback window in insertion
// order, with times in the configured location.
func (r *repositoryImpl) Read(ctx context.Context, source types.Source, opts ReadOptions) ([]types.Row, error) {
	if !r.known(source) {
		return nil, storeError(source, "read", ErrUnknownSource)
	}

	days := opts.LookbackDays
	if days <= 0 {
		days = r.opts.LookbackDays
	}
	since := r.opts.Clock.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	args := []any{since}
	if !opts.NotBefore.IsZero() {
		args = append(args, opts.NotBefore.UTC())
	}

	query, err := render("select-readings.sql", queryParams{
		Table:     source.String(),
		NotBefore: !opts.NotBefore.IsZero(),
		dialect:   r.opts.Dialect,
	})
	if err != nil {
		return nil, storeError(source, "render", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(source, "read", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Error("close readings rows", "source", source, "error", err)
		}
	}()

	out := []types.Row{}
	for rows.Next() {
		row := types.Row{Source: source}
		if err := rows.Scan(&row.ID, &row.Time, &row.Temperature, &row.Humidity); err != nil {
			return nil, storeError(source, "scan", err)
		}
		row.Time = row.Time.In(r.opts.Location)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(source, "read", err)
	}
	return out, nil
}

func (r *repositoryImpl) Truncate(ctx context.Context, source types.Source) error {
	if !r.known(source) {
		return storeError(source, "truncate", ErrUnknownSource)
	}
	if err := schema.Truncate(ctx, r.db, r.opts.Dialect, source); err != nil {
		return storeError(source, "truncate", err)
	}
	return nil
}

func (r *repositoryImpl) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type queryParams struct {
	Table     string
	NotBefore bool
	dialect   db.Dialect
}

// P renders the n-th bind marker for the dialect.
func (p queryParams) P(n int) string {
	return p.dialect.Placeholder(n)
}

func render(name string, p queryParams) (string, error) {
	var buf bytes.Buffer
	if err := queries.ExecuteTemplate(&buf, name, p); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func buildInsert(dialect db.Dialect, head string, batch []types.Sample) (string, []any) {
	var sb strings.Builder
	sb.WriteString(head)
	sb.WriteString(" ")

	args := make([]any, 0, len(batch)*3)
	for i, s := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*3 + 1
		fmt.Fprintf(&sb, "(%s, %s, %s)",
			dialect.Placeholder(base), dialect.Placeholder(base+1), dialect.Placeholder(base+2))
		args = append(args, s.Time.UTC(), s.Temperature, s.Humidity)
	}
	return sb.String(), args
}
