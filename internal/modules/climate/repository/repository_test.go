package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"climalog/internal/db"
	"climalog/internal/modules/climate/types"
	"climalog/internal/schema"
)

var now = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T, uniqueTimes bool) *sql.DB {
	t.Helper()
	dsn, err := db.SQLiteDSN(filepath.Join(t.TempDir(), "climalog.db"))
	require.NoError(t, err)
	conn, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	err = schema.Ensure(context.Background(), conn, db.SQLite, []types.Source{"inside", "outside"}, uniqueTimes)
	require.NoError(t, err)
	return conn
}

func newSQLiteRepo(t *testing.T, conn *sql.DB, batchSize int) ClimateRepository {
	t.Helper()
	oslo, err := time.LoadLocation("Europe/Oslo")
	require.NoError(t, err)
	repo, err := NewRepository(conn, Options{
		Dialect:   db.SQLite,
		Sources:   []types.Source{"inside", "outside"},
		BatchSize: batchSize,
		Location:  oslo,
		Clock:     clockwork.NewFakeClockAt(now),
	})
	require.NoError(t, err)
	return repo
}

func samplesAt(start time.Time, n int) []types.Sample {
	out := make([]types.Sample, n)
	for i := range out {
		out[i] = types.Sample{
			Time:        start.Add(time.Duration(i) * time.Minute),
			Temperature: 20 + float64(i)/10,
			Humidity:    50,
		}
	}
	return out
}

func countRows(t *testing.T, conn *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRow("SELECT count(*) FROM "+table).Scan(&n))
	return n
}

func TestWriteRead_RoundTrip(t *testing.T) {
	ctx := context.Background()
	conn := openSQLite(t, false)
	repo := newSQLiteRepo(t, conn, 100)

	in := []types.Sample{
		{Time: time.Date(2024, 1, 1, 11, 59, 50, 0, time.UTC), Temperature: 21.0, Humidity: 50.0},
		{Time: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), Temperature: 22.0, Humidity: 55.0},
	}
	n, err := repo.Write(ctx, "inside", in)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rows, err := repo.Read(ctx, "inside", ReadOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for i, row := range rows {
		require.Equal(t, int64(i+1), row.ID)
		require.Equal(t, types.Source("inside"), row.Source)
		require.True(t, in[i].Time.Equal(row.Time), "row %d time %v", i, row.Time)
		require.Equal(t, "Europe/Oslo", row.Time.Location().String())
		require.Equal(t, in[i], types.Sample{Time: row.Time.UTC(), Temperature: row.Temperature, Humidity: row.Humidity})
	}

	other, err := repo.Read(ctx, "outside", ReadOptions{})
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestWrite_SpansBatches(t *testing.T) {
	ctx := context.Background()
	conn := openSQLite(t, false)
	repo := newSQLiteRepo(t, conn, 3)

	n, err := repo.Write(ctx, "inside", samplesAt(now.Add(-time.Hour), 10))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, 10, countRows(t, conn, "inside"))
}

func TestWrite_EmptyIsNoop(t *testing.T) {
	conn := openSQLite(t, false)
	repo := newSQLiteRepo(t, conn, 100)

	n, err := repo.Write(context.Background(), "inside", nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWrite_UnknownSource(t *testing.T) {
	conn := openSQLite(t, false)
	repo := newSQLiteRepo(t, conn, 100)

	_, err := repo.Write(context.Background(), "attic", samplesAt(now, 1))
	require.ErrorIs(t, err, ErrStore)
	require.ErrorIs(t, err, ErrUnknownSource)

	_, err = repo.Read(context.Background(), "attic", ReadOptions{})
	require.ErrorIs(t, err, ErrUnknownSource)
}

func TestWrite_IsAtomic(t *testing.T) {
	ctx := context.Background()
	conn := openSQLite(t, true)
	repo := newSQLiteRepo(t, conn, 2)

	_, err := repo.Write(ctx, "inside", samplesAt(now.Add(-2*time.Hour), 2))
	require.NoError(t, err)
	require.Equal(t, 2, countRows(t, conn, "inside"))

	// The first two batches are fresh; the third repeats a stored time.
	batch := samplesAt(now.Add(-time.Hour), 4)
	batch = append(batch, types.Sample{Time: now.Add(-2 * time.Hour), Temperature: 1, Humidity: 1})

	n, err := repo.Write(ctx, "inside", batch)
	require.Zero(t, n)
	require.ErrorIs(t, err, ErrStore)
	require.ErrorIs(t, err, ErrDuplicate)

	var se *StoreError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "insert", se.Op)
	require.Equal(t, types.Source("inside"), se.Source)

	require.Equal(t, 2, countRows(t, conn, "inside"))
}

func TestRead_Window(t *testing.T) {
	ctx := context.Background()
	conn := openSQLite(t, false)
	repo := newSQLiteRepo(t, conn, 100)

	in := []types.Sample{
		{Time: now.Add(-15 * 24 * time.Hour), Temperature: 1, Humidity: 1},
		{Time: now.Add(-13 * 24 * time.Hour), Temperature: 2, Humidity: 2},
		{Time: now.Add(-2 * 24 * time.Hour), Temperature: 3, Humidity: 3},
		{Time: now.Add(-24 * time.Hour), Temperature: 4, Humidity: 4},
	}
	_, err := repo.Write(ctx, "inside", in)
	require.NoError(t, err)

	rows, err := repo.Read(ctx, "inside", ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, []float64{2, 3, 4}, temperatures(rows))

	rows, err = repo.Read(ctx, "inside", ReadOptions{LookbackDays: 3})
	require.NoError(t, err)
	require.Equal(t, []float64{3, 4}, temperatures(rows))

	rows, err = repo.Read(ctx, "inside", ReadOptions{NotBefore: now.Add(-2 * 24 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, []float64{4}, temperatures(rows))
}

func TestRead_InsertionOrder(t *testing.T) {
	ctx := context.Background()
	conn := openSQLite(t, false)
	repo := newSQLiteRepo(t, conn, 100)

	late := types.Sample{Time: now.Add(-time.Hour), Temperature: 1, Humidity: 1}
	early := types.Sample{Time: now.Add(-2 * time.Hour), Temperature: 2, Humidity: 2}
	_, err := repo.Write(ctx, "inside", []types.Sample{late, early})
	require.NoError(t, err)

	rows, err := repo.Read(ctx, "inside", ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2}, temperatures(rows))
}

func TestTruncate(t *testing.T) {
	ctx := context.Background()
	conn := openSQLite(t, false)
	repo := newSQLiteRepo(t, conn, 100)

	_, err := repo.Write(ctx, "inside", samplesAt(now.Add(-time.Hour), 3))
	require.NoError(t, err)
	require.NoError(t, repo.Truncate(ctx, "inside"))
	require.Zero(t, countRows(t, conn, "inside"))

	_, err = repo.Write(ctx, "inside", samplesAt(now.Add(-time.Hour), 1))
	require.NoError(t, err)
	rows, err := repo.Read(ctx, "inside", ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), rows[0].ID)

	require.ErrorIs(t, repo.Truncate(ctx, "attic"), ErrUnknownSource)
	require.NoError(t, repo.Ping(ctx))
}

func TestWrite_RollsBackOnExecError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	repo, err := NewRepository(conn, Options{Dialect: db.Postgres, Sources: []types.Source{"inside"}, BatchSize: 2})
	require.NoError(t, err)

	insert := regexp.QuoteMeta("INSERT INTO inside (times, temperature, humidity) VALUES")
	mock.ExpectBegin()
	mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(2, 2))
	mock.ExpectExec(insert).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	n, err := repo.Write(context.Background(), "inside", samplesAt(now, 3))
	require.Zero(t, n)
	require.ErrorIs(t, err, ErrStore)
	require.NotErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWrite_CommitError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	repo, err := NewRepository(conn, Options{Dialect: db.Postgres, Sources: []types.Source{"inside"}})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO inside").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	_, err = repo.Write(context.Background(), "inside", samplesAt(now, 1))
	var se *StoreError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "commit", se.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildInsert(t *testing.T) {
	batch := samplesAt(now, 2)

	query, args := buildInsert(db.Postgres, "INSERT INTO inside (times, temperature, humidity) VALUES", batch)
	require.Equal(t, "INSERT INTO inside (times, temperature, humidity) VALUES ($1, $2, $3), ($4, $5, $6)", query)
	require.Len(t, args, 6)
	require.Equal(t, batch[1].Time.UTC(), args[3])

	query, _ = buildInsert(db.SQLite, "INSERT INTO inside (times, temperature, humidity) VALUES", batch[:1])
	require.Equal(t, "INSERT INTO inside (times, temperature, humidity) VALUES (?, ?, ?)", query)
}

func TestRender_SelectReadings(t *testing.T) {
	q, err := render("select-readings.sql", queryParams{Table: "inside", NotBefore: true, dialect: db.Postgres})
	require.NoError(t, err)
	require.Contains(t, q, "FROM inside")
	require.Contains(t, q, "times > $1")
	require.Contains(t, q, "AND times > $2")
	require.Contains(t, q, "ORDER BY id")

	q, err = render("select-readings.sql", queryParams{Table: "inside", dialect: db.SQLite})
	require.NoError(t, err)
	require.NotContains(t, q, "AND")
}

func TestIsUniqueViolation(t *testing.T) {
	require.False(t, isUniqueViolation(errors.New("boom")))
	require.False(t, isUniqueViolation(nil))
}

func TestNewRepository_Invalid(t *testing.T) {
	conn, _, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	_, err = NewRepository(nil, Options{Dialect: db.SQLite})
	require.Error(t, err)
	_, err = NewRepository(conn, Options{})
	require.Error(t, err)
	_, err = NewRepository(conn, Options{Dialect: db.SQLite, Sources: []types.Source{"Inside"}})
	require.Error(t, err)
}

func temperatures(rows []types.Row) []float64 {
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Temperature)
	}
	return out
}
