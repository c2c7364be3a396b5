package sqlsource_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"reflect"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/data7/data7/internal/rowsource"
	"github.com/data7/data7/internal/rowsource/sqlsource"
	"github.com/data7/data7/internal/rowsource/sqlsource/sqlitetest"
)

func TestOpenClassifiesQueryErrors(t *testing.T) {
	db, mock := newSQLMock(t)
	source := sqlsource.New(db, "sqlmock")

	mock.ExpectQuery(`SELECT \* FROM missing`).WillReturnError(fmt.Errorf("no such table: missing"))

	_, err := source.Open(context.Background(), "SELECT * FROM missing")
	var queryErr *rowsource.QueryError
	if !errors.As(err, &queryErr) {
		t.Fatalf("Open() error = %v, want *rowsource.QueryError", err)
	}
	if queryErr.Query != "SELECT * FROM missing" {
		t.Fatalf("QueryError.Query = %q", queryErr.Query)
	}
	assertSQLMock(t, mock)
}

func TestOpenClassifiesConnectivityErrors(t *testing.T) {
	db, mock := newSQLMock(t)
	source := sqlsource.New(db, "sqlmock")

	mock.ExpectQuery(`SELECT 1`).WillReturnError(&net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")})

	_, err := source.Open(context.Background(), "SELECT 1")
	if !rowsource.IsConnectivity(err) {
		t.Fatalf("Open() error = %v, want connectivity error", err)
	}
	assertSQLMock(t, mock)
}

func TestCursorNormalizesByDatabaseType(t *testing.T) {
	db, mock := newSQLMock(t)
	source := sqlsource.New(db, "sqlmock")

	rows := mock.NewRowsWithColumnDefinition(
		mock.NewColumn("id").OfType("BIGINT", int64(0)),
		mock.NewColumn("total").OfType("DECIMAL", ""),
		mock.NewColumn("name").OfType("VARCHAR", ""),
	).
		AddRow([]byte("1"), []byte("3.98"), []byte("Almeida")).
		AddRow([]byte("2"), nil, nil)
	mock.ExpectQuery(`SELECT id, total, name FROM invoices`).WillReturnRows(rows)

	cursor, err := source.Open(context.Background(), "SELECT id, total, name FROM invoices")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer cursor.Close()

	if got := cursor.DatabaseTypes(); !reflect.DeepEqual(got, []string{"BIGINT", "DECIMAL", "VARCHAR"}) {
		t.Fatalf("DatabaseTypes() = %v", got)
	}
	chunk, err := cursor.Fetch(context.Background(), 10)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	want := [][]any{{int64(1), 3.98, "Almeida"}, {int64(2), nil, nil}}
	if !reflect.DeepEqual(chunk.Rows, want) {
		t.Fatalf("Fetch() rows = %#v, want %#v", chunk.Rows, want)
	}
	assertSQLMock(t, mock)
}

func TestCursorMidStreamErrorIsNotReclassified(t *testing.T) {
	db, mock := newSQLMock(t)
	source := sqlsource.New(db, "sqlmock")

	rows := sqlmock.NewRows([]string{"id"}).
		AddRow(int64(1)).
		AddRow(int64(2)).
		RowError(1, sql.ErrConnDone)
	mock.ExpectQuery(`SELECT id FROM t`).WillReturnRows(rows)

	cursor, err := source.Open(context.Background(), "SELECT id FROM t")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	first, err := cursor.Fetch(context.Background(), 1)
	if err != nil || first.Len() != 1 {
		t.Fatalf("first Fetch() = (%d rows, %v)", first.Len(), err)
	}
	_, err = cursor.Fetch(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected mid-stream error")
	}
	var connErr *rowsource.ConnectivityError
	if errors.As(err, &connErr) {
		t.Fatalf("mid-stream error should not be classified as connectivity: %v", err)
	}
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("mid-stream error should wrap the driver error: %v", err)
	}
}

func TestCursorChunkSizeDoesNotChangeRows(t *testing.T) {
	source := sqlitetest.Open(t, 4)

	var reference [][]any
	for _, size := range []int{1, 7, 5000} {
		cursor, err := source.Open(context.Background(), sqlitetest.CustomersQuery)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		var rows [][]any
		for {
			chunk, err := cursor.Fetch(context.Background(), size)
			if err != nil {
				t.Fatalf("Fetch(%d) error = %v", size, err)
			}
			if chunk.Len() == 0 {
				break
			}
			if chunk.Len() > size {
				t.Fatalf("Fetch(%d) returned %d rows", size, chunk.Len())
			}
			rows = append(rows, chunk.Rows...)
		}
		if err := cursor.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if len(rows) != sqlitetest.CustomerCount {
			t.Fatalf("chunk size %d read %d rows, want %d", size, len(rows), sqlitetest.CustomerCount)
		}
		if reference == nil {
			reference = rows
			continue
		}
		if !reflect.DeepEqual(rows, reference) {
			t.Fatalf("chunk size %d produced different rows", size)
		}
	}

	if got := reference[0]; !reflect.DeepEqual(got, []any{"Almeida", "Roberto", "Riotur"}) {
		t.Fatalf("first row = %#v", got)
	}
	if got := reference[len(reference)-1]; !reflect.DeepEqual(got, []any{"Zimmermann", "Fynn", nil}) {
		t.Fatalf("last row = %#v", got)
	}
}

func TestCursorCloseReleasesConnection(t *testing.T) {
	source := sqlitetest.Open(t, 2)

	cursor, err := source.Open(context.Background(), sqlitetest.CustomersQuery)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := cursor.Fetch(context.Background(), 5); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if inUse := source.Stats().InUse; inUse != 1 {
		t.Fatalf("Stats().InUse = %d while cursor is open, want 1", inUse)
	}
	if err := cursor.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := cursor.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if inUse := source.Stats().InUse; inUse != 0 {
		t.Fatalf("Stats().InUse = %d after Close, want 0", inUse)
	}
}

func TestCursorCancelledContext(t *testing.T) {
	source := sqlitetest.Open(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cursor, err := source.Open(ctx, sqlitetest.CustomersQuery)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	cancel()
	_, err = cursor.Fetch(ctx, 5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Fetch() error = %v, want context.Canceled", err)
	}
	if inUse := source.Stats().InUse; inUse != 0 {
		t.Fatalf("Stats().InUse = %d after cancellation, want 0", inUse)
	}
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
