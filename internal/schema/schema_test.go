package schema

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/data7/data7/internal/rowsource"
	"github.com/data7/data7/internal/rowsource/rowsourcetest"
	"github.com/data7/data7/internal/rowsource/sqlsource/sqlitetest"
)

func TestInferFirstValueDecides(t *testing.T) {
	stamp := time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := Infer(
		[]string{"id", "total", "paid", "issued_at", "note"},
		nil,
		[][]any{
			{nil, 1.98, true, stamp, "first"},
			{int64(2), 3.96, false, stamp, nil},
		},
	)
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	want := []Column{
		{Name: "id", Type: TypeInt},
		{Name: "total", Type: TypeFloat},
		{Name: "paid", Type: TypeBool},
		{Name: "issued_at", Type: TypeDatetime},
		{Name: "note", Type: TypeString},
	}
	if !reflect.DeepEqual(got.Columns, want) {
		t.Fatalf("Infer() = %+v, want %+v", got.Columns, want)
	}
}

func TestInferWidensIntToFloat(t *testing.T) {
	for _, rows := range [][][]any{
		{{int64(1)}, {2.5}},
		{{2.5}, {int64(1)}},
	} {
		got, err := Infer([]string{"amount"}, nil, rows)
		if err != nil {
			t.Fatalf("Infer() error = %v", err)
		}
		if got.Columns[0].Type != TypeFloat {
			t.Fatalf("Infer(%v) type = %s, want float", rows, got.Columns[0].Type)
		}
	}
}

func TestInferConflictIsMismatch(t *testing.T) {
	_, err := Infer([]string{"code"}, nil, [][]any{{int64(1)}, {"A1"}})
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Infer() error = %v, want *MismatchError", err)
	}
	if mismatch.Column != "code" || mismatch.Want != TypeInt || mismatch.Got != TypeString || mismatch.Row != 1 {
		t.Fatalf("unexpected mismatch: %+v", mismatch)
	}
}

func TestInferAllNullUsesDatabaseType(t *testing.T) {
	got, err := Infer(
		[]string{"quantity", "fax", "mystery"},
		[]string{"INTEGER", "NVARCHAR(24)", ""},
		[][]any{{nil, nil, nil}},
	)
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	want := []Type{TypeInt, TypeString, TypeNull}
	for i, column := range got.Columns {
		if column.Type != want[i] {
			t.Fatalf("column %s type = %s, want %s", column.Name, column.Type, want[i])
		}
	}
}

func TestInferRejectsDuplicateColumns(t *testing.T) {
	_, err := Infer([]string{"id", "name", "id"}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "duplicate column") {
		t.Fatalf("Infer() error = %v, want duplicate column error", err)
	}
}

func TestAccepts(t *testing.T) {
	cases := []struct {
		column Type
		value  any
		want   bool
	}{
		{TypeInt, int64(1), true},
		{TypeInt, nil, true},
		{TypeInt, 1.5, false},
		{TypeFloat, int64(1), true},
		{TypeString, int64(1), false},
		{TypeNull, "late text", true},
		{TypeNull, true, false},
		{TypeDatetime, time.Now(), true},
	}
	for _, tc := range cases {
		if got := tc.column.Accepts(tc.value); got != tc.want {
			t.Fatalf("%s.Accepts(%#v) = %v, want %v", tc.column, tc.value, got, tc.want)
		}
	}
}

func TestCheckReportsEncodedTypeOfNullColumn(t *testing.T) {
	err := Check(Column{Name: "flag", Type: TypeNull}, int64(1), 28)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Check() error = %v, want *MismatchError", err)
	}
	if mismatch.Want != TypeString || mismatch.Got != TypeInt || mismatch.Row != 28 {
		t.Fatalf("unexpected mismatch: %+v", mismatch)
	}
	if !strings.Contains(err.Error(), "schema expects string") {
		t.Fatalf("Check() error = %q", err.Error())
	}
	if err := Check(Column{Name: "flag", Type: TypeNull}, "late text", 29); err != nil {
		t.Fatalf("Check() error = %v, want nil", err)
	}
}

func TestSniffUsesBoundedSampleCursor(t *testing.T) {
	query := "SELECT id, name FROM artists"
	source := rowsourcetest.New(map[string]rowsourcetest.Result{
		query: {
			Columns: []string{"id", "name"},
			Rows: [][]any{
				{int64(1), "AC/DC"},
				{int64(2), "Accept"},
				{"three", "Aerosmith"},
			},
		},
	})

	got, err := Sniff(context.Background(), source, query, 2)
	if err != nil {
		t.Fatalf("Sniff() error = %v", err)
	}
	if got.Columns[0].Type != TypeInt || got.Columns[1].Type != TypeString {
		t.Fatalf("Sniff() = %+v", got.Columns)
	}
	if queries := source.Queries(); len(queries) != 1 || queries[0] != rowsource.Limit(query, 2) {
		t.Fatalf("Sniff() queries = %v", queries)
	}
	if open := source.OpenCursors(); open != 0 {
		t.Fatalf("Sniff() left %d cursors open", open)
	}
}

func TestSniffPropagatesQueryError(t *testing.T) {
	source := rowsourcetest.New(nil)
	_, err := Sniff(context.Background(), source, "SELECT * FROM nowhere", 10)
	var queryErr *rowsource.QueryError
	if !errors.As(err, &queryErr) {
		t.Fatalf("Sniff() error = %v, want *rowsource.QueryError", err)
	}
}

func TestSniffSQLiteCustomers(t *testing.T) {
	source := sqlitetest.Open(t, 2)

	got, err := Sniff(context.Background(), source, sqlitetest.CustomersQuery, 1000)
	if err != nil {
		t.Fatalf("Sniff() error = %v", err)
	}
	if names := got.Names(); !reflect.DeepEqual(names, []string{"last_name", "first_name", "company"}) {
		t.Fatalf("Sniff() names = %v", names)
	}
	for _, column := range got.Columns {
		if column.Type != TypeString {
			t.Fatalf("column %s type = %s, want string", column.Name, column.Type)
		}
	}
	if inUse := source.Stats().InUse; inUse != 0 {
		t.Fatalf("Stats().InUse = %d after Sniff, want 0", inUse)
	}
}
