package rowsource

import (
	"errors"
	"testing"
)

func TestLimitStripsTrailingSemicolons(t *testing.T) {
	got := Limit("SELECT a FROM t ORDER BY a; ;", 10)
	want := "SELECT * FROM (SELECT a FROM t ORDER BY a) AS data7_sample LIMIT 10"
	if got != want {
		t.Fatalf("Limit() = %q, want %q", got, want)
	}
}

func TestQueryErrorUnwraps(t *testing.T) {
	cause := errors.New("no such table: Employe")
	err := error(&QueryError{Query: "SELECT * FROM Employe", Err: cause})
	if !errors.Is(err, cause) {
		t.Fatal("expected QueryError to unwrap to its cause")
	}
	var queryErr *QueryError
	if !errors.As(err, &queryErr) || queryErr.Query != "SELECT * FROM Employe" {
		t.Fatalf("errors.As() = %+v", queryErr)
	}
}
