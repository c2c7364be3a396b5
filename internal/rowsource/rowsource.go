// Package rowsource defines the chunked cursor contract that encoders pull
// rows from.
//
// A Cursor is sequential: fetching 3 then 7 rows yields exactly the same rows
// as fetching 10, whatever the chunk sizes. Cursors own one backend
// connection from Open to Close and must be closed on every exit path.
package rowsource

import (
	"context"
	"fmt"
	"strings"
)

// Chunk is a bounded batch of rows. Rows are ordered like Columns and hold
// normalized values: nil, bool, int64, float64, string or time.Time.
type Chunk struct {
	Columns []string
	Rows    [][]any
}

func (c Chunk) Len() int {
	return len(c.Rows)
}

type Source interface {
	Open(ctx context.Context, query string) (Cursor, error)
	Ping(ctx context.Context) error
}

type Cursor interface {
	Columns() []string
	// DatabaseTypes reports the backend type name of each column, or empty
	// strings when the driver does not expose them.
	DatabaseTypes() []string
	// Fetch returns up to n rows. An empty chunk means the cursor is
	// exhausted.
	Fetch(ctx context.Context, n int) (Chunk, error)
	Close() error
}

// QueryError is returned when the backend rejects a query at open time or on
// the first fetch.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query rejected by backend: %v", e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Limit wraps query so that it returns at most n rows.
func Limit(query string, n int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS data7_sample LIMIT %d", StripTrailingSemicolons(query), n)
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
