// Package sqlsource implements rowsource.Source on top of database/sql.
package sqlsource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/data7/data7/internal/rowsource"
)

type Source struct {
	db         *sql.DB
	driverName string
}

func New(db *sql.DB, driverName string) *Source {
	return &Source{db: db, driverName: driverName}
}

func (s *Source) DriverName() string {
	return s.driverName
}

func (s *Source) DB() *sql.DB {
	return s.db
}

func (s *Source) Stats() sql.DBStats {
	return s.db.Stats()
}

func (s *Source) Close() error {
	return s.db.Close()
}

func (s *Source) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return &rowsource.ConnectivityError{Err: fmt.Errorf("ping %s database: %w", s.driverName, err)}
	}
	return nil
}

// Open runs query and keeps its result set open as a cursor. The pooled
// connection is held until the cursor is exhausted or closed.
func (s *Source) Open(ctx context.Context, query string) (rowsource.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(ctx, query, err)
	}

	columns, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, classify(ctx, query, fmt.Errorf("query columns: %w", err))
	}
	dbTypes := make([]string, len(columns))
	if columnTypes, err := rows.ColumnTypes(); err == nil {
		for i, columnType := range columnTypes {
			if i < len(dbTypes) {
				dbTypes[i] = columnType.DatabaseTypeName()
			}
		}
	}

	return &cursor{
		query:   query,
		rows:    rows,
		columns: columns,
		dbTypes: dbTypes,
	}, nil
}

type cursor struct {
	query   string
	rows    *sql.Rows
	columns []string
	dbTypes []string
	fetched int
	done    bool
}

func (c *cursor) Columns() []string {
	return c.columns
}

func (c *cursor) DatabaseTypes() []string {
	return c.dbTypes
}

func (c *cursor) Fetch(ctx context.Context, n int) (rowsource.Chunk, error) {
	chunk := rowsource.Chunk{Columns: c.columns}
	if c.done || n <= 0 {
		return chunk, nil
	}
	if err := ctx.Err(); err != nil {
		_ = c.Close()
		return chunk, err
	}

	chunk.Rows = make([][]any, 0, n)
	for len(chunk.Rows) < n {
		if !c.rows.Next() {
			c.done = true
			break
		}
		values := make([]any, len(c.columns))
		scanTargets := make([]any, len(c.columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := c.rows.Scan(scanTargets...); err != nil {
			_ = c.Close()
			return rowsource.Chunk{Columns: c.columns}, c.fetchError(ctx, fmt.Errorf("scan row: %w", err))
		}
		for i, value := range values {
			values[i] = normalize(value, c.dbTypes[i])
		}
		chunk.Rows = append(chunk.Rows, values)
	}

	if c.done {
		err := c.rows.Err()
		_ = c.Close()
		if err != nil {
			return rowsource.Chunk{Columns: c.columns}, c.fetchError(ctx, fmt.Errorf("iterate rows: %w", err))
		}
	}
	c.fetched += len(chunk.Rows)
	return chunk, nil
}

func (c *cursor) fetchError(ctx context.Context, err error) error {
	if c.fetched == 0 {
		return classify(ctx, c.query, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return fmt.Errorf("fetch rows after %d rows: %w", c.fetched, err)
}

func (c *cursor) Close() error {
	c.done = true
	if c.rows == nil {
		return nil
	}
	rows := c.rows
	c.rows = nil
	return rows.Close()
}

func classify(ctx context.Context, query string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if isConnectivity(err) {
		return &rowsource.ConnectivityError{Err: err}
	}
	return &rowsource.QueryError{Query: query, Err: err}
}

func isConnectivity(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
