// Package rowsourcetest provides an in-memory rowsource.Source for tests.
package rowsourcetest

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/data7/data7/internal/rowsource"
)

var limitPattern = regexp.MustCompile(`(?s)^SELECT \* FROM \((.*)\) AS data7_sample LIMIT ([0-9]+)$`)

// Result is the canned answer to one query.
type Result struct {
	Columns []string
	Types   []string
	Rows    [][]any
	// Err is returned by Open.
	Err error
	// FetchErrAfter makes Fetch fail once that many rows have been served.
	FetchErrAfter int
	FetchErr      error
}

type Source struct {
	mu      sync.Mutex
	results map[string]Result
	open    int
	opened  []string
	PingErr error
}

func New(results map[string]Result) *Source {
	return &Source{results: results}
}

func (s *Source) Ping(context.Context) error {
	return s.PingErr
}

func (s *Source) Open(ctx context.Context, query string) (rowsource.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := -1
	key := query
	if match := limitPattern.FindStringSubmatch(query); match != nil {
		key = match[1]
		limit, _ = strconv.Atoi(match[2])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, query)
	result, ok := s.results[key]
	if !ok {
		return nil, &rowsource.QueryError{Query: query, Err: fmt.Errorf("no such table in %q", key)}
	}
	if result.Err != nil {
		return nil, result.Err
	}
	rows := result.Rows
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	types := result.Types
	if types == nil {
		types = make([]string, len(result.Columns))
	}
	s.open++
	return &cursor{source: s, result: result, rows: rows, types: types}, nil
}

// OpenCursors reports how many cursors have not been closed yet.
func (s *Source) OpenCursors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Queries lists every query passed to Open, in order.
func (s *Source) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

type cursor struct {
	source *Source
	result Result
	rows   [][]any
	types  []string
	pos    int
	closed bool
}

func (c *cursor) Columns() []string {
	return c.result.Columns
}

func (c *cursor) DatabaseTypes() []string {
	return c.types
}

func (c *cursor) Fetch(ctx context.Context, n int) (rowsource.Chunk, error) {
	chunk := rowsource.Chunk{Columns: c.result.Columns}
	if err := ctx.Err(); err != nil {
		return chunk, err
	}
	if c.closed {
		return chunk, nil
	}
	end := c.pos + n
	if end > len(c.rows) {
		end = len(c.rows)
	}
	if c.result.FetchErr != nil && end > c.result.FetchErrAfter {
		return chunk, c.result.FetchErr
	}
	for _, row := range c.rows[c.pos:end] {
		chunk.Rows = append(chunk.Rows, append([]any(nil), row...))
	}
	c.pos = end
	return chunk, nil
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.source.mu.Lock()
	c.source.open--
	c.source.mu.Unlock()
	return nil
}
