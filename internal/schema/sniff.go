package schema

import (
	"context"
	"fmt"

	"github.com/data7/data7/internal/rowsource"
)

// Sniff reads at most sampleSize rows of query through its own cursor and
// infers the schema from them. The cursor is closed before Sniff returns, so
// the sample never consumes rows of the stream it describes.
func Sniff(ctx context.Context, source rowsource.Source, query string, sampleSize int) (Schema, error) {
	if sampleSize <= 0 {
		return Schema{}, fmt.Errorf("schema sample size must be positive, got %d", sampleSize)
	}
	cursor, err := source.Open(ctx, rowsource.Limit(query, sampleSize))
	if err != nil {
		return Schema{}, fmt.Errorf("open schema sample: %w", err)
	}
	defer cursor.Close()

	sample, err := cursor.Fetch(ctx, sampleSize)
	if err != nil {
		return Schema{}, fmt.Errorf("fetch schema sample: %w", err)
	}
	return Infer(cursor.Columns(), cursor.DatabaseTypes(), sample.Rows)
}

// Infer derives column types from sample rows. The first non-null value of a
// column decides its type; an int column seeing a float (or the reverse)
// widens to float, and any other disagreement is a *MismatchError. Columns
// with no non-null value fall back to their database type name.
func Infer(columns []string, databaseTypes []string, rows [][]any) (Schema, error) {
	seen := make(map[string]struct{}, len(columns))
	out := Schema{Columns: make([]Column, len(columns))}
	for i, name := range columns {
		if _, dup := seen[name]; dup {
			return Schema{}, fmt.Errorf("duplicate column name %q in result set", name)
		}
		seen[name] = struct{}{}
		out.Columns[i] = Column{Name: name, Type: TypeNull}
	}

	for r, row := range rows {
		if len(row) != len(columns) {
			return Schema{}, fmt.Errorf("sample row %d has %d values for %d columns", r, len(row), len(columns))
		}
		for i, value := range row {
			got := TypeOf(value)
			if got == TypeNull {
				continue
			}
			column := &out.Columns[i]
			switch {
			case column.Type == TypeNull || column.Type == got:
				column.Type = got
			case column.Type == TypeInt && got == TypeFloat:
				column.Type = TypeFloat
			case column.Type == TypeFloat && got == TypeInt:
			default:
				return Schema{}, &MismatchError{Column: column.Name, Want: column.Type, Got: got, Row: int64(r)}
			}
		}
	}

	for i := range out.Columns {
		if out.Columns[i].Type == TypeNull && i < len(databaseTypes) {
			out.Columns[i].Type = FromFamily(rowsource.TypeFamily(databaseTypes[i]))
		}
	}
	return out, nil
}
