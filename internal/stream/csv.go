package stream

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/data7/data7/internal/rowsource"
)

type csvEncoder struct {
	writer *csv.Writer
	record []string
}

func openCSV(ctx context.Context, source rowsource.Source, query string, opts Options) (*Stream, error) {
	cursor, err := source.Open(ctx, query)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	writer.UseCRLF = true
	columns := cursor.Columns()
	if err := writer.Write(columns); err != nil {
		_ = cursor.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	enc := &csvEncoder{writer: writer, record: make([]string, len(columns))}
	return newStream(CSV, cursor, enc, buf, opts), nil
}

func (e *csvEncoder) encode(chunk rowsource.Chunk, _ int64) error {
	for _, row := range chunk.Rows {
		for i := range e.record {
			if i < len(row) {
				e.record[i] = formatCSVValue(row[i])
			} else {
				e.record[i] = ""
			}
		}
		if err := e.writer.Write(e.record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	e.writer.Flush()
	return e.writer.Error()
}

func (e *csvEncoder) finish() error {
	e.writer.Flush()
	return e.writer.Error()
}

func formatCSVValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case int64:
		return strconv.FormatInt(typed, 10)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	case time.Time:
		return typed.Format(time.RFC3339Nano)
	case []byte:
		return string(typed)
	default:
		return fmt.Sprint(typed)
	}
}
