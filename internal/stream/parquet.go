package stream

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/data7/data7/internal/rowsource"
	"github.com/data7/data7/internal/schema"
)

// IndexColumnsKey is the footer key/value entry listing the dataset's index
// columns, comma separated.
const IndexColumnsKey = "data7.index_columns"

type parquetLeaf struct {
	column schema.Column
	source int
}

type parquetEncoder struct {
	writer *parquet.Writer
	leaves []parquetLeaf
	rows   []parquet.Row
}

// openParquet sniffs the schema through a separate sample cursor, closes it,
// and only then opens the cursor that feeds the file, so a stream never holds
// more than one pooled connection at a time.
func openParquet(ctx context.Context, source rowsource.Source, query string, opts Options) (*Stream, error) {
	sniffed, err := schema.Sniff(ctx, source, query, opts.SchemaSnifferSize)
	if err != nil {
		return nil, err
	}
	if len(sniffed.Columns) == 0 {
		return nil, fmt.Errorf("query returned no columns")
	}
	for _, name := range opts.IndexColumns {
		if sniffed.Index(name) < 0 {
			return nil, fmt.Errorf("index column %q is not in the result set", name)
		}
	}

	writerOptions, err := parquetWriterOptions(sniffed, opts)
	if err != nil {
		return nil, err
	}

	cursor, err := source.Open(ctx, query)
	if err != nil {
		return nil, err
	}
	leaves, err := bindLeaves(writerOptions.schema, sniffed, cursor.Columns())
	if err != nil {
		_ = cursor.Close()
		return nil, err
	}

	buf := &bytes.Buffer{}
	enc := &parquetEncoder{
		writer: parquet.NewWriter(buf, writerOptions.options...),
		leaves: leaves,
	}
	return newStream(Parquet, cursor, enc, buf, opts), nil
}

type parquetOptions struct {
	schema  *parquet.Schema
	options []parquet.WriterOption
}

func parquetWriterOptions(sniffed schema.Schema, opts Options) (parquetOptions, error) {
	fileSchema := parquet.NewSchema("data7", newOrderedGroup(sniffed))

	codec, err := compressionOption(opts.Compression)
	if err != nil {
		return parquetOptions{}, err
	}
	// Without an output buffer every Flush reaches buf, so each chunk is
	// handed out as soon as it is encoded.
	options := []parquet.WriterOption{fileSchema, codec, parquet.WriteBufferSize(0)}
	if len(opts.IndexColumns) > 0 {
		options = append(options, parquet.KeyValueMetadata(IndexColumnsKey, strings.Join(opts.IndexColumns, ",")))
	}
	return parquetOptions{schema: fileSchema, options: options}, nil
}

// orderedGroup is a group node whose fields keep the result set order.
// parquet.Group alone lists its fields sorted by name.
type orderedGroup struct {
	parquet.Group
	fields []parquet.Field
}

func newOrderedGroup(sniffed schema.Schema) orderedGroup {
	group := orderedGroup{
		Group:  make(parquet.Group, len(sniffed.Columns)),
		fields: make([]parquet.Field, len(sniffed.Columns)),
	}
	for i, column := range sniffed.Columns {
		node := parquetNode(column.Type)
		group.Group[column.Name] = node
		group.fields[i] = orderedField{Node: node, name: column.Name}
	}
	return group
}

func (g orderedGroup) Fields() []parquet.Field {
	return g.fields
}

type orderedField struct {
	parquet.Node
	name string
}

func (f orderedField) Name() string {
	return f.name
}

func (f orderedField) Value(base reflect.Value) reflect.Value {
	if base.Kind() == reflect.Map {
		return base.MapIndex(reflect.ValueOf(f.name))
	}
	return reflect.Value{}
}

func parquetNode(t schema.Type) parquet.Node {
	switch t {
	case schema.TypeInt:
		return parquet.Optional(parquet.Int(64))
	case schema.TypeFloat:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	case schema.TypeBool:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType))
	case schema.TypeDatetime:
		return parquet.Optional(parquet.Timestamp(parquet.Microsecond))
	default:
		return parquet.Optional(parquet.String())
	}
}

func compressionOption(name string) (parquet.WriterOption, error) {
	switch strings.ToLower(name) {
	case "gzip":
		return parquet.Compression(&parquet.Gzip), nil
	case "snappy":
		return parquet.Compression(&parquet.Snappy), nil
	case "zstd":
		return parquet.Compression(&parquet.Zstd), nil
	case "none", "uncompressed":
		return parquet.Compression(&parquet.Uncompressed), nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression %q", name)
	}
}

// bindLeaves maps each leaf column of the file schema to the position of the
// same column in the cursor's rows. File order follows the sampled schema,
// so this is the identity unless the two cursors disagree.
func bindLeaves(fileSchema *parquet.Schema, sniffed schema.Schema, cursorColumns []string) ([]parquetLeaf, error) {
	positions := make(map[string]int, len(cursorColumns))
	for i, name := range cursorColumns {
		positions[name] = i
	}
	fields := fileSchema.Fields()
	leaves := make([]parquetLeaf, len(fields))
	for i, field := range fields {
		source, ok := positions[field.Name()]
		if !ok {
			return nil, fmt.Errorf("column %q missing from result set", field.Name())
		}
		at := sniffed.Index(field.Name())
		leaves[i] = parquetLeaf{column: sniffed.Columns[at], source: source}
	}
	if len(cursorColumns) != len(leaves) {
		return nil, fmt.Errorf("result set has %d columns, sampled schema has %d", len(cursorColumns), len(leaves))
	}
	return leaves, nil
}

// encode writes one row group per chunk.
func (e *parquetEncoder) encode(chunk rowsource.Chunk, offset int64) error {
	e.rows = e.rows[:0]
	for r, values := range chunk.Rows {
		row := make(parquet.Row, len(e.leaves))
		for i, leaf := range e.leaves {
			var value any
			if leaf.source < len(values) {
				value = values[leaf.source]
			}
			if err := schema.Check(leaf.column, value, offset+int64(r)); err != nil {
				return err
			}
			row[i] = parquetValue(leaf.column.Type, value, i)
		}
		e.rows = append(e.rows, row)
	}
	if _, err := e.writer.WriteRows(e.rows); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("flush parquet row group: %w", err)
	}
	return nil
}

func (e *parquetEncoder) finish() error {
	return e.writer.Close()
}

func parquetValue(t schema.Type, value any, columnIndex int) parquet.Value {
	if value == nil {
		return parquet.NullValue().Level(0, 0, columnIndex)
	}
	var v parquet.Value
	switch t {
	case schema.TypeInt:
		v = parquet.Int64Value(value.(int64))
	case schema.TypeFloat:
		switch typed := value.(type) {
		case int64:
			v = parquet.DoubleValue(float64(typed))
		default:
			v = parquet.DoubleValue(typed.(float64))
		}
	case schema.TypeBool:
		v = parquet.BooleanValue(value.(bool))
	case schema.TypeDatetime:
		v = parquet.Int64Value(value.(time.Time).UnixMicro())
	default:
		switch typed := value.(type) {
		case string:
			v = parquet.ByteArrayValue([]byte(typed))
		case []byte:
			v = parquet.ByteArrayValue(typed)
		default:
			v = parquet.ByteArrayValue([]byte(fmt.Sprint(typed)))
		}
	}
	return v.Level(0, 1, columnIndex)
}
