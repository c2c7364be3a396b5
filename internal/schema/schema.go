// Package schema infers the column types of a result set from a bounded
// sample of its rows.
package schema

import (
	"fmt"
	"time"

	"github.com/data7/data7/internal/rowsource"
)

type Type string

const (
	TypeNull     Type = "null"
	TypeInt      Type = "int"
	TypeFloat    Type = "float"
	TypeString   Type = "string"
	TypeBool     Type = "bool"
	TypeDatetime Type = "datetime"
)

type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Schema is the ordered list of result columns. It lives for one stream.
type Schema struct {
	Columns []Column
}

func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, column := range s.Columns {
		names[i] = column.Name
	}
	return names
}

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, column := range s.Columns {
		if column.Name == name {
			return i
		}
	}
	return -1
}

// TypeOf maps a normalized row value to its schema type.
func TypeOf(value any) Type {
	switch value.(type) {
	case nil:
		return TypeNull
	case int64:
		return TypeInt
	case float64:
		return TypeFloat
	case bool:
		return TypeBool
	case time.Time:
		return TypeDatetime
	default:
		return TypeString
	}
}

// FromFamily is the type used for columns whose sample holds only nulls.
func FromFamily(family rowsource.Family) Type {
	switch family {
	case rowsource.FamilyInt:
		return TypeInt
	case rowsource.FamilyFloat, rowsource.FamilyDecimal:
		return TypeFloat
	case rowsource.FamilyBool:
		return TypeBool
	case rowsource.FamilyTime:
		return TypeDatetime
	case rowsource.FamilyText:
		return TypeString
	default:
		return TypeNull
	}
}

// Accepts reports whether value may be written into a column of type t.
// Nulls fit everywhere and ints widen into float columns. Null columns are
// encoded as strings, so they take strings too.
func (t Type) Accepts(value any) bool {
	got := TypeOf(value)
	switch {
	case got == TypeNull || got == t:
		return true
	case t == TypeFloat && got == TypeInt:
		return true
	case t == TypeNull && got == TypeString:
		return true
	default:
		return false
	}
}

// Encoded is the type values of t are written as. Columns with no typed
// sample value are written as optional strings.
func (t Type) Encoded() Type {
	if t == TypeNull {
		return TypeString
	}
	return t
}

// MismatchError reports a value whose type does not fit its column.
type MismatchError struct {
	Column string
	Want   Type
	Got    Type
	// Row is the zero-based row position within the result set.
	Row int64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("column %q: row %d holds %s value, schema expects %s", e.Column, e.Row, e.Got, e.Want)
}

// Check returns a *MismatchError when value does not fit column.
func Check(column Column, value any, row int64) error {
	if column.Type.Accepts(value) {
		return nil
	}
	return &MismatchError{Column: column.Name, Want: column.Type.Encoded(), Got: TypeOf(value), Row: row}
}
