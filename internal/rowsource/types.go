package rowsource

import (
	"errors"
	"fmt"
	"strings"
)

// Family groups backend type names that share a value representation.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyInt
	FamilyFloat
	FamilyDecimal
	FamilyBool
	FamilyTime
	FamilyText
)

// TypeFamily classifies a driver reported database type name such as
// "BIGINT", "NUMERIC", "VARCHAR" or "TIMESTAMPTZ".
func TypeFamily(databaseType string) Family {
	name := strings.ToUpper(strings.TrimSpace(databaseType))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	name = strings.TrimPrefix(name, "UNSIGNED ")
	switch {
	case name == "":
		return FamilyUnknown
	case name == "BOOL" || name == "BOOLEAN":
		return FamilyBool
	case name == "DECIMAL" || name == "NUMERIC" || name == "MONEY":
		return FamilyDecimal
	case name == "REAL" || name == "DOUBLE" || name == "DOUBLE PRECISION" || strings.HasPrefix(name, "FLOAT"):
		return FamilyFloat
	case strings.Contains(name, "INT") && !strings.Contains(name, "INTERVAL") && !strings.Contains(name, "POINT"):
		return FamilyInt
	case strings.HasPrefix(name, "TIMESTAMP") || name == "DATETIME" || name == "DATE" || name == "TIMESTAMPTZ":
		return FamilyTime
	case strings.Contains(name, "CHAR") || strings.Contains(name, "TEXT") || name == "STRING" || name == "UUID" || name == "JSON" || name == "JSONB":
		return FamilyText
	default:
		return FamilyUnknown
	}
}

// ConnectivityError marks failures to reach the backend, as opposed to a
// backend rejecting a query.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("backend unreachable: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

func IsConnectivity(err error) bool {
	var connErr *ConnectivityError
	return errors.As(err, &connErr)
}
