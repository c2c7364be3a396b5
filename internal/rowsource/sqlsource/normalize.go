package sqlsource

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/data7/data7/internal/rowsource"
)

type float64er interface {
	Float64() float64
}

// normalize narrows driver values to nil, bool, int64, float64, string or
// time.Time. Text protocol drivers hand back numbers as []byte, so the
// column's database type decides how bytes are parsed.
func normalize(value any, dbType string) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case []byte:
		return parseText(string(typed), rowsource.TypeFamily(dbType))
	case string:
		if rowsource.TypeFamily(dbType) == rowsource.FamilyDecimal {
			return parseText(typed, rowsource.FamilyDecimal)
		}
		return typed
	case bool, int64, float64, time.Time:
		return typed
	case int:
		return int64(typed)
	case int8:
		return int64(typed)
	case int16:
		return int64(typed)
	case int32:
		return int64(typed)
	case uint8:
		return int64(typed)
	case uint16:
		return int64(typed)
	case uint32:
		return int64(typed)
	case uint:
		return normalizeUint(uint64(typed))
	case uint64:
		return normalizeUint(typed)
	case float32:
		return float64(typed)
	case decimal.Decimal:
		return typed.InexactFloat64()
	case float64er:
		return typed.Float64()
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

func normalizeUint(value uint64) any {
	if value > math.MaxInt64 {
		return strconv.FormatUint(value, 10)
	}
	return int64(value)
}

func parseText(raw string, family rowsource.Family) any {
	switch family {
	case rowsource.FamilyInt:
		if value, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return value
		}
	case rowsource.FamilyFloat:
		if value, err := strconv.ParseFloat(raw, 64); err == nil {
			return value
		}
	case rowsource.FamilyDecimal:
		if value, err := decimal.NewFromString(raw); err == nil {
			return value.InexactFloat64()
		}
	case rowsource.FamilyBool:
		if value, err := strconv.ParseBool(raw); err == nil {
			return value
		}
	}
	return raw
}
