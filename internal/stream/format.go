package stream

import "strings"

// Format is the closed set of encodings a dataset can be streamed as.
type Format string

const (
	CSV     Format = "csv"
	Parquet Format = "parquet"
)

func Formats() []Format {
	return []Format{CSV, Parquet}
}

// ParseFormat matches a file extension, without its dot, to a format.
func ParseFormat(ext string) (Format, bool) {
	switch Format(strings.ToLower(ext)) {
	case CSV:
		return CSV, true
	case Parquet:
		return Parquet, true
	default:
		return "", false
	}
}

func (f Format) Ext() string {
	return string(f)
}

func (f Format) ContentType() string {
	switch f {
	case CSV:
		return "text/csv"
	case Parquet:
		return "application/vnd.apache.parquet"
	default:
		return "application/octet-stream"
	}
}
