package formatters

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Format type constants
const (
	FormatXLSX  = "xlsx"
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

var ErrUnsupportedFormat = errors.New("unsupported output format")

// RowWriter streams one segment: a header once, then rows in column order.
type RowWriter interface {
	WriteHeader(columns []string) error
	WriteRow(row []any) error
	// Close flushes buffered output but does not close the underlying writer.
	Close() error
}

// Formatter defines the interface for text segment formats
type Formatter interface {
	NewWriter(w io.Writer) RowWriter

	// Extension returns the file extension for this format (e.g., ".jsonl", ".csv")
	Extension() string

	// MIMEType returns the MIME type for this format
	MIMEType() string
}

// GetFormatter returns the formatter for a file-per-segment format. xlsx is
// handled by the workbook writer and is not a Formatter.
func GetFormatter(format string) (Formatter, error) {
	switch format {
	case FormatCSV:
		return NewCSVFormatter(), nil
	case FormatJSONL:
		return NewJSONLFormatter(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// FormatValue renders a scanned column value as text. NULL becomes the
// empty string.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
