package formatters

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// JSONLFormatter handles JSONL (JSON Lines) format output
type JSONLFormatter struct{}

func NewJSONLFormatter() *JSONLFormatter {
	return &JSONLFormatter{}
}

func (f *JSONLFormatter) NewWriter(w io.Writer) RowWriter {
	return &jsonlRowWriter{writer: bufio.NewWriter(w)}
}

// Extension returns the file extension for JSONL files
func (f *JSONLFormatter) Extension() string {
	return ".jsonl"
}

// MIMEType returns the MIME type for JSONL
func (f *JSONLFormatter) MIMEType() string {
	return "application/x-ndjson"
}

// jsonlRowWriter writes one object per row with keys in column order.
type jsonlRowWriter struct {
	writer *bufio.Writer
	keys   [][]byte
}

func (w *jsonlRowWriter) WriteHeader(columns []string) error {
	w.keys = make([][]byte, len(columns))
	for i, c := range columns {
		key, err := json.Marshal(c)
		if err != nil {
			return err
		}
		w.keys[i] = key
	}
	return nil
}

func (w *jsonlRowWriter) WriteRow(row []any) error {
	if len(row) != len(w.keys) {
		return fmt.Errorf("JSONL row has %d values, header has %d columns", len(row), len(w.keys))
	}

	w.writer.WriteByte('{')
	for i, v := range row {
		if i > 0 {
			w.writer.WriteByte(',')
		}
		w.writer.Write(w.keys[i])
		w.writer.WriteByte(':')
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		val, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode column %s: %w", w.keys[i], err)
		}
		w.writer.Write(val)
	}
	w.writer.WriteByte('}')
	return w.writer.WriteByte('\n')
}

func (w *jsonlRowWriter) Close() error {
	return w.writer.Flush()
}
