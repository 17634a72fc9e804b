package formatters

import (
	"encoding/csv"
	"fmt"
	"io"
)

// CSVFormatter handles CSV format output
type CSVFormatter struct{}

func NewCSVFormatter() *CSVFormatter {
	return &CSVFormatter{}
}

func (f *CSVFormatter) NewWriter(w io.Writer) RowWriter {
	return &csvRowWriter{writer: csv.NewWriter(w)}
}

// Extension returns the file extension for CSV files
func (f *CSVFormatter) Extension() string {
	return ".csv"
}

// MIMEType returns the MIME type for CSV
func (f *CSVFormatter) MIMEType() string {
	return "text/csv"
}

// csvRowWriter keeps source column order; the header is the column names.
type csvRowWriter struct {
	writer  *csv.Writer
	record  []string
	columns int
}

func (w *csvRowWriter) WriteHeader(columns []string) error {
	w.columns = len(columns)
	w.record = make([]string, len(columns))
	if err := w.writer.Write(columns); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	return nil
}

func (w *csvRowWriter) WriteRow(row []any) error {
	if len(row) != w.columns {
		return fmt.Errorf("CSV row has %d values, header has %d columns", len(row), w.columns)
	}
	for i, v := range row {
		w.record[i] = FormatValue(v)
	}
	if err := w.writer.Write(w.record); err != nil {
		return fmt.Errorf("failed to write CSV record: %w", err)
	}
	return nil
}

// Close finalizes the CSV output by flushing the writer
func (w *csvRowWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}
