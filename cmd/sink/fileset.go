package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/airframesio/legacy-extractor/cmd/compressors"
	"github.com/airframesio/legacy-extractor/cmd/formatters"
)

// FileSetWriter writes each segment as its own, optionally compressed,
// CSV or JSONL file: `<base>.csv.zst`, `<base>_Part2.csv.zst`...
type FileSetWriter struct {
	dir        string
	base       string
	formatter  formatters.Formatter
	compressor compressors.Compressor
	level      int

	file  *os.File
	comp  io.WriteCloser
	rows  formatters.RowWriter
	paths []string
}

func NewFileSetWriter(dir, base string, formatter formatters.Formatter, compressor compressors.Compressor, level int) *FileSetWriter {
	return &FileSetWriter{
		dir:        dir,
		base:       base,
		formatter:  formatter,
		compressor: compressor,
		level:      level,
	}
}

// SegmentFileName returns the file name of segment index. Segments follow
// the worksheet scheme: the first is named after the entity, later ones
// `<base>_Part<N>`.
func (w *FileSetWriter) SegmentFileName(index int) string {
	name := w.base
	if index > 1 {
		name = fmt.Sprintf("%s_Part%d", w.base, index)
	}
	return name + w.formatter.Extension() + w.compressor.Extension()
}

// Paths lists the segment files written so far.
func (w *FileSetWriter) Paths() []string {
	return append([]string(nil), w.paths...)
}

func (w *FileSetWriter) OpenSegment(index int, header []string) error {
	path := filepath.Join(w.dir, w.SegmentFileName(index))
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}
	comp, err := w.compressor.NewWriter(file, w.level)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	rows := w.formatter.NewWriter(comp)
	if err := rows.WriteHeader(header); err != nil {
		comp.Close()
		file.Close()
		return fmt.Errorf("failed to write header: %w", err)
	}

	w.file, w.comp, w.rows = file, comp, rows
	w.paths = append(w.paths, path)
	return nil
}

func (w *FileSetWriter) WriteRow(row []any) error {
	if w.rows == nil {
		return ErrNoSegment
	}
	return w.rows.WriteRow(row)
}

func (w *FileSetWriter) CloseSegment() error {
	if w.file == nil {
		return nil
	}
	err := errors.Join(w.rows.Close(), w.comp.Close(), w.file.Sync(), w.file.Close())
	w.file, w.comp, w.rows = nil, nil, nil
	return err
}

func (w *FileSetWriter) Finish() error {
	return w.CloseSegment()
}
