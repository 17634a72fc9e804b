package sink

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const (
	defaultSheet = "Sheet1"
	columnWidth  = 18
)

var sheetNameReplacer = strings.NewReplacer(
	":", "_", "\\", "_", "/", "_", "?", "_", "*", "_", "[", "_", "]", "_",
)

// SegmentName returns the worksheet name for segment index of entity. The
// first sheet carries the entity name, later ones `<name>_Part<N>`, both
// cut to the 31-character sheet name limit.
func SegmentName(entity string, index int) string {
	base := strings.Trim(sheetNameReplacer.Replace(entity), "'")
	if base == "" {
		base = "Entity"
	}
	if index <= 1 {
		return truncateRunes(base, excelize.MaxSheetNameLength)
	}
	suffix := fmt.Sprintf("_Part%d", index)
	return truncateRunes(base, excelize.MaxSheetNameLength-len(suffix)) + suffix
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// WorkbookWriter writes every segment as a worksheet of one xlsx file.
// Rows go through excelize's stream writer so a sheet is never held in
// memory.
type WorkbookWriter struct {
	path   string
	entity string

	file        *excelize.File
	stream      *excelize.StreamWriter
	headerStyle int
	row         int
	truncated   int64
}

func NewWorkbookWriter(path, entity string) (*WorkbookWriter, error) {
	f := excelize.NewFile()
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#D9D9D9"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	return &WorkbookWriter{path: path, entity: entity, file: f, headerStyle: style}, nil
}

// Path returns the workbook location.
func (w *WorkbookWriter) Path() string {
	return w.path
}

func (w *WorkbookWriter) OpenSegment(index int, header []string) error {
	name := SegmentName(w.entity, index)
	if index == 1 {
		if err := w.file.SetSheetName(defaultSheet, name); err != nil {
			return fmt.Errorf("failed to name sheet %s: %w", name, err)
		}
	} else if _, err := w.file.NewSheet(name); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", name, err)
	}

	sw, err := w.file.NewStreamWriter(name)
	if err != nil {
		return fmt.Errorf("failed to open stream for sheet %s: %w", name, err)
	}
	if err := sw.SetPanes(&excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}
	if len(header) > 0 {
		if err := sw.SetColWidth(1, len(header), columnWidth); err != nil {
			return err
		}
	}

	cells := make([]interface{}, len(header))
	for i, h := range header {
		cells[i] = excelize.Cell{StyleID: w.headerStyle, Value: h}
	}
	if err := sw.SetRow("A1", cells); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	w.stream = sw
	w.row = 2
	return nil
}

func (w *WorkbookWriter) WriteRow(row []any) error {
	if w.stream == nil {
		return ErrNoSegment
	}
	values := make([]interface{}, len(row))
	for i, v := range row {
		values[i] = w.cellValue(v)
	}
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		return err
	}
	if err := w.stream.SetRow(cell, values); err != nil {
		return err
	}
	w.row++
	return nil
}

func (w *WorkbookWriter) CloseSegment() error {
	if w.stream == nil {
		return nil
	}
	err := w.stream.Flush()
	w.stream = nil
	return err
}

// Finish saves the workbook and releases its temporary files.
func (w *WorkbookWriter) Finish() error {
	if w.stream != nil {
		if err := w.CloseSegment(); err != nil {
			w.file.Close()
			return err
		}
	}
	if err := w.file.SaveAs(w.path); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to save workbook %s: %w", w.path, err)
	}
	return w.file.Close()
}

func (w *WorkbookWriter) Warnings() []string {
	if w.truncated == 0 {
		return nil
	}
	return []string{fmt.Sprintf("%d cell values truncated to %d characters", w.truncated, excelize.TotalCellChars)}
}

func (w *WorkbookWriter) cellValue(v any) interface{} {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case []byte:
		s = string(val)
	default:
		return v
	}
	if utf8.RuneCountInString(s) > excelize.TotalCellChars {
		w.truncated++
		return truncateRunes(s, excelize.TotalCellChars)
	}
	return s
}
