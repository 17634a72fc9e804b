package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airframesio/legacy-extractor/cmd/compressors"
	"github.com/airframesio/legacy-extractor/cmd/formatters"
	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

const (
	SchemaFileName = "schema.json"
	StatsFileName  = "stats.json"
)

var fileNameReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_", " ", "_",
)

// SafeName turns an entity name into something usable as a file or
// directory name.
func SafeName(entity string) string {
	name := fileNameReplacer.Replace(entity)
	if name == "" || name == "." || name == ".." {
		return "_" + name
	}
	return name
}

// EntityDir is the artifact directory of entity under root.
func EntityDir(root, entity string) string {
	return filepath.Join(root, SafeName(entity))
}

// ResetDir removes whatever a previous pass left in dir and recreates it.
func ResetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

// OutputOptions selects the data file encoding.
type OutputOptions struct {
	Format           string
	Compression      string
	CompressionLevel int
}

// NewSegmentWriter returns the segment writer for opts writing into dir.
func NewSegmentWriter(dir, entity string, opts OutputOptions) (SegmentWriter, error) {
	if opts.Format == "" || opts.Format == formatters.FormatXLSX {
		return NewWorkbookWriter(filepath.Join(dir, SafeName(entity)+".xlsx"), entity)
	}
	formatter, err := formatters.GetFormatter(opts.Format)
	if err != nil {
		return nil, err
	}
	compressor, err := compressors.GetCompressor(opts.Compression)
	if err != nil {
		return nil, err
	}
	level := opts.CompressionLevel
	if level == 0 {
		level = compressor.DefaultLevel()
	}
	return NewFileSetWriter(dir, SafeName(entity), formatter, compressor, level), nil
}

// SchemaFile is written next to the data file once extraction completes.
type SchemaFile struct {
	TableName   string            `json:"tableName"`
	Columns     []manifest.Column `json:"columns"`
	ColumnCount int               `json:"columnCount"`
	ExtractedAt time.Time         `json:"extractedAt"`
}

// StatsFile records one extraction pass.
type StatsFile struct {
	TableName      string    `json:"tableName"`
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
	DurationMs     int64     `json:"durationMs"`
	RowsWritten    int64     `json:"rowsWritten"`
	SegmentCount   int       `json:"segmentCount"`
	RowsPerSegment []int64   `json:"rowsPerSegment"`
	Warnings       []string  `json:"warnings"`
}

func NewSchemaFile(entity string, columns []manifest.Column, at time.Time) SchemaFile {
	return SchemaFile{
		TableName:   entity,
		Columns:     columns,
		ColumnCount: len(columns),
		ExtractedAt: at.UTC(),
	}
}

func NewStatsFile(entity string, start, end time.Time, stats Stats) StatsFile {
	warnings := stats.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	perSegment := stats.RowsPerSegment
	if perSegment == nil {
		perSegment = []int64{}
	}
	return StatsFile{
		TableName:      entity,
		StartTime:      start.UTC(),
		EndTime:        end.UTC(),
		DurationMs:     end.Sub(start).Milliseconds(),
		RowsWritten:    stats.RowsWritten,
		SegmentCount:   stats.SegmentCount,
		RowsPerSegment: perSegment,
		Warnings:       warnings,
	}
}

func WriteSchema(dir string, s SchemaFile) error {
	return writeJSON(filepath.Join(dir, SchemaFileName), s)
}

func WriteStats(dir string, s StatsFile) error {
	return writeJSON(filepath.Join(dir, StatsFileName), s)
}

func ReadStats(dir string) (StatsFile, error) {
	var s StatsFile
	data, err := os.ReadFile(filepath.Join(dir, StatsFileName))
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse %s: %w", StatsFileName, err)
	}
	return s, nil
}

// AppendWarnings adds warnings to an existing stats file.
func AppendWarnings(dir string, warnings ...string) error {
	if len(warnings) == 0 {
		return nil
	}
	s, err := ReadStats(dir)
	if err != nil {
		return err
	}
	s.Warnings = append(s.Warnings, warnings...)
	return WriteStats(dir, s)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
