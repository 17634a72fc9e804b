package sink

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airframesio/legacy-extractor/cmd/compressors"
	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

func countZstdLines(t *testing.T, path string) int {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	r, err := zstd.NewReader(file)
	require.NoError(t, err)
	defer r.Close()

	n := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		n++
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestFileSetWriterCompressedCSV(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSegmentWriter(dir, "ORDERS", OutputOptions{Format: "csv", Compression: "zstd"})
	require.NoError(t, err)

	s, err := NewChunkedSink(w, 1000)
	require.NoError(t, err)
	writeRows(t, s, 2500)
	stats, err := s.Finalize()
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 1000, 500}, stats.RowsPerSegment)

	fs := w.(*FileSetWriter)
	require.Len(t, fs.Paths(), 3)
	var names []string
	for _, p := range fs.Paths() {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{"ORDERS.csv.zst", "ORDERS_Part2.csv.zst", "ORDERS_Part3.csv.zst"}, names)
	for i, want := range []int{1000, 1000, 500} {
		assert.Equal(t, want+1, countZstdLines(t, fs.Paths()[i]))
	}
}

func TestFileSetWriterJSONLUncompressed(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSegmentWriter(dir, "CUSTOMERS", OutputOptions{Format: "jsonl", Compression: "none"})
	require.NoError(t, err)

	s, err := NewChunkedSink(w, 10)
	require.NoError(t, err)
	writeRows(t, s, 3)
	_, err = s.Finalize()
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "CUSTOMERS.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{\"ID\":1,\"NAME\":\"x\"}\n{\"ID\":2,\"NAME\":\"x\"}\n{\"ID\":3,\"NAME\":\"x\"}\n", string(data))
}

func TestNewSegmentWriterRejectsUnknownFormat(t *testing.T) {
	_, err := NewSegmentWriter(t.TempDir(), "X", OutputOptions{Format: "parquet"})
	assert.Error(t, err)

	_, err = NewSegmentWriter(t.TempDir(), "X", OutputOptions{Format: "csv", Compression: "rar"})
	assert.ErrorIs(t, err, compressors.ErrUnsupportedCompression)
}

func TestNewSegmentWriterDefaultsToWorkbook(t *testing.T) {
	w, err := NewSegmentWriter(t.TempDir(), "A B", OutputOptions{})
	require.NoError(t, err)
	wb, ok := w.(*WorkbookWriter)
	require.True(t, ok)
	assert.Equal(t, "A_B.xlsx", filepath.Base(wb.Path()))
	require.NoError(t, wb.Finish())
}

func TestArtifactsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)

	cols := []manifest.Column{{Name: "ID", Position: 1}, {Name: "NAME", Position: 2}}
	require.NoError(t, WriteSchema(dir, NewSchemaFile("ORDERS", cols, end)))
	require.NoError(t, WriteStats(dir, NewStatsFile("ORDERS", start, end, Stats{
		RowsWritten:    2500,
		SegmentCount:   3,
		RowsPerSegment: []int64{1000, 1000, 500},
	})))

	stats, err := ReadStats(dir)
	require.NoError(t, err)
	assert.EqualValues(t, 1500, stats.DurationMs)
	assert.Equal(t, []string{}, stats.Warnings)

	require.NoError(t, AppendWarnings(dir, "upload failed"))
	stats, err = ReadStats(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"upload failed"}, stats.Warnings)

	schema, err := os.ReadFile(filepath.Join(dir, SchemaFileName))
	require.NoError(t, err)
	assert.Contains(t, string(schema), `"columnCount": 2`)
	assert.Contains(t, string(schema), `"tableName": "ORDERS"`)
}

func TestResetDirClearsPreviousPass(t *testing.T) {
	dir := EntityDir(t.TempDir(), "ORDERS")
	require.NoError(t, ResetDir(dir))
	stale := filepath.Join(dir, "ORDERS_Part4.csv")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))

	require.NoError(t, ResetDir(dir))
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "dbo_ORDERS", SafeName("dbo/ORDERS"))
	assert.Equal(t, "_..", SafeName(".."))
	assert.Equal(t, "ORDER_LINES", SafeName("ORDER LINES"))
}
