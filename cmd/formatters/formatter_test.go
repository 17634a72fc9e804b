package formatters

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFormatter(t *testing.T) {
	f, err := GetFormatter("csv")
	require.NoError(t, err)
	assert.Equal(t, ".csv", f.Extension())

	f, err = GetFormatter("jsonl")
	require.NoError(t, err)
	assert.Equal(t, ".jsonl", f.Extension())

	_, err = GetFormatter("xlsx")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestCSVWriterKeepsColumnOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVFormatter().NewWriter(&buf)

	require.NoError(t, w.WriteHeader([]string{"ZED", "ALPHA", "NOTE"}))
	require.NoError(t, w.WriteRow([]any{int64(1), "a", nil}))
	require.NoError(t, w.WriteRow([]any{int64(2), "b", "has, comma"}))
	require.NoError(t, w.Close())

	assert.Equal(t, "ZED,ALPHA,NOTE\n1,a,\n2,b,\"has, comma\"\n", buf.String())
}

func TestCSVWriterRejectsWidthMismatch(t *testing.T) {
	w := NewCSVFormatter().NewWriter(&bytes.Buffer{})
	require.NoError(t, w.WriteHeader([]string{"A", "B"}))
	assert.Error(t, w.WriteRow([]any{1}))
}

func TestJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLFormatter().NewWriter(&buf)

	require.NoError(t, w.WriteHeader([]string{"ID", "NAME", "NOTE"}))
	require.NoError(t, w.WriteRow([]any{int64(7), []byte("x"), nil}))
	require.NoError(t, w.Close())

	assert.Equal(t, "{\"ID\":7,\"NAME\":\"x\",\"NOTE\":null}\n", buf.String())
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "abc", "abc"},
		{"bytes", []byte("raw"), "raw"},
		{"int64", int64(-42), "-42"},
		{"float", 12.5, "12.5"},
		{"bool", true, "true"},
		{"time", ts, "2024-03-15T10:30:00Z"},
		{"other", int32(9), "9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatValue(tt.in))
		})
	}
}
