package compressors

import "io"

// NoneCompressor passes segment bytes through unchanged
type NoneCompressor struct{}

func NewNoneCompressor() *NoneCompressor {
	return &NoneCompressor{}
}

func (c *NoneCompressor) NewWriter(w io.Writer, _ int) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

// Extension returns an empty string (no compression extension)
func (c *NoneCompressor) Extension() string {
	return ""
}

func (c *NoneCompressor) DefaultLevel() int {
	return 0
}

// ValidLevel accepts only 0 since there is nothing to tune
func (c *NoneCompressor) ValidLevel(level int) bool {
	return level == 0
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
