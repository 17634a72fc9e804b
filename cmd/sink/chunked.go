// Package sink writes one entity's rows into bounded-size output segments
// and the schema and stats files that sit beside them.
package sink

import (
	"errors"
	"fmt"
)

// MaxSheetRows is the largest number of data rows an xlsx worksheet holds
// once the header row is taken.
const MaxSheetRows = 1048575

var (
	ErrInvalidSegmentSize = errors.New("segment size must be at least 1")
	ErrHeaderRequired     = errors.New("header must be written before rows")
	ErrHeaderWritten      = errors.New("header already written")
	ErrFinalized          = errors.New("sink already finalized")
	ErrNoSegment          = errors.New("no open segment")
)

// SegmentWriter receives the segments a ChunkedSink cuts. Segment indexes
// start at 1.
type SegmentWriter interface {
	OpenSegment(index int, header []string) error
	WriteRow(row []any) error
	CloseSegment() error
	// Finish completes the output once every segment is closed.
	Finish() error
}

// Warner is implemented by segment writers that degrade values instead of
// failing, e.g. truncating oversized cells.
type Warner interface {
	Warnings() []string
}

// Stats describes what a sink wrote.
type Stats struct {
	RowsWritten    int64
	SegmentCount   int
	RowsPerSegment []int64
	Warnings       []string
}

// ChunkedSink cuts a row sequence into segments of at most maxRows rows,
// repeating the header at the top of each.
type ChunkedSink struct {
	w       SegmentWriter
	maxRows int64

	header    []string
	open      bool
	current   int64
	stats     Stats
	finalized bool
}

func NewChunkedSink(w SegmentWriter, maxRows int) (*ChunkedSink, error) {
	if maxRows < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidSegmentSize, maxRows)
	}
	return &ChunkedSink{w: w, maxRows: int64(maxRows)}, nil
}

func (s *ChunkedSink) WriteHeader(columns []string) error {
	if s.finalized {
		return ErrFinalized
	}
	if s.header != nil {
		return ErrHeaderWritten
	}
	s.header = append([]string{}, columns...)
	return nil
}

func (s *ChunkedSink) Write(row []any) error {
	if s.finalized {
		return ErrFinalized
	}
	if s.header == nil {
		return ErrHeaderRequired
	}
	if !s.open {
		if err := s.openSegment(); err != nil {
			return err
		}
	}
	if err := s.w.WriteRow(row); err != nil {
		return fmt.Errorf("segment %d row %d: %w", s.stats.SegmentCount, s.current+1, err)
	}
	s.current++
	s.stats.RowsWritten++
	s.stats.RowsPerSegment[len(s.stats.RowsPerSegment)-1] = s.current
	if s.current == s.maxRows {
		return s.closeSegment()
	}
	return nil
}

// Finalize closes any open segment and finishes the output. An entity
// with no rows still gets one header-only segment so the output is a
// readable file. Finalize may be called after a failed Write to keep the
// rows already written.
func (s *ChunkedSink) Finalize() (Stats, error) {
	if s.finalized {
		return s.snapshot(), ErrFinalized
	}
	s.finalized = true

	var errs []error
	if s.open {
		errs = append(errs, s.closeSegment())
	} else if s.stats.SegmentCount == 0 && s.header != nil {
		if err := s.openSegment(); err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, s.closeSegment())
		}
	}
	errs = append(errs, s.w.Finish())
	if wr, ok := s.w.(Warner); ok {
		s.stats.Warnings = append(s.stats.Warnings, wr.Warnings()...)
	}
	return s.snapshot(), errors.Join(errs...)
}

// Stats returns the counts so far.
func (s *ChunkedSink) Stats() Stats {
	return s.snapshot()
}

func (s *ChunkedSink) openSegment() error {
	index := s.stats.SegmentCount + 1
	if err := s.w.OpenSegment(index, s.header); err != nil {
		return fmt.Errorf("failed to open segment %d: %w", index, err)
	}
	s.open = true
	s.current = 0
	s.stats.SegmentCount = index
	s.stats.RowsPerSegment = append(s.stats.RowsPerSegment, 0)
	return nil
}

func (s *ChunkedSink) closeSegment() error {
	s.open = false
	s.stats.RowsPerSegment[len(s.stats.RowsPerSegment)-1] = s.current
	if err := s.w.CloseSegment(); err != nil {
		return fmt.Errorf("failed to close segment %d: %w", s.stats.SegmentCount, err)
	}
	return nil
}

func (s *ChunkedSink) snapshot() Stats {
	out := s.stats
	out.RowsPerSegment = append([]int64(nil), s.stats.RowsPerSegment...)
	out.Warnings = append([]string(nil), s.stats.Warnings...)
	return out
}
