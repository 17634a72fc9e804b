package rowsource

import (
	"context"
	"errors"
	"io"
	"sync"
)

// DefaultBufferRows bounds how many rows the producer may run ahead of the
// consumer.
const DefaultBufferRows = 1000

var ErrStreamClosed = errors.New("stream closed")

// Row is one record in column order.
type Row = []any

// Rows is a finite, non-restartable pull-style row sequence. Next returns
// io.EOF once every row has been consumed.
type Rows interface {
	Next(ctx context.Context) (Row, error)
	Close() error
}

type delivery struct {
	row Row
	err error
}

// Stream adapts push-style notifications into Rows. Rows pushed while the
// consumer is parked are handed over directly; otherwise they queue in a
// bounded buffer and a full buffer blocks the producer. An error is reported
// on the next Next call even when rows are still queued, and anything pushed
// after it is dropped.
type Stream struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	buf      []Row
	capacity int
	waiter   chan delivery
	err      error
	ended    bool
	closed   bool
	onClose  func()
}

// NewStream returns a stream whose buffer holds up to capacity rows.
func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultBufferRows
	}
	s := &Stream{capacity: capacity}
	s.notFull = sync.NewCond(&s.mu)
	return s
}

// Push delivers one row. It blocks while the buffer is full and reports
// false once the stream will accept nothing more.
func (s *Stream) Push(row Row) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed || s.err != nil || s.ended {
			return false
		}
		if s.waiter != nil {
			w := s.waiter
			s.waiter = nil
			w <- delivery{row: row}
			return true
		}
		if len(s.buf) < s.capacity {
			s.buf = append(s.buf, row)
			return true
		}
		s.notFull.Wait()
	}
}

// Fail records err for the consumer. Only the first error is kept.
func (s *Stream) Fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.err != nil || s.ended {
		return
	}
	s.err = err
	if s.waiter != nil {
		s.waiter <- delivery{err: err}
		s.waiter = nil
	}
	s.notFull.Broadcast()
}

// End marks natural completion. Queued rows are still delivered first.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.err != nil || s.ended {
		return
	}
	s.ended = true
	if s.waiter != nil {
		s.waiter <- delivery{err: io.EOF}
		s.waiter = nil
	}
}

// Next returns the next row, the recorded error, or io.EOF. It parks until
// the producer delivers something or ctx is done.
func (s *Stream) Next(ctx context.Context) (Row, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	if len(s.buf) > 0 {
		row := s.buf[0]
		s.buf[0] = nil
		s.buf = s.buf[1:]
		s.notFull.Signal()
		s.mu.Unlock()
		return row, nil
	}
	if s.ended {
		s.mu.Unlock()
		return nil, io.EOF
	}

	ch := make(chan delivery, 1)
	s.waiter = ch
	s.mu.Unlock()

	select {
	case d := <-ch:
		return d.row, d.err
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.waiter == ch {
			s.waiter = nil
			return nil, ctx.Err()
		}
		// Something was handed over while we were giving up; keep it.
		d := <-ch
		if d.err == nil {
			s.buf = append([]Row{d.row}, s.buf...)
		}
		return nil, ctx.Err()
	}
}

// Close stops the stream, releases a blocked producer and runs the close
// hook once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf = nil
	s.notFull.Broadcast()
	hook := s.onClose
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// OnClose registers fn to run when the consumer closes the stream.
func (s *Stream) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// OnRow, OnError and OnEnd let a Stream receive bridge notifications.
func (s *Stream) OnRow(values []any) bool { return s.Push(values) }

func (s *Stream) OnError(err error) { s.Fail(err) }

func (s *Stream) OnEnd() { s.End() }
