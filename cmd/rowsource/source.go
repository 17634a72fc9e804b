// Package rowsource reads one entity at a time from the legacy source: a
// cheap structural check of its columns, a streaming read of every row and
// an independent row count.
package rowsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/airframesio/legacy-extractor/cmd/bridge"
	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

var _ bridge.Handler = (*Stream)(nil)

// Discovery is the result of a successful structural check.
type Discovery struct {
	Columns  []manifest.Column
	Strategy string
}

// Source is the row source the orchestrator drives.
type Source interface {
	Discover(ctx context.Context, entity string) (Discovery, error)
	// Read opens one fresh query for rec using the strategy and columns
	// recorded at discovery.
	Read(ctx context.Context, rec manifest.EntityRecord) (Rows, error)
	Count(ctx context.Context, entity string) (int64, error)
	Close() error
}

// SQLSource reads through a bridge connection using a strategy chain.
type SQLSource struct {
	conn   *bridge.Conn
	chain  *Chain
	logger *slog.Logger
}

// NewSQLSource registers the built-in strategies on conn. A nil overrides
// value uses the default strategy order for every entity.
func NewSQLSource(conn *bridge.Conn, overrides *Overrides, bufferRows int, logger *slog.Logger) *SQLSource {
	strategies := []Strategy{
		&directStrategy{conn: conn, bufferRows: bufferRows},
		&textCastStrategy{conn: conn, bufferRows: bufferRows},
		&columnSubsetStrategy{conn: conn, bufferRows: bufferRows, overrides: overrides},
	}
	return &SQLSource{
		conn:   conn,
		chain:  NewChain(strategies, overrides, logger),
		logger: logger,
	}
}

func (s *SQLSource) Discover(ctx context.Context, entity string) (Discovery, error) {
	return s.chain.Discover(ctx, entity)
}

func (s *SQLSource) Read(ctx context.Context, rec manifest.EntityRecord) (Rows, error) {
	return s.chain.Read(ctx, rec)
}

func (s *SQLSource) Count(ctx context.Context, entity string) (int64, error) {
	return s.conn.Count(ctx, s.conn.Dialect().CountQuery(entity))
}

func (s *SQLSource) Close() error {
	return s.conn.Close()
}

// openStream starts query on the bridge and returns the pull side. Closing
// the stream cancels the query and waits for the producer to exit.
func openStream(ctx context.Context, conn *bridge.Conn, query string, bufferRows int) *Stream {
	qctx, cancel := context.WithCancel(ctx)
	stream := NewStream(bufferRows)
	done := conn.Query(qctx, query, stream)
	stream.OnClose(func() {
		cancel()
		<-done
	})
	return stream
}

func columnsOrErr(cols []manifest.Column, entity string) ([]manifest.Column, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", manifest.ErrNoColumns, entity)
	}
	return cols, nil
}
