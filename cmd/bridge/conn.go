package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

// Handler receives push-style query results. Calls happen on the producer
// goroutine in order: any number of OnRow, then exactly one of OnError or
// OnEnd. OnRow may block to apply backpressure; returning false stops the
// delivery without a further OnError/OnEnd.
type Handler interface {
	OnRow(values []any) bool
	OnError(err error)
	OnEnd()
}

// Conn is a connection to the legacy source through its bridge.
type Conn struct {
	db           *sql.DB
	dialect      Dialect
	logger       *slog.Logger
	queryTimeout time.Duration
}

// Open connects using driver/dsn and verifies the bridge answers.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Conn, error) {
	dialect, err := GetDialect(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", dialect.Name(), err)
	}
	// The bridge handles one entity at a time.
	db.SetMaxOpenConns(2)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s: %w", dialect.Identify(dsn), err)
	}

	return New(db, dialect, logger), nil
}

// New wraps an existing *sql.DB.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{db: db, dialect: dialect, logger: logger}
}

// WithQueryTimeout bounds shape and count queries. Streaming reads are not
// bounded since they can legitimately run for hours.
func (c *Conn) WithQueryTimeout(d time.Duration) *Conn {
	c.queryTimeout = d
	return c
}

// WithSchema qualifies every entity query by schema. Entity names from the
// catalog are bare table names within that schema.
func (c *Conn) WithSchema(schema string) *Conn {
	if schema != "" {
		c.dialect = c.dialect.WithSchema(schema)
	}
	return c
}

func (c *Conn) Dialect() Dialect { return c.dialect }

func (c *Conn) DB() *sql.DB { return c.db }

func (c *Conn) Close() error {
	return c.db.Close()
}

func (c *Conn) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.queryTimeout)
}

// Columns runs a query that returns no rows and reports its column set.
func (c *Conn) Columns(ctx context.Context, query string) ([]manifest.Column, error) {
	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	c.logger.Debug("columns", "query", query)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}

	columns := make([]manifest.Column, len(types))
	for i, ct := range types {
		col := manifest.Column{
			Name:     ct.Name(),
			Position: i + 1,
			Type:     ct.DatabaseTypeName(),
		}
		if nullable, ok := ct.Nullable(); ok {
			col.Nullable = &nullable
		}
		columns[i] = col
	}

	// Decode any sampled rows so column type errors surface here rather
	// than mid-extraction.
	dest := make([]any, len(types))
	for rows.Next() {
		raw := make([]any, len(types))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to decode sample row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return columns, nil
}

// Count runs a single-value count query.
func (c *Conn) Count(ctx context.Context, query string) (int64, error) {
	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	c.logger.Debug("count", "query", query)
	var n int64
	if err := c.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Query starts query on a producer goroutine and delivers its rows to h.
// The returned channel is closed once the producer has exited and released
// the result set.
func (c *Conn) Query(ctx context.Context, query string, h Handler) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.produce(ctx, query, h)
	}()
	return done
}

func (c *Conn) produce(ctx context.Context, query string, h Handler) {
	c.logger.Debug("stream", "query", query)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		h.OnError(err)
		return
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		h.OnError(err)
		return
	}

	dest := make([]any, len(names))
	for rows.Next() {
		raw := make([]any, len(names))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			h.OnError(fmt.Errorf("failed to scan row: %w", err))
			return
		}
		for i, v := range raw {
			// Drivers may reuse byte buffers between rows.
			if b, ok := v.([]byte); ok {
				raw[i] = string(b)
			}
		}
		if !h.OnRow(raw) {
			return
		}
	}
	if err := rows.Err(); err != nil {
		h.OnError(err)
		return
	}
	h.OnEnd()
}
