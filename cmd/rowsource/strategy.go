package rowsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/airframesio/legacy-extractor/cmd/bridge"
	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

const (
	StrategyDirect       = "direct"
	StrategyTextCast     = "text-cast"
	StrategyColumnSubset = "column-subset"
)

// DefaultOrder is tried when no override names an order for an entity.
var DefaultOrder = []string{StrategyDirect, StrategyTextCast, StrategyColumnSubset}

// ErrNotApplicable tells the chain to move on without counting a failure.
var ErrNotApplicable = errors.New("strategy not applicable")

// Strategy is one way of reading an entity from a misbehaving source.
type Strategy interface {
	Name() string
	Discover(ctx context.Context, entity string) ([]manifest.Column, error)
	Read(ctx context.Context, entity string, columns []manifest.Column) (Rows, error)
}

// Chain tries strategies in priority order. The order is overridable per
// entity; the state machine only ever sees the Source interface.
type Chain struct {
	strategies map[string]Strategy
	overrides  *Overrides
	logger     *slog.Logger
}

func NewChain(strategies []Strategy, overrides *Overrides, logger *slog.Logger) *Chain {
	byName := make(map[string]Strategy, len(strategies))
	for _, s := range strategies {
		byName[s.Name()] = s
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{strategies: byName, overrides: overrides, logger: logger}
}

// Order returns the strategy names tried for entity.
func (c *Chain) Order(entity string) []string {
	if order := c.overrides.OrderFor(entity); len(order) > 0 {
		return order
	}
	return DefaultOrder
}

// Discover returns the columns found by the first strategy that succeeds.
func (c *Chain) Discover(ctx context.Context, entity string) (Discovery, error) {
	var errs []error
	for _, name := range c.Order(entity) {
		s, ok := c.strategies[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownStrategy, name))
			continue
		}

		cols, err := s.Discover(ctx, entity)
		if errors.Is(err, ErrNotApplicable) {
			continue
		}
		if err != nil {
			c.logger.Debug("strategy failed", "entity", entity, "strategy", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if len(cols) == 0 {
			errs = append(errs, fmt.Errorf("%s: %w", name, manifest.ErrNoColumns))
			continue
		}
		return Discovery{Columns: cols, Strategy: name}, nil
	}

	if len(errs) == 0 {
		return Discovery{}, fmt.Errorf("no applicable strategy for %s", entity)
	}
	return Discovery{}, errors.Join(errs...)
}

// Read uses the strategy recorded at discovery, or the first in order for
// records discovered before strategies were recorded.
func (c *Chain) Read(ctx context.Context, rec manifest.EntityRecord) (Rows, error) {
	name := rec.Strategy
	if name == "" {
		name = c.Order(rec.Name)[0]
	}
	s, ok := c.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return s.Read(ctx, rec.Name, rec.Columns)
}

func columnNames(cols []manifest.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// directStrategy selects the recorded columns as-is.
type directStrategy struct {
	conn       *bridge.Conn
	bufferRows int
}

func (s *directStrategy) Name() string { return StrategyDirect }

func (s *directStrategy) Discover(ctx context.Context, entity string) ([]manifest.Column, error) {
	d := s.conn.Dialect()
	cols, err := s.conn.Columns(ctx, d.ShapeQuery(entity))
	if err != nil {
		return nil, err
	}
	if _, err := s.conn.Columns(ctx, d.LimitQuery(d.SelectQuery(entity, columnNames(cols)), 1)); err != nil {
		return nil, err
	}
	return columnsOrErr(cols, entity)
}

func (s *directStrategy) Read(ctx context.Context, entity string, columns []manifest.Column) (Rows, error) {
	query := s.conn.Dialect().SelectQuery(entity, columnNames(columns))
	return openStream(ctx, s.conn, query, s.bufferRows), nil
}

// textCastStrategy converts every column to text in the query, which avoids
// driver decode errors on exotic column types.
type textCastStrategy struct {
	conn       *bridge.Conn
	bufferRows int
}

func (s *textCastStrategy) Name() string { return StrategyTextCast }

func (s *textCastStrategy) Discover(ctx context.Context, entity string) ([]manifest.Column, error) {
	d := s.conn.Dialect()
	cols, err := s.conn.Columns(ctx, d.ShapeQuery(entity))
	if err != nil {
		return nil, err
	}
	if _, err := s.conn.Columns(ctx, d.LimitQuery(d.TextCastSelectQuery(entity, columnNames(cols)), 1)); err != nil {
		return nil, err
	}
	return columnsOrErr(cols, entity)
}

func (s *textCastStrategy) Read(ctx context.Context, entity string, columns []manifest.Column) (Rows, error) {
	query := s.conn.Dialect().TextCastSelectQuery(entity, columnNames(columns))
	return openStream(ctx, s.conn, query, s.bufferRows), nil
}

// columnSubsetStrategy drops the columns configured as unreadable and casts
// the rest to text.
type columnSubsetStrategy struct {
	conn       *bridge.Conn
	bufferRows int
	overrides  *Overrides
}

func (s *columnSubsetStrategy) Name() string { return StrategyColumnSubset }

func (s *columnSubsetStrategy) Discover(ctx context.Context, entity string) ([]manifest.Column, error) {
	excluded := s.overrides.ExcludedColumns(entity)
	if len(excluded) == 0 {
		return nil, ErrNotApplicable
	}

	d := s.conn.Dialect()
	all, err := s.conn.Columns(ctx, d.ShapeQuery(entity))
	if err != nil {
		return nil, err
	}

	kept := make([]manifest.Column, 0, len(all))
	for _, c := range all {
		if excluded[strings.ToUpper(c.Name)] {
			continue
		}
		c.Position = len(kept) + 1
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: every column of %s is excluded", manifest.ErrNoColumns, entity)
	}

	if _, err := s.conn.Columns(ctx, d.LimitQuery(d.TextCastSelectQuery(entity, columnNames(kept)), 1)); err != nil {
		return nil, err
	}
	return kept, nil
}

func (s *columnSubsetStrategy) Read(ctx context.Context, entity string, columns []manifest.Column) (Rows, error) {
	query := s.conn.Dialect().TextCastSelectQuery(entity, columnNames(columns))
	return openStream(ctx, s.conn, query, s.bufferRows), nil
}
