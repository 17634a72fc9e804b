// Package catalog lists the tables and views that an extraction run covers.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/airframesio/legacy-extractor/cmd/bridge"
	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

var (
	ErrNoEntities  = errors.New("no tables or views found")
	ErrBadPattern  = errors.New("invalid entity pattern")
	ErrUnknownKind = errors.New("unknown entity kind")
)

// Entity is one extractable table or view.
type Entity struct {
	Name string
	Kind manifest.Kind
}

// Filter keeps entities matching any include pattern (all when empty) and
// none of the exclude patterns. Patterns are shell globs matched
// case-insensitively.
type Filter struct {
	Include []string
	Exclude []string
}

// Validate checks every pattern is a well-formed glob.
func (f Filter) Validate() error {
	for _, p := range append(append([]string{}, f.Include...), f.Exclude...) {
		if _, err := path.Match(strings.ToLower(p), ""); err != nil {
			return fmt.Errorf("%w %q: %v", ErrBadPattern, p, err)
		}
	}
	return nil
}

func (f Filter) Match(name string) bool {
	lower := strings.ToLower(name)
	if len(f.Include) > 0 && !matchAny(f.Include, lower) {
		return false
	}
	return !matchAny(f.Exclude, lower)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(strings.ToLower(p), name); ok {
			return true
		}
	}
	return false
}

// Apply returns the entities that pass the filter, keeping their order.
func (f Filter) Apply(entities []Entity) []Entity {
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if f.Match(e.Name) {
			out = append(out, e)
		}
	}
	return out
}

// SQLEnumerator lists entities from the source's system catalog.
type SQLEnumerator struct {
	conn   *bridge.Conn
	schema string
	filter Filter
	logger *slog.Logger
}

func NewSQLEnumerator(conn *bridge.Conn, schema string, filter Filter, logger *slog.Logger) *SQLEnumerator {
	return &SQLEnumerator{conn: conn, schema: schema, filter: filter, logger: logger}
}

// Enumerate returns the filtered entities in catalog order.
func (e *SQLEnumerator) Enumerate(ctx context.Context) ([]Entity, error) {
	query, args := e.conn.Dialect().ListEntitiesQuery(e.schema)
	rows, err := e.conn.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var all []Entity
	seen := make(map[string]bool)
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		k, err := parseKind(kind)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		all = append(all, Entity{Name: name, Kind: k})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	kept := e.filter.Apply(all)
	e.logger.Debug("enumerated entities", "found", len(all), "kept", len(kept), "schema", e.schema)
	if len(kept) == 0 {
		return nil, ErrNoEntities
	}
	return kept, nil
}

func parseKind(s string) (manifest.Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TABLE", "BASE TABLE":
		return manifest.KindTable, nil
	case "VIEW":
		return manifest.KindView, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}
