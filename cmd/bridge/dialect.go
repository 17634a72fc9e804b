// Package bridge talks to the legacy source. It hides per-database query
// dialects and delivers query results push-style: rows arrive on a producer
// goroutine as notifications to a Handler.
package bridge

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedDriver = errors.New("unsupported driver")

// Dialect abstracts database-specific SQL for extraction.
type Dialect interface {
	// Name is the canonical driver name used in config and identifiers.
	Name() string
	// DriverName is the database/sql driver registered for this dialect.
	DriverName() string

	// ListEntitiesQuery returns a query yielding (name, kind) rows where kind
	// is TABLE or VIEW, plus its bind arguments.
	ListEntitiesQuery(schema string) (string, []any)

	// QuoteIdent quotes name as one identifier.
	QuoteIdent(name string) string
	Placeholder(index int) string
	// WithSchema returns a copy whose entity queries are qualified by schema.
	WithSchema(schema string) Dialect

	// ShapeQuery fetches no rows but exposes the result column set.
	ShapeQuery(entity string) string
	SelectQuery(entity string, columns []string) string
	// TextCastSelectQuery selects every column converted to text.
	TextCastSelectQuery(entity string, columns []string) string
	// LimitQuery wraps query so it returns at most limit rows.
	LimitQuery(query string, limit int) string
	CountQuery(entity string) string

	// Identify returns dsn reduced to a stable identifier without credentials.
	Identify(dsn string) string
}

// GetDialect returns the Dialect for driver.
func GetDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return &PostgresDialect{}, nil
	case "mysql", "mariadb":
		return &MysqlDialect{}, nil
	case "sqlserver", "mssql":
		return &MSSQLDialect{}, nil
	case "oracle":
		return &OracleDialect{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

// Ensure interface implementation
var (
	_ Dialect = (*PostgresDialect)(nil)
	_ Dialect = (*MysqlDialect)(nil)
	_ Dialect = (*MSSQLDialect)(nil)
	_ Dialect = (*OracleDialect)(nil)
)

// qualify quotes entity as a single identifier, so a dot inside a table
// name stays part of the name, and prefixes the quoted schema when set.
func qualify(schema, entity string, quote func(string) string) string {
	if schema == "" {
		return quote(entity)
	}
	return quote(schema) + "." + quote(entity)
}

func selectList(columns []string, quote func(string) string) string {
	if len(columns) == 0 {
		return "*"
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quote(c)
	}
	return strings.Join(quoted, ", ")
}

func castList(columns []string, quote func(string) string, cast func(string) string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		q := quote(c)
		out[i] = fmt.Sprintf("%s AS %s", cast(q), q)
	}
	return strings.Join(out, ", ")
}
