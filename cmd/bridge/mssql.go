package bridge

import (
	"fmt"
	"net/url"
	"strings"
)

type MSSQLDialect struct {
	// Schema qualifies entity names in generated queries when set.
	Schema string
}

func (d *MSSQLDialect) Name() string       { return "sqlserver" }
func (d *MSSQLDialect) DriverName() string { return "sqlserver" }

func (d *MSSQLDialect) ListEntitiesQuery(schema string) (string, []any) {
	if schema == "" {
		schema = "dbo"
	}
	return `SELECT TABLE_NAME,
       CASE WHEN TABLE_TYPE = 'VIEW' THEN 'VIEW' ELSE 'TABLE' END
FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_SCHEMA = ` + d.Placeholder(0) + ` AND TABLE_TYPE IN ('BASE TABLE', 'VIEW')
ORDER BY TABLE_NAME`, []any{schema}
}

func mssqlQuote(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *MSSQLDialect) QuoteIdent(name string) string {
	return mssqlQuote(name)
}

func (d *MSSQLDialect) WithSchema(schema string) Dialect {
	c := *d
	c.Schema = schema
	return &c
}

func (d *MSSQLDialect) table(entity string) string {
	return qualify(d.Schema, entity, mssqlQuote)
}

func (d *MSSQLDialect) Placeholder(index int) string {
	return fmt.Sprintf("@p%d", index+1)
}

func (d *MSSQLDialect) ShapeQuery(entity string) string {
	return fmt.Sprintf("SELECT TOP 0 * FROM %s", d.table(entity))
}

func (d *MSSQLDialect) SelectQuery(entity string, columns []string) string {
	return fmt.Sprintf("SELECT %s FROM %s", selectList(columns, mssqlQuote), d.table(entity))
}

func (d *MSSQLDialect) TextCastSelectQuery(entity string, columns []string) string {
	if len(columns) == 0 {
		return d.SelectQuery(entity, nil)
	}
	cast := func(col string) string { return fmt.Sprintf("CAST(%s AS NVARCHAR(MAX))", col) }
	return fmt.Sprintf("SELECT %s FROM %s", castList(columns, mssqlQuote, cast), d.table(entity))
}

func (d *MSSQLDialect) CountQuery(entity string) string {
	return fmt.Sprintf("SELECT COUNT_BIG(*) FROM %s", d.table(entity))
}

// LimitQuery injects TOP into the first SELECT of a generated query.
func (d *MSSQLDialect) LimitQuery(query string, limit int) string {
	trimmed := strings.TrimSpace(query)
	if strings.HasPrefix(strings.ToUpper(trimmed), "SELECT ") {
		return fmt.Sprintf("SELECT TOP %d %s", limit, trimmed[len("SELECT "):])
	}
	return query
}

// Identify handles sqlserver:// URLs; ADO-style strings are reduced to
// server and database keys.
func (d *MSSQLDialect) Identify(dsn string) string {
	if strings.HasPrefix(dsn, "sqlserver://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "sqlserver://invalid"
		}
		return fmt.Sprintf("sqlserver://%s/%s", u.Host, u.Query().Get("database"))
	}

	var server, database string
	for _, part := range strings.Split(dsn, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "server", "data source", "address", "addr":
			server = strings.TrimSpace(v)
		case "database", "initial catalog":
			database = strings.TrimSpace(v)
		}
	}
	return fmt.Sprintf("sqlserver://%s/%s", server, database)
}
