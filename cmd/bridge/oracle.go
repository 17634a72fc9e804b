package bridge

import (
	"fmt"
	"net/url"
	"strings"
)

type OracleDialect struct {
	// Schema qualifies entity names in generated queries when set.
	Schema string
}

func (d *OracleDialect) Name() string       { return "oracle" }
func (d *OracleDialect) DriverName() string { return "oracle" }

// ListEntitiesQuery lists the current user's objects when schema is empty,
// otherwise the objects owned by schema.
func (d *OracleDialect) ListEntitiesQuery(schema string) (string, []any) {
	if schema == "" {
		return `SELECT TABLE_NAME, 'TABLE' FROM USER_TABLES
UNION ALL
SELECT VIEW_NAME, 'VIEW' FROM USER_VIEWS
ORDER BY 1`, nil
	}
	return `SELECT TABLE_NAME, 'TABLE' FROM ALL_TABLES WHERE OWNER = ` + d.Placeholder(0) + `
UNION ALL
SELECT VIEW_NAME, 'VIEW' FROM ALL_VIEWS WHERE OWNER = ` + d.Placeholder(0) + `
ORDER BY 1`, []any{strings.ToUpper(schema)}
}

func oracleQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *OracleDialect) QuoteIdent(name string) string {
	return oracleQuote(name)
}

func (d *OracleDialect) WithSchema(schema string) Dialect {
	c := *d
	c.Schema = schema
	return &c
}

func (d *OracleDialect) table(entity string) string {
	return qualify(strings.ToUpper(d.Schema), entity, oracleQuote)
}

func (d *OracleDialect) Placeholder(index int) string {
	// Oracle uses :1, :2, etc. (1-based index)
	return fmt.Sprintf(":%d", index+1)
}

func (d *OracleDialect) ShapeQuery(entity string) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", d.table(entity))
}

func (d *OracleDialect) SelectQuery(entity string, columns []string) string {
	return fmt.Sprintf("SELECT %s FROM %s", selectList(columns, oracleQuote), d.table(entity))
}

func (d *OracleDialect) TextCastSelectQuery(entity string, columns []string) string {
	if len(columns) == 0 {
		return d.SelectQuery(entity, nil)
	}
	cast := func(col string) string { return fmt.Sprintf("TO_CHAR(%s)", col) }
	return fmt.Sprintf("SELECT %s FROM %s", castList(columns, oracleQuote, cast), d.table(entity))
}

func (d *OracleDialect) CountQuery(entity string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", d.table(entity))
}

func (d *OracleDialect) LimitQuery(query string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) WHERE ROWNUM <= %d", query, limit)
}

func (d *OracleDialect) Identify(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return "oracle://invalid"
	}
	return fmt.Sprintf("oracle://%s%s", u.Host, u.Path)
}
