package bridge

import (
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

type MysqlDialect struct {
	// Schema qualifies entity names in generated queries when set.
	Schema string
}

func (d *MysqlDialect) Name() string       { return "mysql" }
func (d *MysqlDialect) DriverName() string { return "mysql" }

// ListEntitiesQuery falls back to the connection's default database when
// schema is empty.
func (d *MysqlDialect) ListEntitiesQuery(schema string) (string, []any) {
	if schema == "" {
		return `SELECT TABLE_NAME,
       CASE WHEN TABLE_TYPE = 'VIEW' THEN 'VIEW' ELSE 'TABLE' END
FROM information_schema.TABLES
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE IN ('BASE TABLE', 'VIEW')
ORDER BY TABLE_NAME`, nil
	}
	return `SELECT TABLE_NAME,
       CASE WHEN TABLE_TYPE = 'VIEW' THEN 'VIEW' ELSE 'TABLE' END
FROM information_schema.TABLES
WHERE TABLE_SCHEMA = ` + d.Placeholder(0) + ` AND TABLE_TYPE IN ('BASE TABLE', 'VIEW')
ORDER BY TABLE_NAME`, []any{schema}
}

func mysqlQuote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *MysqlDialect) QuoteIdent(name string) string {
	return mysqlQuote(name)
}

func (d *MysqlDialect) WithSchema(schema string) Dialect {
	c := *d
	c.Schema = schema
	return &c
}

func (d *MysqlDialect) table(entity string) string {
	return qualify(d.Schema, entity, mysqlQuote)
}

func (d *MysqlDialect) Placeholder(index int) string {
	return "?"
}

func (d *MysqlDialect) ShapeQuery(entity string) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT 0", d.table(entity))
}

func (d *MysqlDialect) SelectQuery(entity string, columns []string) string {
	return fmt.Sprintf("SELECT %s FROM %s", selectList(columns, mysqlQuote), d.table(entity))
}

func (d *MysqlDialect) TextCastSelectQuery(entity string, columns []string) string {
	if len(columns) == 0 {
		return d.SelectQuery(entity, nil)
	}
	cast := func(col string) string { return fmt.Sprintf("CAST(%s AS CHAR)", col) }
	return fmt.Sprintf("SELECT %s FROM %s", castList(columns, mysqlQuote, cast), d.table(entity))
}

func (d *MysqlDialect) CountQuery(entity string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", d.table(entity))
}

func (d *MysqlDialect) LimitQuery(query string, limit int) string {
	return fmt.Sprintf("%s LIMIT %d", query, limit)
}

func (d *MysqlDialect) Identify(dsn string) string {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "mysql://invalid"
	}
	return fmt.Sprintf("mysql://%s/%s", cfg.Addr, cfg.DBName)
}
