package bridge

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

type PostgresDialect struct {
	// Schema qualifies entity names in generated queries when set.
	Schema string
}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "postgres" }

func (d *PostgresDialect) ListEntitiesQuery(schema string) (string, []any) {
	if schema == "" {
		schema = "public"
	}
	return `SELECT table_name,
       CASE WHEN table_type = 'VIEW' THEN 'VIEW' ELSE 'TABLE' END
FROM information_schema.tables
WHERE table_schema = ` + d.Placeholder(0) + ` AND table_type IN ('BASE TABLE', 'VIEW')
ORDER BY table_name`, []any{schema}
}

func (d *PostgresDialect) QuoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}

func (d *PostgresDialect) WithSchema(schema string) Dialect {
	c := *d
	c.Schema = schema
	return &c
}

func (d *PostgresDialect) table(entity string) string {
	return qualify(d.Schema, entity, pq.QuoteIdentifier)
}

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index+1)
}

func (d *PostgresDialect) ShapeQuery(entity string) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT 0", d.table(entity))
}

func (d *PostgresDialect) SelectQuery(entity string, columns []string) string {
	return fmt.Sprintf("SELECT %s FROM %s", selectList(columns, pq.QuoteIdentifier), d.table(entity))
}

func (d *PostgresDialect) TextCastSelectQuery(entity string, columns []string) string {
	if len(columns) == 0 {
		return d.SelectQuery(entity, nil)
	}
	cast := func(col string) string { return col + "::text" }
	return fmt.Sprintf("SELECT %s FROM %s", castList(columns, pq.QuoteIdentifier, cast), d.table(entity))
}

func (d *PostgresDialect) CountQuery(entity string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", d.table(entity))
}

func (d *PostgresDialect) LimitQuery(query string, limit int) string {
	return fmt.Sprintf("%s LIMIT %d", query, limit)
}

// Identify accepts both URL and key=value connection strings.
func (d *PostgresDialect) Identify(dsn string) string {
	conninfo := dsn
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		parsed, err := pq.ParseURL(dsn)
		if err != nil {
			return "postgres://invalid"
		}
		conninfo = parsed
	}

	kv := make(map[string]string)
	for _, field := range strings.Fields(conninfo) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		kv[k] = strings.Trim(v, "'")
	}

	host := kv["host"]
	if host == "" {
		host = "localhost"
	}
	if port := kv["port"]; port != "" {
		host += ":" + port
	}
	return fmt.Sprintf("postgres://%s/%s", host, kv["dbname"])
}
