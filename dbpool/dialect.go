package dbpool

import (
	"fmt"
	"strings"
)

// Dialect provides engine-specific SQL fragments so callers don't need to
// know which engine is in use.
type Dialect struct {
	Engine Engine
}

// NewDialect creates a Dialect for the given engine.
func NewDialect(engine Engine) *Dialect {
	return &Dialect{Engine: engine}
}

// QuoteIdent returns a properly quoted SQL identifier.
// SQLite/Snowflake use double quotes; MySQL uses backticks.
// Internal quotes are escaped by doubling them.
func (d *Dialect) QuoteIdent(name string) string {
	switch d.Engine {
	case EngineMySQL:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	default:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
}

// ListTablesQuery returns the SQL to list user tables.
func (d *Dialect) ListTablesQuery() string {
	switch d.Engine {
	case EngineSQLite:
		return "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'"
	case EngineSnowflake:
		return "SELECT table_name FROM information_schema.tables WHERE table_schema = CURRENT_SCHEMA()"
	default:
		return "SHOW TABLES"
	}
}

// DescribeColumnsQuery returns the SQL to describe columns for a table.
func (d *Dialect) DescribeColumnsQuery(tableName string) string {
	qi := d.QuoteIdent(tableName)
	switch d.Engine {
	case EngineSQLite:
		return fmt.Sprintf("PRAGMA table_info(%s)", qi)
	case EngineSnowflake:
		return fmt.Sprintf("DESCRIBE TABLE %s", qi)
	default:
		return fmt.Sprintf("DESCRIBE %s", qi)
	}
}

// CountWrapQuery wraps a SELECT so its total row count can be computed
// without materializing the full result set on the service side.
func (d *Dialect) CountWrapQuery(query string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS q", query)
}

// PageClause returns the LIMIT/OFFSET clause for the given page (1-based).
func (d *Dialect) PageClause(page, pageSize int) string {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize
	return fmt.Sprintf(" LIMIT %d OFFSET %d", pageSize, offset)
}
