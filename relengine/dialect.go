// Package relengine is the concrete adapter to the relational-engine
// contract of spec.md §6, implementing domain.RelationalEngine over
// database/sql. It is grounded on the teacher's server/datasource/sql
// (SQLCommonDataSource) and server/datasource/postgresql packages: one
// shared engine body parameterized by a per-database Dialect, the same
// split the teacher uses between its SQLCommonDataSource and the
// PostgreSQLDialect/MySQLDialect it is handed.
package relengine

import (
	"fmt"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/tablevc/tablevc/domain"
)

// Dialect isolates the SQL-syntax differences between the engines named
// in spec.md §6's ENGINE configuration value (postgres/mysql/sqlite),
// grounded on the teacher's server/datasource/sql.Dialect interface.
type Dialect interface {
	// Name is the value the ENGINE config variable names this dialect by.
	Name() string
	// DriverName is the database/sql driver registered for this dialect.
	DriverName() string

	QuoteIdentifier(name string) string
	Placeholder(n int) string
	// QualifyTable renders a schema-qualified table reference for use in
	// SQL statement bodies.
	QualifyTable(schema, table string) string

	// ColumnDDL renders one column definition for CREATE TABLE.
	ColumnDDL(col domain.ColumnSpec) string
	// UnloggedPrefix and TemporaryPrefix render dialect-specific prefix
	// keywords for CREATE TABLE, e.g. Postgres's UNLOGGED prefix for
	// staging tables.
	UnloggedPrefix() string
	TemporaryPrefix() string

	// Catalog introspection queries, parameterized positionally by the
	// dialect's own placeholder style; args are (schema, table) unless
	// noted otherwise.
	TableExistsQuery() string
	SchemaExistsQuery() string
	PrimaryKeysQuery() string
	ColumnsQuery() string
	// IntrospectionArgs builds the positional args for TableExistsQuery,
	// PrimaryKeysQuery, and ColumnsQuery from a (schema, table) pair.
	IntrospectionArgs(schema, table string) []interface{}

	CreateSchemaSQL(schema string) string
	DropSchemaSQL(schema string) string

	MapSQLType(dbType string) string
}

// Registry resolves a dialect by the ENGINE config name.
func Registry(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "":
		return postgresDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("relengine: unknown ENGINE dialect %q", name)
	}
}

// ---- postgres ----

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "postgres" }

func (postgresDialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (d postgresDialect) QualifyTable(schema, table string) string {
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (d postgresDialect) ColumnDDL(col domain.ColumnSpec) string {
	return d.QuoteIdentifier(col.Name) + " " + pgType(col.Type)
}

func (postgresDialect) UnloggedPrefix() string  { return "UNLOGGED " }
func (postgresDialect) TemporaryPrefix() string { return "TEMPORARY " }

func (postgresDialect) TableExistsQuery() string {
	return `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`
}

func (postgresDialect) SchemaExistsQuery() string {
	return `SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`
}

func (postgresDialect) PrimaryKeysQuery() string {
	return `SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1 AND tc.table_name = $2
ORDER BY kcu.ordinal_position`
}

func (postgresDialect) ColumnsQuery() string {
	return `SELECT column_name, data_type FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`
}

func (postgresDialect) IntrospectionArgs(schema, table string) []interface{} {
	return []interface{}{schema, table}
}

func (d postgresDialect) CreateSchemaSQL(schema string) string {
	return "CREATE SCHEMA IF NOT EXISTS " + d.QuoteIdentifier(schema)
}

func (d postgresDialect) DropSchemaSQL(schema string) string {
	return "DROP SCHEMA IF EXISTS " + d.QuoteIdentifier(schema) + " CASCADE"
}

func (postgresDialect) MapSQLType(dbType string) string {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "smallint", "integer", "bigint", "int2", "int4", "int8":
		return "int"
	case "real", "double precision", "numeric", "decimal":
		return "float64"
	case "boolean", "bool":
		return "bool"
	case "timestamp", "timestamp without time zone", "timestamp with time zone", "timestamptz":
		return "datetime"
	default:
		return "string"
	}
}

func pgType(domainType string) string {
	switch strings.ToLower(domainType) {
	case "int", "integer", "int64", "bigint":
		return "BIGINT"
	case "int32", "smallint":
		return "INTEGER"
	case "float64", "double", "decimal", "numeric":
		return "DOUBLE PRECISION"
	case "float32", "float":
		return "REAL"
	case "bool", "boolean":
		return "BOOLEAN"
	case "datetime", "timestamp":
		return "TIMESTAMP"
	case "date":
		return "DATE"
	default:
		return "TEXT"
	}
}

// ---- mysql ----

type mysqlDialect struct{}

func (mysqlDialect) Name() string       { return "mysql" }
func (mysqlDialect) DriverName() string { return "mysql" }

func (mysqlDialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (mysqlDialect) Placeholder(int) string { return "?" }

func (d mysqlDialect) QualifyTable(schema, table string) string {
	return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
}

func (d mysqlDialect) ColumnDDL(col domain.ColumnSpec) string {
	return d.QuoteIdentifier(col.Name) + " " + mysqlType(col.Type)
}

func (mysqlDialect) UnloggedPrefix() string  { return "" } // MySQL has no unlogged tables
func (mysqlDialect) TemporaryPrefix() string { return "TEMPORARY " }

func (mysqlDialect) TableExistsQuery() string {
	return `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = ? AND table_name = ?)`
}

func (mysqlDialect) SchemaExistsQuery() string {
	return `SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = ?)`
}

func (mysqlDialect) PrimaryKeysQuery() string {
	return `SELECT column_name FROM information_schema.key_column_usage
WHERE table_schema = ? AND table_name = ? AND constraint_name = 'PRIMARY' ORDER BY ordinal_position`
}

func (mysqlDialect) ColumnsQuery() string {
	return `SELECT column_name, data_type FROM information_schema.columns
WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`
}

func (mysqlDialect) IntrospectionArgs(schema, table string) []interface{} {
	return []interface{}{schema, table}
}

func (mysqlDialect) CreateSchemaSQL(schema string) string {
	return "CREATE DATABASE IF NOT EXISTS `" + strings.ReplaceAll(schema, "`", "") + "`"
}

func (mysqlDialect) DropSchemaSQL(schema string) string {
	return "DROP DATABASE IF EXISTS `" + strings.ReplaceAll(schema, "`", "") + "`"
}

func (mysqlDialect) MapSQLType(dbType string) string {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "tinyint", "smallint", "mediumint", "int", "bigint":
		return "int"
	case "float", "double", "decimal":
		return "float64"
	case "datetime", "timestamp":
		return "datetime"
	default:
		return "string"
	}
}

func mysqlType(domainType string) string {
	switch strings.ToLower(domainType) {
	case "int", "integer", "int64", "bigint":
		return "BIGINT"
	case "int32", "smallint":
		return "INT"
	case "float64", "double", "decimal", "numeric":
		return "DOUBLE"
	case "float32", "float":
		return "FLOAT"
	case "bool", "boolean":
		return "BOOLEAN"
	case "datetime", "timestamp":
		return "DATETIME"
	case "date":
		return "DATE"
	default:
		return "TEXT"
	}
}

// ---- sqlite ----
//
// SQLite has no server-side schema namespace; a "schema" is folded into
// the table name as "<schema>__<table>" (see QualifyTable), matching the
// teacher's test strategy of running the same core logic against
// modernc.org/sqlite without a live Postgres.

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (sqliteDialect) Placeholder(int) string { return "?" }

// QualifyTable folds the schema into the table identifier itself since a
// single SQLite connection has one implicit namespace; this keeps every
// tracked table's name unique across schemas within one test database.
func (d sqliteDialect) QualifyTable(schema, table string) string {
	return d.QuoteIdentifier(schema + "__" + table)
}

func (d sqliteDialect) ColumnDDL(col domain.ColumnSpec) string {
	return d.QuoteIdentifier(col.Name) + " " + sqliteType(col.Type)
}

func (sqliteDialect) UnloggedPrefix() string  { return "" }
func (sqliteDialect) TemporaryPrefix() string { return "TEMP " }

func (sqliteDialect) TableExistsQuery() string {
	return `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?)`
}

func (sqliteDialect) SchemaExistsQuery() string {
	// Every schema name is valid: QualifyTable folds it into the table
	// identifier, so there is no separate namespace to probe for.
	return `SELECT 1`
}

func (sqliteDialect) PrimaryKeysQuery() string {
	return `SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`
}

func (sqliteDialect) ColumnsQuery() string {
	return `SELECT name, type FROM pragma_table_info(?)`
}

func (d sqliteDialect) IntrospectionArgs(schema, table string) []interface{} {
	return []interface{}{schema + "__" + table}
}

func (sqliteDialect) CreateSchemaSQL(schema string) string {
	return "-- sqlite: schema " + schema + " is implicit"
}

func (sqliteDialect) DropSchemaSQL(schema string) string {
	return "-- sqlite: schema " + schema + " is implicit"
}

func (sqliteDialect) MapSQLType(dbType string) string {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "integer", "int":
		return "int"
	case "real", "double", "float", "numeric":
		return "float64"
	case "boolean":
		return "bool"
	case "datetime", "timestamp":
		return "datetime"
	default:
		return "string"
	}
}

func sqliteType(domainType string) string {
	switch strings.ToLower(domainType) {
	case "int", "integer", "int64", "bigint", "int32", "smallint":
		return "INTEGER"
	case "float64", "double", "decimal", "numeric", "float32", "float":
		return "REAL"
	case "bool", "boolean":
		return "BOOLEAN"
	case "datetime", "timestamp", "date":
		return "TEXT"
	default:
		return "TEXT"
	}
}
