// Package database dumps site tables to a portable JSON-lines format and
// restores them, rewriting table prefixes and embedded site identifiers.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect represents the database dialect.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect parses a dialect string.
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unknown dialect: %s", s)
	}
}

// Column describes one table column in a dialect-neutral way.
type Column struct {
	Name string `json:"name"`
	Kind Kind   `json:"type"`
	// PK is the 1-based position in the primary key, or 0.
	PK      int  `json:"pk,omitempty"`
	NotNull bool `json:"not_null,omitempty"`
}

// Kind is a portable column type.
type Kind string

const (
	KindInteger   Kind = "integer"
	KindReal      Kind = "real"
	KindNumeric   Kind = "numeric"
	KindText      Kind = "text"
	KindBlob      Kind = "blob"
	KindBoolean   Kind = "boolean"
	KindTimestamp Kind = "timestamp"
)

// KindOf maps a declared column type to a portable kind using SQLite's
// affinity rules, extended for PostgreSQL type names.
func KindOf(declared string) Kind {
	t := strings.ToUpper(declared)
	switch {
	case strings.Contains(t, "INT"):
		return KindInteger
	case strings.Contains(t, "BOOL"):
		return KindBoolean
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"), strings.Contains(t, "JSON"), strings.Contains(t, "UUID"):
		return KindText
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BYTEA"):
		return KindBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return KindReal
	case strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return KindNumeric
	case strings.Contains(t, "TIME"), strings.Contains(t, "DATE"):
		return KindTimestamp
	case t == "":
		return KindBlob
	default:
		return KindText
	}
}

// DB is a site database connection with dialect-specific SQL helpers.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to a site database.
func Open(dialect Dialect, dsn string) (*DB, error) {
	var driverName string
	switch dialect {
	case DialectSQLite:
		driverName = "sqlite"
	case DialectPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return &DB{db: db, dialect: dialect}, nil
}

// New wraps an existing connection.
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// SQL returns the underlying connection pool.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Dialect returns the connection's dialect.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Placeholder returns the bind parameter for a 1-based index.
func (d *DB) Placeholder(index int) string {
	if d.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", index)
	}
	return "?"
}

// QuoteIdent quotes a table or column name.
func (d *DB) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ColumnType returns the DDL type for a portable kind.
func (d *DB) ColumnType(k Kind) string {
	if d.dialect == DialectPostgres {
		switch k {
		case KindInteger:
			return "BIGINT"
		case KindReal:
			return "DOUBLE PRECISION"
		case KindNumeric:
			return "NUMERIC"
		case KindBlob:
			return "BYTEA"
		case KindBoolean:
			return "BOOLEAN"
		case KindTimestamp:
			return "TIMESTAMPTZ"
		default:
			return "TEXT"
		}
	}
	switch k {
	case KindInteger:
		return "INTEGER"
	case KindReal:
		return "REAL"
	case KindNumeric:
		return "NUMERIC"
	case KindBlob:
		return "BLOB"
	case KindBoolean:
		return "BOOLEAN"
	case KindTimestamp:
		return "DATETIME"
	default:
		return "TEXT"
	}
}

// UpsertClause returns the conflict clause that turns an INSERT into an
// update of the non-key columns. Without a primary key conflicting rows are
// left as they are.
func (d *DB) UpsertClause(cols []Column) string {
	var keys, sets []string
	for _, c := range primaryKey(cols) {
		keys = append(keys, d.QuoteIdent(c.Name))
	}
	if len(keys) == 0 {
		return "ON CONFLICT DO NOTHING"
	}
	for _, c := range cols {
		if c.PK == 0 {
			q := d.QuoteIdent(c.Name)
			sets = append(sets, q+" = excluded."+q)
		}
	}
	if len(sets) == 0 {
		return "ON CONFLICT (" + strings.Join(keys, ", ") + ") DO NOTHING"
	}
	return "ON CONFLICT (" + strings.Join(keys, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

// IsConstraintError reports whether err is a key or constraint violation.
func (d *DB) IsConstraintError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

// Tables lists base tables in name order, leaving out import bookkeeping.
func (d *DB) Tables(ctx context.Context) ([]string, error) {
	var query string
	if d.dialect == DialectPostgres {
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
			  AND table_name <> '` + ProgressTable + `'
			ORDER BY table_name`
	} else {
		query = `SELECT name FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name <> '` + ProgressTable + `'
			ORDER BY name`
	}
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// TableExists reports whether a base table exists.
func (d *DB) TableExists(ctx context.Context, table string) (bool, error) {
	tables, err := d.Tables(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t == table {
			return true, nil
		}
	}
	return false, nil
}

// Columns describes the columns of a table in ordinal order.
func (d *DB) Columns(ctx context.Context, table string) ([]Column, error) {
	if d.dialect == DialectPostgres {
		return d.postgresColumns(ctx, table)
	}
	return d.sqliteColumns(ctx, table)
}

func (d *DB) sqliteColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := d.db.QueryContext(ctx, "PRAGMA table_info("+d.QuoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, declType   string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols = append(cols, Column{Name: name, Kind: KindOf(declType), PK: pk, NotNull: notNull != 0})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no columns or does not exist", table)
	}
	return cols, nil
}

func (d *DB) postgresColumns(ctx context.Context, table string) ([]Column, error) {
	const query = `
		SELECT c.column_name, c.data_type, c.is_nullable = 'NO',
		       COALESCE(k.ordinal_position, 0)
		FROM information_schema.columns c
		LEFT JOIN information_schema.table_constraints tc
		       ON tc.table_schema = c.table_schema AND tc.table_name = c.table_name
		      AND tc.constraint_type = 'PRIMARY KEY'
		LEFT JOIN information_schema.key_column_usage k
		       ON k.constraint_name = tc.constraint_name AND k.table_schema = c.table_schema
		      AND k.table_name = c.table_name AND k.column_name = c.column_name
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position`
	rows, err := d.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			c        Column
			dataType string
		)
		if err := rows.Scan(&c.Name, &dataType, &c.NotNull, &c.PK); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		c.Kind = KindOf(dataType)
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no columns or does not exist", table)
	}
	return cols, nil
}

// CreateTable drops and recreates a table from portable column descriptions.
func (d *DB) CreateTable(ctx context.Context, table string, cols []Column) error {
	var defs []string
	for _, c := range cols {
		def := d.QuoteIdent(c.Name) + " " + d.ColumnType(c.Kind)
		if c.NotNull {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if pk := primaryKey(cols); len(pk) > 0 {
		var names []string
		for _, c := range pk {
			names = append(names, d.QuoteIdent(c.Name))
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(names, ", ")+")")
	}

	if _, err := d.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+d.QuoteIdent(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	ddl := "CREATE TABLE " + d.QuoteIdent(table) + " (" + strings.Join(defs, ", ") + ")"
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}

// orderBy returns a deterministic ordering for paging through a table.
func (d *DB) orderBy(cols []Column) string {
	var names []string
	for _, c := range primaryKey(cols) {
		names = append(names, d.QuoteIdent(c.Name))
	}
	if len(names) > 0 {
		return strings.Join(names, ", ")
	}
	if d.dialect == DialectSQLite {
		return "rowid"
	}
	for _, c := range cols {
		names = append(names, d.QuoteIdent(c.Name))
	}
	return strings.Join(names, ", ")
}

func primaryKey(cols []Column) []Column {
	var pk []Column
	for pos := 1; ; pos++ {
		found := false
		for _, c := range cols {
			if c.PK == pos {
				pk = append(pk, c)
				found = true
				break
			}
		}
		if !found {
			return pk
		}
	}
}
