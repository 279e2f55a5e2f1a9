package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// TableDDL returns the statements that recreate table with its defaults,
// constraints and indexes: the CREATE TABLE first, then any indexes and
// triggers.
func (d *DB) TableDDL(ctx context.Context, table string) ([]string, error) {
	if d.dialect == DialectPostgres {
		return d.postgresDDL(ctx, table)
	}
	return d.sqliteDDL(ctx, table)
}

func (d *DB) sqliteDDL(ctx context.Context, table string) ([]string, error) {
	// Automatic indexes backing UNIQUE and PRIMARY KEY have no SQL; they
	// come back with the table.
	const query = `SELECT sql FROM sqlite_master
		WHERE tbl_name = ? AND sql IS NOT NULL
		ORDER BY CASE type WHEN 'table' THEN 0 WHEN 'index' THEN 1 ELSE 2 END, name`
	rows, err := d.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("read schema of %s: %w", table, err)
	}
	defer rows.Close()

	var stmts []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan schema of %s: %w", table, err)
		}
		stmts = append(stmts, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(stmts) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return stmts, nil
}

func (d *DB) postgresDDL(ctx context.Context, table string) ([]string, error) {
	const columnsQuery = `
		SELECT a.attname, format_type(a.atttypid, a.atttypmod), a.attnotnull,
		       a.attidentity, COALESCE(pg_get_expr(ad.adbin, ad.adrelid), '')
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_attrdef ad ON ad.adrelid = a.attrelid AND ad.adnum = a.attnum
		WHERE n.nspname = current_schema() AND c.relname = $1
		  AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`
	rows, err := d.db.QueryContext(ctx, columnsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("read schema of %s: %w", table, err)
	}
	var defs []string
	for rows.Next() {
		var (
			name, typ, identity, dflt string
			notNull                   bool
		)
		if err := rows.Scan(&name, &typ, &notNull, &identity, &dflt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan schema of %s: %w", table, err)
		}
		defs = append(defs, postgresColumnDef(d.QuoteIdent(name), typ, notNull, identity, dflt))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	const constraintsQuery = `
		SELECT conname, pg_get_constraintdef(oid)
		FROM pg_constraint
		WHERE conrelid = $1::regclass AND contype IN ('p', 'u', 'c', 'x')
		ORDER BY contype = 'p' DESC, conname`
	cons, err := queryPairs(ctx, d.db, constraintsQuery, d.QuoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("read constraints of %s: %w", table, err)
	}
	for _, c := range cons {
		defs = append(defs, "CONSTRAINT "+d.QuoteIdent(c[0])+" "+c[1])
	}
	stmts := []string{"CREATE TABLE " + d.QuoteIdent(table) + " (" + strings.Join(defs, ", ") + ")"}

	// Indexes backing constraints are recreated by the constraints.
	const indexQuery = `
		SELECT indexname, replace(indexdef, ' ON ' || quote_ident(schemaname) || '.', ' ON ')
		FROM pg_indexes
		WHERE schemaname = current_schema() AND tablename = $1
		  AND indexname NOT IN (SELECT conname FROM pg_constraint WHERE conrelid = $2::regclass)
		ORDER BY indexname`
	idx, err := queryPairs(ctx, d.db, indexQuery, table, d.QuoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("read indexes of %s: %w", table, err)
	}
	for _, i := range idx {
		stmts = append(stmts, i[1])
	}
	return stmts, nil
}

// postgresColumnDef renders one column. Sequence defaults become serial
// types so the target owns a fresh sequence.
func postgresColumnDef(name, typ string, notNull bool, identity, dflt string) string {
	if strings.HasPrefix(dflt, "nextval(") {
		switch typ {
		case "smallint":
			return name + " smallserial"
		case "integer":
			return name + " serial"
		case "bigint":
			return name + " bigserial"
		}
	}
	def := name + " " + typ
	switch identity {
	case "a":
		def += " GENERATED ALWAYS AS IDENTITY"
	case "d":
		def += " GENERATED BY DEFAULT AS IDENTITY"
	default:
		if dflt != "" {
			def += " DEFAULT " + dflt
		}
	}
	if notNull {
		def += " NOT NULL"
	}
	return def
}

func queryPairs(ctx context.Context, db *sql.DB, query string, args ...any) ([][2]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][2]string
	for rows.Next() {
		var p [2]string
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RestoreTable drops table and replays its DDL in one transaction.
func (d *DB) RestoreTable(ctx context.Context, table string, ddl []string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+d.QuoteIdent(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// SyncSequences moves the sequences behind table's serial and identity
// columns past the largest imported value. SQLite needs nothing.
func (d *DB) SyncSequences(ctx context.Context, table string, cols []Column) error {
	if d.dialect != DialectPostgres {
		return nil
	}
	for _, c := range cols {
		if c.Kind != KindInteger {
			continue
		}
		var seq sql.NullString
		if err := d.db.QueryRowContext(ctx, "SELECT pg_get_serial_sequence($1, $2)", d.QuoteIdent(table), c.Name).Scan(&seq); err != nil {
			return fmt.Errorf("find sequence of %s.%s: %w", table, c.Name, err)
		}
		if !seq.Valid {
			continue
		}
		q := fmt.Sprintf("SELECT setval($1, COALESCE((SELECT MAX(%s) FROM %s), 0) + 1, false)", d.QuoteIdent(c.Name), d.QuoteIdent(table))
		if _, err := d.db.ExecContext(ctx, q, seq.String); err != nil {
			return fmt.Errorf("advance sequence %s: %w", seq.String, err)
		}
	}
	return nil
}

// rewritePrefix replaces from with to wherever it starts an identifier in
// stmt. String literals are left alone.
func rewritePrefix(stmt, from, to string) string {
	if from == "" || from == to {
		return stmt
	}
	var b strings.Builder
	inString := false
	for i := 0; i < len(stmt); {
		c := stmt[i]
		if c == '\'' {
			inString = !inString
		} else if !inString && strings.HasPrefix(stmt[i:], from) && (i == 0 || !identByte(stmt[i-1])) {
			b.WriteString(to)
			i += len(from)
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

func identByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
