package database

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	smerrors "github.com/BadgerOps/sitemove/internal/errors"
)

// Cursor records how far a table dump has progressed. It is persisted in job
// state between invocations.
type Cursor struct {
	TableIndex  int   `json:"table_index"`
	RowOffset   int64 `json:"row_offset"`
	RowsWritten int64 `json:"rows_written"`
	DumpOffset  int64 `json:"dump_offset"`
}

// ColumnRewrite selects string values in one column whose table-prefix
// occurrences are rewritten, e.g. option names such as "wp_user_roles".
type ColumnRewrite struct {
	Table  string // unprefixed table name
	Column string
}

// ValueOverride replaces Column with Value on rows where MatchColumn equals
// Match.
type ValueOverride struct {
	Table       string // unprefixed table name
	MatchColumn string
	Match       string
	Column      string
	Value       any
}

// ExportOptions control how tables are dumped.
type ExportOptions struct {
	// Tables to dump, in order.
	Tables []string
	// SourcePrefix is the site's table prefix, e.g. "wp_".
	SourcePrefix string
	// DumpPrefix replaces SourcePrefix in the dump.
	DumpPrefix string
	BatchRows  int
	Rewrites   []ColumnRewrite
	// Filters maps an unprefixed table name to a SQL condition rows must
	// satisfy to be dumped.
	Filters   map[string]string
	Overrides []ValueOverride
}

// DefaultRewrites are the columns whose values embed the table prefix.
func DefaultRewrites() []ColumnRewrite {
	return []ColumnRewrite{
		{Table: "options", Column: "option_name"},
		{Table: "usermeta", Column: "meta_key"},
	}
}

// SpamCommentsFilter excludes comments marked as spam.
const SpamCommentsFilter = "comment_approved <> 'spam'"

// RevisionsFilter excludes post revisions.
const RevisionsFilter = "post_type <> 'revision'"

// Exporter dumps tables in bounded batches.
type Exporter struct {
	db     *DB
	opts   ExportOptions
	logger *slog.Logger
}

// NewExporter creates an exporter.
func NewExporter(db *DB, opts ExportOptions, logger *slog.Logger) *Exporter {
	if opts.BatchRows <= 0 {
		opts.BatchRows = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{db: db, opts: opts, logger: logger}
}

// Export appends at most one batch of rows to the dump file at dumpPath and
// advances cur. Bytes past cur.DumpOffset from an interrupted invocation are
// discarded first, so repeating a call with the same cursor produces the
// same dump. It reports true once every table has been dumped.
func (e *Exporter) Export(ctx context.Context, dumpPath string, cur *Cursor) (bool, error) {
	if cur.TableIndex >= len(e.opts.Tables) {
		return true, nil
	}

	f, err := os.OpenFile(dumpPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return false, smerrors.ErrDatabaseExport("", fmt.Errorf("opening dump: %w", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, smerrors.ErrDatabaseExport("", err)
	}
	if info.Size() < cur.DumpOffset {
		return false, smerrors.ErrDatabaseExport("", fmt.Errorf("dump is %d bytes, cursor expects %d", info.Size(), cur.DumpOffset))
	}
	if err := f.Truncate(cur.DumpOffset); err != nil {
		return false, smerrors.ErrDatabaseExport("", err)
	}
	if _, err := f.Seek(cur.DumpOffset, io.SeekStart); err != nil {
		return false, smerrors.ErrDatabaseExport("", err)
	}

	table := e.opts.Tables[cur.TableIndex]
	written, n, err := e.exportBatch(ctx, f, table, cur.RowOffset)
	if err != nil {
		return false, smerrors.ErrDatabaseExport(table, err)
	}
	if err := f.Sync(); err != nil {
		return false, smerrors.ErrDatabaseExport(table, err)
	}

	cur.DumpOffset += written
	cur.RowsWritten += n
	if n < int64(e.opts.BatchRows) {
		e.logger.Debug("table dumped", "table", table, "rows", cur.RowOffset+n)
		cur.TableIndex++
		cur.RowOffset = 0
	} else {
		cur.RowOffset += n
	}
	return cur.TableIndex >= len(e.opts.Tables), nil
}

func (e *Exporter) exportBatch(ctx context.Context, w io.Writer, table string, offset int64) (int64, int64, error) {
	cols, err := e.db.Columns(ctx, table)
	if err != nil {
		return 0, 0, err
	}
	base := strings.TrimPrefix(table, e.opts.SourcePrefix)

	var written int64
	if offset == 0 {
		ddl, err := e.db.TableDDL(ctx, table)
		if err != nil {
			return 0, 0, err
		}
		for i := range ddl {
			ddl[i] = rewritePrefix(ddl[i], e.opts.SourcePrefix, e.opts.DumpPrefix)
		}
		line, err := encodeHeader(dumpLine{Table: e.dumpName(table), Columns: cols, Dialect: e.db.dialect, DDL: ddl})
		if err != nil {
			return 0, 0, err
		}
		if _, err := w.Write(line); err != nil {
			return 0, 0, err
		}
		written += int64(len(line))
	}

	var names []string
	for _, c := range cols {
		name := e.db.QuoteIdent(c.Name)
		// The SQLite driver parses date columns into time.Time, losing the
		// stored text.
		if e.db.dialect == DialectSQLite && c.Kind == KindTimestamp {
			name = "CAST(" + name + " AS TEXT)"
		}
		names = append(names, name)
	}
	query := "SELECT " + strings.Join(names, ", ") + " FROM " + e.db.QuoteIdent(table)
	if cond, ok := e.opts.Filters[base]; ok && cond != "" {
		query += " WHERE " + cond
	}
	query += fmt.Sprintf(" ORDER BY %s LIMIT %d OFFSET %d", e.db.orderBy(cols), e.opts.BatchRows, offset)

	rows, err := e.db.db.QueryContext(ctx, query)
	if err != nil {
		return 0, 0, fmt.Errorf("select rows: %w", err)
	}
	defer rows.Close()

	rewrite := e.rewriteColumns(base, cols)
	var n int64
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return 0, 0, fmt.Errorf("scan row: %w", err)
		}
		e.transform(base, cols, values, rewrite)

		line, err := encodeRow(cols, values)
		if err != nil {
			return 0, 0, fmt.Errorf("row %d: %w", offset+n, err)
		}
		if _, err := w.Write(line); err != nil {
			return 0, 0, err
		}
		written += int64(len(line))
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	return written, n, nil
}

// dumpName swaps the source prefix for the dump prefix.
func (e *Exporter) dumpName(table string) string {
	if e.opts.SourcePrefix != "" && strings.HasPrefix(table, e.opts.SourcePrefix) {
		return e.opts.DumpPrefix + strings.TrimPrefix(table, e.opts.SourcePrefix)
	}
	return table
}

func (e *Exporter) rewriteColumns(base string, cols []Column) map[int]bool {
	idx := make(map[int]bool)
	for _, r := range e.opts.Rewrites {
		if r.Table != base {
			continue
		}
		for i, c := range cols {
			if c.Name == r.Column {
				idx[i] = true
			}
		}
	}
	return idx
}

func (e *Exporter) transform(base string, cols []Column, values []any, rewrite map[int]bool) {
	for i := range values {
		if b, ok := values[i].([]byte); ok && cols[i].Kind == KindText {
			values[i] = string(b)
		}
	}
	for i := range rewrite {
		if s, ok := values[i].(string); ok && e.opts.SourcePrefix != "" && strings.HasPrefix(s, e.opts.SourcePrefix) {
			values[i] = e.opts.DumpPrefix + strings.TrimPrefix(s, e.opts.SourcePrefix)
		}
	}
	for _, o := range e.opts.Overrides {
		if o.Table != base {
			continue
		}
		match, target := -1, -1
		for i, c := range cols {
			switch c.Name {
			case o.MatchColumn:
				match = i
			case o.Column:
				target = i
			}
		}
		if match < 0 || target < 0 {
			continue
		}
		if s, ok := values[match].(string); ok && s == o.Match {
			values[target] = o.Value
		}
	}
}
