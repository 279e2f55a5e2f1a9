package database

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	smerrors "github.com/BadgerOps/sitemove/internal/errors"
)

// ImportCursor records how much of a dump has been applied.
type ImportCursor struct {
	// Offset is the dump position after the last committed batch.
	Offset  int64    `json:"offset"`
	Table   string   `json:"table,omitempty"`
	Columns []Column `json:"columns,omitempty"`
	Rows    int64    `json:"rows"`
	Tables  int      `json:"tables"`
}

// Replacement substitutes Old with New in every text value.
type Replacement struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// ImportOptions control how a dump is applied.
type ImportOptions struct {
	DumpPrefix   string
	TargetPrefix string
	BatchRows    int
	Rewrites     []ColumnRewrite
	Replacements []Replacement
	// UpsertSafe lists unprefixed tables whose key collisions are resolved
	// by updating the existing row instead of failing the import.
	UpsertSafe []string
	// ProgressKey names this import's row in the target's progress table.
	// Each batch records the cursor it leads to in the same transaction, so
	// a call repeated from an older cursor skips rows already committed.
	// Empty disables the record.
	ProgressKey string
}

// ProgressTable holds the cursor of every import in flight on a database.
const ProgressTable = "sitemove_import_progress"

// sqliteTimeFormat is how SQLite's date functions write timestamps.
const sqliteTimeFormat = "2006-01-02 15:04:05.999999999"

// Importer applies a dump in bounded, transactional batches.
type Importer struct {
	db       *DB
	opts     ImportOptions
	replacer *strings.Replacer
	logger   *slog.Logger
}

// NewImporter creates an importer.
func NewImporter(db *DB, opts ImportOptions, logger *slog.Logger) *Importer {
	if opts.BatchRows <= 0 {
		opts.BatchRows = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{db: db, opts: opts, replacer: newReplacer(opts.Replacements), logger: logger}
}

// newReplacer orders replacements longest first so that a URL is rewritten
// before any shorter URL it contains.
func newReplacer(reps []Replacement) *strings.Replacer {
	var sorted []Replacement
	for _, r := range reps {
		if r.Old != "" && r.Old != r.New {
			sorted = append(sorted, r)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].Old) > len(sorted[j].Old) })
	var pairs []string
	for _, r := range sorted {
		pairs = append(pairs, r.Old, r.New)
	}
	return strings.NewReplacer(pairs...)
}

// Import applies at most one batch of rows from the dump at dumpPath,
// starting at cur.Offset. Table headers recreate the target table. It
// reports true once the whole dump has been applied.
func (im *Importer) Import(ctx context.Context, dumpPath string, cur *ImportCursor) (bool, error) {
	if err := im.resume(ctx, cur); err != nil {
		return false, smerrors.ErrDatabaseImport(ProgressTable, err)
	}

	f, err := os.Open(dumpPath)
	if err != nil {
		return false, smerrors.ErrDatabaseImport("", fmt.Errorf("opening dump: %w", err))
	}
	defer f.Close()

	if _, err := f.Seek(cur.Offset, io.SeekStart); err != nil {
		return false, smerrors.ErrDatabaseImport(cur.Table, err)
	}
	br := bufio.NewReaderSize(f, 256*1024)

	var (
		pending [][]any
		offset  = cur.Offset
	)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		line, err := br.ReadBytes('\n')
		if err == io.EOF && len(line) == 0 {
			if err := im.flush(ctx, cur, pending, offset); err != nil {
				return false, err
			}
			if err := im.tableDone(ctx, cur); err != nil {
				return false, err
			}
			return true, nil
		}
		if err != nil && err != io.EOF {
			return false, smerrors.ErrDatabaseImport(cur.Table, err)
		}

		header, row, derr := decodeLine(line)
		if derr != nil {
			return false, smerrors.ErrDatabaseImport(cur.Table, fmt.Errorf("at dump offset %d: %w", offset, derr))
		}

		if header != nil {
			if len(pending) > 0 {
				// Commit the previous table's rows first; the header is
				// handled by the next call.
				return false, im.flush(ctx, cur, pending, offset)
			}
			if err := im.tableDone(ctx, cur); err != nil {
				return false, err
			}
			table := im.targetName(header.Table)
			if err := im.createTable(ctx, table, header); err != nil {
				return false, smerrors.ErrDatabaseImport(table, err)
			}
			offset += int64(len(line))
			cur.Offset = offset
			cur.Table = table
			cur.Columns = header.Columns
			cur.Tables++
			im.logger.Debug("restoring table", "table", table)
			continue
		}

		if cur.Table == "" {
			return false, smerrors.ErrDatabaseImport("", fmt.Errorf("row before any table header at offset %d", offset))
		}
		if len(row) != len(cur.Columns) {
			return false, smerrors.ErrDatabaseImport(cur.Table, fmt.Errorf("row has %d values, table has %d columns", len(row), len(cur.Columns)))
		}
		im.transform(cur, row)
		pending = append(pending, row)
		offset += int64(len(line))

		if len(pending) >= im.opts.BatchRows {
			return false, im.flush(ctx, cur, pending, offset)
		}
	}
}

// createTable rebuilds the table from the source DDL when the dump came
// from the same dialect, and from the portable column list otherwise.
func (im *Importer) createTable(ctx context.Context, table string, h *dumpLine) error {
	if h.Dialect != im.db.dialect || len(h.DDL) == 0 {
		return im.db.CreateTable(ctx, table, h.Columns)
	}
	ddl := make([]string, len(h.DDL))
	for i, stmt := range h.DDL {
		ddl[i] = rewritePrefix(stmt, im.opts.DumpPrefix, im.opts.TargetPrefix)
	}
	return im.db.RestoreTable(ctx, table, ddl)
}

// tableDone finishes the table the cursor is in, if any.
func (im *Importer) tableDone(ctx context.Context, cur *ImportCursor) error {
	if cur.Table == "" {
		return nil
	}
	if err := im.db.SyncSequences(ctx, cur.Table, cur.Columns); err != nil {
		return smerrors.ErrDatabaseImport(cur.Table, err)
	}
	return nil
}

func (im *Importer) targetName(dumpName string) string {
	if im.opts.DumpPrefix != "" && strings.HasPrefix(dumpName, im.opts.DumpPrefix) {
		return im.opts.TargetPrefix + strings.TrimPrefix(dumpName, im.opts.DumpPrefix)
	}
	return dumpName
}

func (im *Importer) baseName(table string) string {
	return strings.TrimPrefix(table, im.opts.TargetPrefix)
}

func (im *Importer) transform(cur *ImportCursor, row []any) {
	base := im.baseName(cur.Table)
	for i, v := range row {
		if t, ok := v.(time.Time); ok && im.db.dialect == DialectSQLite {
			row[i] = t.UTC().Format(sqliteTimeFormat)
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, r := range im.opts.Rewrites {
			if r.Table == base && r.Column == cur.Columns[i].Name && im.opts.DumpPrefix != "" && strings.HasPrefix(s, im.opts.DumpPrefix) {
				s = im.opts.TargetPrefix + strings.TrimPrefix(s, im.opts.DumpPrefix)
			}
		}
		if im.replacer != nil {
			s = im.replacer.Replace(s)
		}
		row[i] = s
	}
}

// flush inserts rows in one transaction and advances the cursor to offset.
// A key collision fails the import unless the table is upsert-safe, in which
// case the batch is retried as an upsert.
func (im *Importer) flush(ctx context.Context, cur *ImportCursor, rows [][]any, offset int64) error {
	if len(rows) == 0 {
		cur.Offset = offset
		return nil
	}

	next := *cur
	next.Offset = offset
	next.Rows += int64(len(rows))

	err := im.insert(ctx, &next, rows, false)
	if err != nil && im.db.IsConstraintError(err) && slices.Contains(im.opts.UpsertSafe, im.baseName(cur.Table)) {
		im.logger.Info("key collision, retrying batch as upsert", "table", cur.Table, "rows", len(rows))
		err = im.insert(ctx, &next, rows, true)
	}
	if err != nil {
		return smerrors.ErrDatabaseImport(cur.Table, err)
	}

	*cur = next
	return nil
}

// insert writes rows into next.Table and, with a progress key, records next
// in the same transaction.
func (im *Importer) insert(ctx context.Context, next *ImportCursor, rows [][]any, upsert bool) error {
	tx, err := im.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, im.insertSQL(next.Table, next.Columns, upsert))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return err
		}
	}
	if im.opts.ProgressKey != "" {
		if err := im.saveProgress(ctx, tx, next); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// resume moves cur past batches a previous call committed but whose cursor
// the caller never saved.
func (im *Importer) resume(ctx context.Context, cur *ImportCursor) error {
	if im.opts.ProgressKey == "" {
		return nil
	}
	if err := ensureProgressTable(ctx, im.db); err != nil {
		return err
	}
	var raw string
	q := "SELECT " + im.db.QuoteIdent("state") + " FROM " + im.db.QuoteIdent(ProgressTable) + " WHERE job = " + im.db.Placeholder(1)
	err := im.db.db.QueryRowContext(ctx, q, im.opts.ProgressKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read import progress: %w", err)
	}
	var saved ImportCursor
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		return fmt.Errorf("decode import progress: %w", err)
	}
	if saved.Offset > cur.Offset {
		im.logger.Info("skipping rows already imported", "table", saved.Table, "from", cur.Offset, "to", saved.Offset)
		*cur = saved
	}
	return nil
}

func (im *Importer) saveProgress(ctx context.Context, ex execer, cur *ImportCursor) error {
	data, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	state := im.db.QuoteIdent("state")
	q := "INSERT INTO " + im.db.QuoteIdent(ProgressTable) + " (job, " + state + ") VALUES (" +
		im.db.Placeholder(1) + ", " + im.db.Placeholder(2) + ") ON CONFLICT (job) DO UPDATE SET " + state + " = excluded." + state
	if _, err := ex.ExecContext(ctx, q, im.opts.ProgressKey, string(data)); err != nil {
		return fmt.Errorf("record import progress: %w", err)
	}
	return nil
}

func ensureProgressTable(ctx context.Context, db *DB) error {
	q := "CREATE TABLE IF NOT EXISTS " + db.QuoteIdent(ProgressTable) + " (job TEXT PRIMARY KEY, " + db.QuoteIdent("state") + " TEXT NOT NULL)"
	if _, err := db.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create %s: %w", ProgressTable, err)
	}
	return nil
}

// ClearImportProgress forgets the progress recorded under key, dropping the
// table once no import is left in it. Call it only after the cursor that
// reached the end of the dump has been saved.
func ClearImportProgress(ctx context.Context, db *DB, key string) error {
	if err := ensureProgressTable(ctx, db); err != nil {
		return err
	}
	table := db.QuoteIdent(ProgressTable)
	if _, err := db.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE job = "+db.Placeholder(1), key); err != nil {
		return fmt.Errorf("clear import progress: %w", err)
	}
	var left int
	if err := db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&left); err != nil {
		return fmt.Errorf("count import progress: %w", err)
	}
	if left > 0 {
		return nil
	}
	if _, err := db.db.ExecContext(ctx, "DROP TABLE "+table); err != nil {
		return fmt.Errorf("drop %s: %w", ProgressTable, err)
	}
	return nil
}

func (im *Importer) insertSQL(table string, cols []Column, upsert bool) string {
	names := make([]string, len(cols))
	binds := make([]string, len(cols))
	for i, c := range cols {
		names[i] = im.db.QuoteIdent(c.Name)
		binds[i] = im.db.Placeholder(i + 1)
	}
	q := "INSERT INTO " + im.db.QuoteIdent(table) + " (" + strings.Join(names, ", ") + ") VALUES (" + strings.Join(binds, ", ") + ")"
	if upsert {
		q += " " + im.db.UpsertClause(cols)
	}
	return q
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
