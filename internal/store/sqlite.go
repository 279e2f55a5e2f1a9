package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Job Operations
// ============================================================================

// SaveJob inserts or replaces a job by ID
func (s *Store) SaveJob(job *Job) error {
	const query = `
		INSERT INTO jobs (
			id, kind, status, step, priority, archive, state,
			error_code, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind, status = excluded.status, step = excluded.step,
			priority = excluded.priority, archive = excluded.archive,
			state = excluded.state, error_code = excluded.error_code,
			error_message = excluded.error_message, updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.Exec(
		query,
		job.ID, job.Kind, job.Status, job.Step, job.Priority, job.Archive,
		string(job.State), job.ErrorCode, job.ErrorMessage, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	const query = `
		SELECT id, kind, status, step, priority, archive, state,
		       error_code, error_message, created_at, updated_at
		FROM jobs WHERE id = ?
	`

	job, err := scanJob(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// ListJobs retrieves jobs, newest first, optionally filtered by status
func (s *Store) ListJobs(status string, limit int) ([]Job, error) {
	query := `
		SELECT id, kind, status, step, priority, archive, state,
		       error_code, error_message, created_at, updated_at
		FROM jobs
	`
	var args []interface{}

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// DeleteJob removes a job by ID
func (s *Store) DeleteJob(id string) error {
	result, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                      Job
		step, archive, code, msg sql.NullString
		state                    string
	)
	err := row.Scan(
		&job.ID, &job.Kind, &job.Status, &step, &job.Priority, &archive, &state,
		&code, &msg, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Step = step.String
	job.Archive = archive.String
	job.State = []byte(state)
	job.ErrorCode = code.String
	job.ErrorMessage = msg.String
	return &job, nil
}

// ============================================================================
// Transfer Operations
// ============================================================================

// CreateTransfer inserts a new Transfer and sets its ID
func (s *Store) CreateTransfer(t *Transfer) error {
	const query = `
		INSERT INTO transfers (
			job_id, direction, archive, size, sha256,
			status, error_message, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		t.JobID, t.Direction, t.Archive, t.Size, t.SHA256,
		t.Status, t.ErrorMessage, t.StartTime, t.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	t.ID = id
	return nil
}

// ListTransfers retrieves transfers ordered by start time descending
func (s *Store) ListTransfers(limit int) ([]Transfer, error) {
	query := `
		SELECT id, job_id, direction, archive, size, sha256,
		       status, error_message, start_time, end_time
		FROM transfers ORDER BY start_time DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []Transfer
	for rows.Next() {
		var (
			t                    Transfer
			archive, sum, errMsg sql.NullString
		)
		err := rows.Scan(
			&t.ID, &t.JobID, &t.Direction, &archive, &t.Size, &sum,
			&t.Status, &errMsg, &t.StartTime, &t.EndTime,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		t.Archive = archive.String
		t.SHA256 = sum.String
		t.ErrorMessage = errMsg.String
		transfers = append(transfers, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfers: %w", err)
	}

	return transfers, nil
}

// ============================================================================
// Backup Label Operations
// ============================================================================

// SetLabel assigns a label to an archive. An empty label removes it.
func (s *Store) SetLabel(name, label string) error {
	if label == "" {
		return s.DeleteLabel(name)
	}
	const query = `
		INSERT INTO backup_labels (name, label, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET label = excluded.label, updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, name, label, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set label: %w", err)
	}
	return nil
}

// GetLabel returns the label of an archive, or "" when it has none
func (s *Store) GetLabel(name string) (string, error) {
	var label string
	err := s.db.QueryRow("SELECT label FROM backup_labels WHERE name = ?", name).Scan(&label)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query label: %w", err)
	}
	return label, nil
}

// DeleteLabel removes an archive's label if present
func (s *Store) DeleteLabel(name string) error {
	if _, err := s.db.Exec("DELETE FROM backup_labels WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to delete label: %w", err)
	}
	return nil
}

// ListLabels returns all labels keyed by archive name
func (s *Store) ListLabels() (map[string]string, error) {
	rows, err := s.db.Query("SELECT name, label FROM backup_labels")
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()

	labels := make(map[string]string)
	for rows.Next() {
		var name, label string
		if err := rows.Scan(&name, &label); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels[name] = label
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating labels: %w", err)
	}
	return labels, nil
}
