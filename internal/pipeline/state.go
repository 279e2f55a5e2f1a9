// Package pipeline runs export and import jobs as an ordered table of steps,
// one bounded slice of work per invocation. Between invocations a job is
// nothing but its serialized State.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BadgerOps/sitemove/internal/archive"
	"github.com/BadgerOps/sitemove/internal/database"
	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/store"
)

// Kind selects the step table a job runs.
type Kind string

const (
	KindExport Kind = "export"
	KindImport Kind = "import"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further steps will run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// State is the complete, serializable position of a job. Re-entering a step
// with the same State continues from exactly where the previous slice
// stopped.
type State struct {
	JobID       string    `json:"job_id,omitempty"`
	Kind        Kind      `json:"kind,omitempty"`
	Status      Status    `json:"status,omitempty"`
	Priority    int       `json:"priority"`
	Step        string    `json:"step,omitempty"`
	ArchiveName string    `json:"archive_name,omitempty"`
	ScratchDir  string    `json:"scratch_dir,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	// Checksum is the finished archive's SHA-256, computed once when it is
	// published.
	Checksum string `json:"checksum,omitempty"`

	Options  Options  `json:"options"`
	Offsets  Offsets  `json:"offsets"`
	Counters Counters `json:"counters"`

	// Manifest is the package description carried between steps: built up
	// during export, read from the archive during import.
	Manifest json.RawMessage `json:"manifest,omitempty"`

	Error *smerrors.Detail `json:"error,omitempty"`
}

// Options are chosen when a job starts. Only Password may be supplied again,
// after a decryption failure.
type Options struct {
	ChunkSize   int64  `json:"chunk_size,omitempty"`
	RowBatch    int    `json:"row_batch,omitempty"`
	Compression string `json:"compression,omitempty"`
	Password    string `json:"password,omitempty"`

	Exclude        Exclusions `json:"exclude,omitempty"`
	NoMedia        bool       `json:"no_media,omitempty"`
	NoPlugins      bool       `json:"no_plugins,omitempty"`
	NoThemes       bool       `json:"no_themes,omitempty"`
	NoDatabase     bool       `json:"no_database,omitempty"`
	NoSpamComments bool       `json:"no_spam_comments,omitempty"`
	NoRevisions    bool       `json:"no_revisions,omitempty"`
	// DeactivatePlugins empties the active plugin list in the dump.
	DeactivatePlugins bool `json:"deactivate_plugins,omitempty"`
	// Theme, when set, replaces the active template and stylesheet.
	Theme string `json:"theme,omitempty"`

	Sinks []string `json:"sinks,omitempty"`
	Label string   `json:"label,omitempty"`

	// Source and Archive locate the archive an import reads.
	Source  string `json:"source,omitempty"`
	Archive string `json:"archive,omitempty"`

	// TargetURL and TargetHome override the importing site's identity.
	TargetURL  string `json:"target_url,omitempty"`
	TargetHome string `json:"target_home,omitempty"`
}

// Exclusions are user-supplied path and table filters.
type Exclusions struct {
	Prefixes   []string `json:"prefixes,omitempty"`
	Substrings []string `json:"substrings,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
	Globs      []string `json:"globs,omitempty"`
	Tables     []string `json:"tables,omitempty"`
}

// Offsets are the resumption positions of every step.
type Offsets struct {
	// Category indexes the content category being archived or enumerated.
	Category int `json:"category"`
	// List is the byte offset of the next record in the category's list.
	List int64 `json:"list"`
	// Archive is the confirmed archive size; bytes past it are discarded
	// on resume.
	Archive uint64                `json:"archive"`
	Entry   archive.EntryProgress `json:"entry"`
	Dump    database.Cursor       `json:"dump"`
	Restore database.ImportCursor `json:"restore"`
	// Extract is the header offset of the next entry to restore.
	Extract uint64                `json:"extract"`
	Payload archive.PayloadCursor `json:"payload"`
	// Fetched counts bytes of a remote archive already downloaded.
	Fetched int64 `json:"fetched"`
	// Sink indexes the next storage sink a published archive is sent to.
	Sink int `json:"sink"`
}

// Counters are cumulative totals for reporting.
type Counters struct {
	FilesTotal  int64 `json:"files_total"`
	FilesDone   int64 `json:"files_done"`
	BytesTotal  int64 `json:"bytes_total"`
	BytesDone   int64 `json:"bytes_done"`
	TablesTotal int   `json:"tables_total"`
	TablesDone  int   `json:"tables_done"`
	RowsDone    int64 `json:"rows_done"`
}

// Progress returns the cumulative position of the job. Successive states of
// one job never decrease in any component.
func (s State) Progress() []uint64 {
	return []uint64{
		uint64(s.Priority),
		s.Offsets.Archive,
		uint64(s.Counters.FilesDone),
		uint64(s.Counters.BytesDone),
		uint64(s.Counters.TablesDone),
		uint64(s.Counters.RowsDone),
		s.Offsets.Extract,
		uint64(s.Offsets.Fetched),
	}
}

// Percent estimates completion from the byte counters.
func (s State) Percent() float64 {
	if s.Status == StatusCompleted {
		return 100
	}
	if s.Counters.BytesTotal <= 0 {
		return 0
	}
	p := float64(s.Counters.BytesDone) / float64(s.Counters.BytesTotal) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Job converts the state to its persisted form.
func (s State) Job() (*store.Job, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding job state: %w", err)
	}
	job := &store.Job{
		ID:       s.JobID,
		Kind:     string(s.Kind),
		Status:   string(s.Status),
		Step:     s.Step,
		Priority: s.Priority,
		Archive:  s.ArchiveName,
		State:    data,
	}
	if s.Error != nil {
		job.ErrorCode = string(s.Error.Code)
		job.ErrorMessage = s.Error.Message
	}
	return job, nil
}

// FromJob decodes a persisted job.
func FromJob(job *store.Job) (State, error) {
	var s State
	if err := json.Unmarshal(job.State, &s); err != nil {
		return State{}, fmt.Errorf("decoding state of job %s: %w", job.ID, err)
	}
	return s, nil
}
