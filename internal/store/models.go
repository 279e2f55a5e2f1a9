package store

import "time"

// Job is the persisted form of an export or import job. State holds the
// full JSON job state; the other columns are copies for listing.
type Job struct {
	ID           string
	Kind         string // "export" or "import"
	Status       string // "pending", "running", "completed", "failed"
	Step         string
	Priority     int
	Archive      string
	State        []byte
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Transfer records a finished export or import
type Transfer struct {
	ID           int64
	JobID        string
	Direction    string // "export" or "import"
	Archive      string // archive file name
	Size         int64
	SHA256       string
	Status       string // "running", "completed", "failed"
	ErrorMessage string
	StartTime    time.Time
	EndTime      time.Time
}

// BackupLabel is a user-assigned label keyed by archive file name.
type BackupLabel struct {
	Name      string
	Label     string
	UpdatedAt time.Time
}
