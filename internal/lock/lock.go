// Package lock serializes invocations against one job with a lock file per
// job. A lock whose heartbeat is older than its TTL is considered abandoned
// and may be claimed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	smerrors "github.com/BadgerOps/sitemove/internal/errors"
)

// DefaultTTL is the default time-to-live for locks.
const DefaultTTL = 10 * time.Minute

// Lock is the content of a lock file.
type Lock struct {
	Owner     string    `yaml:"owner"`     // user@host identifier
	Token     string    `yaml:"token"`     // unique per acquisition
	Acquired  time.Time `yaml:"acquired"`  // when lock was acquired
	Heartbeat time.Time `yaml:"heartbeat"` // last heartbeat update
	TTL       string    `yaml:"ttl"`       // time-to-live as duration string
	PID       int       `yaml:"pid"`       // process ID of lock holder
}

// TTLDuration parses the TTL string and returns a time.Duration.
func (l *Lock) TTLDuration() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return DefaultTTL
	}
	return d
}

// IsStale returns true if the lock heartbeat is older than TTL.
func (l *Lock) IsStale() bool {
	return time.Since(l.Heartbeat) > l.TTLDuration()
}

// FileLocker keeps one lock file per job in a directory.
type FileLocker struct {
	dir       string
	owner     string
	ttl       time.Duration
	heartbeat time.Duration
	mu        sync.Mutex
}

// NewFileLocker creates a locker storing lock files in dir.
func NewFileLocker(dir, owner string, ttl time.Duration) *FileLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FileLocker{
		dir:       dir,
		owner:     owner,
		ttl:       ttl,
		heartbeat: ttl / 3,
	}
}

// DefaultOwner returns user@host for the current process.
func DefaultOwner() string {
	host, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = "sitemove"
	}
	return fmt.Sprintf("%s@%s", user, host)
}

func (l *FileLocker) lockPath(jobID string) string {
	return filepath.Join(l.dir, jobID+".lock.yaml")
}

func (l *FileLocker) readLock(jobID string) (*Lock, error) {
	data, err := os.ReadFile(l.lockPath(jobID))
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := yaml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &lock, nil
}

// create writes a new lock file, failing if one already exists.
func (l *FileLocker) create(jobID string, lock *Lock) error {
	data, err := yaml.Marshal(lock)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	f, err := os.OpenFile(l.lockPath(jobID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(l.lockPath(jobID))
		return fmt.Errorf("write lock file: %w", err)
	}
	return f.Close()
}

// rewrite replaces a lock file atomically.
func (l *FileLocker) rewrite(jobID string, lock *Lock) error {
	data, err := yaml.Marshal(lock)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	path := l.lockPath(jobID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename lock file: %w", err)
	}
	return nil
}

// Acquire takes the job's lock and starts refreshing its heartbeat. A lock
// held by anyone, this process included, fails with JOB_LOCKED unless it
// is stale. The returned function releases the lock.
func (l *FileLocker) Acquire(jobID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	now := time.Now().UTC()
	lock := &Lock{
		Owner:     l.owner,
		Token:     uuid.NewString(),
		Acquired:  now,
		Heartbeat: now,
		TTL:       l.ttl.String(),
		PID:       os.Getpid(),
	}

	err := l.create(jobID, lock)
	if errors.Is(err, fs.ErrExist) {
		existing, rerr := l.readLock(jobID)
		if rerr == nil && !existing.IsStale() {
			return nil, smerrors.ErrJobLocked(jobID, existing.Owner)
		}
		// Stale, corrupt or just released: claim it.
		err = l.rewrite(jobID, lock)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	hb := NewHeartbeatRunner(l, jobID, lock.Token, l.heartbeat)
	hb.Start(ctx)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			hb.Wait()
			_ = l.release(jobID, lock.Token)
		})
	}, nil
}

// release removes the lock file if it still carries token.
func (l *FileLocker) release(jobID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readLock(jobID)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if existing.Token != token {
		return &LockError{JobID: jobID, Owner: existing.Owner, Reason: "lock was claimed by another holder"}
	}
	if err := os.Remove(l.lockPath(jobID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Heartbeat refreshes the heartbeat of a lock held with token.
func (l *FileLocker) Heartbeat(jobID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readLock(jobID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("lock not found for job %s", jobID)
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if existing.Token != token {
		return &LockError{JobID: jobID, Owner: existing.Owner, Reason: "cannot heartbeat lock owned by another"}
	}

	existing.Heartbeat = time.Now().UTC()
	if err := l.rewrite(jobID, existing); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// IsLocked reports whether a job holds a live lock.
func (l *FileLocker) IsLocked(jobID string) (bool, *Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := l.readLock(jobID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("read lock: %w", err)
	}
	if lock.IsStale() {
		return false, nil, nil
	}
	return true, lock, nil
}

// LockError represents a lock ownership conflict.
type LockError struct {
	JobID  string
	Owner  string
	Reason string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("job %s: %s (owner: %s)", e.JobID, e.Reason, e.Owner)
}

// HeartbeatRunner runs periodic heartbeat updates for a lock.
type HeartbeatRunner struct {
	locker   *FileLocker
	jobID    string
	token    string
	interval time.Duration
	wg       sync.WaitGroup
}

// NewHeartbeatRunner creates a new heartbeat runner.
func NewHeartbeatRunner(locker *FileLocker, jobID, token string, interval time.Duration) *HeartbeatRunner {
	if interval <= 0 {
		interval = DefaultTTL / 3
	}
	return &HeartbeatRunner{
		locker:   locker,
		jobID:    jobID,
		token:    token,
		interval: interval,
	}
}

// Start begins the heartbeat loop in a goroutine that exits when ctx is
// cancelled.
func (h *HeartbeatRunner) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// A lock that cannot be refreshed goes stale on its own.
				_ = h.locker.Heartbeat(h.jobID, h.token)
			}
		}
	}()
}

// Wait blocks until the heartbeat loop has exited.
func (h *HeartbeatRunner) Wait() {
	h.wg.Wait()
}
