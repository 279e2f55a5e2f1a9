// Package catalog manages the finalized archives kept in the backups
// directory.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BadgerOps/sitemove/internal/archive"
	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/safety"
)

// SidecarExt is appended to an archive name for its checksum file.
const SidecarExt = ".sha256"

// Backup is one finalized archive.
type Backup struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	Label   string    `json:"label,omitempty"`
	SHA256  string    `json:"sha256,omitempty"`
}

// LabelStore persists archive labels.
type LabelStore interface {
	SetLabel(name, label string) error
	GetLabel(name string) (string, error)
	DeleteLabel(name string) error
	ListLabels() (map[string]string, error)
}

// Catalog lists and manages archives in one directory.
type Catalog struct {
	dir    string
	labels LabelStore
	logger *slog.Logger
}

// New creates a catalog over dir. labels may be nil, in which case labels
// are not available.
func New(dir string, labels LabelStore, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{dir: dir, labels: labels, logger: logger}
}

// Dir returns the backups directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// List returns all archives, newest first.
func (c *Catalog) List() ([]Backup, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Backup{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backups directory: %w", err)
	}

	labels := map[string]string{}
	if c.labels != nil {
		if labels, err = c.labels.ListLabels(); err != nil {
			return nil, err
		}
	}

	backups := []Backup{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), archive.Extension) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Deleted between ReadDir and Info.
			continue
		}
		backups = append(backups, Backup{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
			Label:   labels[e.Name()],
			SHA256:  c.checksum(e.Name()),
		})
	}
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].ModTime.Equal(backups[j].ModTime) {
			return backups[i].Name > backups[j].Name
		}
		return backups[i].ModTime.After(backups[j].ModTime)
	})
	return backups, nil
}

// Get returns one archive.
func (c *Catalog) Get(name string) (Backup, error) {
	p, err := c.path(name)
	if err != nil {
		return Backup{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return Backup{}, c.statError(name, err)
	}
	b := Backup{Name: name, Size: info.Size(), ModTime: info.ModTime().UTC(), SHA256: c.checksum(name)}
	if c.labels != nil {
		if b.Label, err = c.labels.GetLabel(name); err != nil {
			return Backup{}, err
		}
	}
	return b, nil
}

// Delete removes an archive with its checksum and label.
func (c *Catalog) Delete(name string) error {
	p, err := c.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return c.statError(name, err)
	}
	if err := os.Remove(p + SidecarExt); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("failed to remove checksum file", "backup", name, "error", err)
	}
	if c.labels != nil {
		if err := c.labels.DeleteLabel(name); err != nil {
			return err
		}
	}
	c.logger.Info("backup deleted", "backup", name)
	return nil
}

// SetLabel attaches a label to an existing archive. An empty label clears
// it.
func (c *Catalog) SetLabel(name, label string) error {
	if c.labels == nil {
		return smerrors.ErrInvalidRequest("labels are not available")
	}
	p, err := c.path(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err != nil {
		return c.statError(name, err)
	}
	label = strings.TrimSpace(label)
	if len(label) > 255 {
		return smerrors.ErrInvalidRequest("label is longer than 255 characters")
	}
	return c.labels.SetLabel(name, label)
}

// Label returns an archive's label.
func (c *Catalog) Label(name string) (string, error) {
	b, err := c.Get(name)
	if err != nil {
		return "", err
	}
	return b.Label, nil
}

// Range is an open byte range of an archive.
type Range struct {
	io.Reader
	f *os.File

	Offset int64
	Length int64
	Size   int64 // size of the whole archive
}

// Close releases the archive file.
func (r *Range) Close() error {
	return r.f.Close()
}

// ReadRange opens length bytes of an archive starting at offset, for
// resumable downloads. A length of zero or less reads to the end.
func (c *Catalog) ReadRange(name string, offset, length int64) (*Range, error) {
	p, err := c.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, c.statError(name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat backup: %w", err)
	}
	size := info.Size()
	if offset < 0 || offset > size {
		f.Close()
		return nil, smerrors.ErrInvalidRequest(fmt.Sprintf("offset %d is outside the archive (%d bytes)", offset, size))
	}
	if length <= 0 || offset+length > size {
		length = size - offset
	}
	return &Range{
		Reader: io.NewSectionReader(f, offset, length),
		f:      f,
		Offset: offset,
		Length: length,
		Size:   size,
	}, nil
}

// PartExt marks an archive that is still being uploaded.
const PartExt = ".part"

// Upload writes one chunk of an archive sent in pieces. offset is where the
// chunk starts; sending a chunk again truncates back to its offset. The
// archive appears in the catalog once the final chunk is written. maxSize
// of zero or less means no limit. It returns the bytes received so far.
func (c *Catalog) Upload(name string, offset int64, r io.Reader, final bool, maxSize int64) (int64, error) {
	p, err := c.path(name)
	if err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, smerrors.ErrInvalidRequest(fmt.Sprintf("negative offset %d", offset))
	}
	if _, err := os.Stat(p); err == nil {
		return 0, smerrors.ErrInvalidRequest(fmt.Sprintf("backup %s already exists", name))
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating backups directory: %w", err)
	}

	part := p + PartExt
	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening upload: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("stat upload: %w", err)
	}
	if info.Size() < offset {
		f.Close()
		return info.Size(), smerrors.ErrUpload(fmt.Sprintf("chunk starts at %d but only %d bytes were received", offset, info.Size()), nil)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return 0, fmt.Errorf("truncating upload: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return 0, fmt.Errorf("seeking upload: %w", err)
	}

	src := r
	if maxSize > 0 {
		src = io.LimitReader(r, maxSize-offset+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	received := offset + n
	if err != nil {
		return offset, smerrors.ErrUpload("receiving chunk", err)
	}
	if maxSize > 0 && received > maxSize {
		os.Remove(part)
		return 0, smerrors.ErrUpload(fmt.Sprintf("archive is larger than the %d byte limit", maxSize), nil)
	}

	if final {
		if err := os.Rename(part, p); err != nil {
			return received, fmt.Errorf("publishing upload: %w", err)
		}
		c.logger.Info("backup uploaded", "backup", name, "size", received)
	}
	return received, nil
}

// ValidName reports whether name can refer to an archive in the catalog.
func ValidName(name string) error {
	clean, err := safety.CleanRelativePath(name)
	if err != nil {
		return smerrors.ErrInvalidRequest(err.Error())
	}
	if clean != name || strings.ContainsAny(name, `/\`) {
		return smerrors.ErrInvalidRequest(fmt.Sprintf("%q is not a plain file name", name))
	}
	if !strings.HasSuffix(name, archive.Extension) || name == archive.Extension {
		return smerrors.ErrInvalidRequest(fmt.Sprintf("%q is not a %s archive", name, archive.Extension))
	}
	return nil
}

func (c *Catalog) path(name string) (string, error) {
	if err := ValidName(name); err != nil {
		return "", err
	}
	p, err := safety.SafeJoinUnder(c.dir, name)
	if err != nil {
		return "", smerrors.ErrInvalidRequest(err.Error())
	}
	return p, nil
}

func (c *Catalog) statError(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return smerrors.ErrBackupNotFound(name)
	}
	return fmt.Errorf("accessing backup %s: %w", name, err)
}

// checksum reads the hex digest from an archive's sidecar, if any.
func (c *Catalog) checksum(name string) string {
	data, err := os.ReadFile(filepath.Join(c.dir, name+SidecarExt))
	if err != nil {
		return ""
	}
	sum, _, _ := strings.Cut(strings.TrimSpace(string(data)), " ")
	return sum
}
