package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BadgerOps/sitemove/internal/safety"
)

// Local stores archives in a directory. As a source, refs are names
// relative to that directory.
type Local struct {
	name string
	dir  string
}

// NewLocal creates a directory sink/source.
func NewLocal(name, dir string) *Local {
	return &Local{name: name, dir: dir}
}

// Name implements Sink and Source.
func (l *Local) Name() string { return l.name }

// Dir returns the backing directory.
func (l *Local) Dir() string { return l.dir }

// Put writes the archive under a temporary name and renames it into place,
// so readers of the directory never see a partial archive.
func (l *Local) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	dest, err := safety.SafeJoinUnder(l.dir, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}

	tmp := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".part")
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("wrote %d bytes, expected %d", n, size)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("storing %s: %w", name, err)
	}
	return os.Rename(tmp, dest)
}

// Fetch copies a named archive from the directory, continuing after any
// bytes already in dest.
func (l *Local) Fetch(ctx context.Context, ref, dest string) (int64, error) {
	n, _, err := l.FetchRange(ctx, ref, dest, 0)
	return n, err
}

// FetchRange implements Source.
func (l *Local) FetchRange(ctx context.Context, ref, dest string, limit int64) (int64, bool, error) {
	src, err := safety.SafeJoinUnder(l.dir, ref)
	if err != nil {
		return 0, false, err
	}
	return copyResume(ctx, src, dest, limit)
}

// File fetches archives by absolute path. It is used for archives uploaded
// straight into a job's scratch directory or given on the command line.
type File struct{}

// Name implements Source.
func (File) Name() string { return "file" }

// Fetch copies the file at ref to dest.
func (f File) Fetch(ctx context.Context, ref, dest string) (int64, error) {
	n, _, err := f.FetchRange(ctx, ref, dest, 0)
	return n, err
}

// FetchRange implements Source.
func (File) FetchRange(ctx context.Context, ref, dest string, limit int64) (int64, bool, error) {
	if !filepath.IsAbs(ref) {
		return 0, false, fmt.Errorf("file source needs an absolute path, got %q", ref)
	}
	return copyResume(ctx, ref, dest, limit)
}

// copyResume appends up to limit bytes of src to dest, starting after what
// dest already holds.
func copyResume(ctx context.Context, src, dest string, limit int64) (int64, bool, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, false, fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return 0, false, err
	}

	if same, _ := sameFile(src, dest); same {
		return info.Size(), true, nil
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return 0, false, fmt.Errorf("opening %s: %w", dest, err)
	}
	defer out.Close()

	have, err := out.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, false, err
	}
	if have > info.Size() {
		if err := out.Truncate(0); err != nil {
			return 0, false, err
		}
		have = 0
		if _, err := out.Seek(0, io.SeekStart); err != nil {
			return 0, false, err
		}
	}
	if _, err := in.Seek(have, io.SeekStart); err != nil {
		return 0, false, err
	}
	var r io.Reader = &ctxReader{ctx: ctx, r: in}
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	n, err := io.Copy(out, r)
	if err != nil {
		return have + n, false, fmt.Errorf("copying %s: %w", src, err)
	}
	return have + n, have+n >= info.Size(), out.Sync()
}

func sameFile(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}

// ctxReader stops a copy when its context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
