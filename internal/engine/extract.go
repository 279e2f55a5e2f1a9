package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BadgerOps/sitemove/internal/archive"
	"github.com/BadgerOps/sitemove/internal/safety"
)

// ExtractCursor is the resumption point of an extraction: the header of the
// next entry and the progress within it.
type ExtractCursor struct {
	Offset  uint64                `json:"offset"`
	Payload archive.PayloadCursor `json:"payload"`
}

// ExtractStats counts what one Extract call restored.
type ExtractStats struct {
	Files   int64 // completed file entries
	Bytes   int64 // decoded bytes of file entries
	Other   int64 // decoded bytes of other entries
	Skipped int64
}

// DestFunc maps an entry to the path it is restored to. Entries with ok
// false are skipped.
type DestFunc func(e archive.Entry) (path string, ok bool, err error)

// Extractor restores archive entries in bounded slices.
type Extractor struct {
	Reader *archive.Reader
	Dest   DestFunc
}

// Extract restores entries from cur until at least budget decoded bytes
// have been written or the end marker is reached. A budget of zero or less
// extracts everything. Partially written files are truncated back to the
// cursor on resume, so repeating a call with the same cursor is safe.
func (x *Extractor) Extract(ctx context.Context, cur *ExtractCursor, budget int64) (ExtractStats, bool, error) {
	var stats ExtractStats
	for {
		moved := stats.Bytes + stats.Other
		if budget > 0 && moved >= budget {
			return stats, false, nil
		}
		e, err := x.Reader.Next(cur.Offset)
		if err != nil {
			return stats, false, err
		}
		if e.Type == archive.TypeEnd {
			return stats, true, nil
		}

		dest, ok, err := x.Dest(e)
		if err != nil {
			return stats, false, &archive.CorruptError{Offset: e.HeaderOffset, Reason: fmt.Sprintf("unsafe entry name %q", e.Name), Err: err}
		}
		if !ok {
			cur.Offset = e.End()
			cur.Payload = archive.PayloadCursor{}
			stats.Skipped++
			continue
		}

		var remaining int64
		if budget > 0 {
			remaining = budget - moved
		}
		n, done, err := x.extractEntry(ctx, e, dest, &cur.Payload, remaining)
		if e.Type == archive.TypeFile {
			stats.Bytes += n
		} else {
			stats.Other += n
		}
		if err != nil {
			return stats, false, err
		}
		if !done {
			return stats, false, nil
		}
		if e.Type == archive.TypeFile {
			stats.Files++
		}
		cur.Offset = e.End()
		cur.Payload = archive.PayloadCursor{}
	}
}

func (x *Extractor) extractEntry(ctx context.Context, e archive.Entry, dest string, c *archive.PayloadCursor, budget int64) (int64, bool, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, false, fmt.Errorf("creating directory for %s: %w", e.Name, err)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return 0, false, fmt.Errorf("opening %s: %w", dest, err)
	}
	if err := f.Truncate(c.OutputOffset); err != nil {
		f.Close()
		return 0, false, fmt.Errorf("truncating %s: %w", dest, err)
	}
	if _, err := f.Seek(c.OutputOffset, io.SeekStart); err != nil {
		f.Close()
		return 0, false, fmt.Errorf("seeking %s: %w", dest, err)
	}

	before := c.OutputOffset
	done, err := x.Reader.CopyPayload(ctx, e, f, c, budget)
	n := c.OutputOffset - before
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing %s: %w", dest, cerr)
	}
	if err != nil || !done {
		return n, done, err
	}

	if perm := e.Mode.Perm(); perm != 0 {
		if err := os.Chmod(dest, perm); err != nil {
			return n, true, err
		}
	}
	if !e.ModTime.IsZero() {
		if err := os.Chtimes(dest, e.ModTime, e.ModTime); err != nil {
			return n, true, err
		}
	}
	return n, true, nil
}

// ExtractByFiles restores the file entries of an archive under destRoot.
// Entries must start with one of include, when given, and must not be named
// in exclude. It returns after roughly budget bytes; pass the cursor back to
// continue.
func ExtractByFiles(ctx context.Context, archivePath, destRoot string, include, exclude []string, cur *ExtractCursor, budget int64, filters ...archive.Filter) (ExtractStats, bool, error) {
	r, err := archive.Open(archivePath)
	if err != nil {
		return ExtractStats{}, false, err
	}
	defer r.Close()
	r.SetFilters(filters...)

	x := &Extractor{
		Reader: r,
		Dest: func(e archive.Entry) (string, bool, error) {
			if e.Type != archive.TypeFile || !selected(e.Name, include, exclude) {
				return "", false, nil
			}
			p, err := safety.SafeJoinUnder(destRoot, e.Name)
			return p, true, err
		},
	}
	return x.Extract(ctx, cur, budget)
}

// ExtractAll restores every file entry under destRoot.
func ExtractAll(ctx context.Context, archivePath, destRoot string, cur *ExtractCursor, budget int64, filters ...archive.Filter) (ExtractStats, bool, error) {
	return ExtractByFiles(ctx, archivePath, destRoot, nil, nil, cur, budget, filters...)
}

func selected(name string, include, exclude []string) bool {
	if slices.Contains(exclude, name) {
		return false
	}
	if len(include) == 0 {
		return true
	}
	for _, p := range include {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
