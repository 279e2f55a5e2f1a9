package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

// DefaultFrameSize is the amount of source data read per write when no
// budget is smaller.
const DefaultFrameSize = 512 * 1024

// maxFrameLen bounds a single encoded frame on read.
const maxFrameLen = 64 << 20

// ErrSourceShrank is returned, with done set, when a source ends before the
// size given in its EntrySpec. The entry is closed with the bytes read and
// the archive stays valid.
var ErrSourceShrank = errors.New("source ended early")

// EntrySpec describes an entry to append.
type EntrySpec struct {
	Name    string
	Type    Type
	Size    int64 // bytes available in the source
	Mode    fs.FileMode
	ModTime time.Time
	Filters Chain
}

// EntryProgress is the resumption point of a partially written entry. It is
// stored in the job state between invocations.
type EntryProgress struct {
	Started      bool   `json:"started,omitempty"`
	HeaderOffset uint64 `json:"header_offset,omitempty"`
	SourceOffset int64  `json:"source_offset,omitempty"`
}

// Writer appends entries to an archive file.
type Writer struct {
	f         *os.File
	offset    uint64
	frameSize int
}

// Create starts a new, empty archive at path, replacing any existing file.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	return &Writer{f: f, frameSize: DefaultFrameSize}, nil
}

// Resume reopens an archive and discards everything after confirmed, the
// last offset recorded in the job state.
func Resume(path string, confirmed uint64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	if uint64(info.Size()) < confirmed {
		f.Close()
		return nil, &CorruptError{Offset: uint64(info.Size()), Reason: fmt.Sprintf("archive shorter than confirmed offset %d", confirmed)}
	}
	if err := f.Truncate(int64(confirmed)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating archive: %w", err)
	}
	if _, err := f.Seek(int64(confirmed), io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking archive: %w", err)
	}
	return &Writer{f: f, offset: confirmed, frameSize: DefaultFrameSize}, nil
}

// SetFrameSize overrides the maximum number of source bytes per frame.
func (w *Writer) SetFrameSize(n int) {
	if n > 0 {
		w.frameSize = n
	}
}

// Offset returns the number of bytes written so far. Once a call to
// AppendEntry returns, this is a safe point to resume from.
func (w *Writer) Offset() uint64 {
	return w.offset
}

// AppendEntry copies up to budget source bytes of an entry into the archive.
// The header is written on the first call with a provisional size and
// patched once the source is exhausted. A budget of zero or less copies the
// whole remaining source. It returns the number of source bytes consumed and
// whether the entry is complete. A source shorter than spec.Size completes
// the entry and returns an error wrapping ErrSourceShrank.
func (w *Writer) AppendEntry(ctx context.Context, spec EntrySpec, src io.ReaderAt, p *EntryProgress, budget int64) (int64, bool, error) {
	if len(spec.Name) > MaxNameLen {
		return 0, false, fmt.Errorf("entry name too long (%d bytes)", len(spec.Name))
	}
	if spec.Type == TypeEnd {
		return 0, false, errors.New("end marker is written by Finalize")
	}
	entry := Entry{
		Name:    spec.Name,
		Type:    spec.Type,
		Flags:   spec.Filters.Flags(),
		Mode:    spec.Mode,
		ModTime: spec.ModTime,
	}
	if !p.Started {
		entry.HeaderOffset = w.offset
		if err := w.write(encodeHeader(entry)); err != nil {
			return 0, false, err
		}
		p.Started = true
		p.HeaderOffset = entry.HeaderOffset
		p.SourceOffset = 0
	}
	entry.HeaderOffset = p.HeaderOffset
	entry.PayloadOffset = p.HeaderOffset + headerSize + uint64(len(spec.Name))

	var written int64
	buf := make([]byte, w.frameSize)
	eof := false
	for p.SourceOffset < spec.Size {
		if budget > 0 && written >= budget {
			break
		}
		if err := ctx.Err(); err != nil {
			return written, false, err
		}
		want := int64(len(buf))
		if rem := spec.Size - p.SourceOffset; rem < want {
			want = rem
		}
		if budget > 0 && budget-written < want {
			want = budget - written
		}
		n, err := src.ReadAt(buf[:want], p.SourceOffset)
		if err != nil && !errors.Is(err, io.EOF) {
			return written, false, fmt.Errorf("reading %s at %d: %w", spec.Name, p.SourceOffset, err)
		}
		if n > 0 {
			if err := w.writeChunk(spec.Filters, buf[:n]); err != nil {
				return written, false, err
			}
			p.SourceOffset += int64(n)
			written += int64(n)
		}
		if int64(n) < want {
			eof = true
			break
		}
	}
	if !eof && p.SourceOffset < spec.Size {
		return written, false, nil
	}

	entry.Size = w.offset - entry.PayloadOffset
	if _, err := w.f.WriteAt(encodeHeader(entry), int64(entry.HeaderOffset)); err != nil {
		return written, false, fmt.Errorf("patching header of %s: %w", spec.Name, err)
	}
	got := p.SourceOffset
	*p = EntryProgress{}
	if eof {
		return written, true, fmt.Errorf("%s: %d of %d bytes: %w", spec.Name, got, spec.Size, ErrSourceShrank)
	}
	return written, true, nil
}

// AppendBytes writes a complete in-memory entry.
func (w *Writer) AppendBytes(ctx context.Context, spec EntrySpec, data []byte) error {
	spec.Size = int64(len(data))
	var p EntryProgress
	_, _, err := w.AppendEntry(ctx, spec, bytes.NewReader(data), &p, 0)
	return err
}

// Finalize writes the end marker and flushes the archive to disk.
func (w *Writer) Finalize() error {
	if err := w.write(encodeHeader(Entry{Type: TypeEnd})); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("syncing archive: %w", err)
	}
	return nil
}

// Sync flushes everything written so far to disk. Call it before recording
// Offset as confirmed.
func (w *Writer) Sync() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("syncing archive: %w", err)
	}
	return nil
}

// Close closes the underlying file without finalizing.
func (w *Writer) Close() error {
	return w.f.Close()
}

func (w *Writer) writeChunk(filters Chain, chunk []byte) error {
	if len(filters) == 0 {
		return w.write(chunk)
	}
	frame, err := filters.encode(chunk)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if err := w.write(lenBuf[:]); err != nil {
		return err
	}
	return w.write(frame)
}

func (w *Writer) write(p []byte) error {
	n, err := w.f.Write(p)
	w.offset += uint64(n)
	if err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	return nil
}
