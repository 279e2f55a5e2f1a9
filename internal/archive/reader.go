package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
)

// PayloadCursor tracks a partially extracted entry. PayloadOffset is always
// on a frame boundary for filtered entries.
type PayloadCursor struct {
	PayloadOffset uint64 `json:"payload_offset,omitempty"`
	OutputOffset  int64  `json:"output_offset,omitempty"`
}

// Reader decodes an archive file.
type Reader struct {
	f       *os.File
	size    uint64
	filters Chain
}

// Open opens an archive for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	return &Reader{f: f, size: uint64(info.Size())}, nil
}

// SetFilters registers the filters available to decode entries. Entries are
// matched to filters by their flags.
func (r *Reader) SetFilters(filters ...Filter) {
	r.filters = filters
}

// Size returns the archive size in bytes.
func (r *Reader) Size() uint64 {
	return r.size
}

// Close closes the archive.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Next decodes the header at offset. The end marker is returned as an entry
// of TypeEnd.
func (r *Reader) Next(offset uint64) (Entry, error) {
	if offset >= r.size {
		return Entry{}, &CorruptError{Offset: offset, Reason: "missing end marker"}
	}
	if r.size-offset < headerSize {
		return Entry{}, &CorruptError{Offset: offset, Reason: "truncated header"}
	}
	fixed := make([]byte, headerSize)
	if _, err := r.f.ReadAt(fixed, int64(offset)); err != nil {
		return Entry{}, &CorruptError{Offset: offset, Reason: "reading header", Err: err}
	}
	e, nameLen, err := decodeFixed(fixed, offset)
	if err != nil {
		return Entry{}, err
	}
	if r.size-offset-headerSize < uint64(nameLen) {
		return Entry{}, &CorruptError{Offset: offset, Reason: "truncated entry name"}
	}
	buf := make([]byte, headerSize+nameLen)
	copy(buf, fixed)
	if nameLen > 0 {
		if _, err := r.f.ReadAt(buf[headerSize:], int64(offset)+headerSize); err != nil {
			return Entry{}, &CorruptError{Offset: offset, Reason: "reading entry name", Err: err}
		}
	}
	if binary.BigEndian.Uint32(buf[28:32]) != headerChecksum(buf) {
		return Entry{}, &CorruptError{Offset: offset, Reason: "header checksum mismatch"}
	}
	e.Name = string(buf[headerSize:])
	e.PayloadOffset = offset + headerSize + uint64(nameLen)
	if e.Size > r.size-e.PayloadOffset {
		return Entry{}, &CorruptError{Offset: offset, Reason: fmt.Sprintf("entry %q declares %d bytes past end of archive", e.Name, e.Size)}
	}
	return e, nil
}

// Entries lazily yields entries starting at the header at offset from,
// stopping at the end marker. Decoding stops after the first error.
func (r *Reader) Entries(from uint64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		offset := from
		for {
			e, err := r.Next(offset)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if e.Type == TypeEnd {
				return
			}
			if !yield(e, nil) {
				return
			}
			offset = e.End()
		}
	}
}

// Verify walks every header up to the end marker and returns the number of
// entries.
func (r *Reader) Verify() (int, error) {
	count := 0
	for _, err := range r.Entries(0) {
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Find returns the first entry with the given name.
func (r *Reader) Find(name string) (Entry, error) {
	for e, err := range r.Entries(0) {
		if err != nil {
			return Entry{}, err
		}
		if e.Name == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("entry %q: %w", name, os.ErrNotExist)
}

// ReadEntry decodes the whole payload of e into w.
func (r *Reader) ReadEntry(ctx context.Context, e Entry, w io.Writer) error {
	var c PayloadCursor
	_, err := r.CopyPayload(ctx, e, w, &c, 0)
	return err
}

// ReadAll returns the decoded payload of e.
func (r *Reader) ReadAll(ctx context.Context, e Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.ReadEntry(ctx, e, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CopyPayload decodes the payload of e into w starting at the cursor,
// stopping once at least budget decoded bytes have been written. A budget of
// zero or less copies the rest of the entry. The caller positions w at
// c.OutputOffset. It reports whether the entry has been fully copied.
func (r *Reader) CopyPayload(ctx context.Context, e Entry, w io.Writer, c *PayloadCursor, budget int64) (bool, error) {
	if c.PayloadOffset > e.Size {
		return false, &CorruptError{Offset: e.PayloadOffset, Reason: fmt.Sprintf("cursor %d past payload of %q", c.PayloadOffset, e.Name)}
	}
	if !e.Flags.Framed() {
		return r.copyRaw(ctx, e, w, c, budget)
	}
	chain, err := r.filters.forFlags(e.Flags)
	if err != nil {
		return false, err
	}
	var written int64
	for c.PayloadOffset < e.Size {
		if budget > 0 && written >= budget {
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		frameAt := e.PayloadOffset + c.PayloadOffset
		frame, err := r.readFrame(frameAt, e.Size-c.PayloadOffset)
		if err != nil {
			return false, err
		}
		plain, err := chain.decode(frame)
		if err != nil {
			if errors.Is(err, ErrDecrypt) {
				return false, err
			}
			return false, &CorruptError{Offset: frameAt, Reason: fmt.Sprintf("decoding frame of %q", e.Name), Err: err}
		}
		if _, err := w.Write(plain); err != nil {
			return false, fmt.Errorf("writing %s: %w", e.Name, err)
		}
		c.PayloadOffset += 4 + uint64(len(frame))
		c.OutputOffset += int64(len(plain))
		written += int64(len(plain))
	}
	return true, nil
}

func (r *Reader) copyRaw(ctx context.Context, e Entry, w io.Writer, c *PayloadCursor, budget int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	remaining := int64(e.Size - c.PayloadOffset)
	n := remaining
	if budget > 0 && budget < n {
		n = budget
	}
	section := io.NewSectionReader(r.f, int64(e.PayloadOffset+c.PayloadOffset), n)
	copied, err := io.Copy(w, section)
	c.PayloadOffset += uint64(copied)
	c.OutputOffset += copied
	if err != nil {
		return false, fmt.Errorf("copying %s: %w", e.Name, err)
	}
	if copied < n {
		return false, &CorruptError{Offset: e.PayloadOffset + c.PayloadOffset, Reason: fmt.Sprintf("short payload for %q", e.Name)}
	}
	return c.PayloadOffset == e.Size, nil
}

func (r *Reader) readFrame(offset, remaining uint64) ([]byte, error) {
	if remaining < 4 {
		return nil, &CorruptError{Offset: offset, Reason: "truncated frame length"}
	}
	var lenBuf [4]byte
	if _, err := r.f.ReadAt(lenBuf[:], int64(offset)); err != nil {
		return nil, &CorruptError{Offset: offset, Reason: "reading frame length", Err: err}
	}
	n := uint64(binary.BigEndian.Uint32(lenBuf[:]))
	if n > maxFrameLen || n > remaining-4 {
		return nil, &CorruptError{Offset: offset, Reason: fmt.Sprintf("frame length %d out of range", n)}
	}
	frame := make([]byte, n)
	if _, err := r.f.ReadAt(frame, int64(offset)+4); err != nil {
		return nil, &CorruptError{Offset: offset, Reason: "reading frame", Err: err}
	}
	return frame, nil
}
