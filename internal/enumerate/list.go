package enumerate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Totals summarizes a persisted enumeration.
type Totals struct {
	Files   int64 `json:"files"`
	Bytes   int64 `json:"bytes"`
	Skipped int64 `json:"skipped,omitempty"`
}

// Enumerate walks root and writes one record per file to listPath. The list
// is written under a temporary name and renamed once complete, so an
// interrupted enumeration leaves no partial list behind.
func Enumerate(root, listPath string, filters ...Filter) (Totals, error) {
	var totals Totals
	tmp := listPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return totals, fmt.Errorf("creating list: %w", err)
	}
	defer os.Remove(tmp)

	w := bufio.NewWriter(f)
	for file, err := range Walk(root, filters...) {
		if err != nil {
			if IsSkip(err) {
				totals.Skipped++
				continue
			}
			f.Close()
			return totals, err
		}
		if _, err := w.WriteString(formatRecord(file)); err != nil {
			f.Close()
			return totals, fmt.Errorf("writing list: %w", err)
		}
		totals.Files++
		totals.Bytes += file.Size
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return totals, fmt.Errorf("flushing list: %w", err)
	}
	if err := f.Close(); err != nil {
		return totals, fmt.Errorf("closing list: %w", err)
	}
	if err := os.Rename(tmp, listPath); err != nil {
		return totals, fmt.Errorf("renaming list: %w", err)
	}
	return totals, nil
}

func formatRecord(f File) string {
	return strings.Join([]string{
		quoteField(f.Rel),
		quoteField(f.Path),
		strconv.FormatInt(f.Size, 10),
		strconv.FormatInt(f.ModTime.Unix(), 10),
		strconv.FormatUint(uint64(f.Mode), 8),
	}, "\t") + "\n"
}

func quoteField(s string) string {
	if strings.ContainsAny(s, "\t\n\r") || strings.HasPrefix(s, `"`) {
		return strconv.Quote(s)
	}
	return s
}

func unquoteField(s string) (string, error) {
	if strings.HasPrefix(s, `"`) {
		return strconv.Unquote(s)
	}
	return s, nil
}

func parseRecord(line string) (File, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 4 {
		return File{}, fmt.Errorf("malformed list record %q", line)
	}
	rel, err := unquoteField(fields[0])
	if err != nil {
		return File{}, fmt.Errorf("malformed path in %q: %w", line, err)
	}
	path, err := unquoteField(fields[1])
	if err != nil {
		return File{}, fmt.Errorf("malformed path in %q: %w", line, err)
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return File{}, fmt.Errorf("malformed size in %q: %w", line, err)
	}
	mtime, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return File{}, fmt.Errorf("malformed mtime in %q: %w", line, err)
	}
	f := File{Path: path, Rel: rel, Size: size, ModTime: time.Unix(mtime, 0)}
	if len(fields) > 4 {
		mode, err := strconv.ParseUint(fields[4], 8, 32)
		if err != nil {
			return File{}, fmt.Errorf("malformed mode in %q: %w", line, err)
		}
		f.Mode = os.FileMode(mode)
	}
	return f, nil
}

// ListReader reads records from a persisted list starting at a byte offset.
type ListReader struct {
	f      *os.File
	r      *bufio.Reader
	offset int64
}

// OpenList opens listPath positioned at offset, which must be 0 or a value
// previously returned by Offset.
func OpenList(listPath string, offset int64) (*ListReader, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return nil, fmt.Errorf("opening list: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking list: %w", err)
	}
	return &ListReader{f: f, r: bufio.NewReader(f), offset: offset}, nil
}

// Next returns the next record, or io.EOF at the end of the list.
func (l *ListReader) Next() (File, error) {
	line, err := l.r.ReadString('\n')
	if errors.Is(err, io.EOF) {
		if line == "" {
			return File{}, io.EOF
		}
		return File{}, fmt.Errorf("truncated list record at offset %d", l.offset)
	}
	if err != nil {
		return File{}, fmt.Errorf("reading list: %w", err)
	}
	f, err := parseRecord(strings.TrimSuffix(line, "\n"))
	if err != nil {
		return File{}, err
	}
	l.offset += int64(len(line))
	return f, nil
}

// Offset returns the byte offset just past the last record returned.
func (l *ListReader) Offset() int64 {
	return l.offset
}

// Close closes the list.
func (l *ListReader) Close() error {
	return l.f.Close()
}
