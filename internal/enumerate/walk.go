// Package enumerate walks site file trees and database schemas to build the
// ordered work lists consumed by export jobs.
package enumerate

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/denormal/go-gitignore"
)

// File is one regular file found under a walk root.
type File struct {
	Path    string // absolute path on disk
	Rel     string // slash-separated path relative to the walk root
	Size    int64
	ModTime time.Time
	Mode    fs.FileMode
}

// SkipError records an entry that was left out of a walk. Walk yields it and
// keeps going.
type SkipError struct {
	Rel    string
	Reason string
	Err    error
}

func (e *SkipError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("skipped %s: %s: %v", e.Rel, e.Reason, e.Err)
	}
	return fmt.Sprintf("skipped %s: %s", e.Rel, e.Reason)
}

func (e *SkipError) Unwrap() error {
	return e.Err
}

// Filter reports whether a path should be excluded. rel is slash-separated
// and relative to the walk root. Excluded directories are not descended.
type Filter func(rel string, isDir bool) bool

// Walk yields every regular file under root, depth first in lexical order.
// Entries rejected by a filter are dropped; excluded directories are pruned.
// Symlinks and unreadable entries are yielded as *SkipError values and the
// walk continues. Any other error ends the sequence.
func Walk(root string, filters ...Filter) iter.Seq2[File, error] {
	return func(yield func(File, error) bool) {
		root = filepath.Clean(root)
		info, err := os.Stat(root)
		if err != nil {
			yield(File{}, fmt.Errorf("stat walk root: %w", err))
			return
		}
		if !info.IsDir() {
			yield(File{}, fmt.Errorf("walk root %s is not a directory", root))
			return
		}

		stopped := false
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if path == root {
				return err
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return relErr
			}
			rel = filepath.ToSlash(rel)

			if err != nil {
				if !yield(File{Rel: rel}, &SkipError{Rel: rel, Reason: "unreadable", Err: err}) {
					stopped = true
					return filepath.SkipAll
				}
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if excluded(filters, rel, d.IsDir()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if d.Type()&fs.ModeSymlink != 0 {
				if !yield(File{Rel: rel}, &SkipError{Rel: rel, Reason: "symlink"}) {
					stopped = true
					return filepath.SkipAll
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			fi, err := d.Info()
			if err != nil {
				if !yield(File{Rel: rel}, &SkipError{Rel: rel, Reason: "stat failed", Err: err}) {
					stopped = true
					return filepath.SkipAll
				}
				return nil
			}
			f := File{
				Path:    path,
				Rel:     rel,
				Size:    fi.Size(),
				ModTime: fi.ModTime(),
				Mode:    fi.Mode().Perm(),
			}
			if !yield(f, nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && !stopped {
			yield(File{}, err)
		}
	}
}

// IsSkip reports whether err only records a skipped entry.
func IsSkip(err error) bool {
	var se *SkipError
	return errors.As(err, &se)
}

func excluded(filters []Filter, rel string, isDir bool) bool {
	for _, f := range filters {
		if f(rel, isDir) {
			return true
		}
	}
	return false
}

// ExcludePrefix excludes paths starting with any of the given prefixes.
// Directories are compared with a trailing slash so "cache/" prunes the
// cache directory itself.
func ExcludePrefix(prefixes ...string) Filter {
	clean := normalize(prefixes)
	return func(rel string, isDir bool) bool {
		candidate := rel
		if isDir {
			candidate += "/"
		}
		for _, p := range clean {
			if strings.HasPrefix(candidate, p) {
				return true
			}
		}
		return false
	}
}

// ExcludeSubstring excludes paths containing any of the given substrings.
func ExcludeSubstring(subs ...string) Filter {
	clean := normalize(subs)
	return func(rel string, _ bool) bool {
		for _, s := range clean {
			if strings.Contains(rel, s) {
				return true
			}
		}
		return false
	}
}

// ExcludeExtension excludes files whose extension matches one of exts,
// ignoring case. A leading dot is optional.
func ExcludeExtension(exts ...string) Filter {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = struct{}{}
	}
	return func(rel string, isDir bool) bool {
		if isDir {
			return false
		}
		_, ok := set[strings.ToLower(filepath.Ext(rel))]
		return ok
	}
}

// ExcludeGlob excludes paths matching any doublestar pattern such as
// "**/*.log" or "cache/**". Invalid patterns never match.
func ExcludeGlob(patterns ...string) Filter {
	clean := normalize(patterns)
	return func(rel string, _ bool) bool {
		for _, p := range clean {
			if ok, _ := doublestar.Match(p, rel); ok {
				return true
			}
		}
		return false
	}
}

// IgnoreFileName is read from the walk root by IgnoreFile.
const IgnoreFileName = ".sitemoveignore"

// IgnoreFile loads gitignore-style rules from root/.sitemoveignore. A missing
// file yields a filter that excludes only the ignore file itself.
func IgnoreFile(root string) (Filter, error) {
	path := filepath.Join(root, IgnoreFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return func(rel string, _ bool) bool { return rel == IgnoreFileName }, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", IgnoreFileName, err)
	}
	matcher := gitignore.New(strings.NewReader(string(data)), root, func(gitignore.Error) bool { return true })
	if matcher == nil {
		return nil, fmt.Errorf("parsing %s", IgnoreFileName)
	}
	return func(rel string, isDir bool) bool {
		if rel == IgnoreFileName {
			return true
		}
		m := matcher.Relative(rel, isDir)
		return m != nil && m.Ignore()
	}, nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(s)), "/")
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
