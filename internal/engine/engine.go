// Package engine implements the export and import step tables run by the
// pipeline scheduler, and the extractor that restores archive entries.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/BadgerOps/sitemove/internal/archive"
	"github.com/BadgerOps/sitemove/internal/config"
	"github.com/BadgerOps/sitemove/internal/enumerate"
	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/pipeline"
	"github.com/BadgerOps/sitemove/internal/store"
)

// Well-known entry names.
const (
	ManifestName = "package.json"
	DumpName     = "database.jsonl"
)

const (
	archiveFile    = "archive" + archive.Extension
	tablesListFile = "tables.list"
	defaultChunk   = 5 * 1024 * 1024
	defaultRows    = 500
)

// Register installs the export and import step tables on s, the option
// check run before a job is created, and a hook that records failed jobs
// in the transfer history.
func Register(s *pipeline.Scheduler) {
	s.Register(pipeline.KindExport, ExportPipeline())
	s.Register(pipeline.KindImport, ImportPipeline())
	s.SetValidator(func(kind pipeline.Kind, opts pipeline.Options) (pipeline.Options, error) {
		opts = Defaults(s.Env().Config, kind, opts)
		return opts, ValidateOptions(kind, opts)
	})
	s.OnError(func(ctx context.Context, env *pipeline.Env, st pipeline.State, err *smerrors.Error) {
		if err.Fatal() {
			recordTransfer(env, st, "failed", err.Error(), 0, "")
		}
	})
}

// Defaults fills options left empty by the caller from the configuration.
// Applying it twice yields the same options.
func Defaults(cfg *config.Config, kind pipeline.Kind, opts pipeline.Options) pipeline.Options {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunk
		if n, err := cfg.ChunkSizeBytes(); err == nil {
			opts.ChunkSize = n
		}
	}
	if opts.RowBatch <= 0 {
		opts.RowBatch = cfg.Export.RowBatch
		if opts.RowBatch <= 0 {
			opts.RowBatch = defaultRows
		}
	}
	if opts.Compression == "" {
		opts.Compression = cfg.Export.Compression
	}
	switch kind {
	case pipeline.KindExport:
		if opts.Sinks == nil {
			opts.Sinks = cfg.Export.Sinks
		}
		ex := cfg.Export.Exclude
		opts.Exclude.Prefixes = merge(opts.Exclude.Prefixes, ex.Prefixes)
		opts.Exclude.Substrings = merge(opts.Exclude.Substrings, ex.Substrings)
		opts.Exclude.Extensions = merge(opts.Exclude.Extensions, ex.Extensions)
		opts.Exclude.Globs = merge(opts.Exclude.Globs, ex.Globs)
		opts.Exclude.Tables = merge(opts.Exclude.Tables, ex.Tables)
	case pipeline.KindImport:
		if opts.Source == "" {
			opts.Source = cfg.Import.Source
		}
	}
	return opts
}

func merge(dst, src []string) []string {
	for _, s := range src {
		if !slices.Contains(dst, s) {
			dst = append(dst, s)
		}
	}
	return dst
}

// ValidateOptions rejects options a job could never run with.
func ValidateOptions(kind pipeline.Kind, opts pipeline.Options) error {
	switch kind {
	case pipeline.KindExport:
	case pipeline.KindImport:
		if opts.Archive == "" {
			return smerrors.ErrInvalidOptions("an archive to import is required")
		}
	default:
		return smerrors.ErrInvalidOptions(fmt.Sprintf("unknown job kind %q", kind))
	}
	switch opts.Compression {
	case "", "zstd", "none":
	default:
		return smerrors.ErrInvalidOptions(fmt.Sprintf("unsupported compression %q", opts.Compression))
	}
	if opts.ChunkSize < 0 {
		return smerrors.ErrInvalidOptions("chunk size must not be negative")
	}
	if opts.RowBatch < 0 {
		return smerrors.ErrInvalidOptions("row batch must not be negative")
	}
	for _, g := range opts.Exclude.Globs {
		if !doublestar.ValidatePattern(g) {
			return smerrors.ErrInvalidOptions(fmt.Sprintf("invalid exclude pattern %q", g))
		}
	}
	return nil
}

func archivePath(st pipeline.State) string {
	return filepath.Join(st.ScratchDir, archiveFile)
}

func dumpPath(st pipeline.State) string {
	return filepath.Join(st.ScratchDir, DumpName)
}

func tablesListPath(st pipeline.State) string {
	return filepath.Join(st.ScratchDir, tablesListFile)
}

// category is one independently enumerated part of the content directory.
type category struct {
	Name string
	// Dir is the category's directory under the content root; entries are
	// named relative to the content root. Empty for the root itself.
	Dir string
}

func (c category) listPath(st pipeline.State) string {
	return filepath.Join(st.ScratchDir, c.Name+".list")
}

func (c category) entryName(rel string) string {
	if c.Dir == "" {
		return rel
	}
	return path.Join(c.Dir, rel)
}

// categories returns the content categories an export includes, in archive
// order.
func categories(cfg *config.Config, opts pipeline.Options) []category {
	cats := []category{{Name: "content"}}
	if !opts.NoMedia {
		cats = append(cats, category{Name: "media", Dir: cfg.Site.UploadsDir})
	}
	if !opts.NoPlugins {
		cats = append(cats, category{Name: "plugins", Dir: cfg.Site.PluginsDir})
	}
	if !opts.NoThemes {
		cats = append(cats, category{Name: "themes", Dir: cfg.Site.ThemesDir})
	}
	return cats
}

// categoryDirs are the directories that form their own categories and are
// never listed with the rest of the content root.
func categoryDirs(cfg *config.Config) []string {
	return []string{cfg.Site.UploadsDir, cfg.Site.PluginsDir, cfg.Site.ThemesDir}
}

// exclusionFilters builds the user's exclusion rules. Rules match entry
// names, which are relative to the content root.
func exclusionFilters(cfg *config.Config, root string, ex pipeline.Exclusions) ([]enumerate.Filter, error) {
	var filters []enumerate.Filter
	if len(ex.Prefixes) > 0 {
		filters = append(filters, enumerate.ExcludePrefix(ex.Prefixes...))
	}
	if len(ex.Substrings) > 0 {
		filters = append(filters, enumerate.ExcludeSubstring(ex.Substrings...))
	}
	if len(ex.Extensions) > 0 {
		filters = append(filters, enumerate.ExcludeExtension(ex.Extensions...))
	}
	if len(ex.Globs) > 0 {
		filters = append(filters, enumerate.ExcludeGlob(ex.Globs...))
	}
	ignore, err := enumerate.IgnoreFile(root)
	if err != nil {
		return nil, err
	}
	filters = append(filters, ignore)

	// Never archive our own data directory.
	var own []string
	for _, dir := range []string{cfg.Server.DataDir, cfg.BackupsDir()} {
		if rel, ok := relativeTo(root, dir); ok {
			own = append(own, rel+"/")
		}
	}
	if len(own) > 0 {
		filters = append(filters, enumerate.ExcludePrefix(own...))
	}
	return filters, nil
}

func relativeTo(root, dir string) (string, bool) {
	if dir == "" {
		return "", false
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	dirAbs, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(rootAbs, dirAbs)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// under rebases a filter written against entry names onto a category walk,
// whose paths are relative to the category directory.
func under(dir string, f enumerate.Filter) enumerate.Filter {
	if dir == "" {
		return f
	}
	return func(rel string, isDir bool) bool {
		return f(path.Join(dir, rel), isDir)
	}
}

// writeFilters returns the filter chain new entries are written with.
func writeFilters(opts pipeline.Options, m *Manifest) (archive.Chain, func(), error) {
	var chain archive.Chain
	closeFn := func() {}
	if opts.Compression == "zstd" {
		z, err := archive.NewZstdFilter()
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, z)
		closeFn = func() { z.Close() }
	}
	if m.Encrypted {
		aes, err := archive.NewPasswordFilter(opts.Password, m.Salt)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		chain = append(chain, aes)
	}
	return chain, closeFn, nil
}

// readFilters returns every filter needed to decode the archive's entries.
func readFilters(password string, m *Manifest) ([]archive.Filter, func(), error) {
	z, err := archive.NewZstdFilter()
	if err != nil {
		return nil, nil, err
	}
	filters := []archive.Filter{z}
	if m.Encrypted && password != "" {
		aes, err := archive.NewPasswordFilter(password, m.Salt)
		if err != nil {
			z.Close()
			return nil, nil, err
		}
		filters = append(filters, aes)
	}
	return filters, func() { z.Close() }, nil
}

// archiveError classifies codec failures.
func archiveError(err error) error {
	var ce *archive.CorruptError
	switch {
	case errors.As(err, &ce):
		return smerrors.ErrArchiveCorrupt(int64(ce.Offset), err)
	case errors.Is(err, archive.ErrDecrypt):
		return smerrors.ErrDecryption("an entry could not be decrypted with the supplied password")
	case isNoSpace(err):
		return smerrors.ErrDiskFull(err)
	}
	return err
}

// hashFile computes the SHA256 of a file, returning hex string and size.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// recordTransfer adds the job to the transfer history.
func recordTransfer(env *pipeline.Env, st pipeline.State, status, msg string, size int64, sum string) {
	if env.Store == nil {
		return
	}
	t := &store.Transfer{
		JobID:        st.JobID,
		Direction:    string(st.Kind),
		Archive:      st.ArchiveName,
		Size:         size,
		SHA256:       sum,
		Status:       status,
		ErrorMessage: msg,
		StartTime:    st.StartedAt,
		EndTime:      time.Now().UTC(),
	}
	if err := env.Store.CreateTransfer(t); err != nil {
		env.Logger.Warn("failed to record transfer in store", "job", st.JobID, "error", err)
	}
}

// cleanScratch removes the job's private working directory.
func cleanScratch(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	if st.ScratchDir != "" {
		if err := os.RemoveAll(st.ScratchDir); err != nil {
			return pipeline.Failed(fmt.Errorf("removing scratch directory: %w", err))
		}
	}
	return pipeline.Advance(st)
}
