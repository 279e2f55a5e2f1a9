package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BadgerOps/sitemove/internal/archive"
	"github.com/BadgerOps/sitemove/internal/catalog"
	"github.com/BadgerOps/sitemove/internal/database"
	"github.com/BadgerOps/sitemove/internal/enumerate"
	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/pipeline"
	"github.com/BadgerOps/sitemove/internal/safety"
)

// ExportPipeline returns the export step table.
func ExportPipeline() *pipeline.Pipeline {
	return pipeline.MustNew(
		pipeline.Step{Name: "init", Priority: 5, Run: exportInit},
		pipeline.Step{Name: "enumerate-files", Priority: 10, Run: enumerateFiles},
		pipeline.Step{Name: "enumerate-tables", Priority: 20, Run: enumerateTables},
		pipeline.Step{Name: "content", Priority: 100, Run: archiveContent},
		pipeline.Step{Name: "database", Priority: 200, Run: dumpDatabase},
		pipeline.Step{Name: "archive-database", Priority: 250, Run: archiveDatabase},
		pipeline.Step{Name: "manifest", Priority: 300, Run: writeManifest},
		pipeline.Step{Name: "finalize", Priority: 350, Run: finalizeArchive},
		pipeline.Step{Name: "publish", Priority: 400, Run: publishArchive},
		pipeline.Step{Name: "clean", Priority: 500, Run: cleanScratch},
	)
}

// exportInit fixes the job's options, reads the site identity into a
// manifest skeleton and creates the empty archive.
func exportInit(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	cfg := env.Config
	st.Options = Defaults(cfg, pipeline.KindExport, st.Options)
	if err := ValidateOptions(pipeline.KindExport, st.Options); err != nil {
		return pipeline.Failed(err)
	}

	host, _ := os.Hostname()
	m := &Manifest{
		Version:     ManifestVersion,
		Created:     st.StartedAt,
		SourceHost:  host,
		SiteURL:     cfg.Site.URL,
		HomeURL:     cfg.Site.Home,
		SiteRoot:    cfg.Site.Root,
		ContentDir:  cfg.Site.ContentDir,
		TablePrefix: cfg.Site.TablePrefix,
		DumpPrefix:  cfg.Export.DumpPrefix,
		UploadsURL:  cfg.Site.UploadsURL,
		Compression: st.Options.Compression,
		Multisite:   cfg.Site.Multisite,
		Options: ManifestOptions{
			NoMedia:           st.Options.NoMedia,
			NoPlugins:         st.Options.NoPlugins,
			NoThemes:          st.Options.NoThemes,
			NoDatabase:        st.Options.NoDatabase,
			NoSpamComments:    st.Options.NoSpamComments,
			NoRevisions:       st.Options.NoRevisions,
			DeactivatePlugins: st.Options.DeactivatePlugins,
			Theme:             st.Options.Theme,
			Exclude:           st.Options.Exclude,
		},
	}
	if m.Created.IsZero() {
		m.Created = time.Now().UTC()
	}
	if m.DumpPrefix == "" {
		m.DumpPrefix = m.TablePrefix
	}

	if env.Site != nil {
		m.Dialect = string(env.Site.Dialect())
		id, err := database.ReadIdentity(ctx, env.Site, cfg.Site.TablePrefix)
		if err != nil {
			return pipeline.Failed(smerrors.ErrDatabaseExport(cfg.Site.TablePrefix+"options", err))
		}
		if id.SiteURL != "" {
			m.SiteURL = id.SiteURL
		}
		if id.Home != "" {
			m.HomeURL = id.Home
		}
		if id.UploadURLPath != "" {
			m.UploadsURL = id.UploadURLPath
		}
		m.UploadsPath = id.UploadPath
		m.Template = id.Template
		m.Stylesheet = id.Stylesheet
		m.Plugins = id.ActivePlugins

		sites, err := database.ReadSites(ctx, env.Site, cfg.Site.TablePrefix)
		if err != nil {
			return pipeline.Failed(smerrors.ErrDatabaseExport(cfg.Site.TablePrefix+"blogs", err))
		}
		for _, s := range sites {
			m.Sites = append(m.Sites, ManifestSite{ID: s.ID, Domain: s.Domain, Path: s.Path})
		}
	}
	if m.HomeURL == "" {
		m.HomeURL = m.SiteURL
	}

	if st.Options.Password != "" {
		salt, err := archive.NewSalt()
		if err != nil {
			return pipeline.Failed(err)
		}
		f, err := archive.NewPasswordFilter(st.Options.Password, salt)
		if err != nil {
			return pipeline.Failed(err)
		}
		sig, err := f.Signature()
		if err != nil {
			return pipeline.Failed(err)
		}
		m.Encrypted = true
		m.Salt = salt
		m.EncryptionSignature = sig
	}

	raw, err := m.encode()
	if err != nil {
		return pipeline.Failed(err)
	}
	st.Manifest = raw
	st.ArchiveName = archiveName(m.SiteURL, st.JobID, m.Created)

	w, err := archive.Create(archivePath(st))
	if err != nil {
		return pipeline.Failed(err)
	}
	if err := w.Close(); err != nil {
		return pipeline.Failed(err)
	}
	st.Offsets = pipeline.Offsets{}
	st.Counters = pipeline.Counters{}

	env.Logger.Info("export started", "job", st.JobID, "archive", st.ArchiveName, "site", m.SiteURL, "encrypted", m.Encrypted)
	return pipeline.Advance(st)
}

// archiveName derives a unique file name from the site's host and the
// export time.
func archiveName(siteURL, jobID string, created time.Time) string {
	slug := "site"
	if u, err := url.Parse(siteURL); err == nil && u.Host != "" {
		slug = strings.NewReplacer(".", "-", ":", "-").Replace(u.Host)
	}
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s-%s%s", slug, created.UTC().Format("20060102-150405"), short, archive.Extension)
}

// enumerateFiles lists one content category per slice.
func enumerateFiles(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	cats := categories(env.Config, st.Options)
	if st.Offsets.Category >= len(cats) {
		st.Offsets.Category = 0
		return pipeline.Advance(st)
	}

	root := env.Config.ContentRoot()
	filters, err := exclusionFilters(env.Config, root, st.Options.Exclude)
	if err != nil {
		return pipeline.Failed(err)
	}

	cat := cats[st.Offsets.Category]
	totals, err := enumerateCategory(root, cat, cat.listPath(st), filters, categoryDirs(env.Config))
	if err != nil {
		return pipeline.Failed(err)
	}
	st.Counters.FilesTotal += totals.Files
	st.Counters.BytesTotal += totals.Bytes
	env.Logger.Info("enumerated files", "job", st.JobID, "category", cat.Name, "files", totals.Files, "bytes", totals.Bytes, "skipped", totals.Skipped)

	st.Offsets.Category++
	if st.Offsets.Category >= len(cats) {
		st.Offsets.Category = 0
		return pipeline.Advance(st)
	}
	return pipeline.Continue(st)
}

func enumerateCategory(root string, cat category, listPath string, filters []enumerate.Filter, categoryDirs []string) (enumerate.Totals, error) {
	dir := root
	var catFilters []enumerate.Filter
	if cat.Dir != "" {
		dir = filepath.Join(root, filepath.FromSlash(cat.Dir))
		for _, f := range filters {
			catFilters = append(catFilters, under(cat.Dir, f))
		}
	} else {
		// The other categories are never part of the root listing.
		var dirs []string
		for _, d := range categoryDirs {
			dirs = append(dirs, d+"/")
		}
		catFilters = append(slices.Clone(filters), enumerate.ExcludePrefix(dirs...))
	}

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return enumerate.Totals{}, err
		}
		return enumerate.Totals{}, os.WriteFile(listPath, nil, 0o600)
	}
	return enumerate.Enumerate(dir, listPath, catFilters...)
}

// enumerateTables selects the site's tables and writes their list.
func enumerateTables(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	var tables []string
	if !st.Options.NoDatabase && env.Site != nil {
		prefix := env.Config.Site.TablePrefix
		all, err := env.Site.Tables(ctx)
		if err != nil {
			return pipeline.Failed(smerrors.ErrDatabaseExport("*", err))
		}
		var exclude []string
		for _, t := range st.Options.Exclude.Tables {
			if !strings.HasPrefix(t, prefix) {
				t = prefix + t
			}
			exclude = append(exclude, t)
		}
		tables = enumerate.Tables(database.SiteTables(all, prefix), nil, exclude)
	}
	if err := enumerate.WriteTables(tablesListPath(st), tables); err != nil {
		return pipeline.Failed(err)
	}

	m, err := decodeManifest(st.Manifest)
	if err != nil {
		return pipeline.Failed(err)
	}
	m.Tables = tables
	if st.Manifest, err = m.encode(); err != nil {
		return pipeline.Failed(err)
	}
	st.Counters.TablesTotal = len(tables)
	env.Logger.Info("enumerated tables", "job", st.JobID, "tables", len(tables))
	return pipeline.Advance(st)
}

// archiveContent appends listed files to the archive until the slice's
// byte budget is spent. A file larger than the budget spans slices.
func archiveContent(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	m, err := decodeManifest(st.Manifest)
	if err != nil {
		return pipeline.Failed(err)
	}
	chain, closeChain, err := writeFilters(st.Options, m)
	if err != nil {
		return pipeline.Failed(err)
	}
	defer closeChain()

	w, err := archive.Resume(archivePath(st), st.Offsets.Archive)
	if err != nil {
		return pipeline.Failed(archiveError(err))
	}
	defer w.Close()

	cats := categories(env.Config, st.Options)
	budget := st.Options.ChunkSize
	var moved int64

	for st.Offsets.Category < len(cats) && moved < budget {
		cat := cats[st.Offsets.Category]
		lr, err := enumerate.OpenList(cat.listPath(st), st.Offsets.List)
		if err != nil {
			return pipeline.Failed(err)
		}

		for moved < budget {
			file, err := lr.Next()
			if errors.Is(err, io.EOF) {
				st.Offsets.Category++
				st.Offsets.List = 0
				break
			}
			if err != nil {
				lr.Close()
				return pipeline.Failed(err)
			}

			n, done, outcome, err := appendFile(ctx, w, cat.entryName(file.Rel), file, chain, &st.Offsets.Entry, budget-moved)
			moved += n
			st.Counters.BytesDone += n
			if err != nil {
				lr.Close()
				return pipeline.Failed(archiveError(err))
			}
			switch outcome {
			case fileVanished:
				env.Logger.Warn("file vanished before it was archived", "job", st.JobID, "path", file.Path)
			case fileShrank:
				env.Logger.Warn("file shrank while it was archived, keeping what was read", "job", st.JobID, "path", file.Path, "size", file.Size)
			}
			if !done {
				break
			}
			if outcome != fileVanished {
				st.Counters.FilesDone++
			}
			st.Offsets.List = lr.Offset()
		}
		lr.Close()
	}

	if err := w.Sync(); err != nil {
		return pipeline.Failed(archiveError(err))
	}
	st.Offsets.Archive = w.Offset()
	env.Metrics.AddBytes("export", moved)

	if st.Offsets.Category >= len(cats) {
		st.Offsets.Category = 0
		st.Offsets.List = 0
		return pipeline.Advance(st)
	}
	return pipeline.Continue(st)
}

// fileOutcome reports what happened to a file whose entry ended unusually.
type fileOutcome int

const (
	fileArchived fileOutcome = iota
	// fileVanished: the file was gone before its entry started and was skipped.
	fileVanished
	// fileShrank: the file ended before its enumerated size and its entry
	// was closed early.
	fileShrank
)

// appendFile writes up to budget bytes of one file entry. A file that no
// longer exists is skipped unless its entry was already started, in which
// case the entry is closed early.
func appendFile(ctx context.Context, w *archive.Writer, name string, file enumerate.File, chain archive.Chain, p *archive.EntryProgress, budget int64) (int64, bool, fileOutcome, error) {
	spec := archive.EntrySpec{
		Name:    name,
		Type:    archive.TypeFile,
		Size:    file.Size,
		Mode:    file.Mode,
		ModTime: file.ModTime,
		Filters: chain,
	}

	var src io.ReaderAt
	f, err := os.Open(file.Path)
	switch {
	case err == nil:
		defer f.Close()
		src = f
	case errors.Is(err, fs.ErrNotExist) && !p.Started:
		return 0, true, fileVanished, nil
	case errors.Is(err, fs.ErrNotExist):
		src = strings.NewReader("")
	default:
		return 0, false, fileArchived, err
	}

	n, done, err := w.AppendEntry(ctx, spec, src, p, budget)
	if errors.Is(err, archive.ErrSourceShrank) {
		return n, done, fileShrank, nil
	}
	return n, done, fileArchived, err
}

// dumpDatabase dumps one batch of rows per slice.
func dumpDatabase(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	tables, err := enumerate.ReadTables(tablesListPath(st))
	if err != nil {
		return pipeline.Failed(err)
	}
	if len(tables) == 0 || env.Site == nil {
		return pipeline.Advance(st)
	}
	m, err := decodeManifest(st.Manifest)
	if err != nil {
		return pipeline.Failed(err)
	}

	opts := database.ExportOptions{
		Tables:       tables,
		SourcePrefix: env.Config.Site.TablePrefix,
		DumpPrefix:   m.DumpPrefix,
		BatchRows:    st.Options.RowBatch,
		Rewrites:     database.DefaultRewrites(),
		Filters:      map[string]string{},
	}
	if st.Options.NoSpamComments {
		opts.Filters["comments"] = database.SpamCommentsFilter
	}
	if st.Options.NoRevisions {
		opts.Filters["posts"] = database.RevisionsFilter
	}
	if st.Options.DeactivatePlugins {
		opts.Overrides = append(opts.Overrides, optionOverride("active_plugins", "[]"))
	}
	if st.Options.Theme != "" {
		opts.Overrides = append(opts.Overrides,
			optionOverride("template", st.Options.Theme),
			optionOverride("stylesheet", st.Options.Theme))
	}

	before := st.Offsets.Dump.RowsWritten
	done, err := database.NewExporter(env.Site, opts, env.Logger).Export(ctx, dumpPath(st), &st.Offsets.Dump)
	if err != nil {
		return pipeline.Failed(err)
	}
	st.Counters.TablesDone = st.Offsets.Dump.TableIndex
	st.Counters.RowsDone = st.Offsets.Dump.RowsWritten
	env.Metrics.AddRows("export", st.Offsets.Dump.RowsWritten-before)

	if done {
		env.Logger.Info("database dumped", "job", st.JobID, "tables", st.Counters.TablesDone, "rows", st.Counters.RowsDone)
		return pipeline.Advance(st)
	}
	return pipeline.Continue(st)
}

func optionOverride(name string, value any) database.ValueOverride {
	return database.ValueOverride{
		Table:       "options",
		MatchColumn: "option_name",
		Match:       name,
		Column:      "option_value",
		Value:       value,
	}
}

// archiveDatabase appends the dump to the archive, budget bytes per slice.
func archiveDatabase(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	m, err := decodeManifest(st.Manifest)
	if err != nil {
		return pipeline.Failed(err)
	}
	if !m.HasDatabase() || env.Site == nil {
		return pipeline.Advance(st)
	}

	f, err := os.Open(dumpPath(st))
	if err != nil {
		return pipeline.Failed(fmt.Errorf("opening database dump: %w", err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return pipeline.Failed(err)
	}

	chain, closeChain, err := writeFilters(st.Options, m)
	if err != nil {
		return pipeline.Failed(err)
	}
	defer closeChain()

	w, err := archive.Resume(archivePath(st), st.Offsets.Archive)
	if err != nil {
		return pipeline.Failed(archiveError(err))
	}
	defer w.Close()

	spec := archive.EntrySpec{
		Name:    DumpName,
		Type:    archive.TypeDatabase,
		Size:    info.Size(),
		Mode:    0o600,
		ModTime: m.Created,
		Filters: chain,
	}
	n, done, err := w.AppendEntry(ctx, spec, f, &st.Offsets.Entry, st.Options.ChunkSize)
	if err != nil {
		return pipeline.Failed(archiveError(err))
	}
	if err := w.Sync(); err != nil {
		return pipeline.Failed(archiveError(err))
	}
	st.Offsets.Archive = w.Offset()
	env.Metrics.AddBytes("export", n)

	if done {
		return pipeline.Advance(st)
	}
	return pipeline.Continue(st)
}

// writeManifest appends the completed manifest as the last entry. It is
// never filtered, so an importer can read it before knowing the password.
func writeManifest(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	m, err := decodeManifest(st.Manifest)
	if err != nil {
		return pipeline.Failed(err)
	}
	m.Counters = ManifestCounters{
		Files:  st.Counters.FilesDone,
		Bytes:  st.Counters.BytesDone,
		Tables: st.Counters.TablesDone,
		Rows:   st.Counters.RowsDone,
	}
	raw, err := m.encode()
	if err != nil {
		return pipeline.Failed(err)
	}

	w, err := archive.Resume(archivePath(st), st.Offsets.Archive)
	if err != nil {
		return pipeline.Failed(archiveError(err))
	}
	defer w.Close()

	spec := archive.EntrySpec{
		Name:    ManifestName,
		Type:    archive.TypeConfig,
		Mode:    0o644,
		ModTime: m.Created,
	}
	if err := w.AppendBytes(ctx, spec, raw); err != nil {
		return pipeline.Failed(archiveError(err))
	}
	if err := w.Sync(); err != nil {
		return pipeline.Failed(archiveError(err))
	}
	st.Offsets.Archive = w.Offset()
	st.Manifest = raw
	return pipeline.Advance(st)
}

// finalizeArchive writes the end marker and verifies the container.
func finalizeArchive(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	w, err := archive.Resume(archivePath(st), st.Offsets.Archive)
	if err != nil {
		return pipeline.Failed(archiveError(err))
	}
	if err := w.Finalize(); err != nil {
		w.Close()
		return pipeline.Failed(archiveError(err))
	}
	st.Offsets.Archive = w.Offset()
	if err := w.Close(); err != nil {
		return pipeline.Failed(err)
	}

	r, err := archive.Open(archivePath(st))
	if err != nil {
		return pipeline.Failed(err)
	}
	defer r.Close()
	entries, err := r.Verify()
	if err != nil {
		return pipeline.Failed(archiveError(err))
	}
	env.Logger.Info("archive finalized", "job", st.JobID, "entries", entries, "size", st.Offsets.Archive)
	return pipeline.Advance(st)
}

// publishArchive moves the archive into the backups directory, writes its
// checksum sidecar and sends it to the job's sinks, one sink per slice. The
// archive is hashed on the first slice only.
func publishArchive(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	backups := env.Config.BackupsDir()
	dest, err := safety.SafeJoinUnder(backups, st.ArchiveName)
	if err != nil {
		return pipeline.Failed(err)
	}

	src := archivePath(st)
	if _, err := os.Stat(src); err == nil {
		if err := os.MkdirAll(backups, 0o755); err != nil {
			return pipeline.Failed(fmt.Errorf("creating backups directory: %w", err))
		}
		if err := moveFile(src, dest); err != nil {
			return pipeline.Failed(fmt.Errorf("moving archive to backups: %w", err))
		}
	} else if _, err := os.Stat(dest); err != nil {
		return pipeline.Failed(fmt.Errorf("archive %s is missing: %w", st.ArchiveName, err))
	}

	if st.Checksum == "" {
		sum, _, err := ensureSidecar(dest)
		if err != nil {
			return pipeline.Failed(err)
		}
		st.Checksum = sum
	}
	info, err := os.Stat(dest)
	if err != nil {
		return pipeline.Failed(fmt.Errorf("archive %s is missing: %w", st.ArchiveName, err))
	}
	sum, size := st.Checksum, info.Size()

	if st.Offsets.Sink < len(st.Options.Sinks) {
		name := st.Options.Sinks[st.Offsets.Sink]
		if err := uploadArchive(ctx, env, name, dest, st.ArchiveName, size); err != nil {
			return pipeline.Failed(err)
		}
		env.Logger.Info("archive uploaded", "job", st.JobID, "sink", name, "archive", st.ArchiveName)
		st.Offsets.Sink++
		if st.Offsets.Sink < len(st.Options.Sinks) {
			return pipeline.Continue(st)
		}
	}

	if st.Options.Label != "" && env.Store != nil {
		if err := env.Store.SetLabel(st.ArchiveName, st.Options.Label); err != nil {
			env.Logger.Warn("failed to label archive", "archive", st.ArchiveName, "error", err)
		}
	}
	recordTransfer(env, st, "completed", "", size, sum)
	env.Logger.Info("export published", "job", st.JobID, "archive", dest, "size", size, "sha256", sum)
	return pipeline.Advance(st)
}

func uploadArchive(ctx context.Context, env *pipeline.Env, sinkName, path, name string, size int64) error {
	if env.Storage == nil {
		return smerrors.ErrInvalidRequest(fmt.Sprintf("storage sink %q is not configured", sinkName))
	}
	sink, err := env.Storage.Sink(sinkName)
	if err != nil {
		return smerrors.ErrInvalidRequest(err.Error())
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := sink.Put(ctx, name, f, size); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return smerrors.ErrUpload(fmt.Sprintf("sending archive to %s", sinkName), err)
	}
	return nil
}

// ensureSidecar writes the checksum sidecar unless it already exists and
// returns the archive's checksum and size.
func ensureSidecar(path string) (string, int64, error) {
	sum, size, err := hashFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("hashing archive: %w", err)
	}
	sidecar := path + catalog.SidecarExt
	if _, err := os.Stat(sidecar); err == nil {
		return sum, size, nil
	}
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(path))
	if err := os.WriteFile(sidecar, []byte(line), 0o644); err != nil {
		return "", 0, fmt.Errorf("writing checksum sidecar: %w", err)
	}
	return sum, size, nil
}

// moveFile renames src to dst, copying across filesystems. The copy goes
// through a ".part" file so dst only ever appears complete.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	part := dst + ".part"
	out, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(part)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(part)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return err
	}
	if err := os.Rename(part, dst); err != nil {
		os.Remove(part)
		return err
	}
	return os.Remove(src)
}
