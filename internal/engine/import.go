package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/sitemove/internal/archive"
	"github.com/BadgerOps/sitemove/internal/database"
	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/pipeline"
	"github.com/BadgerOps/sitemove/internal/safety"
)

var errDiskSpaceUnsupported = errors.New("free space cannot be measured on this platform")

// ImportPipeline returns the import step table.
func ImportPipeline() *pipeline.Pipeline {
	return pipeline.MustNew(
		pipeline.Step{Name: "fetch", Priority: 5, Run: fetchArchive},
		pipeline.Step{Name: "open", Priority: 10, Run: openArchive},
		pipeline.Step{Name: "decrypt", Priority: 20, Run: checkPassword},
		pipeline.Step{Name: "compatibility", Priority: 30, Run: checkCompatibility},
		pipeline.Step{Name: "disk-space", Priority: 40, Run: checkDiskSpace},
		pipeline.Step{Name: "content", Priority: 100, Run: restoreContent},
		pipeline.Step{Name: "database", Priority: 200, Run: restoreDatabase},
		pipeline.Step{Name: "identity", Priority: 300, Run: restoreIdentity},
		pipeline.Step{Name: "done", Priority: 400, Run: importDone},
		pipeline.Step{Name: "clean", Priority: 500, Run: cleanScratch},
	)
}

// fetchArchive copies up to a chunk of the archive from its source into the
// scratch directory per slice. An interrupted fetch continues where the
// source allows it.
func fetchArchive(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	st.Options = Defaults(env.Config, pipeline.KindImport, st.Options)
	if err := ValidateOptions(pipeline.KindImport, st.Options); err != nil {
		return pipeline.Failed(err)
	}
	if env.Storage == nil {
		return pipeline.Failed(smerrors.ErrInvalidRequest("no archive sources are configured"))
	}
	src, err := env.Storage.Source(st.Options.Source)
	if err != nil {
		return pipeline.Failed(smerrors.ErrInvalidRequest(err.Error()))
	}

	n, done, err := src.FetchRange(ctx, st.Options.Archive, archivePath(st), st.Options.ChunkSize)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.Failed(ctx.Err())
		}
		return pipeline.Failed(smerrors.ErrUpload(fmt.Sprintf("fetching %s from %s", st.Options.Archive, src.Name()), err))
	}
	if n > st.Offsets.Fetched {
		env.Metrics.AddBytes("import", n-st.Offsets.Fetched)
	}
	st.Offsets.Fetched = n
	if st.ArchiveName == "" {
		st.ArchiveName = refName(st.Options.Archive)
	}
	if !done {
		env.Logger.Debug("archive fetch continues", "job", st.JobID, "source", src.Name(), "fetched", n)
		return pipeline.Continue(st)
	}
	env.Logger.Info("archive fetched", "job", st.JobID, "source", src.Name(), "archive", st.ArchiveName, "size", n)
	return pipeline.Advance(st)
}

// refName extracts a file name from a source reference, which may be a
// name, a path or a URL.
func refName(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		ref = u.Path
	}
	return path.Base(filepath.ToSlash(ref))
}

// openArchive verifies the container and loads its manifest.
func openArchive(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	r, err := archive.Open(archivePath(st))
	if err != nil {
		return pipeline.Failed(archiveError(err))
	}
	defer r.Close()

	entries, err := r.Verify()
	if err != nil {
		return pipeline.Failed(archiveError(err))
	}
	e, err := r.Find(ManifestName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pipeline.Failed(smerrors.ErrArchiveCorrupt(int64(r.Size()), fmt.Errorf("archive has no %s", ManifestName)))
		}
		return pipeline.Failed(archiveError(err))
	}
	data, err := r.ReadAll(ctx, e)
	if err != nil {
		return pipeline.Failed(archiveError(err))
	}

	summary, err := PeekManifest(data)
	if err != nil {
		return pipeline.Failed(smerrors.ErrArchiveCorrupt(int64(e.HeaderOffset), err))
	}
	if !compatibleVersion(summary.Version) {
		return pipeline.Failed(smerrors.ErrArchiveCorrupt(int64(e.HeaderOffset),
			fmt.Errorf("package version %s is not supported (want %s)", summary.Version, ManifestVersion)))
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return pipeline.Failed(smerrors.ErrArchiveCorrupt(int64(e.HeaderOffset), err))
	}
	if _, err := decodeManifest(compact.Bytes()); err != nil {
		return pipeline.Failed(smerrors.ErrArchiveCorrupt(int64(e.HeaderOffset), err))
	}

	st.Manifest = compact.Bytes()
	st.Counters.FilesTotal = summary.Files
	st.Counters.BytesTotal = summary.Bytes
	st.Counters.TablesTotal = summary.Tables
	env.Logger.Info("archive opened", "job", st.JobID, "entries", entries, "site", summary.SiteURL, "encrypted", summary.Encrypted)
	return pipeline.Advance(st)
}

// checkPassword confirms the supplied password before any entry is
// decoded. A failure leaves the job here so the password can be supplied
// again.
func checkPassword(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	m, err := decodeManifest(st.Manifest)
	if err != nil {
		return pipeline.Failed(err)
	}
	if !m.Encrypted {
		return pipeline.Advance(st)
	}
	if st.Options.Password == "" {
		return pipeline.Failed(smerrors.ErrDecryption("the archive is encrypted and no password was supplied"))
	}
	f, err := archive.NewPasswordFilter(st.Options.Password, m.Salt)
	if err != nil {
		return pipeline.Failed(err)
	}
	if err := f.CheckSignature(m.EncryptionSignature); err != nil {
		return pipeline.Failed(smerrors.ErrDecryption("the password does not match the one used for export"))
	}
	return pipeline.Advance(st)
}

// checkCompatibility refuses archives the target cannot hold and settles
// the target identity used for URL replacement.
func checkCompatibility(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	cfg := env.Config
	m, err := decodeManifest(st.Manifest)
	if err != nil {
		return pipeline.Failed(err)
	}

	if len(m.Sites) > 1 && !cfg.Site.Multisite {
		return pipeline.Failed(smerrors.ErrIncompatibleTopology(
			fmt.Sprintf("the archive contains %d sites and the target is a single site", len(m.Sites))))
	}
	if m.HasDatabase() && env.Site == nil {
		return pipeline.Failed(smerrors.ErrDatabaseImport("*", errors.New("the archive contains a database and no target database is configured")))
	}

	if st.Options.TargetURL == "" {
		st.Options.TargetURL = cfg.Site.URL
	}
	if st.Options.TargetHome == "" {
		st.Options.TargetHome = cfg.Site.Home
	}
	if (st.Options.TargetURL == "" || st.Options.TargetHome == "") && env.Site != nil {
		id, err := database.ReadIdentity(ctx, env.Site, cfg.Site.TablePrefix)
		if err != nil {
			return pipeline.Failed(smerrors.ErrDatabaseImport(cfg.Site.TablePrefix+"options", err))
		}
		if st.Options.TargetURL == "" {
			st.Options.TargetURL = id.SiteURL
		}
		if st.Options.TargetHome == "" {
			st.Options.TargetHome = id.Home
		}
	}
	if st.Options.TargetURL == "" {
		st.Options.TargetURL = m.SiteURL
	}
	if st.Options.TargetHome == "" {
		st.Options.TargetHome = st.Options.TargetURL
	}
	env.Logger.Info("target identity", "job", st.JobID, "from", m.SiteURL, "to", st.Options.TargetURL)
	return pipeline.Advance(st)
}

// checkDiskSpace requires room for the archive's files plus the configured
// reserve before anything is written.
func checkDiskSpace(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	reserve, err := env.Config.MinFreeSpaceBytes()
	if err != nil {
		return pipeline.Failed(err)
	}
	required := uint64(st.Counters.BytesTotal) + uint64(reserve)

	avail, err := freeSpace(existingParent(env.Config.ContentRoot()))
	if errors.Is(err, errDiskSpaceUnsupported) {
		env.Logger.Debug("skipping disk space check", "job", st.JobID, "reason", err)
		return pipeline.Advance(st)
	}
	if err != nil {
		return pipeline.Failed(fmt.Errorf("measuring free space: %w", err))
	}
	if avail < required {
		return pipeline.Failed(smerrors.ErrDiskSpace(required, avail))
	}
	return pipeline.Advance(st)
}

// existingParent walks up from p to the nearest directory that exists.
func existingParent(p string) string {
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

// restoreContent extracts entries until the slice's byte budget is spent.
// Files go under the content root; the database dump goes to scratch.
func restoreContent(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	m, err := decodeManifest(st.Manifest)
	if err != nil {
		return pipeline.Failed(err)
	}
	filters, closeFilters, err := readFilters(st.Options.Password, m)
	if err != nil {
		return pipeline.Failed(err)
	}
	defer closeFilters()

	r, err := archive.Open(archivePath(st))
	if err != nil {
		return pipeline.Failed(archiveError(err))
	}
	defer r.Close()
	r.SetFilters(filters...)

	root := env.Config.ContentRoot()
	dump := dumpPath(st)
	x := &Extractor{
		Reader: r,
		Dest: func(e archive.Entry) (string, bool, error) {
			switch e.Type {
			case archive.TypeFile:
				p, err := safety.SafeJoinUnder(root, e.Name)
				return p, true, err
			case archive.TypeDatabase:
				return dump, true, nil
			}
			return "", false, nil
		},
	}

	cur := ExtractCursor{Offset: st.Offsets.Extract, Payload: st.Offsets.Payload}
	stats, done, err := x.Extract(ctx, &cur, st.Options.ChunkSize)
	if err != nil {
		return pipeline.Failed(archiveError(err))
	}
	st.Offsets.Extract = cur.Offset
	st.Offsets.Payload = cur.Payload
	st.Counters.FilesDone += stats.Files
	st.Counters.BytesDone += stats.Bytes
	env.Metrics.AddBytes("import", stats.Bytes+stats.Other)

	if done {
		env.Logger.Info("content restored", "job", st.JobID, "files", st.Counters.FilesDone, "bytes", st.Counters.BytesDone)
		return pipeline.Advance(st)
	}
	return pipeline.Continue(st)
}

// restoreDatabase applies one batch of the dump per slice.
func restoreDatabase(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	m, err := decodeManifest(st.Manifest)
	if err != nil {
		return pipeline.Failed(err)
	}
	if !m.HasDatabase() || env.Site == nil {
		return pipeline.Advance(st)
	}

	cfg := env.Config
	opts := database.ImportOptions{
		DumpPrefix:   m.DumpPrefix,
		TargetPrefix: cfg.Site.TablePrefix,
		BatchRows:    st.Options.RowBatch,
		Rewrites:     database.DefaultRewrites(),
		Replacements: replacements(m, st.Options, cfg.Site.Root, cfg.Site.UploadsURL),
		UpsertSafe:   cfg.Import.UpsertSafeTables,
		ProgressKey:  st.JobID,
	}

	before := st.Offsets.Restore.Rows
	done, err := database.NewImporter(env.Site, opts, env.Logger).Import(ctx, dumpPath(st), &st.Offsets.Restore)
	if err != nil {
		return pipeline.Failed(err)
	}
	st.Counters.TablesDone = st.Offsets.Restore.Tables
	st.Counters.RowsDone = st.Offsets.Restore.Rows
	env.Metrics.AddRows("import", st.Offsets.Restore.Rows-before)

	if done {
		env.Logger.Info("database restored", "job", st.JobID, "tables", st.Counters.TablesDone, "rows", st.Counters.RowsDone)
		return pipeline.Advance(st)
	}
	return pipeline.Continue(st)
}

// replacements maps the source site's URLs and paths onto the target's,
// including the JSON-escaped forms found in serialized option values.
func replacements(m *Manifest, opts pipeline.Options, targetRoot, targetUploadsURL string) []database.Replacement {
	var reps []database.Replacement
	add := func(old, to string) {
		if old == "" || to == "" || old == to {
			return
		}
		reps = append(reps,
			database.Replacement{Old: old, New: to},
			database.Replacement{Old: jsonEscape(old), New: jsonEscape(to)})
	}
	add(m.SiteURL, opts.TargetURL)
	if m.HomeURL != m.SiteURL {
		add(m.HomeURL, opts.TargetHome)
	}
	add(m.UploadsURL, targetUploadsURL)
	add(m.SiteRoot, targetRoot)

	// Drop duplicates produced by strings without slashes.
	out := reps[:0]
	seen := make(map[string]bool)
	for _, r := range reps {
		if !seen[r.Old] {
			seen[r.Old] = true
			out = append(out, r)
		}
	}
	return out
}

func jsonEscape(s string) string {
	return strings.ReplaceAll(s, "/", `\/`)
}

// restoreIdentity points the imported options at the target site and
// keeps only extensions that exist on the target. The database step's
// cursor is saved by now, so its progress record is dropped.
func restoreIdentity(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	m, err := decodeManifest(st.Manifest)
	if err != nil {
		return pipeline.Failed(err)
	}
	if !m.HasDatabase() || env.Site == nil {
		return pipeline.Advance(st)
	}
	if err := database.ClearImportProgress(ctx, env.Site, st.JobID); err != nil {
		env.Logger.Warn("failed to clear import progress", "job", st.JobID, "error", err)
	}
	cfg := env.Config
	root := cfg.ContentRoot()

	id := database.Identity{
		SiteURL:       st.Options.TargetURL,
		Home:          st.Options.TargetHome,
		UploadURLPath: cfg.Site.UploadsURL,
	}
	if m.UploadsPath != "" && m.SiteRoot != "" && cfg.Site.Root != "" && strings.HasPrefix(m.UploadsPath, m.SiteRoot) {
		id.UploadPath = cfg.Site.Root + strings.TrimPrefix(m.UploadsPath, m.SiteRoot)
	}

	if m.Options.DeactivatePlugins {
		id.ActivePlugins = []string{}
	} else if m.Plugins != nil {
		id.ActivePlugins = []string{}
		for _, p := range m.Plugins {
			if installed(root, cfg.Site.PluginsDir, p) {
				id.ActivePlugins = append(id.ActivePlugins, p)
			} else {
				env.Logger.Warn("deactivating plugin missing on target", "job", st.JobID, "plugin", p)
			}
		}
	}

	template, stylesheet := m.Template, m.Stylesheet
	if m.Options.Theme != "" {
		template, stylesheet = m.Options.Theme, m.Options.Theme
	}
	if template != "" && installed(root, cfg.Site.ThemesDir, template) {
		id.Template = template
		id.Stylesheet = stylesheet
	} else if template != "" {
		env.Logger.Warn("theme missing on target, keeping the current one", "job", st.JobID, "theme", template)
	}

	if err := database.ApplyIdentity(ctx, env.Site, cfg.Site.TablePrefix, id); err != nil {
		return pipeline.Failed(smerrors.ErrDatabaseImport(cfg.Site.TablePrefix+"options", err))
	}
	return pipeline.Advance(st)
}

// installed reports whether an extension is present under dir. Plugins are
// named by their main file, e.g. "akismet/akismet.php".
func installed(root, dir, name string) bool {
	p, err := safety.SafeJoinUnder(filepath.Join(root, dir), name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// importDone records the finished import.
func importDone(ctx context.Context, env *pipeline.Env, st pipeline.State) pipeline.Result {
	sum, size, err := hashFile(archivePath(st))
	if err != nil {
		env.Logger.Warn("failed to hash imported archive", "job", st.JobID, "error", err)
		size = st.Offsets.Fetched
	}
	recordTransfer(env, st, "completed", "", size, sum)
	env.Logger.Info("import completed", "job", st.JobID, "archive", st.ArchiveName, "files", st.Counters.FilesDone, "rows", st.Counters.RowsDone)
	return pipeline.Advance(st)
}
