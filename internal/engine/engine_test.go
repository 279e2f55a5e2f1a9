package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/BadgerOps/sitemove/internal/archive"
	"github.com/BadgerOps/sitemove/internal/config"
	"github.com/BadgerOps/sitemove/internal/database"
	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/pipeline"
	"github.com/BadgerOps/sitemove/internal/storage"
	"github.com/BadgerOps/sitemove/internal/store"
)

// testSite is a site on disk with its own database, job store and
// scheduler.
type testSite struct {
	cfg   *config.Config
	env   *pipeline.Env
	db    *database.DB
	store *store.Store
	sched *pipeline.Scheduler
}

func newTestSite(t *testing.T, siteURL string, configure ...func(*config.Config)) *testSite {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	cfg.Site.Root = filepath.Join(dir, "site")
	cfg.Site.URL = siteURL
	cfg.Site.Home = siteURL
	cfg.Export.ChunkSize = "1MB"
	cfg.Import.MinFreeSpace = ""
	for _, fn := range configure {
		fn(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Open(database.DialectSQLite, filepath.Join(dir, "site.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := store.New(filepath.Join(dir, "jobs.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg, err := storage.FromConfig(context.Background(), cfg, logger)
	if err != nil {
		t.Fatal(err)
	}

	env := &pipeline.Env{Logger: logger, Config: cfg, Storage: reg, Site: db, Store: st}
	s := &testSite{cfg: cfg, env: env, db: db, store: st}
	s.sched = s.newScheduler()
	return s
}

// newScheduler returns a fresh scheduler over the site's store, as a new
// process would build it.
func (s *testSite) newScheduler() *pipeline.Scheduler {
	sched := pipeline.NewScheduler(s.env, s.store, s.cfg.ScratchDir())
	Register(sched)
	return sched
}

func (s *testSite) writeFile(t *testing.T, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(s.cfg.ContentRoot(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (s *testSite) exec(t *testing.T, stmts ...string) {
	t.Helper()
	for _, q := range stmts {
		if _, err := s.db.SQL().Exec(q); err != nil {
			t.Fatalf("exec %q: %v", q, err)
		}
	}
}

func (s *testSite) queryString(t *testing.T, q string, args ...any) string {
	t.Helper()
	var v string
	if err := s.db.SQL().QueryRow(q, args...).Scan(&v); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return v
}

// export runs an export job to completion.
func (s *testSite) export(t *testing.T, opts pipeline.Options) pipeline.State {
	t.Helper()
	ctx := context.Background()
	st, err := s.sched.Start(pipeline.KindExport, opts)
	if err != nil {
		t.Fatal(err)
	}
	st, err = s.sched.Drive(ctx, st, nil)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if st.Status != pipeline.StatusCompleted {
		t.Fatalf("export status = %s, want completed", st.Status)
	}
	return st
}

// importFile runs an import of an archive given by absolute path until it
// completes or fails.
func (s *testSite) importFile(t *testing.T, path string, opts pipeline.Options) (pipeline.State, error) {
	t.Helper()
	opts.Source = "file"
	opts.Archive = path
	st, err := s.sched.Start(pipeline.KindImport, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s.sched.Drive(context.Background(), st, nil)
}

func (s *testSite) published(st pipeline.State) string {
	return filepath.Join(s.cfg.BackupsDir(), st.ArchiveName)
}

// seedBlog creates a small single site: options, posts and one prefixed
// option name.
func seedBlog(t *testing.T, s *testSite, url string) {
	t.Helper()
	s.exec(t,
		`CREATE TABLE wp_options (option_id INTEGER PRIMARY KEY, option_name TEXT NOT NULL UNIQUE, option_value TEXT)`,
		`CREATE TABLE wp_posts (ID INTEGER PRIMARY KEY, post_title TEXT, post_content TEXT, post_type TEXT)`,
		`INSERT INTO wp_options (option_name, option_value) VALUES
			('siteurl', '`+url+`'),
			('home', '`+url+`'),
			('blogname', 'Test Blog'),
			('template', 'twenty'),
			('stylesheet', 'twenty'),
			('active_plugins', '["hello/hello.php","gone/gone.php"]'),
			('wp_user_roles', 'a:0:{}')`,
		`INSERT INTO wp_posts (post_title, post_content, post_type) VALUES
			('Hello', 'See `+url+`/about for more', 'post'),
			('About', 'About page', 'page'),
			('Draft', 'old draft', 'revision')`,
	)
}

type entryInfo struct {
	Name string
	Type archive.Type
}

func listEntries(t *testing.T, path string) []entryInfo {
	t.Helper()
	r, err := archive.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var out []entryInfo
	for e, err := range r.Entries(0) {
		if err != nil {
			t.Fatalf("walking %s: %v", path, err)
		}
		if e.Type == archive.TypeEnd {
			break
		}
		out = append(out, entryInfo{Name: e.Name, Type: e.Type})
	}
	return out
}

// readTree returns every regular file under root keyed by slash path.
func readTree(t *testing.T, root string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func assertSameTree(t *testing.T, want, got map[string][]byte) {
	t.Helper()
	if len(want) != len(got) {
		t.Errorf("tree has %d files, want %d", len(got), len(want))
	}
	for name, data := range want {
		g, ok := got[name]
		if !ok {
			t.Errorf("missing %s", name)
			continue
		}
		if !bytes.Equal(g, data) {
			t.Errorf("%s differs: got %d bytes, want %d", name, len(g), len(data))
		}
	}
}

func assertCode(t *testing.T, err error, code smerrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	e := smerrors.AsError(err)
	if e == nil {
		t.Fatalf("expected %s error, got uncoded %v", code, err)
	}
	if e.Code != code {
		t.Fatalf("error code = %s, want %s (%v)", e.Code, code, err)
	}
}

func assertNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("%s should not exist (stat err = %v)", path, err)
	}
}

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}
