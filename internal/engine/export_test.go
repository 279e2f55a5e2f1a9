package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/BadgerOps/sitemove/internal/archive"
	"github.com/BadgerOps/sitemove/internal/config"
	"github.com/BadgerOps/sitemove/internal/enumerate"
	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/pipeline"
)

func TestExport_ChunkedAcrossInvocations(t *testing.T) {
	site := newTestSite(t, "https://old.example")
	big := patterned(5 * 1024 * 1024)
	site.writeFile(t, "a.txt", patterned(1024))
	site.writeFile(t, "empty.txt", nil)
	site.writeFile(t, "uploads/big.bin", big)
	site.exec(t,
		`CREATE TABLE wp_posts (ID INTEGER PRIMARY KEY, post_title TEXT, post_type TEXT)`,
		`CREATE TABLE wp_comments (comment_ID INTEGER PRIMARY KEY, comment_content TEXT, comment_approved TEXT)`,
	)
	for i := 0; i < 10; i++ {
		site.exec(t, `INSERT INTO wp_posts (post_title, post_type) VALUES ('post', 'post')`)
	}

	ctx := context.Background()
	opts := pipeline.Options{Compression: "none", RowBatch: 4}
	st, err := site.sched.Start(pipeline.KindExport, opts)
	if err != nil {
		t.Fatal(err)
	}

	sched := site.sched
	slices := 0
	calls := 0
	prev := st.Progress()
	for !st.Status.Terminal() {
		before := st
		if calls == 4 {
			// Continue from the store alone, as a restarted process would.
			sched = site.newScheduler()
			st = pipeline.State{JobID: st.JobID}
		}
		st, err = sched.Invoke(ctx, st)
		if err != nil {
			t.Fatalf("invoke %d (%s): %v", calls, before.Step, err)
		}
		calls++
		if before.Step == "content" || before.Step == "database" {
			slices++
		}
		if before.Step == "content" && st.Step == "content" && st.Offsets.Archive <= before.Offsets.Archive {
			t.Errorf("content slice did not advance the archive: %d -> %d", before.Offsets.Archive, st.Offsets.Archive)
		}
		cur := st.Progress()
		for i := range cur {
			if cur[i] < prev[i] {
				t.Fatalf("progress decreased at %d: %v -> %v", i, prev, cur)
			}
		}
		prev = cur
		if calls > 100 {
			t.Fatal("export did not finish")
		}
	}
	if st.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %s, error = %v", st.Status, st.Error)
	}
	if slices < 5 {
		t.Errorf("content and database took %d invocations, want at least 5", slices)
	}
	if st.Counters.FilesDone != 3 || st.Counters.RowsDone != 10 || st.Counters.TablesDone != 2 {
		t.Errorf("counters = %+v", st.Counters)
	}

	path := site.published(st)
	got := listEntries(t, path)
	want := []entryInfo{
		{"a.txt", archive.TypeFile},
		{"empty.txt", archive.TypeFile},
		{"uploads/big.bin", archive.TypeFile},
		{DumpName, archive.TypeDatabase},
		{ManifestName, archive.TypeConfig},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}

	r, err := archive.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	e, err := r.Find("uploads/big.bin")
	if err != nil {
		t.Fatal(err)
	}
	data, err := r.ReadAll(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, big) {
		t.Error("big.bin does not round-trip")
	}

	// Scratch is gone, the checksum sidecar is written.
	assertNotExist(t, st.ScratchDir)
	sum, _, err := hashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	sidecar, err := os.ReadFile(path + ".sha256")
	if err != nil {
		t.Fatal(err)
	}
	if string(sidecar) != sum+"  "+st.ArchiveName+"\n" {
		t.Errorf("sidecar = %q", sidecar)
	}

	transfers, err := site.store.ListTransfers(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 1 || transfers[0].Status != "completed" || transfers[0].SHA256 != sum {
		t.Errorf("transfers = %+v", transfers)
	}
}

func TestExport_RepeatedSliceIsIdempotent(t *testing.T) {
	site := newTestSite(t, "https://old.example")
	site.writeFile(t, "uploads/big.bin", patterned(3*1024*1024+17))
	site.writeFile(t, "themes/t/style.css", []byte("body{}"))

	ctx := context.Background()
	st, err := site.sched.Start(pipeline.KindExport, pipeline.Options{Compression: "zstd"})
	if err != nil {
		t.Fatal(err)
	}
	for st.Step != "content" || !st.Offsets.Entry.Started {
		if st, err = site.sched.Invoke(ctx, st); err != nil {
			t.Fatal(err)
		}
		if st.Status.Terminal() {
			t.Fatal("export finished before a file spanned slices")
		}
	}

	archivePath := filepath.Join(st.ScratchDir, archiveFile)
	first, err := site.sched.Invoke(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	firstBytes, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	second, err := site.sched.Invoke(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	secondBytes, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeating a slice changed the state:\n%+v\n%+v", first.Offsets, second.Offsets)
	}
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Errorf("repeating a slice changed the archive: %d vs %d bytes", len(firstBytes), len(secondBytes))
	}

	final, err := site.sched.Drive(ctx, second, nil)
	if err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()
	var cur ExtractCursor
	z, err := archive.NewZstdFilter()
	if err != nil {
		t.Fatal(err)
	}
	defer z.Close()
	if _, done, err := ExtractAll(ctx, site.published(final), out, &cur, 0, z); err != nil || !done {
		t.Fatalf("extract: done=%v err=%v", done, err)
	}
	assertSameTree(t, readTree(t, site.cfg.ContentRoot()), readTree(t, out))
}

func TestExport_Exclusions(t *testing.T) {
	site := newTestSite(t, "https://old.example", func(cfg *config.Config) {
		// Data directory inside the content root must never be archived.
		cfg.Server.DataDir = filepath.Join(cfg.ContentRoot(), "sitemove-data")
		cfg.Export.Exclude.Extensions = []string{"log"}
	})
	site.writeFile(t, "index.php", []byte("<?php"))
	site.writeFile(t, "debug.log", []byte("noise"))
	site.writeFile(t, "uploads/2024/photo.jpg", []byte("jpeg"))
	site.writeFile(t, "uploads/cache/blob.bin", []byte("SECRET-MARKER"))
	site.writeFile(t, "plugins/hello/hello.php", []byte("<?php // hello"))
	site.writeFile(t, "themes/t/style.css", []byte("body{}"))
	site.writeFile(t, enumerate.IgnoreFileName, []byte("*.tmp\n"))
	site.writeFile(t, "scratch.tmp", []byte("tmp"))

	st := site.export(t, pipeline.Options{
		Compression: "none",
		NoThemes:    true,
		Exclude:     pipeline.Exclusions{Prefixes: []string{"uploads/cache"}},
	})

	var names []string
	for _, e := range listEntries(t, site.published(st)) {
		names = append(names, e.Name)
	}
	want := []string{"index.php", "uploads/2024/photo.jpg", "plugins/hello/hello.php", ManifestName}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("entries = %v, want %v", names, want)
	}

	raw, err := os.ReadFile(site.published(st))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("SECRET-MARKER")) {
		t.Error("excluded file contents found in archive")
	}

	m := readManifest(t, site.published(st))
	if !m.Options.NoThemes || m.HasDatabase() {
		t.Errorf("manifest options = %+v, tables = %v", m.Options, m.Tables)
	}
	if m.Counters.Files != 3 {
		t.Errorf("manifest files = %d, want 3", m.Counters.Files)
	}
}

func TestExport_DatabaseOptions(t *testing.T) {
	site := newTestSite(t, "https://old.example")
	seedBlog(t, site, "https://old.example")

	st := site.export(t, pipeline.Options{NoRevisions: true, DeactivatePlugins: true, Theme: "other"})
	m := readManifest(t, site.published(st))

	if m.SiteURL != "https://old.example" || m.Template != "twenty" {
		t.Errorf("manifest identity = %q %q", m.SiteURL, m.Template)
	}
	if len(m.Plugins) != 2 {
		t.Errorf("manifest plugins = %v", m.Plugins)
	}
	if !reflect.DeepEqual(m.Tables, []string{"wp_options", "wp_posts"}) {
		t.Errorf("tables = %v", m.Tables)
	}

	r, err := archive.Open(site.published(st))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	z, err := archive.NewZstdFilter()
	if err != nil {
		t.Fatal(err)
	}
	defer z.Close()
	r.SetFilters(z)
	e, err := r.Find(DumpName)
	if err != nil {
		t.Fatal(err)
	}
	dump, err := r.ReadAll(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	text := string(dump)
	if strings.Contains(text, "old draft") {
		t.Error("revision rows should be left out")
	}
	if strings.Contains(text, "hello/hello.php") {
		t.Error("active plugins should be emptied")
	}
	if !strings.Contains(text, `"other"`) {
		t.Error("theme override missing from dump")
	}
	if !strings.Contains(text, "SMV_PREFIX_user_roles") || strings.Contains(text, `"wp_user_roles"`) {
		t.Error("prefixed option names should be rewritten to the dump prefix")
	}
	if m.Counters.Rows != 9 {
		t.Errorf("rows = %d, want 9", m.Counters.Rows)
	}
}

func TestExport_InvalidOptions(t *testing.T) {
	site := newTestSite(t, "https://old.example")
	_, err := site.sched.Start(pipeline.KindExport, pipeline.Options{Compression: "lzma"})
	if e := smerrors.AsError(err); e == nil || e.Code != smerrors.CodeInvalidOptions {
		t.Fatalf("Start error = %v, want %s", err, smerrors.CodeInvalidOptions)
	}
	jobs, err := site.store.ListJobs("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("a job with invalid options was persisted: %+v", jobs)
	}
}

func TestExport_InvalidStoredOptionsFailJob(t *testing.T) {
	site := newTestSite(t, "https://old.example")
	st, err := site.sched.Start(pipeline.KindExport, pipeline.Options{})
	if err != nil {
		t.Fatal(err)
	}
	// Options edited behind the scheduler's back are caught by the first
	// step, which must end the job rather than leave it pending.
	st.Options.Compression = "lzma"
	job, err := st.Job()
	if err != nil {
		t.Fatal(err)
	}
	if err := site.store.SaveJob(job); err != nil {
		t.Fatal(err)
	}

	got, err := site.sched.Invoke(context.Background(), pipeline.State{JobID: st.JobID})
	if e := smerrors.AsError(err); e == nil || e.Code != smerrors.CodeInvalidOptions {
		t.Fatalf("Invoke error = %v, want %s", err, smerrors.CodeInvalidOptions)
	}
	if got.Status != pipeline.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if _, err := os.Stat(st.ScratchDir); !os.IsNotExist(err) {
		t.Errorf("scratch directory should be removed, stat err = %v", err)
	}
}

func TestExport_PublishHashesOnce(t *testing.T) {
	mirror := t.TempDir()
	site := newTestSite(t, "https://old.example", func(cfg *config.Config) {
		cfg.Storage.Local.Enabled = true
		cfg.Storage.Local.Dir = mirror
	})
	site.writeFile(t, "index.php", []byte("<?php // silence"))

	ctx := context.Background()
	st, err := site.sched.Start(pipeline.KindExport, pipeline.Options{NoDatabase: true, Sinks: []string{"local", "local"}})
	if err != nil {
		t.Fatal(err)
	}
	for st.Step != "publish" || st.Offsets.Sink == 0 {
		if st.Status.Terminal() {
			t.Fatalf("export ended before publishing to both sinks: %s", st.Status)
		}
		if st, err = site.sched.Invoke(ctx, st); err != nil {
			t.Fatal(err)
		}
	}
	sum, _, err := hashFile(site.published(st))
	if err != nil {
		t.Fatal(err)
	}
	if st.Checksum != sum {
		t.Fatalf("checksum after first sink = %q, want %q", st.Checksum, sum)
	}

	// The second slice reports the stored checksum instead of hashing again.
	stored := strings.Repeat("ab", 32)
	st.Checksum = stored
	job, err := st.Job()
	if err != nil {
		t.Fatal(err)
	}
	if err := site.store.SaveJob(job); err != nil {
		t.Fatal(err)
	}
	st, err = site.sched.Drive(ctx, pipeline.State{JobID: st.JobID}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %s", st.Status)
	}
	transfers, err := site.store.ListTransfers(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 1 || transfers[0].SHA256 != stored {
		t.Errorf("transfers = %+v", transfers)
	}
	if _, err := os.Stat(filepath.Join(mirror, st.ArchiveName)); err != nil {
		t.Errorf("archive not sent to the sink: %v", err)
	}
}

func TestAppendFileOutcomes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := archive.Create(filepath.Join(dir, "a.smv"))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	path := filepath.Join(dir, "log.txt")
	if err := os.WriteFile(path, []byte("truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		file enumerate.File
		want fileOutcome
		size int64
	}{
		{"whole", enumerate.File{Path: path, Size: 9}, fileArchived, 9},
		{"shrank", enumerate.File{Path: path, Size: 4096}, fileShrank, 9},
		{"vanished", enumerate.File{Path: filepath.Join(dir, "gone.txt"), Size: 10}, fileVanished, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p archive.EntryProgress
			n, done, outcome, err := appendFile(ctx, w, tt.name, tt.file, nil, &p, 0)
			if err != nil {
				t.Fatal(err)
			}
			if !done || outcome != tt.want || n != tt.size {
				t.Errorf("appendFile = %d, %v, %v; want %d, true, %v", n, done, outcome, tt.size, tt.want)
			}
		})
	}
}

func TestArchiveName(t *testing.T) {
	created := mustTime(t, "2024-03-05T06:07:08Z")
	got := archiveName("https://blog.example.com:8443/sub", "0123456789abcdef", created)
	want := "blog-example-com-8443-20240305-060708-01234567.smv"
	if got != want {
		t.Errorf("archiveName = %q, want %q", got, want)
	}
	if got := archiveName("", "ab", created); got != "site-20240305-060708-ab.smv" {
		t.Errorf("archiveName without URL = %q", got)
	}
}

func readManifest(t *testing.T, path string) *Manifest {
	t.Helper()
	r, err := archive.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	e, err := r.Find(ManifestName)
	if err != nil {
		t.Fatal(err)
	}
	data, err := r.ReadAll(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	m, err := decodeManifest(data)
	if err != nil {
		t.Fatal(err)
	}
	return m
}
