package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/sitemove/internal/catalog"
	"github.com/BadgerOps/sitemove/internal/config"
	"github.com/BadgerOps/sitemove/internal/engine"
	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/lock"
	"github.com/BadgerOps/sitemove/internal/metrics"
	"github.com/BadgerOps/sitemove/internal/pipeline"
	"github.com/BadgerOps/sitemove/internal/storage"
	"github.com/BadgerOps/sitemove/internal/store"
)

type testServer struct {
	srv     *Server
	cfg     *config.Config
	locker  *lock.FileLocker
	handler http.Handler
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	cfg.Site.Root = filepath.Join(dir, "site")
	cfg.Site.URL = "https://old.example"
	cfg.Export.ChunkSize = "64KB"
	cfg.Export.Compression = "none"
	cfg.Import.MinFreeSpace = ""

	st, err := store.New(filepath.Join(dir, "jobs.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := storage.FromConfig(context.Background(), cfg, logger)
	require.NoError(t, err)

	m := metrics.New()
	env := &pipeline.Env{Logger: logger, Config: cfg, Storage: reg, Metrics: m, Store: st}
	sched := pipeline.NewScheduler(env, st, cfg.ScratchDir())
	engine.Register(sched)
	locker := lock.NewFileLocker(filepath.Join(cfg.Server.DataDir, "locks"), "test@host", time.Minute)
	sched.SetLocker(locker)

	tracker := engine.NewTracker()
	tracker.Attach(sched)
	cat := catalog.New(cfg.BackupsDir(), st, logger)

	srv := NewServer(sched, cat, tracker, m, st, cfg, logger)
	srv.heartbeat = 50 * time.Millisecond
	return &testServer{srv: srv, cfg: cfg, locker: locker, handler: srv.Handler()}
}

func (ts *testServer) writeContent(t *testing.T, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(ts.cfg.ContentRoot(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

func (ts *testServer) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

type jobResponse struct {
	State    pipeline.State      `json:"state"`
	Progress *engine.JobProgress `json:"progress"`
	Errors   []smerrors.Detail   `json:"errors"`
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) jobResponse {
	t.Helper()
	var resp jobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// drive posts step requests until the job is terminal.
func (ts *testServer) drive(t *testing.T, st pipeline.State, body string) pipeline.State {
	t.Helper()
	for i := 0; !st.Status.Terminal(); i++ {
		require.Less(t, i, 200, "job did not finish")
		w := ts.do(t, http.MethodPost, "/api/jobs/"+st.JobID+"/step", strings.NewReader(body))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		st = decodeJob(t, w).State
	}
	return st
}

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/97)
	}
	return b
}

func TestExportThroughAPI(t *testing.T) {
	ts := setupTestServer(t)
	ts.writeContent(t, "index.php", []byte("<?php"))
	ts.writeContent(t, "uploads/big.bin", patterned(300*1024))

	w := ts.do(t, http.MethodPost, "/api/jobs/export", strings.NewReader(`{"options":{"label":"first"}}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeJob(t, w)
	assert.Empty(t, resp.Errors)
	require.NotEmpty(t, resp.State.JobID)
	assert.Equal(t, pipeline.KindExport, resp.State.Kind)

	final := ts.drive(t, resp.State, "")
	assert.Equal(t, pipeline.StatusCompleted, final.Status)
	require.NotEmpty(t, final.ArchiveName)

	w = ts.do(t, http.MethodGet, "/api/jobs/"+final.JobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJob(t, w)
	require.NotNil(t, got.Progress)
	assert.Equal(t, float64(100), got.Progress.Percent)
	assert.Equal(t, pipeline.StatusCompleted, got.Progress.Status)

	// The catalog lists the archive with its label.
	w = ts.do(t, http.MethodGet, "/api/backups", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		State []backupJSON `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.State, 1)
	assert.Equal(t, final.ArchiveName, list.State[0].Name)
	assert.Equal(t, "first", list.State[0].Label)
	assert.NotEmpty(t, list.State[0].SHA256)
	assert.NotEmpty(t, list.State[0].HumanSize)

	// The archive can be fetched in two ranges.
	whole, err := os.ReadFile(filepath.Join(ts.cfg.BackupsDir(), final.ArchiveName))
	require.NoError(t, err)
	w = ts.do(t, http.MethodGet, "/api/backups/"+final.ArchiveName+"/download?length=1000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	first := w.Body.Bytes()
	assert.Len(t, first, 1000)
	assert.Equal(t, strings.TrimSpace(w.Header().Get("X-Archive-Size")), itoa(len(whole)))
	w = ts.do(t, http.MethodGet, "/api/backups/"+final.ArchiveName+"/download?offset=1000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, whole, append(append([]byte{}, first...), w.Body.Bytes()...))

	// Transfer history and metrics reflect the finished job.
	w = ts.do(t, http.MethodGet, "/api/transfers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)

	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sitemove_step_slices_total")
	assert.Contains(t, w.Body.String(), `sitemove_jobs_finished_total{kind="export",status="completed"} 1`)
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestLabelAndDeleteBackup(t *testing.T) {
	ts := setupTestServer(t)
	require.NoError(t, os.MkdirAll(ts.cfg.BackupsDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ts.cfg.BackupsDir(), "site.smv"), []byte("data"), 0o644))

	w := ts.do(t, http.MethodPut, "/api/backups/site.smv/label", strings.NewReader(`{"label":"before upgrade"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/backups/site.smv/label", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"state":{"label":"before upgrade"},"errors":[]}`, w.Body.String())

	w = ts.do(t, http.MethodDelete, "/api/backups/site.smv", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/backups/site.smv", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), string(smerrors.CodeBackupNotFound))

	w = ts.do(t, http.MethodGet, "/api/backups/site.txt/label", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadThenImport(t *testing.T) {
	src := setupTestServer(t)
	src.writeContent(t, "uploads/photo.jpg", patterned(150*1024))
	src.writeContent(t, "index.php", []byte("<?php"))
	w := src.do(t, http.MethodPost, "/api/jobs/export", strings.NewReader(`{"options":{"password":"s3cret"}}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	started := decodeJob(t, w).State
	assert.Empty(t, started.Options.Password, "password must not be echoed")
	exported := src.drive(t, started, "")
	data, err := os.ReadFile(filepath.Join(src.cfg.BackupsDir(), exported.ArchiveName))
	require.NoError(t, err)

	dst := setupTestServer(t)
	half := len(data) / 2
	w = dst.do(t, http.MethodPut, "/api/backups/moved.smv?offset=0", bytes.NewReader(data[:half]))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = dst.do(t, http.MethodPut, "/api/backups/moved.smv?offset="+itoa(half)+"&final=true", bytes.NewReader(data[half:]))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = dst.do(t, http.MethodPost, "/api/jobs/import", strings.NewReader(`{"options":{"archive":"moved.smv"}}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	st := decodeJob(t, w).State

	// Without the password the job stops at the decrypt step.
	for st.Step != "decrypt" {
		w = dst.do(t, http.MethodPost, "/api/jobs/"+st.JobID+"/step", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		st = decodeJob(t, w).State
	}
	w = dst.do(t, http.MethodPost, "/api/jobs/"+st.JobID+"/step", nil)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	resp := decodeJob(t, w)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, smerrors.CodeDecryption, resp.Errors[0].Code)
	assert.Equal(t, "decrypt", resp.State.Step)
	assert.False(t, resp.State.Status.Terminal())

	final := dst.drive(t, resp.State, `{"options":{"password":"s3cret"}}`)
	assert.Equal(t, pipeline.StatusCompleted, final.Status)
	got, err := os.ReadFile(filepath.Join(dst.cfg.ContentRoot(), "uploads", "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, patterned(150*1024), got)
}

func TestStepErrors(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/jobs/nope/step", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), string(smerrors.CodeJobNotFound))

	w = ts.do(t, http.MethodPost, "/api/jobs/export", strings.NewReader(`{not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), string(smerrors.CodeInvalidRequest))

	w = ts.do(t, http.MethodPost, "/api/jobs/export", strings.NewReader(`{"options":{"compression":"lzma"}}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), string(smerrors.CodeInvalidOptions))

	w = ts.do(t, http.MethodPost, "/api/jobs/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeJob(t, w).State

	w = ts.do(t, http.MethodPost, "/api/jobs/"+st.JobID+"/step", strings.NewReader(`{"job_id":"other"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A second in-flight request against the same job is rejected.
	release, err := ts.locker.Acquire(st.JobID)
	require.NoError(t, err)
	w = ts.do(t, http.MethodPost, "/api/jobs/"+st.JobID+"/step", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), string(smerrors.CodeJobLocked))
	release()

	w = ts.do(t, http.MethodPost, "/api/jobs/"+st.JobID+"/abort", nil)
	require.Equal(t, http.StatusOK, w.Code)
	aborted := decodeJob(t, w).State
	assert.Equal(t, pipeline.StatusFailed, aborted.Status)
	require.NotNil(t, aborted.Error)
	assert.Equal(t, smerrors.CodeAborted, aborted.Error.Code)

	w = ts.do(t, http.MethodGet, "/api/jobs?status=failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		State []pipeline.State `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.State, 1)
	assert.Equal(t, st.JobID, list.State[0].JobID)
}

func TestJobEventsStream(t *testing.T) {
	ts := setupTestServer(t)
	ts.writeContent(t, "index.php", []byte("<?php"))
	hs := httptest.NewServer(ts.handler)
	defer hs.Close()

	w := ts.do(t, http.MethodPost, "/api/jobs/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeJob(t, w).State

	resp, err := http.Get(hs.URL + "/api/jobs/" + st.JobID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan []string)
	go func() {
		var names []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
				names = append(names, name)
			}
		}
		events <- names
	}()

	ts.drive(t, st, "")

	var names []string
	select {
	case names = <-events:
	case <-time.After(10 * time.Second):
		t.Fatal("event stream did not end after the job completed")
	}
	require.NotEmpty(t, names)
	assert.Equal(t, "progress", names[0])
	assert.Equal(t, "done", names[len(names)-1])
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
