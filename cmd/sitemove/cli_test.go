package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	smerrors "github.com/BadgerOps/sitemove/internal/errors"
)

// newTestEnv writes a config file pointing at a fresh data directory and
// site, and returns the config path and the site's content root.
func newTestEnv(t *testing.T) (cfgFile, contentRoot, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	siteDir := filepath.Join(dir, "site")
	contentRoot = filepath.Join(siteDir, "wp-content")

	cfg := `
server:
  data_dir: "` + dataDir + `"
site:
  root: "` + siteDir + `"
  url: "https://cli.example"
export:
  chunk_size: "64KB"
  compression: "zstd"
import:
  min_free_space: ""
`
	cfgFile = filepath.Join(dir, "sitemove.yaml")
	if err := os.WriteFile(cfgFile, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgFile, contentRoot, dataDir
}

func writeContent(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, cfgFile string, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(resetGlobals)
	cmd := NewRootCmd()
	cmd.SetArgs(append([]string{"--config", cfgFile, "--log-level", "error"}, args...))
	var err error
	out := captureStdout(t, func() {
		err = cmd.ExecuteContext(context.Background())
	})
	closeComponents()
	resetGlobals()
	return out, err
}

func resetGlobals() {
	cfgPath, dataDir, siteRoot = "", "", ""
	globalCfg = nil
	globalStore, globalSite, globalSched = nil, nil, nil
	globalTracker, globalLocker, globalMetrics, globalCatalog = nil, nil, nil, nil
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	done := make(chan []byte)
	go func() {
		data, _ := io.ReadAll(r)
		done <- data
	}()

	fn()

	_ = w.Close()
	data := <-done
	_ = r.Close()
	return string(data)
}

func TestExportResumeAndUnpack(t *testing.T) {
	cfgFile, contentRoot, dataDir := newTestEnv(t)
	big := bytes.Repeat([]byte("sitemove "), 40000)
	writeContent(t, contentRoot, "index.php", []byte("<?php"))
	writeContent(t, contentRoot, "uploads/big.bin", big)
	stateFile := filepath.Join(t.TempDir(), "export.json")

	out, err := runCLI(t, cfgFile, "export", "--state-file", stateFile, "--max-slices", "1", "--label", "cli test")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "continue with: sitemove resume") {
		t.Fatalf("expected a resume hint, got: %s", out)
	}
	state, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	if strings.Contains(string(state), `"password"`) {
		t.Error("state file must not carry a password")
	}

	out, err = runCLI(t, cfgFile, "resume", "--state-file", stateFile)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !strings.Contains(out, "Export complete") {
		t.Fatalf("expected completion report, got: %s", out)
	}

	matches, err := filepath.Glob(filepath.Join(dataDir, "backups", "*.smv"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one published archive, got %v (%v)", matches, err)
	}
	archivePath := matches[0]
	name := filepath.Base(archivePath)

	out, err = runCLI(t, cfgFile, "backups", "list")
	if err != nil {
		t.Fatalf("backups list: %v", err)
	}
	if !strings.Contains(out, name) || !strings.Contains(out, "cli test") {
		t.Fatalf("expected archive and label in listing, got: %s", out)
	}

	out, err = runCLI(t, cfgFile, "archive", "list", archivePath, "--entries")
	if err != nil {
		t.Fatalf("archive list: %v", err)
	}
	if !strings.Contains(out, "uploads/big.bin") || !strings.Contains(out, "https://cli.example") {
		t.Fatalf("expected entries and site URL, got: %s", out)
	}

	dest := filepath.Join(t.TempDir(), "out")
	out, err = runCLI(t, cfgFile, "archive", "extract", archivePath, dest, "--include", "uploads/")
	if err != nil {
		t.Fatalf("archive extract: %v", err)
	}
	if !strings.Contains(out, "Extracted 1 files") {
		t.Fatalf("unexpected extract report: %s", out)
	}
	got, err := os.ReadFile(filepath.Join(dest, "uploads", "big.bin"))
	if err != nil || !bytes.Equal(got, big) {
		t.Fatalf("extracted file differs (err %v)", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "index.php")); !os.IsNotExist(err) {
		t.Error("index.php should not be extracted with --include uploads/")
	}

	copyDir := t.TempDir()
	if _, err := runCLI(t, cfgFile, "backups", "download", name, "--to", copyDir, "--chunk-size", "10KB"); err != nil {
		t.Fatalf("backups download: %v", err)
	}
	want, _ := os.ReadFile(archivePath)
	copied, err := os.ReadFile(filepath.Join(copyDir, name))
	if err != nil || !bytes.Equal(copied, want) {
		t.Fatalf("downloaded archive differs (err %v)", err)
	}
	if _, err := os.Stat(filepath.Join(copyDir, name+".sha256")); err != nil {
		t.Errorf("checksum not copied: %v", err)
	}

	out, err = runCLI(t, cfgFile, "jobs")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if !strings.Contains(out, "completed") {
		t.Fatalf("expected a completed job, got: %s", out)
	}

	out, err = runCLI(t, cfgFile, "transfers")
	if err != nil {
		t.Fatalf("transfers: %v", err)
	}
	if !strings.Contains(out, name) {
		t.Fatalf("expected the export in the transfer history, got: %s", out)
	}
}

func TestImportUnknownBackup(t *testing.T) {
	cfgFile, _, _ := newTestEnv(t)
	_, err := runCLI(t, cfgFile, "import", "missing.smv")
	if err == nil {
		t.Fatal("expected an error for a missing archive")
	}
	e := smerrors.AsError(err)
	if e == nil || e.Code != smerrors.CodeUpload {
		t.Fatalf("error = %v, want %s", err, smerrors.CodeUpload)
	}
}

func TestResumeNeedsJob(t *testing.T) {
	cfgFile, _, _ := newTestEnv(t)
	if _, err := runCLI(t, cfgFile, "resume"); err == nil {
		t.Fatal("expected an error without a job ID or state file")
	}
	_, err := runCLI(t, cfgFile, "resume", "no-such-job")
	e := smerrors.AsError(err)
	if e == nil || e.Code != smerrors.CodeJobNotFound {
		t.Fatalf("error = %v, want %s", err, smerrors.CodeJobNotFound)
	}
}

func TestFormatError(t *testing.T) {
	err := smerrors.ErrBackupNotFound("site.smv")
	msg := formatError(err)
	if !strings.HasPrefix(msg, "[BACKUP_NOT_FOUND] ") {
		t.Errorf("formatError = %q", msg)
	}
	if !strings.Contains(msg, "sitemove backups list") {
		t.Errorf("expected the fix hint, got %q", msg)
	}
}
