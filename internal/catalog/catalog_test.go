package catalog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/store"
)

func newCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(filepath.Join(t.TempDir(), "labels.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(filepath.Join(dir, "backups"), st, logger), filepath.Join(dir, "backups")
}

func writeBackup(t *testing.T, dir, name, data string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func requireCode(t *testing.T, err error, code smerrors.Code) {
	t.Helper()
	require.Error(t, err)
	e := smerrors.AsError(err)
	require.NotNil(t, e, "expected coded error, got %v", err)
	assert.Equal(t, code, e.Code)
}

func TestList_NewestFirstWithLabels(t *testing.T) {
	c, dir := newCatalog(t)

	backups, err := c.List()
	require.NoError(t, err)
	assert.Empty(t, backups, "missing directory lists as empty")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	writeBackup(t, dir, "old.smv", "aaaa", base)
	writeBackup(t, dir, "new.smv", "bb", base.Add(time.Hour))
	writeBackup(t, dir, "new.smv.part", "partial", base.Add(2*time.Hour))
	writeBackup(t, dir, "notes.txt", "x", base.Add(2*time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.smv"+SidecarExt), []byte("abc123  old.smv\n"), 0o644))
	require.NoError(t, c.SetLabel("old.smv", "  before upgrade "))

	backups, err = c.List()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "new.smv", backups[0].Name)
	assert.Equal(t, int64(2), backups[0].Size)
	assert.Empty(t, backups[0].Label)
	assert.Equal(t, "old.smv", backups[1].Name)
	assert.Equal(t, "before upgrade", backups[1].Label)
	assert.Equal(t, "abc123", backups[1].SHA256)
	assert.True(t, backups[1].ModTime.Equal(base))
}

func TestLabel_SetClearAndMissing(t *testing.T) {
	c, dir := newCatalog(t)
	writeBackup(t, dir, "site.smv", "data", time.Now())

	require.NoError(t, c.SetLabel("site.smv", "nightly"))
	label, err := c.Label("site.smv")
	require.NoError(t, err)
	assert.Equal(t, "nightly", label)

	require.NoError(t, c.SetLabel("site.smv", ""))
	label, err = c.Label("site.smv")
	require.NoError(t, err)
	assert.Empty(t, label)

	requireCode(t, c.SetLabel("gone.smv", "x"), smerrors.CodeBackupNotFound)
	_, err = c.Label("gone.smv")
	requireCode(t, err, smerrors.CodeBackupNotFound)
}

func TestDelete_RemovesArchiveSidecarAndLabel(t *testing.T) {
	c, dir := newCatalog(t)
	writeBackup(t, dir, "site.smv", "data", time.Now())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site.smv"+SidecarExt), []byte("ff  site.smv\n"), 0o644))
	require.NoError(t, c.SetLabel("site.smv", "keep"))

	require.NoError(t, c.Delete("site.smv"))

	_, err := os.Stat(filepath.Join(dir, "site.smv"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "site.smv"+SidecarExt))
	assert.True(t, os.IsNotExist(err))

	// A new archive under the same name does not inherit the label.
	writeBackup(t, dir, "site.smv", "again", time.Now())
	label, err := c.Label("site.smv")
	require.NoError(t, err)
	assert.Empty(t, label)

	requireCode(t, c.Delete("nope.smv"), smerrors.CodeBackupNotFound)
}

func TestReadRange(t *testing.T) {
	c, dir := newCatalog(t)
	writeBackup(t, dir, "site.smv", "0123456789", time.Now())

	tests := []struct {
		name           string
		offset, length int64
		want           string
	}{
		{"whole file", 0, 0, "0123456789"},
		{"middle", 3, 4, "3456"},
		{"to end", 7, 0, "789"},
		{"clamped", 8, 100, "89"},
		{"at end", 10, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := c.ReadRange("site.smv", tt.offset, tt.length)
			require.NoError(t, err)
			defer r.Close()
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
			assert.Equal(t, int64(len(tt.want)), r.Length)
			assert.Equal(t, int64(10), r.Size)
		})
	}

	_, err := c.ReadRange("site.smv", 11, 0)
	requireCode(t, err, smerrors.CodeInvalidRequest)
	_, err = c.ReadRange("site.smv", -1, 0)
	requireCode(t, err, smerrors.CodeInvalidRequest)
	_, err = c.ReadRange("missing.smv", 0, 0)
	requireCode(t, err, smerrors.CodeBackupNotFound)
}

func TestValidName(t *testing.T) {
	valid := []string{"site.smv", "blog-example-com-20240305-060708-01234567.smv"}
	for _, name := range valid {
		assert.NoError(t, ValidName(name), name)
	}
	invalid := []string{"", ".smv", "site.zip", "../site.smv", "sub/site.smv", `sub\site.smv`, "/etc/site.smv", "./site.smv"}
	for _, name := range invalid {
		err := ValidName(name)
		if assert.Error(t, err, name) {
			assert.Equal(t, smerrors.CodeInvalidRequest, smerrors.AsError(err).Code, name)
		}
	}
}

func TestUpload_ChunksAndRetries(t *testing.T) {
	c, dir := newCatalog(t)

	n, err := c.Upload("site.smv", 0, strings.NewReader("0123"), false, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	// The part file is not listed.
	backups, err := c.List()
	require.NoError(t, err)
	assert.Empty(t, backups)

	// A chunk starting past what was received is refused.
	_, err = c.Upload("site.smv", 9, strings.NewReader("x"), false, 0)
	requireCode(t, err, smerrors.CodeUpload)

	// Resending the second chunk replaces it.
	_, err = c.Upload("site.smv", 4, strings.NewReader("45xx"), false, 0)
	require.NoError(t, err)
	n, err = c.Upload("site.smv", 4, strings.NewReader("456789"), true, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	data, err := os.ReadFile(filepath.Join(dir, "site.smv"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
	_, err = os.Stat(filepath.Join(dir, "site.smv"+PartExt))
	assert.True(t, os.IsNotExist(err))

	_, err = c.Upload("site.smv", 0, strings.NewReader("again"), true, 0)
	requireCode(t, err, smerrors.CodeInvalidRequest)
}

func TestUpload_SizeLimit(t *testing.T) {
	c, dir := newCatalog(t)
	_, err := c.Upload("big.smv", 0, strings.NewReader("0123456789"), true, 8)
	requireCode(t, err, smerrors.CodeUpload)
	_, err = os.Stat(filepath.Join(dir, "big.smv"+PartExt))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "big.smv"))
	assert.True(t, os.IsNotExist(err))
}
