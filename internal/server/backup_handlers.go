package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/sitemove/internal/catalog"
	smerrors "github.com/BadgerOps/sitemove/internal/errors"
)

// backupJSON is the JSON representation of a backup.
type backupJSON struct {
	catalog.Backup
	HumanSize string `json:"human_size"`
}

// handleListBackups returns the archives in the backups directory, newest
// first.
func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.catalog.List()
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	out := make([]backupJSON, 0, len(backups))
	for _, b := range backups {
		out = append(out, backupJSON{Backup: b, HumanSize: humanize.IBytes(uint64(b.Size))})
	}
	s.writeOK(w, out)
}

// handleDeleteBackup removes an archive, its checksum and its label.
func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Delete(r.PathValue("name")); err != nil {
		s.writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type labelBody struct {
	Label string `json:"label"`
}

// handleGetLabel returns an archive's label.
func (s *Server) handleGetLabel(w http.ResponseWriter, r *http.Request) {
	label, err := s.catalog.Label(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeOK(w, labelBody{Label: label})
}

// handleSetLabel replaces an archive's label. An empty label clears it.
func (s *Server) handleSetLabel(w http.ResponseWriter, r *http.Request) {
	var body labelBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.writeError(w, smerrors.ErrInvalidRequest("invalid request body"), nil)
		return
	}
	name := r.PathValue("name")
	if err := s.catalog.SetLabel(name, body.Label); err != nil {
		s.writeError(w, err, nil)
		return
	}
	label, err := s.catalog.Label(name)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeOK(w, labelBody{Label: label})
}

// handleDownloadBackup streams a byte range of an archive. The offset and
// length query parameters let a client resume an interrupted download.
func (s *Server) handleDownloadBackup(w http.ResponseWriter, r *http.Request) {
	offset, err := int64Param(r, "offset")
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	length, err := int64Param(r, "length")
	if err != nil {
		s.writeError(w, err, nil)
		return
	}

	name := r.PathValue("name")
	rng, err := s.catalog.ReadRange(name, offset, length)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	defer rng.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length, 10))
	w.Header().Set("X-Archive-Size", strconv.FormatInt(rng.Size, 10))
	w.Header().Set("X-Archive-Offset", strconv.FormatInt(rng.Offset, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rng); err != nil {
		s.logger.Warn("download interrupted", "backup", name, "offset", offset, "error", err)
	}
}

// handleUploadBackup receives one chunk of an archive. The chunk's position
// is given by ?offset=; ?final=true publishes the archive.
func (s *Server) handleUploadBackup(w http.ResponseWriter, r *http.Request) {
	offset, err := int64Param(r, "offset")
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	final, _ := strconv.ParseBool(r.URL.Query().Get("final"))
	limit, err := s.config.MaxUploadSizeBytes()
	if err != nil {
		s.writeError(w, err, nil)
		return
	}

	name := r.PathValue("name")
	received, err := s.catalog.Upload(name, offset, r.Body, final, limit)
	if err != nil {
		s.writeError(w, err, map[string]any{"name": name, "received": received})
		return
	}
	s.writeOK(w, map[string]any{"name": name, "received": received, "final": final})
}

func int64Param(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, smerrors.ErrInvalidRequest(key + " must be an integer")
	}
	return n, nil
}
