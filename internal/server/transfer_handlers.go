package server

import (
	"net/http"
	"strconv"
	"time"

	smerrors "github.com/BadgerOps/sitemove/internal/errors"
)

// transferJSON is the JSON representation of a transfer.
type transferJSON struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"job_id"`
	Direction    string    `json:"direction"`
	Archive      string    `json:"archive"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
}

// handleAPITransfers returns the most recent finished exports and imports.
func (s *Server) handleAPITransfers(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeOK(w, []transferJSON{})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, smerrors.ErrInvalidRequest("limit must be a positive integer"), nil)
			return
		}
		limit = n
	}

	dbTransfers, err := s.store.ListTransfers(limit)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}

	transfers := make([]transferJSON, 0, len(dbTransfers))
	for _, t := range dbTransfers {
		transfers = append(transfers, transferJSON{
			ID:           t.ID,
			JobID:        t.JobID,
			Direction:    t.Direction,
			Archive:      t.Archive,
			Size:         t.Size,
			SHA256:       t.SHA256,
			Status:       t.Status,
			ErrorMessage: t.ErrorMessage,
			StartTime:    t.StartTime,
			EndTime:      t.EndTime,
		})
	}
	s.writeOK(w, transfers)
}
