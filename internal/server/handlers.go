package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/BadgerOps/sitemove/internal/engine"
	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/pipeline"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Response is the envelope of every API response.
type Response struct {
	State    any                 `json:"state"`
	Progress *engine.JobProgress `json:"progress,omitempty"`
	Errors   []smerrors.Detail   `json:"errors"`
}

// writeJSON encodes v with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeOK wraps state in the response envelope.
func (s *Server) writeOK(w http.ResponseWriter, state any) {
	s.writeJSON(w, http.StatusOK, Response{State: state, Errors: []smerrors.Detail{}})
}

// writeError maps err to its HTTP status. state, when not nil, is the job
// position the caller should retry from.
func (s *Server) writeError(w http.ResponseWriter, err error, state any) {
	e := smerrors.Wrap(err, "request failed")
	status := e.HTTPStatus()
	if status >= 500 {
		s.logger.Error("request failed", "code", e.Code, "error", e)
	} else {
		s.logger.Debug("request rejected", "code", e.Code, "error", e)
	}
	s.writeJSON(w, status, Response{State: state, Errors: []smerrors.Detail{e.Detail()}})
}

// decodeState reads an optional job state from the request body. An empty
// body yields a zero state.
func decodeState(r *http.Request) (pipeline.State, error) {
	var st pipeline.State
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&st)
	if errors.Is(err, io.EOF) {
		return pipeline.State{}, nil
	}
	if err != nil {
		return pipeline.State{}, smerrors.ErrInvalidRequest("request body is not a job state: " + err.Error())
	}
	return st, nil
}

// redact removes secrets from a state before it leaves the process.
func redact(st pipeline.State) pipeline.State {
	st.Options.Password = ""
	return st
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
