package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/pipeline"
)

// handleStartJob creates a job from the options of the posted state and
// runs its first slice.
func (s *Server) handleStartJob(kind pipeline.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := decodeState(r)
		if err != nil {
			s.writeError(w, err, nil)
			return
		}
		st, err := s.sched.Start(kind, in.Options)
		if err != nil {
			s.writeError(w, err, nil)
			return
		}
		s.tracker.Update(st)
		s.invoke(w, r, st)
	}
}

// handleStep runs the next slice of a job. The persisted state is
// authoritative; only a password may be supplied in the body, to retry
// after a decryption failure.
func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	in, err := decodeState(r)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if in.JobID != "" && in.JobID != id {
		s.writeError(w, smerrors.ErrInvalidRequest(fmt.Sprintf("state is for job %s, not %s", in.JobID, id)), nil)
		return
	}
	st, err := s.sched.Load(id)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if in.Options.Password != "" {
		st.Options.Password = in.Options.Password
	}
	s.invoke(w, r, st)
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request, st pipeline.State) {
	next, err := s.sched.Invoke(r.Context(), st)
	s.tracker.Update(next)
	if err != nil {
		s.writeError(w, err, redact(next))
		return
	}
	s.writeJob(w, next)
}

// handleAbort cancels a job and discards its scratch data.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Abort(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.tracker.Update(st)
	s.writeJob(w, st)
}

// handleGetJob returns a job's state with its progress snapshot.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.Load(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJob(w, st)
}

func (s *Server) writeJob(w http.ResponseWriter, st pipeline.State) {
	resp := Response{State: redact(st), Errors: []smerrors.Detail{}}
	if p, ok := s.tracker.Snapshot(st.JobID); ok {
		resp.Progress = &p
	}
	if st.Error != nil && !st.Status.Terminal() {
		// A retryable failure is still reported until the next slice
		// succeeds.
		resp.Errors = append(resp.Errors, *st.Error)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleListJobs returns recent jobs, optionally filtered by ?status=.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, smerrors.ErrInvalidRequest("limit must be a positive integer"), nil)
			return
		}
		limit = n
	}
	jobs, err := s.store.ListJobs(r.URL.Query().Get("status"), limit)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	states := make([]pipeline.State, 0, len(jobs))
	for i := range jobs {
		st, err := pipeline.FromJob(&jobs[i])
		if err != nil {
			s.logger.Warn("skipping unreadable job", "job", jobs[i].ID, "error", err)
			continue
		}
		states = append(states, redact(st))
	}
	s.writeOK(w, states)
}

// handleJobEvents streams progress snapshots of one job as server-sent
// events until the job reaches a terminal state or the client goes away.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.sched.Load(id)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if _, ok := s.tracker.Snapshot(id); !ok {
		s.tracker.Update(st)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	sendEvent := func(event string, data interface{}) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		// Take the channel before the snapshot so no update is missed.
		updated := s.tracker.Wait()
		p, ok := s.tracker.Snapshot(id)
		if !ok {
			sendEvent("gone", map[string]string{"job_id": id})
			return
		}
		sendEvent("progress", p)
		if p.Status.Terminal() {
			sendEvent("done", p)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-updated:
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
