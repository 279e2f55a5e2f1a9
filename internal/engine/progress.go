package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/pipeline"
)

// StepEvent records a finished or failed step for the recent activity log.
type StepEvent struct {
	Step   string    `json:"step"`
	Status string    `json:"status"` // "completed", "failed"
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// JobProgress is a snapshot of one job, safe for JSON serialization.
type JobProgress struct {
	JobID          string           `json:"job_id"`
	Kind           pipeline.Kind    `json:"kind"`
	Status         pipeline.Status  `json:"status"`
	Step           string           `json:"step"`
	Archive        string           `json:"archive,omitempty"`
	Percent        float64          `json:"percent"`
	FilesTotal     int64            `json:"files_total"`
	FilesDone      int64            `json:"files_done"`
	BytesTotal     int64            `json:"bytes_total"`
	BytesDone      int64            `json:"bytes_done"`
	TablesTotal    int              `json:"tables_total"`
	TablesDone     int              `json:"tables_done"`
	RowsDone       int64            `json:"rows_done"`
	BytesPerSecond int64            `json:"bytes_per_second"`
	ETA            string           `json:"eta,omitempty"`
	StartTime      time.Time        `json:"start_time"`
	Elapsed        string           `json:"elapsed"`
	Error          *smerrors.Detail `json:"error,omitempty"`
	RecentEvents   []StepEvent      `json:"recent_events,omitempty"`
}

type trackedJob struct {
	state     pipeline.State
	firstSeen time.Time
	baseBytes int64
	events    []StepEvent
}

// Tracker keeps the latest state of every job this process has driven.
// SSE handlers use Wait() to block until new updates are available.
type Tracker struct {
	mu   sync.Mutex
	jobs map[string]*trackedJob

	// Notification channel: close-and-replace pattern.
	// Listeners call Wait() to get the current channel, then block on it.
	// Any update closes the old channel and replaces it with a new one.
	notify chan struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		jobs:   make(map[string]*trackedJob),
		notify: make(chan struct{}),
	}
}

// Attach feeds the tracker from a scheduler's completion and failure hooks.
// Intermediate states are fed by the caller through Update.
func (t *Tracker) Attach(s *pipeline.Scheduler) {
	s.OnComplete(func(_ context.Context, _ *pipeline.Env, st pipeline.State) {
		t.Update(st)
	})
	s.OnError(func(_ context.Context, _ *pipeline.Env, st pipeline.State, _ *smerrors.Error) {
		t.Update(st)
	})
}

// Update records a job state.
func (t *Tracker) Update(st pipeline.State) {
	if st.JobID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[st.JobID]
	if !ok {
		j = &trackedJob{firstSeen: time.Now(), baseBytes: st.Counters.BytesDone}
		t.jobs[st.JobID] = j
	} else {
		prev := j.state
		if prev.Step != st.Step && prev.Step != "" {
			j.addEvent(StepEvent{Step: prev.Step, Status: "completed", At: time.Now()})
		}
		if st.Status == pipeline.StatusCompleted && prev.Status != pipeline.StatusCompleted && prev.Step == st.Step {
			j.addEvent(StepEvent{Step: st.Step, Status: "completed", At: time.Now()})
		}
	}
	if st.Error != nil && (j.state.Error == nil || *j.state.Error != *st.Error) {
		j.addEvent(StepEvent{Step: st.Step, Status: "failed", Error: st.Error.Message, At: time.Now()})
	}
	j.state = st
	t.signal()
}

// addEvent prepends an event to the rolling log, capping at 20.
func (j *trackedJob) addEvent(ev StepEvent) {
	j.events = append([]StepEvent{ev}, j.events...)
	if len(j.events) > 20 {
		j.events = j.events[:20]
	}
}

// Snapshot returns the progress of one job.
func (t *Tracker) Snapshot(id string) (JobProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return JobProgress{}, false
	}
	return j.snapshot(), true
}

// Snapshots returns the progress of every tracked job, oldest first.
func (t *Tracker) Snapshots() []JobProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JobProgress, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].StartTime.Equal(out[b].StartTime) {
			return out[a].JobID < out[b].JobID
		}
		return out[a].StartTime.Before(out[b].StartTime)
	})
	return out
}

// Forget drops a job from the tracker.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[id]; ok {
		delete(t.jobs, id)
		t.signal()
	}
}

// Wait returns a channel that will be closed when the next update occurs.
// Callers should select on this channel alongside a timeout for heartbeats.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal closes the current notify channel and replaces it with a new one.
// Must be called with t.mu held.
func (t *Tracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

func (j *trackedJob) snapshot() JobProgress {
	st := j.state
	start := st.StartedAt
	if start.IsZero() {
		start = j.firstSeen
	}

	// Speed counts only bytes moved while this process watched the job.
	elapsed := time.Since(j.firstSeen)
	moved := st.Counters.BytesDone - j.baseBytes
	var bytesPerSecond int64
	var eta string
	if elapsed > time.Second && moved > 0 {
		bytesPerSecond = int64(float64(moved) / elapsed.Seconds())
		if bytesPerSecond > 0 && st.Counters.BytesTotal > st.Counters.BytesDone && !st.Status.Terminal() {
			remaining := st.Counters.BytesTotal - st.Counters.BytesDone
			etaDuration := time.Duration(float64(remaining) / float64(bytesPerSecond) * float64(time.Second))
			eta = etaDuration.Truncate(time.Second).String()
		}
	}

	events := make([]StepEvent, len(j.events))
	copy(events, j.events)

	return JobProgress{
		JobID:          st.JobID,
		Kind:           st.Kind,
		Status:         st.Status,
		Step:           st.Step,
		Archive:        st.ArchiveName,
		Percent:        st.Percent(),
		FilesTotal:     st.Counters.FilesTotal,
		FilesDone:      st.Counters.FilesDone,
		BytesTotal:     st.Counters.BytesTotal,
		BytesDone:      st.Counters.BytesDone,
		TablesTotal:    st.Counters.TablesTotal,
		TablesDone:     st.Counters.TablesDone,
		RowsDone:       st.Counters.RowsDone,
		BytesPerSecond: bytesPerSecond,
		ETA:            eta,
		StartTime:      start,
		Elapsed:        time.Since(start).Truncate(time.Second).String(),
		Error:          st.Error,
		RecentEvents:   events,
	}
}
