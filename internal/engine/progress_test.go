package engine

import (
	"context"
	"testing"
	"time"

	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/pipeline"
)

func TestTracker_UpdateAndEvents(t *testing.T) {
	tr := NewTracker()
	st := pipeline.State{JobID: "job-1", Kind: pipeline.KindExport, Status: pipeline.StatusRunning, Step: "init"}
	tr.Update(st)

	st.Step = "content"
	st.Counters = pipeline.Counters{FilesTotal: 10, FilesDone: 3, BytesTotal: 1000, BytesDone: 300}
	tr.Update(st)

	detail := smerrors.ErrUpload("sink unavailable", nil).Detail()
	st.Error = &detail
	tr.Update(st)
	// The same error reported again is not a new event.
	tr.Update(st)

	p, ok := tr.Snapshot("job-1")
	if !ok {
		t.Fatal("job not tracked")
	}
	if p.Step != "content" || p.FilesDone != 3 || p.BytesTotal != 1000 {
		t.Errorf("snapshot = %+v", p)
	}
	if p.Error == nil || p.Error.Code != smerrors.CodeUpload {
		t.Errorf("error = %+v", p.Error)
	}
	if len(p.RecentEvents) != 2 {
		t.Fatalf("events = %+v, want 2", p.RecentEvents)
	}
	if p.RecentEvents[0].Status != "failed" || p.RecentEvents[0].Step != "content" {
		t.Errorf("newest event = %+v", p.RecentEvents[0])
	}
	if p.RecentEvents[1].Status != "completed" || p.RecentEvents[1].Step != "init" {
		t.Errorf("oldest event = %+v", p.RecentEvents[1])
	}
}

func TestTracker_EventsAreCapped(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 30; i++ {
		tr.Update(pipeline.State{JobID: "j", Step: string(rune('a' + i%26)) + "x", Status: pipeline.StatusRunning})
	}
	p, _ := tr.Snapshot("j")
	if len(p.RecentEvents) != 20 {
		t.Errorf("events = %d, want 20", len(p.RecentEvents))
	}
}

func TestTracker_WaitSignalsOnUpdate(t *testing.T) {
	tr := NewTracker()
	ch := tr.Wait()
	select {
	case <-ch:
		t.Fatal("channel closed before any update")
	default:
	}
	tr.Update(pipeline.State{JobID: "j"})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("update did not signal waiters")
	}

	ch = tr.Wait()
	tr.Forget("j")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("forget did not signal waiters")
	}
	if _, ok := tr.Snapshot("j"); ok {
		t.Error("forgotten job still tracked")
	}
}

func TestTracker_SnapshotsOldestFirst(t *testing.T) {
	tr := NewTracker()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.Update(pipeline.State{JobID: "b", StartedAt: base.Add(time.Minute)})
	tr.Update(pipeline.State{JobID: "a", StartedAt: base})
	tr.Update(pipeline.State{})

	ps := tr.Snapshots()
	if len(ps) != 2 || ps[0].JobID != "a" || ps[1].JobID != "b" {
		t.Errorf("snapshots = %+v", ps)
	}
}

func TestTracker_AttachFollowsScheduler(t *testing.T) {
	site := newTestSite(t, "https://old.example")
	site.writeFile(t, "index.php", []byte("<?php"))
	tr := NewTracker()
	tr.Attach(site.sched)

	st := site.export(t, pipeline.Options{NoDatabase: true})
	p, ok := tr.Snapshot(st.JobID)
	if !ok {
		t.Fatal("completed job not tracked")
	}
	if p.Status != pipeline.StatusCompleted || p.Percent != 100 || p.Archive != st.ArchiveName {
		t.Errorf("snapshot = %+v", p)
	}

	failed, err := site.sched.Start(pipeline.KindExport, pipeline.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := site.sched.Abort(context.Background(), failed.JobID); err != nil {
		t.Fatal(err)
	}
	p, ok = tr.Snapshot(failed.JobID)
	if !ok || p.Status != pipeline.StatusFailed || p.Error == nil || p.Error.Code != smerrors.CodeAborted {
		t.Errorf("aborted snapshot = %+v", p)
	}
}
