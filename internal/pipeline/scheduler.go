package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/sitemove/internal/config"
	"github.com/BadgerOps/sitemove/internal/database"
	smerrors "github.com/BadgerOps/sitemove/internal/errors"
	"github.com/BadgerOps/sitemove/internal/metrics"
	"github.com/BadgerOps/sitemove/internal/storage"
	"github.com/BadgerOps/sitemove/internal/store"
)

// Env carries the collaborators every step and hook receives.
type Env struct {
	Logger  *slog.Logger
	Config  *config.Config
	Storage *storage.Registry
	Metrics *metrics.Metrics
	Site    *database.DB
	Store   *store.Store
}

// Mode controls how many slices one invocation runs.
type Mode int

const (
	// ModeAsync returns after every slice; the caller triggers the next.
	ModeAsync Mode = iota
	// ModeSync keeps running completed steps until a step needs another
	// slice or MaxSlices is reached.
	ModeSync
)

// JobStore persists job state between invocations.
type JobStore interface {
	SaveJob(job *store.Job) error
	GetJob(id string) (*store.Job, error)
}

// Locker serializes invocations against one job.
type Locker interface {
	Acquire(jobID string) (release func(), err error)
}

// ErrorHook is notified when a step fails.
type ErrorHook func(ctx context.Context, env *Env, st State, err *smerrors.Error)

// Validator completes and checks a new job's options. A job whose options
// fail it is never created.
type Validator func(kind Kind, opts Options) (Options, error)

// CompleteHook is notified when a job completes.
type CompleteHook func(ctx context.Context, env *Env, st State)

// Scheduler runs job steps in priority order.
type Scheduler struct {
	env         *Env
	jobs        JobStore
	scratchRoot string
	pipelines   map[Kind]*Pipeline
	locker      Locker
	validate    Validator
	mode        Mode
	maxSlices   int
	onError     []ErrorHook
	onComplete  []CompleteHook
}

// NewScheduler creates a scheduler that keeps job scratch directories under
// scratchRoot.
func NewScheduler(env *Env, jobs JobStore, scratchRoot string) *Scheduler {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	return &Scheduler{
		env:         env,
		jobs:        jobs,
		scratchRoot: scratchRoot,
		pipelines:   make(map[Kind]*Pipeline),
		mode:        ModeAsync,
		maxSlices:   1,
	}
}

// Register installs the step table for a job kind.
func (s *Scheduler) Register(kind Kind, p *Pipeline) {
	s.pipelines[kind] = p
}

// SetMode selects async or sync execution. maxSlices bounds sync mode.
func (s *Scheduler) SetMode(mode Mode, maxSlices int) {
	if maxSlices < 1 {
		maxSlices = 1
	}
	s.mode = mode
	s.maxSlices = maxSlices
}

// SetLocker installs a per-job lock taken for the duration of each
// invocation.
func (s *Scheduler) SetLocker(l Locker) {
	s.locker = l
}

// SetValidator installs the option check run by Start.
func (s *Scheduler) SetValidator(v Validator) {
	s.validate = v
}

// OnError registers a failure hook.
func (s *Scheduler) OnError(h ErrorHook) {
	s.onError = append(s.onError, h)
}

// OnComplete registers a completion hook.
func (s *Scheduler) OnComplete(h CompleteHook) {
	s.onComplete = append(s.onComplete, h)
}

// Env returns the scheduler's environment.
func (s *Scheduler) Env() *Env {
	return s.env
}

// Load returns the persisted state of a job.
func (s *Scheduler) Load(id string) (State, error) {
	job, err := s.jobs.GetJob(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return State{}, smerrors.ErrJobNotFound(id)
		}
		return State{}, smerrors.Wrap(err, "loading job")
	}
	st, err := FromJob(job)
	if err != nil {
		return State{}, smerrors.Wrap(err, "loading job")
	}
	return st, nil
}

// Start initializes a new job of the given kind and persists it without
// running any step.
func (s *Scheduler) Start(kind Kind, opts Options) (State, error) {
	st, err := s.init(State{Kind: kind, Options: opts})
	if err != nil {
		return State{}, err
	}
	if err := s.save(st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *Scheduler) init(st State) (State, error) {
	p, ok := s.pipelines[st.Kind]
	if !ok {
		return State{}, smerrors.ErrInvalidRequest(fmt.Sprintf("unknown job kind %q", st.Kind))
	}
	if s.validate != nil {
		opts, err := s.validate(st.Kind, st.Options)
		if err != nil {
			return State{}, err
		}
		st.Options = opts
	}
	st.JobID = uuid.NewString()
	st.Status = StatusPending
	first := p.First()
	st.Priority = first.Priority
	st.Step = first.Name
	st.ScratchDir = filepath.Join(s.scratchRoot, st.JobID)
	st.StartedAt = time.Now().UTC()
	if err := os.MkdirAll(st.ScratchDir, 0750); err != nil {
		return State{}, smerrors.Wrap(fmt.Errorf("creating scratch directory: %w", err), "starting job")
	}
	s.env.Metrics.JobStarted()
	s.env.Logger.Info("job created", "job", st.JobID, "kind", st.Kind)
	return st, nil
}

// Invoke runs the job's current step for one slice (or, in sync mode, up to
// MaxSlices consecutive slices) and returns the new state. A state carrying
// only a JobID is loaded from the store; a state without a JobID starts a
// new job. Terminal states are returned unchanged.
func (s *Scheduler) Invoke(ctx context.Context, in State) (State, error) {
	st := in
	if st.JobID == "" {
		var err error
		if st, err = s.init(st); err != nil {
			return in, err
		}
	} else if st.Kind == "" {
		loaded, err := s.Load(st.JobID)
		if err != nil {
			return in, err
		}
		st = loaded
	}

	if st.Status.Terminal() {
		return st, nil
	}
	p, ok := s.pipelines[st.Kind]
	if !ok {
		return st, smerrors.ErrInvalidRequest(fmt.Sprintf("unknown job kind %q", st.Kind))
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(st.JobID)
		if err != nil {
			return st, err
		}
		defer release()
	}

	logger := s.env.Logger.With("job", st.JobID, "kind", st.Kind)
	for slice := 1; ; slice++ {
		step, ok := p.Lookup(st.Priority)
		if !ok {
			return st, smerrors.ErrInvalidRequest(fmt.Sprintf("no step at priority %d", st.Priority))
		}
		st.Step = step.Name
		if st.Status == StatusPending {
			st.Status = StatusRunning
		}

		start := time.Now()
		res := s.run(ctx, step, st)
		s.env.Metrics.ObserveStep(string(st.Kind), step.Name, res.outcome.String(), time.Since(start))
		logger.Debug("step slice", "step", step.Name, "outcome", res.outcome, "duration", time.Since(start))

		switch res.outcome {
		case outcomeFailed:
			if errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded) {
				return st, res.err
			}
			return s.fail(ctx, st, step, res.err)

		case outcomeContinue:
			next := s.carry(st, res.state)
			next.Error = nil
			if err := s.save(next); err != nil {
				return st, err
			}
			return next, nil

		case outcomeDone:
			return s.complete(ctx, s.carry(st, res.state))

		case outcomeAdvance:
			next := s.carry(st, res.state)
			next.Error = nil
			following, ok := p.Next(step.Priority)
			if !ok {
				return s.complete(ctx, next)
			}
			next.Priority = following.Priority
			next.Step = following.Name
			if err := s.save(next); err != nil {
				return st, err
			}
			logger.Info("step completed", "step", step.Name, "next", following.Name)
			st = next
			if s.mode == ModeAsync || slice >= s.maxSlices {
				return st, nil
			}
		}
	}
}

// carry takes a step's returned state while keeping the fields only the
// scheduler may change.
func (s *Scheduler) carry(prev, next State) State {
	next.JobID = prev.JobID
	next.Kind = prev.Kind
	next.Status = prev.Status
	next.Priority = prev.Priority
	next.Step = prev.Step
	next.ScratchDir = prev.ScratchDir
	next.StartedAt = prev.StartedAt
	return next
}

func (s *Scheduler) run(ctx context.Context, step Step, st State) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.env.Logger.Error("step panicked", "job", st.JobID, "step", step.Name, "panic", r, "stack", string(debug.Stack()))
			res = Failed(fmt.Errorf("step %s panicked: %v", step.Name, r))
		}
	}()
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	return step.Run(ctx, s.env, st)
}

// fail records err against the pre-step state. Fatal errors end the job and
// discard its scratch directory; others leave the job where it was so the
// same step can be retried.
func (s *Scheduler) fail(ctx context.Context, st State, step Step, err error) (State, error) {
	e := smerrors.Wrap(err, fmt.Sprintf("step %s failed", step.Name))
	detail := e.Detail()
	st.Error = &detail

	if e.Fatal() {
		st.Status = StatusFailed
		s.removeScratch(st)
		s.env.Metrics.JobFinished(string(st.Kind), string(StatusFailed))
		s.env.Logger.Error("job failed", "job", st.JobID, "step", step.Name, "code", e.Code, "error", e)
	} else {
		s.env.Logger.Warn("step failed", "job", st.JobID, "step", step.Name, "code", e.Code, "retryable", e.Retryable(), "error", e)
	}

	if saveErr := s.save(st); saveErr != nil {
		s.env.Logger.Error("failed to persist job state", "job", st.JobID, "error", saveErr)
	}
	for _, h := range s.onError {
		h(ctx, s.env, st, e)
	}
	return st, e
}

func (s *Scheduler) complete(ctx context.Context, st State) (State, error) {
	st.Status = StatusCompleted
	st.Error = nil
	if err := s.save(st); err != nil {
		return st, err
	}
	s.env.Metrics.JobFinished(string(st.Kind), string(StatusCompleted))
	s.env.Logger.Info("job completed", "job", st.JobID, "kind", st.Kind, "archive", st.ArchiveName)
	for _, h := range s.onComplete {
		h(ctx, s.env, st)
	}
	return st, nil
}

// Drive invokes the job until it reaches a terminal state, calling
// onProgress after every slice. Non-fatal errors are returned to the caller
// with the state to retry from.
func (s *Scheduler) Drive(ctx context.Context, st State, onProgress func(State)) (State, error) {
	for {
		next, err := s.Invoke(ctx, st)
		if err != nil {
			return next, err
		}
		if onProgress != nil {
			onProgress(next)
		}
		if next.Status.Terminal() {
			return next, nil
		}
		st = next
	}
}

// Abort cancels a job: its scratch directory is deleted and the job is
// marked failed. Aborting a terminal job is a no-op.
func (s *Scheduler) Abort(ctx context.Context, id string) (State, error) {
	st, err := s.Load(id)
	if err != nil {
		return State{}, err
	}
	if st.Status.Terminal() {
		return st, nil
	}
	if s.locker != nil {
		release, err := s.locker.Acquire(id)
		if err != nil {
			return st, err
		}
		defer release()
	}

	e := smerrors.ErrAborted(id)
	detail := e.Detail()
	st.Status = StatusFailed
	st.Error = &detail
	s.removeScratch(st)
	if err := s.save(st); err != nil {
		return st, err
	}
	s.env.Metrics.JobFinished(string(st.Kind), "aborted")
	s.env.Logger.Info("job aborted", "job", id)
	for _, h := range s.onError {
		h(ctx, s.env, st, e)
	}
	return st, nil
}

func (s *Scheduler) removeScratch(st State) {
	if st.ScratchDir == "" {
		return
	}
	if err := os.RemoveAll(st.ScratchDir); err != nil {
		s.env.Logger.Warn("failed to remove scratch directory", "job", st.JobID, "path", st.ScratchDir, "error", err)
	}
}

func (s *Scheduler) save(st State) error {
	job, err := st.Job()
	if err != nil {
		return smerrors.Wrap(err, "saving job")
	}
	if err := s.jobs.SaveJob(job); err != nil {
		return smerrors.Wrap(err, "saving job")
	}
	return nil
}
