package pipeline

import (
	"context"
	"fmt"
	"sort"
)

// StepFunc performs one bounded slice of a step.
type StepFunc func(ctx context.Context, env *Env, st State) Result

// Step is one entry in a pipeline's step table.
type Step struct {
	Name     string
	Priority int
	Run      StepFunc
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeAdvance
	outcomeDone
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeContinue:
		return "continue"
	case outcomeAdvance:
		return "advance"
	case outcomeDone:
		return "done"
	default:
		return "failed"
	}
}

// Result is what a step returns after a slice of work.
type Result struct {
	outcome outcome
	state   State
	err     error
}

// Continue means the step has more work; call it again with st.
func Continue(st State) Result { return Result{outcome: outcomeContinue, state: st} }

// Advance means the step is complete and the next step should run.
func Advance(st State) Result { return Result{outcome: outcomeAdvance, state: st} }

// Done means the whole job is complete, skipping any remaining steps.
func Done(st State) Result { return Result{outcome: outcomeDone, state: st} }

// Failed means the step could not make progress.
func Failed(err error) Result { return Result{outcome: outcomeFailed, err: err} }

// Pipeline is an ordered step table.
type Pipeline struct {
	steps []Step
}

// New builds a pipeline, ordering steps by priority.
func New(steps ...Step) (*Pipeline, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("pipeline has no steps")
	}
	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	for i, s := range sorted {
		if s.Name == "" {
			return nil, fmt.Errorf("step at priority %d has no name", s.Priority)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("step %s has no handler", s.Name)
		}
		if i > 0 && sorted[i-1].Priority == s.Priority {
			return nil, fmt.Errorf("steps %s and %s share priority %d", sorted[i-1].Name, s.Name, s.Priority)
		}
	}
	return &Pipeline{steps: sorted}, nil
}

// MustNew is New for static step tables.
func MustNew(steps ...Step) *Pipeline {
	p, err := New(steps...)
	if err != nil {
		panic(err)
	}
	return p
}

// Steps returns the step table in execution order.
func (p *Pipeline) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// First returns the lowest-priority step.
func (p *Pipeline) First() Step {
	return p.steps[0]
}

// Lookup finds the step registered at priority.
func (p *Pipeline) Lookup(priority int) (Step, bool) {
	for _, s := range p.steps {
		if s.Priority == priority {
			return s, true
		}
	}
	return Step{}, false
}

// Next returns the step following priority.
func (p *Pipeline) Next(priority int) (Step, bool) {
	for _, s := range p.steps {
		if s.Priority > priority {
			return s, true
		}
	}
	return Step{}, false
}
