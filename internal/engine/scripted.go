package engine

import (
	"context"
	"time"

	"backtest-lab/internal/domain"
)

// Step is one scripted Next result: either a batch or an error.
// A non-nil Err terminates the run with that error.
type Step struct {
	Batch Batch
	Err   error
	Delay time.Duration
}

// Scripted replays a fixed sequence of steps. It exists for tests and
// for exercising coordinator paths without a real computation backend.
type Scripted struct {
	StartErr error
	Steps    []Step
}

var _ Engine = (*Scripted)(nil)

func (s *Scripted) Start(ctx context.Context, sess *domain.Session) (Run, error) {
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	steps := make([]Step, len(s.Steps))
	copy(steps, s.Steps)
	return &scriptedRun{steps: steps}, nil
}

type scriptedRun struct {
	steps []Step
	pos   int
}

func (r *scriptedRun) Next(ctx context.Context) (*Batch, error) {
	if r.pos >= len(r.steps) {
		return nil, ErrDone
	}
	step := r.steps[r.pos]
	r.pos++
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	b := step.Batch
	return &b, nil
}

func (r *scriptedRun) Close() error {
	r.pos = len(r.steps)
	return nil
}
