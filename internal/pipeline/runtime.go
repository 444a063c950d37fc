package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.starlark.net/starlark"
	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/spindle/internal/logger"
)

// Stats counts hook evaluations since the runtime was created.
type Stats struct {
	Evaluations uint64 `json:"evaluations"`
	Timeouts    uint64 `json:"timeouts"`
	Faults      uint64 `json:"faults"`
}

// Runtime evaluates hooks with at most Workers evaluations running at once.
type Runtime struct {
	sem    *semaphore.Weighted
	limits Limits
	log    logger.Logger

	evals    atomic.Uint64
	timeouts atomic.Uint64
	faults   atomic.Uint64
}

func NewRuntime(workers int, limits Limits, log logger.Logger) *Runtime {
	if workers <= 0 {
		workers = 1
	}
	return &Runtime{
		sem:    semaphore.NewWeighted(int64(workers)),
		limits: limits,
		log:    log.With("component", "pipeline"),
	}
}

func (r *Runtime) Limits() Limits { return r.limits }

func (r *Runtime) Stats() Stats {
	return Stats{
		Evaluations: r.evals.Load(),
		Timeouts:    r.timeouts.Load(),
		Faults:      r.faults.Load(),
	}
}

// Before runs before_sample. A script without the hook yields an empty
// Effect. On ErrTimeout or ErrScript the returned Effect is empty and the
// caller continues with unmodified logits.
func (r *Runtime) Before(ctx context.Context, s *Script, v View) (Effect, error) {
	if !s.HasBefore() {
		return Effect{}, nil
	}
	return r.eval(ctx, s.before, nil, v, hookBefore)
}

// After runs after_sample(token).
func (r *Runtime) After(ctx context.Context, s *Script, v View, token int) (Effect, error) {
	if !s.HasAfter() {
		return Effect{}, nil
	}
	return r.eval(ctx, s.after, starlark.Tuple{starlark.MakeInt(token)}, v, hookAfter)
}

func (r *Runtime) eval(ctx context.Context, fn starlark.Callable, args starlark.Tuple, v View, hook string) (Effect, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Effect{}, err
	}
	defer r.sem.Release(1)
	r.evals.Add(1)

	ev := &evaluation{view: v, hook: hook}
	thread := &starlark.Thread{
		Name: v.SessionID,
		Print: func(_ *starlark.Thread, msg string) {
			r.log.Debug("script print", "session_id", v.SessionID, "hook", hook, "msg", msg)
		},
	}
	if r.limits.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(r.limits.MaxSteps)
	}
	thread.SetLocal(localKey, ev)

	var timedOut atomic.Bool
	if r.limits.Timeout > 0 {
		timer := time.AfterFunc(r.limits.Timeout, func() {
			timedOut.Store(true)
			thread.Cancel("timeout")
		})
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, func() { thread.Cancel("cancelled") })
	defer stop()

	err := call(thread, fn, args)
	switch {
	case err == nil:
		return ev.effect, nil
	case timedOut.Load() || (r.limits.MaxSteps > 0 && thread.ExecutionSteps() >= r.limits.MaxSteps):
		r.timeouts.Add(1)
		return Effect{}, fmt.Errorf("%w: %s after %d steps", ErrTimeout, hook, thread.ExecutionSteps())
	case ctx.Err() != nil:
		return Effect{}, ctx.Err()
	default:
		r.faults.Add(1)
		return Effect{}, fmt.Errorf("%w: %s: %v", ErrScript, hook, err)
	}
}

func call(thread *starlark.Thread, fn starlark.Callable, args starlark.Tuple) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in script: %v", r)
		}
	}()
	_, err = starlark.Call(thread, fn, args, nil)
	return err
}
