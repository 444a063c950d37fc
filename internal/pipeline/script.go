// Package pipeline runs per-session Starlark hooks around token sampling.
//
// A script may define before_sample() and after_sample(token). Hooks see the
// current step through a fixed host API and return their effect (logit
// biases, bans, a stop request) to the caller instead of mutating shared
// state. Each evaluation runs under a step budget and a wall-clock timeout.
package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.starlark.net/starlark"
)

var (
	ErrCompile = errors.New("script compile error")
	ErrTimeout = errors.New("script exceeded its execution budget")
	ErrScript  = errors.New("script runtime error")
)

const (
	hookBefore = "before_sample"
	hookAfter  = "after_sample"
)

// Limits bounds a single hook evaluation.
type Limits struct {
	MaxSteps uint64
	Timeout  time.Duration
}

func DefaultLimits() Limits {
	return Limits{MaxSteps: 200_000, Timeout: 50 * time.Millisecond}
}

// Script is a compiled pipeline script. Its globals are frozen after
// compilation, so one Script may be evaluated from any goroutine.
type Script struct {
	name   string
	source string
	before starlark.Callable
	after  starlark.Callable
}

// Compile executes the script's top level under limits and resolves its
// hooks. At least one hook must be defined.
func Compile(name, source string, limits Limits) (*Script, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%w: empty script", ErrCompile)
	}
	thread := &starlark.Thread{
		Name:  "compile:" + name,
		Print: func(*starlark.Thread, string) {},
	}
	if limits.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(limits.MaxSteps)
	}
	globals, err := starlark.ExecFile(thread, name, source, hostAPI())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}

	s := &Script{name: name, source: source}
	if s.before, err = lookupHook(globals, hookBefore); err != nil {
		return nil, err
	}
	if s.after, err = lookupHook(globals, hookAfter); err != nil {
		return nil, err
	}
	if s.before == nil && s.after == nil {
		return nil, fmt.Errorf("%w: script defines neither %s nor %s", ErrCompile, hookBefore, hookAfter)
	}
	return s, nil
}

func lookupHook(globals starlark.StringDict, name string) (starlark.Callable, error) {
	v, ok := globals[name]
	if !ok {
		return nil, nil
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %s, not a function", ErrCompile, name, v.Type())
	}
	return fn, nil
}

func (s *Script) Name() string    { return s.name }
func (s *Script) Source() string  { return s.source }
func (s *Script) HasBefore() bool { return s != nil && s.before != nil }
func (s *Script) HasAfter() bool  { return s != nil && s.after != nil }

// Effect is what one hook evaluation asks the engine to do.
type Effect struct {
	Bias   map[int]float32
	Banned []int
	Stop   bool
	Reason string
}

// Empty reports whether the effect leaves logits untouched.
func (e Effect) Empty() bool {
	return len(e.Bias) == 0 && len(e.Banned) == 0
}

// Apply returns logits with biases added and banned tokens set to -Inf.
// The input slice is returned unchanged when there is nothing to apply.
func (e Effect) Apply(logits []float32) []float32 {
	if e.Empty() {
		return logits
	}
	out := append([]float32(nil), logits...)
	for id, d := range e.Bias {
		out[id] += d
	}
	negInf := float32(math.Inf(-1))
	for _, id := range e.Banned {
		out[id] = negInf
	}
	return out
}
