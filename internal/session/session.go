// Package session owns per-client generation state and the registry that
// creates, looks up and destroys it.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/samcharles93/spindle/internal/executor"
	"github.com/samcharles93/spindle/internal/grammar"
	"github.com/samcharles93/spindle/internal/logits"
	"github.com/samcharles93/spindle/internal/pipeline"
)

var (
	ErrConfig   = errors.New("invalid session config")
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
	ErrLimit    = errors.New("session limit reached")
	ErrClosed   = errors.New("session closed")
	ErrErrored  = errors.New("session errored")
)

type Status int

const (
	Idle Status = iota
	Queued
	Running
	Stopped
	Errored
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Session is one client's generation context. All generation state is
// reached through a Turn, and at most one Turn exists per session at a time.
type Session struct {
	id        string
	created   time.Time
	exec      executor.Executor
	maxFaults int

	turn chan struct{}

	mu           sync.Mutex
	grammar      *grammar.Grammar
	cursor       grammar.State
	script       *pipeline.Script
	scriptParams map[string]float64
	params       Params
	state        executor.State
	pending      []int
	logits       []float32
	history      []int
	sampler      *logits.Sampler
	faults       int
	status       Status
	stopCh       chan struct{}
	stopped      bool
	closed       bool
	err          error
	lastActive   time.Time
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Stop interrupts the running turn, if any. A queued executor request is
// skipped and an in-flight one is discarded. Stop reports whether a turn was
// interrupted.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

// markClosed refuses new turns and stops the running one under the same
// lock, so no turn can begin unstopped once destruction starts. It reports
// whether the session was already closed.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	s.closed = true
	s.stopLocked()
	return false
}

func (s *Session) stopLocked() bool {
	if s.stopCh == nil || s.stopped {
		return false
	}
	s.stopped = true
	close(s.stopCh)
	if s.status != Errored {
		s.status = Stopped
	}
	return true
}

// Done is closed when the running turn is stopped. It is nil between turns.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Grammar    string    `json:"grammar,omitempty"`
	Script     string    `json:"script,omitempty"`
	Params     Params    `json:"params"`
	Tokens     int       `json:"tokens"`
	Accepting  bool      `json:"accepting"`
	Terminal   bool      `json:"terminal"`
	Faults     int       `json:"faults"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:         s.id,
		Status:     s.status.String(),
		Grammar:    s.grammar.Source(),
		Params:     s.params,
		Tokens:     len(s.history),
		Accepting:  s.grammar.IsAccepting(s.cursor),
		Terminal:   s.grammar.IsTerminal(s.cursor),
		Faults:     s.faults,
		CreatedAt:  s.created,
		LastActive: s.lastActive,
	}
	if s.script != nil {
		info.Script = s.script.Source()
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

// History returns a copy of the generated token ids.
func (s *Session) History() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// acquire takes the turn token.
func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) tryAcquire() bool {
	select {
	case s.turn <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) release() { <-s.turn }

// releaseStateLocked hands the model state back to the executor. Callers
// hold the turn.
func (s *Session) releaseStateLocked() {
	executor.Release(s.exec, s.state)
	s.state = nil
}

// Turn is exclusive access to a session's generation state. Its exported
// fields are a working copy; Commit publishes them back to the session.
type Turn struct {
	Grammar      *grammar.Grammar
	Cursor       grammar.State
	Script       *pipeline.Script
	ScriptParams map[string]float64
	Params       Params
	State        executor.State
	Pending      []int
	Logits       []float32
	History      []int
	Sampler      *logits.Sampler

	s    *Session
	done chan struct{}
}

// Begin waits for the session's turn. It fails with ErrClosed once the
// session is being destroyed and with ErrErrored after a fatal failure.
func (s *Session) Begin(ctx context.Context) (*Turn, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		s.release()
		return nil, fmt.Errorf("%w: %s", ErrClosed, s.id)
	case s.status == Errored:
		s.release()
		return nil, fmt.Errorf("%w: %v", ErrErrored, s.err)
	}
	s.stopCh = make(chan struct{})
	s.stopped = false
	s.status = Idle
	s.lastActive = time.Now()
	return &Turn{
		Grammar:      s.grammar,
		Cursor:       s.cursor,
		Script:       s.script,
		ScriptParams: s.scriptParams,
		Params:       s.params,
		State:        s.state,
		Pending:      s.pending,
		Logits:       s.logits,
		History:      s.history,
		Sampler:      s.sampler,
		s:            s,
		done:         s.stopCh,
	}, nil
}

func (t *Turn) SessionID() string { return t.s.id }

// Done is closed when the session is stopped during this turn.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Stop interrupts this turn only. It is a no-op once the turn has ended.
func (t *Turn) Stop() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != t.done || s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
	if s.status != Errored {
		s.status = Stopped
	}
}

func (t *Turn) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// SetStatus records Queued or Running. It never overrides Stopped or
// Errored.
func (t *Turn) SetStatus(st Status) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.status == Stopped || t.s.status == Errored {
		return
	}
	t.s.status = st
}

// Commit publishes the working copy to the session.
func (t *Turn) Commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = t.Cursor
	s.state = t.State
	s.pending = t.Pending
	s.logits = t.Logits
	s.history = t.History
	s.lastActive = time.Now()
}

// Fault counts a script error. It reports true when the count passed the
// session's threshold and the session is now Errored.
func (t *Turn) Fault(err error) bool {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults++
	if s.maxFaults > 0 && s.faults > s.maxFaults {
		s.status = Errored
		s.err = fmt.Errorf("%d script faults, last: %w", s.faults, err)
		return true
	}
	return false
}

// Fail marks the session Errored. It will refuse further turns.
func (t *Turn) Fail(err error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Errored
	s.err = err
}

// End commits the working copy and gives the turn back. A session destroyed
// while the turn ran has its state released here.
func (t *Turn) End() {
	t.Commit()
	s := t.s
	s.mu.Lock()
	switch {
	case s.closed:
		s.releaseStateLocked()
	case s.status == Errored:
	case s.stopped:
		s.status = Stopped
	default:
		s.status = Idle
	}
	s.stopCh = nil
	s.mu.Unlock()
	s.release()
}

func cloneParams(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}
