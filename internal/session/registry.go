package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/spindle/internal/executor"
	"github.com/samcharles93/spindle/internal/grammar"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/logits"
	"github.com/samcharles93/spindle/internal/pipeline"
)

const maxIDLen = 128

// Config describes a session to create.
type Config struct {
	// ID is optional; a random UUID is assigned when empty.
	ID           string
	Grammar      string
	Script       string
	ScriptParams map[string]float64
	Params       Options
}

// RegistryConfig bounds the registry.
type RegistryConfig struct {
	// MaxSessions caps live sessions. Zero means unbounded.
	MaxSessions int
	// IdleTimeout is how long a session may sit without a turn before the
	// reaper destroys it. Zero disables reaping.
	IdleTimeout time.Duration
	// MaxFaults is the number of script errors a session tolerates before
	// it is marked Errored. Zero means unlimited.
	MaxFaults    int
	ScriptLimits pipeline.Limits
	Defaults     Params
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxSessions:  1024,
		IdleTimeout:  15 * time.Minute,
		MaxFaults:    8,
		ScriptLimits: pipeline.DefaultLimits(),
		Defaults:     DefaultParams(),
	}
}

// RegistryStats counts registry activity.
type RegistryStats struct {
	Live      int    `json:"live"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
	Reaped    uint64 `json:"reaped"`
	Grammars  int    `json:"grammars"`
}

// Registry maps session ids to sessions. It is safe for concurrent use.
type Registry struct {
	exec     executor.Executor
	grammars *grammar.Cache
	cfg      RegistryConfig
	log      logger.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	closed    bool
	created   uint64
	destroyed uint64
	reaped    uint64
}

func NewRegistry(exec executor.Executor, grammars *grammar.Cache, cfg RegistryConfig, log logger.Logger) *Registry {
	return &Registry{
		exec:     exec,
		grammars: grammars,
		cfg:      cfg,
		log:      log.With("component", "sessions"),
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Defaults() Params { return r.cfg.Defaults }

// Create validates cfg, compiles its grammar and script and registers a new
// session. Nothing is registered on error.
func (r *Registry) Create(ctx context.Context, cfg Config) (*Session, error) {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	} else if err := validateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := r.admit(id); err != nil {
		return nil, err
	}

	params := Resolve(cfg.Params, r.cfg.Defaults)
	if err := params.Validate(r.exec.VocabSize()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	g, script, err := r.compile(cfg.Grammar, cfg.Script, id)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state, err := r.exec.NewState()
	if err != nil {
		return nil, fmt.Errorf("allocate model state: %w", err)
	}

	now := time.Now()
	s := &Session{
		id:           id,
		created:      now,
		exec:         r.exec,
		maxFaults:    r.cfg.MaxFaults,
		turn:         make(chan struct{}, 1),
		grammar:      g,
		cursor:       g.Start(),
		script:       script,
		scriptParams: cloneParams(cfg.ScriptParams),
		params:       params,
		state:        state,
		sampler:      logits.NewSampler(params.SamplerConfig()),
		lastActive:   now,
	}
	if err := r.insert(s); err != nil {
		executor.Release(r.exec, state)
		return nil, err
	}
	r.log.Debug("session created", "session_id", id, "grammar_states", g.NumStates(), "script", script != nil)
	return s, nil
}

func (r *Registry) compile(grammarSrc, scriptSrc, name string) (*grammar.Grammar, *pipeline.Script, error) {
	g, err := r.grammars.Get(grammarSrc)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	var script *pipeline.Script
	if strings.TrimSpace(scriptSrc) != "" {
		script, err = pipeline.Compile(name, scriptSrc, r.cfg.ScriptLimits)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	return g, script, nil
}

func validateID(id string) error {
	if len(id) > maxIDLen {
		return fmt.Errorf("id longer than %d bytes", maxIDLen)
	}
	for _, c := range id {
		if c <= ' ' || c == '/' || c == 0x7f {
			return fmt.Errorf("id %q contains %q", id, c)
		}
	}
	return nil
}

// admit is a cheap precheck so a doomed Create does not compile anything.
func (r *Registry) admit(id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admitLocked(id)
}

func (r *Registry) admitLocked(id string) error {
	switch {
	case r.closed:
		return fmt.Errorf("%w: registry closed", ErrLimit)
	case r.sessions[id] != nil:
		return fmt.Errorf("%w: %s", ErrExists, id)
	case r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions:
		return fmt.Errorf("%w: %d sessions", ErrLimit, len(r.sessions))
	}
	return nil
}

func (r *Registry) insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.admitLocked(s.id); err != nil {
		return err
	}
	r.sessions[s.id] = s
	r.created++
	return nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns session snapshots ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	slices.SortFunc(infos, func(a, b Info) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Live:      len(r.sessions),
		Created:   r.created,
		Destroyed: r.destroyed,
		Reaped:    r.reaped,
		Grammars:  r.grammars.Len(),
	}
}

// Stop interrupts the session's running turn.
func (r *Registry) Stop(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if s.Stop() {
		r.log.Debug("session stopped", "session_id", id)
	}
	return nil
}

// Destroy stops the session, waits for its running turn to finish, removes
// it and releases its model state. Unknown ids are not an error.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil {
		return nil
	}
	r.destroy(ctx, s)
	return nil
}

func (r *Registry) destroy(ctx context.Context, s *Session) {
	if s.markClosed() {
		return
	}

	waited := s.acquire(ctx) == nil
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
		r.destroyed++
	}
	r.mu.Unlock()

	if !waited {
		// The running turn releases the state when it ends.
		r.log.Warn("session destroyed before its turn ended", "session_id", s.id, "error", ctx.Err())
		return
	}
	s.mu.Lock()
	s.releaseStateLocked()
	s.mu.Unlock()
	s.release()
	r.log.Debug("session destroyed", "session_id", s.id)
}

// Copy clones a session's model state, grammar cursor, history and settings
// into a new session. newID may be empty.
func (r *Registry) Copy(ctx context.Context, id, newID string) (*Session, error) {
	src, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if newID == "" {
		newID = uuid.NewString()
	} else if err := validateID(newID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := r.admit(newID); err != nil {
		return nil, err
	}

	t, err := src.Begin(ctx)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	defer t.End()

	now := time.Now()
	dst := &Session{
		id:           newID,
		created:      now,
		exec:         r.exec,
		maxFaults:    r.cfg.MaxFaults,
		turn:         make(chan struct{}, 1),
		grammar:      t.Grammar,
		cursor:       t.Cursor,
		script:       t.Script,
		scriptParams: cloneParams(t.ScriptParams),
		params:       t.Params,
		pending:      slices.Clone(t.Pending),
		logits:       slices.Clone(t.Logits),
		history:      slices.Clone(t.History),
		sampler:      logits.NewSampler(t.Params.SamplerConfig()),
		lastActive:   now,
	}
	if t.State != nil {
		dst.state = t.State.Clone()
	} else if dst.state, err = r.exec.NewState(); err != nil {
		return nil, fmt.Errorf("allocate model state: %w", err)
	}
	if err := r.insert(dst); err != nil {
		executor.Release(r.exec, dst.state)
		return nil, err
	}
	r.log.Debug("session copied", "session_id", newID, "from", id)
	return dst, nil
}

// Reset gives the session a fresh model state, rewinds its grammar, clears
// its history and fault count and reseeds its sampler. It also clears the
// Errored status.
func (r *Registry) Reset(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	state, err := r.exec.NewState()
	if err != nil {
		return fmt.Errorf("allocate model state: %w", err)
	}
	if err := s.acquire(ctx); err != nil {
		executor.Release(r.exec, state)
		return err
	}
	defer s.release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		executor.Release(r.exec, state)
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.releaseStateLocked()
	s.state = state
	s.cursor = s.grammar.Start()
	s.pending = nil
	s.logits = nil
	s.history = nil
	s.faults = 0
	s.status = Idle
	s.err = nil
	s.sampler.Reset()
	s.lastActive = time.Now()
	return nil
}

// Update changes a live session. Nil fields are left alone.
type Update struct {
	Grammar      *string
	Script       *string
	ScriptParams map[string]float64
	Params       *Options
}

// Reconfigure applies u between turns. Everything is compiled and validated
// before the swap; on error the session is unchanged. A new grammar rewinds
// the cursor. An empty Script removes the script.
func (r *Registry) Reconfigure(ctx context.Context, id string, u Update) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	var (
		g      *grammar.Grammar
		script *pipeline.Script
	)
	if u.Grammar != nil {
		if g, err = r.grammars.Get(*u.Grammar); err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	if u.Script != nil && strings.TrimSpace(*u.Script) != "" {
		if script, err = pipeline.Compile(id, *u.Script, r.cfg.ScriptLimits); err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	params := s.params
	if u.Params != nil {
		params = Resolve(*u.Params, s.params)
		if err := params.Validate(r.exec.VocabSize()); err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	if g != nil && g != s.grammar {
		s.grammar = g
		s.cursor = g.Start()
	}
	if u.Script != nil {
		s.script = script
	}
	if u.ScriptParams != nil {
		s.scriptParams = cloneParams(u.ScriptParams)
	}
	if params.SamplerConfig() != s.params.SamplerConfig() {
		s.sampler = logits.NewSampler(params.SamplerConfig())
	}
	s.params = params
	s.lastActive = time.Now()
	return nil
}

// Reap destroys sessions idle since before now minus IdleTimeout and returns
// how many it removed. Sessions with a running turn are skipped.
func (r *Registry) Reap(ctx context.Context, now time.Time) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-r.cfg.IdleTimeout)
	r.mu.RLock()
	var idle []*Session
	for _, s := range r.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range idle {
		if !s.tryAcquire() {
			continue
		}
		active := s.LastActive()
		s.release()
		if !active.Before(cutoff) {
			continue
		}
		r.destroy(ctx, s)
		n++
	}
	if n > 0 {
		r.mu.Lock()
		r.reaped += uint64(n)
		r.mu.Unlock()
		r.log.Info("reaped idle sessions", "count", n, "idle_timeout", r.cfg.IdleTimeout)
	}
	return n
}

// RunReaper calls Reap every interval until ctx is done.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) error {
	if r.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = max(r.cfg.IdleTimeout/4, time.Second)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.Reap(ctx, now)
		}
	}
}

// Close destroys every session and refuses new ones.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		r.destroy(ctx, s)
	}
}
