// Package toy provides a small deterministic recurrent model that satisfies
// executor.Executor. It stands in for a real device executor in tests, the
// bench command and local runs.
package toy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/spindle/internal/executor"
)

// Config describes the model shape and runtime behaviour.
type Config struct {
	Vocab    int
	Hidden   int
	Seed     int64
	MaxBatch int
	// Latency is added to every Forward call to imitate device time.
	Latency time.Duration
	// LogitScale stretches the output distribution; larger is peakier.
	LogitScale float64
}

// Hook runs at the start of every Forward call. A non-nil error fails the
// call. Tests use it to block or fail the executor.
type Hook func(ctx context.Context, batch []executor.Input) error

// Model is a single-layer tanh RNN with random weights:
//
//	h' = tanh(E[tok] + R·h)
//	logits = scale · O·h'
type Model struct {
	cfg Config
	emb [][]float64
	rec [][]float64
	out [][]float64

	pool sync.Pool
	hook atomic.Pointer[Hook]

	active     atomic.Int32
	overlapped atomic.Bool
	calls      atomic.Int64
	fed        atomic.Int64
	live       atomic.Int64
	maxBatch   atomic.Int32
}

type state struct {
	m   *Model
	h   []float64
	pos int
}

// Clone copies the state into a fresh pooled buffer.
func (s *state) Clone() executor.State {
	c := s.m.alloc()
	copy(c.h, s.h)
	c.pos = s.pos
	return c
}

// New builds a model with weights drawn from cfg.Seed.
func New(cfg Config) (*Model, error) {
	if cfg.Vocab <= 0 {
		return nil, fmt.Errorf("toy: vocab size must be positive, got %d", cfg.Vocab)
	}
	if cfg.Hidden <= 0 {
		cfg.Hidden = 32
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1
	}
	if cfg.LogitScale == 0 {
		cfg.LogitScale = 3
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	std := 1 / math.Sqrt(float64(cfg.Hidden))
	m := &Model{
		cfg: cfg,
		emb: randMat(rng, cfg.Vocab, cfg.Hidden, 1),
		rec: randMat(rng, cfg.Hidden, cfg.Hidden, std),
		out: randMat(rng, cfg.Vocab, cfg.Hidden, std),
	}
	m.pool.New = func() any { return make([]float64, cfg.Hidden) }
	return m, nil
}

func randMat(rng *rand.Rand, rows, cols int, std float64) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = rng.NormFloat64() * std
		}
	}
	return m
}

func (m *Model) VocabSize() int { return m.cfg.Vocab }
func (m *Model) MaxBatch() int  { return m.cfg.MaxBatch }

// SetHook installs h; nil removes it.
func (m *Model) SetHook(h Hook) {
	if h == nil {
		m.hook.Store(nil)
		return
	}
	m.hook.Store(&h)
}

// ErrInjected is returned by hooks from FailEvery.
var ErrInjected = errors.New("toy: injected fault")

// FailEvery returns a hook that fails every nth Forward call. n <= 0 never
// fails.
func FailEvery(n int64) Hook {
	var calls atomic.Int64
	return func(context.Context, []executor.Input) error {
		if n > 0 && calls.Add(1)%n == 0 {
			return ErrInjected
		}
		return nil
	}
}

func (m *Model) NewState() (executor.State, error) {
	return m.alloc(), nil
}

func (m *Model) alloc() *state {
	h := m.pool.Get().([]float64)
	clear(h)
	m.live.Add(1)
	return &state{m: m, h: h}
}

// Release returns the state's buffer to the pool.
func (m *Model) Release(s executor.State) {
	st, ok := s.(*state)
	if !ok || st.m != m || st.h == nil {
		return
	}
	m.pool.Put(st.h)
	st.h = nil
	m.live.Add(-1)
}

func (m *Model) Forward(ctx context.Context, batch []executor.Input) ([]executor.Output, error) {
	if m.active.Add(1) > 1 {
		m.overlapped.Store(true)
	}
	defer m.active.Add(-1)
	m.calls.Add(1)

	if len(batch) == 0 {
		return nil, errors.New("toy: empty batch")
	}
	if len(batch) > m.cfg.MaxBatch {
		return nil, fmt.Errorf("toy: batch of %d exceeds max %d", len(batch), m.cfg.MaxBatch)
	}
	for n := int32(len(batch)); ; {
		cur := m.maxBatch.Load()
		if n <= cur || m.maxBatch.CompareAndSwap(cur, n) {
			break
		}
	}
	if h := m.hook.Load(); h != nil {
		if err := (*h)(ctx, batch); err != nil {
			return nil, err
		}
	}
	if m.cfg.Latency > 0 {
		t := time.NewTimer(m.cfg.Latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	outs := make([]executor.Output, len(batch))
	tmp := make([]float64, m.cfg.Hidden)
	for i, in := range batch {
		st, ok := in.State.(*state)
		if !ok || st.m != m || st.h == nil {
			return nil, fmt.Errorf("toy: input %d: invalid state", i)
		}
		if len(in.Tokens) == 0 {
			return nil, fmt.Errorf("toy: input %d: no tokens", i)
		}
		for _, tok := range in.Tokens {
			if tok < 0 || tok >= m.cfg.Vocab {
				return nil, fmt.Errorf("toy: input %d: token %d out of range", i, tok)
			}
			m.step(st, tok, tmp)
		}
		m.fed.Add(int64(len(in.Tokens)))
		outs[i] = executor.Output{State: st, Logits: m.logits(st)}
	}
	return outs, nil
}

func (m *Model) step(st *state, tok int, tmp []float64) {
	for j := range tmp {
		tmp[j] = math.Tanh(m.emb[tok][j] + floats.Dot(m.rec[j], st.h))
	}
	copy(st.h, tmp)
	st.pos++
}

func (m *Model) logits(st *state) []float32 {
	out := make([]float32, m.cfg.Vocab)
	for j := range out {
		out[j] = float32(m.cfg.LogitScale * floats.Dot(m.out[j], st.h))
	}
	return out
}

// Stats reports executor activity.
type Stats struct {
	Calls        int64 `json:"calls"`
	TokensFed    int64 `json:"tokens_fed"`
	LiveStates   int64 `json:"live_states"`
	LargestBatch int32 `json:"largest_batch"`
	Overlapped   bool  `json:"overlapped"`
}

func (m *Model) Stats() Stats {
	return Stats{
		Calls:        m.calls.Load(),
		TokensFed:    m.fed.Load(),
		LiveStates:   m.live.Load(),
		LargestBatch: m.maxBatch.Load(),
		Overlapped:   m.overlapped.Load(),
	}
}

// Position returns how many tokens s has consumed, or -1 if s is not a toy
// state.
func Position(s executor.State) int {
	st, ok := s.(*state)
	if !ok {
		return -1
	}
	return st.pos
}
