package toy

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/spindle/internal/executor"
)

func newModel(t *testing.T, cfg Config) *Model {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func forward(t *testing.T, m *Model, s executor.State, toks ...int) executor.Output {
	t.Helper()
	out, err := m.Forward(context.Background(), []executor.Input{{State: s, Tokens: toks}})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	return out[0]
}

// TestToyDeterministic verifies that two models built from the same seed
// produce identical logits for the same token stream.
func TestToyDeterministic(t *testing.T) {
	t.Parallel()

	a := newModel(t, Config{Vocab: 16, Hidden: 8, Seed: 42})
	b := newModel(t, Config{Vocab: 16, Hidden: 8, Seed: 42})
	sa, _ := a.NewState()
	sb, _ := b.NewState()
	la := forward(t, a, sa, 1, 2, 3).Logits
	lb := forward(t, b, sb, 1, 2, 3).Logits
	if len(la) != 16 {
		t.Fatalf("expected 16 logits, got %d", len(la))
	}
	if diff := cmp.Diff(la, lb); diff != "" {
		t.Fatalf("logits differ (-a +b):\n%s", diff)
	}
}

func TestToyIncrementalMatchesPrefill(t *testing.T) {
	t.Parallel()

	m := newModel(t, Config{Vocab: 16, Hidden: 8, Seed: 3})
	s1, _ := m.NewState()
	s2, _ := m.NewState()
	whole := forward(t, m, s1, 4, 5, 6)
	step := forward(t, m, s2, 4)
	step = forward(t, m, step.State, 5)
	step = forward(t, m, step.State, 6)
	if diff := cmp.Diff(whole.Logits, step.Logits); diff != "" {
		t.Fatalf("incremental logits differ (-prefill +incremental):\n%s", diff)
	}
	if Position(step.State) != 3 {
		t.Fatalf("position = %d, want 3", Position(step.State))
	}
}

func TestToyBatchMatchesSequential(t *testing.T) {
	t.Parallel()

	m := newModel(t, Config{Vocab: 16, Hidden: 8, Seed: 9, MaxBatch: 4})
	s1, _ := m.NewState()
	s2, _ := m.NewState()
	outs, err := m.Forward(context.Background(), []executor.Input{
		{State: s1, Tokens: []int{1}},
		{State: s2, Tokens: []int{7}},
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	r1, _ := m.NewState()
	r2, _ := m.NewState()
	if diff := cmp.Diff(forward(t, m, r1, 1).Logits, outs[0].Logits); diff != "" {
		t.Fatalf("batch slot 0 differs:\n%s", diff)
	}
	if diff := cmp.Diff(forward(t, m, r2, 7).Logits, outs[1].Logits); diff != "" {
		t.Fatalf("batch slot 1 differs:\n%s", diff)
	}
	if st := m.Stats(); st.LargestBatch != 2 || st.Overlapped {
		t.Fatalf("stats = %+v", st)
	}
}

func TestToyCloneIsIndependent(t *testing.T) {
	t.Parallel()

	m := newModel(t, Config{Vocab: 16, Hidden: 8, Seed: 1})
	s, _ := m.NewState()
	base := forward(t, m, s, 2)
	clone := base.State.Clone()
	if Position(clone) != 1 {
		t.Fatalf("clone position = %d, want 1", Position(clone))
	}
	a := forward(t, m, base.State, 3).Logits
	b := forward(t, m, clone, 3).Logits
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("clone diverged:\n%s", diff)
	}
	if Position(clone) != 2 || Position(base.State) != 2 {
		t.Fatalf("positions after one more token: clone=%d base=%d", Position(clone), Position(base.State))
	}
}

func TestToyErrors(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for zero vocab")
	}
	m := newModel(t, Config{Vocab: 4, MaxBatch: 1})
	s, _ := m.NewState()
	tests := []struct {
		name  string
		batch []executor.Input
	}{
		{name: "empty batch", batch: nil},
		{name: "too large", batch: []executor.Input{{State: s, Tokens: []int{1}}, {State: s, Tokens: []int{1}}}},
		{name: "no tokens", batch: []executor.Input{{State: s}}},
		{name: "token out of range", batch: []executor.Input{{State: s, Tokens: []int{9}}}},
		{name: "foreign state", batch: []executor.Input{{State: nil, Tokens: []int{1}}}},
	}
	for _, tc := range tests {
		if _, err := m.Forward(context.Background(), tc.batch); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	boom := errors.New("device lost")
	m.SetHook(func(context.Context, []executor.Input) error { return boom })
	if _, err := m.Forward(context.Background(), []executor.Input{{State: s, Tokens: []int{1}}}); !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	m.SetHook(nil)
	forward(t, m, s, 1)
}

func TestToyReleasePoolsState(t *testing.T) {
	t.Parallel()

	m := newModel(t, Config{Vocab: 8})
	s, _ := m.NewState()
	forward(t, m, s, 1)
	if m.Stats().LiveStates != 1 {
		t.Fatalf("live = %d, want 1", m.Stats().LiveStates)
	}
	executor.Release(m, s)
	executor.Release(m, s)
	if m.Stats().LiveStates != 0 {
		t.Fatalf("live = %d after release, want 0", m.Stats().LiveStates)
	}
	if _, err := m.Forward(context.Background(), []executor.Input{{State: s, Tokens: []int{1}}}); err == nil {
		t.Fatalf("released state must not be usable")
	}
	fresh, _ := m.NewState()
	if Position(fresh) != 0 {
		t.Fatalf("fresh state position = %d", Position(fresh))
	}
}

func TestToyFailEvery(t *testing.T) {
	t.Parallel()

	m := newModel(t, Config{Vocab: 8, Hidden: 4, Seed: 1, MaxBatch: 1})
	m.SetHook(FailEvery(3))
	s, _ := m.NewState()
	var failed []int
	for call := 1; call <= 7; call++ {
		_, err := m.Forward(context.Background(), []executor.Input{{State: s, Tokens: []int{1}}})
		if errors.Is(err, ErrInjected) {
			failed = append(failed, call)
		} else if err != nil {
			t.Fatalf("call %d: %v", call, err)
		}
	}
	if diff := cmp.Diff([]int{3, 6}, failed); diff != "" {
		t.Fatalf("failed calls (-want +got):\n%s", diff)
	}
	if got := Position(s); got != 5 {
		t.Fatalf("position: got %d want 5", got)
	}
}
