package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/spindle/internal/executor"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/toy"
)

func newToy(t *testing.T, maxBatch int) *toy.Model {
	t.Helper()
	m, err := toy.New(toy.Config{Vocab: 32, Hidden: 8, Seed: 5, MaxBatch: maxBatch})
	if err != nil {
		t.Fatalf("toy.New: %v", err)
	}
	return m
}

func newState(t *testing.T, m *toy.Model) executor.State {
	t.Helper()
	s, err := m.NewState()
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	return s
}

// start runs the scheduler loop until the test ends.
func start(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func submit(t *testing.T, s *Scheduler, req Request) *Future {
	t.Helper()
	f, err := s.Submit(req)
	if err != nil {
		t.Fatalf("Submit(%s): %v", req.SessionID, err)
	}
	return f
}

// gate blocks every Forward call until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 64), release: make(chan struct{})}
}

func (g *gate) hook(ctx context.Context, _ []executor.Input) error {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSubmitRoundTrip(t *testing.T) {
	t.Parallel()

	m := newToy(t, 1)
	s := New(m, Config{MaxQueue: 4, MaxBatch: 1}, logger.Discard())
	start(t, s)

	res := submit(t, s, Request{SessionID: "a", State: newState(t, m), Tokens: []int{1, 2, 3}}).Wait()
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.SessionID != "a" {
		t.Fatalf("session = %q", res.SessionID)
	}
	if len(res.Logits) != 32 {
		t.Fatalf("logits = %d, want 32", len(res.Logits))
	}
	if toy.Position(res.State) != 3 {
		t.Fatalf("position = %d, want 3", toy.Position(res.State))
	}
	st := s.Stats()
	if st.Processed != 1 || st.Batches != 1 || st.Queued != 0 || st.InFlight != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSubmitRejectsEmptyTokens(t *testing.T) {
	t.Parallel()

	m := newToy(t, 1)
	s := New(m, Config{}, logger.Discard())
	if _, err := s.Submit(Request{SessionID: "a", State: newState(t, m)}); err == nil {
		t.Fatalf("expected error for empty tokens")
	}
}

func TestFIFOAcrossSessions(t *testing.T) {
	t.Parallel()

	m := newToy(t, 1)
	s := New(m, Config{MaxBatch: 1}, logger.Discard())

	var (
		mu    sync.Mutex
		order []string
	)
	var want []string
	var futures []*Future
	for i := range 20 {
		id := fmt.Sprintf("s%02d", i)
		want = append(want, id)
		futures = append(futures, submit(t, s, Request{
			SessionID: id,
			State:     newState(t, m),
			Tokens:    []int{i % 32},
			Dispatched: func() {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
			},
		}))
	}
	start(t, s)
	for _, f := range futures {
		if res := f.Wait(); res.Err != nil {
			t.Fatalf("%s: %v", res.SessionID, res.Err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, order); diff != "" {
		t.Fatalf("dispatch order (-want +got):\n%s", diff)
	}
}

func TestPerSessionRequestsAreSerialized(t *testing.T) {
	t.Parallel()

	m := newToy(t, 4)
	s := New(m, Config{MaxBatch: 4}, logger.Discard())

	var (
		mu     sync.Mutex
		tokens []int
	)
	var futures []*Future
	for tok := 1; tok <= 3; tok++ {
		futures = append(futures, submit(t, s, Request{
			SessionID: "only",
			State:     newState(t, m),
			Tokens:    []int{tok},
			Dispatched: func() {
				mu.Lock()
				tokens = append(tokens, tok)
				mu.Unlock()
			},
		}))
	}
	if st := s.Stats(); st.Queued != 3 || st.Sessions != 1 {
		t.Fatalf("stats before run = %+v", st)
	}
	start(t, s)
	for _, f := range futures {
		if res := f.Wait(); res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	}
	if got := m.Stats().LargestBatch; got != 1 {
		t.Fatalf("largest batch = %d, want 1 for a single session", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]int{1, 2, 3}, tokens); diff != "" {
		t.Fatalf("per-session order (-want +got):\n%s", diff)
	}
}

func TestBatching(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		lengths     []int
		maxBatch    int
		wantBatches uint64
		wantLargest int
	}{
		{name: "uniform", lengths: []int{1, 1, 1, 1, 1, 1, 1, 1}, maxBatch: 4, wantBatches: 2, wantLargest: 4},
		{name: "mixed shapes keep order", lengths: []int{1, 2, 1}, maxBatch: 4, wantBatches: 3, wantLargest: 1},
		{name: "runs of equal shape", lengths: []int{2, 2, 1, 1, 1}, maxBatch: 4, wantBatches: 2, wantLargest: 3},
		{name: "config caps executor", lengths: []int{1, 1, 1, 1}, maxBatch: 2, wantBatches: 2, wantLargest: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := newToy(t, 4)
			s := New(m, Config{MaxBatch: tc.maxBatch}, logger.Discard())
			var futures []*Future
			for i, n := range tc.lengths {
				toks := make([]int, n)
				for j := range toks {
					toks[j] = (i + j) % 32
				}
				futures = append(futures, submit(t, s, Request{
					SessionID: fmt.Sprintf("s%d", i),
					State:     newState(t, m),
					Tokens:    toks,
				}))
			}
			start(t, s)
			for i, f := range futures {
				res := f.Wait()
				if res.Err != nil {
					t.Fatalf("request %d: %v", i, res.Err)
				}
				if toy.Position(res.State) != tc.lengths[i] {
					t.Fatalf("request %d position = %d, want %d", i, toy.Position(res.State), tc.lengths[i])
				}
			}
			st := s.Stats()
			if st.Batches != tc.wantBatches || st.LargestBatch != tc.wantLargest {
				t.Fatalf("batches=%d largest=%d, want %d and %d", st.Batches, st.LargestBatch, tc.wantBatches, tc.wantLargest)
			}
			if m.Stats().Overlapped {
				t.Fatalf("executor calls overlapped")
			}
		})
	}
}

func TestBatchedLogitsMatchSequential(t *testing.T) {
	t.Parallel()

	batched := newToy(t, 4)
	seq := newToy(t, 1)
	sb := New(batched, Config{MaxBatch: 4}, logger.Discard())
	ss := New(seq, Config{MaxBatch: 1}, logger.Discard())

	var fb, fs []*Future
	for i := range 4 {
		id := fmt.Sprintf("s%d", i)
		fb = append(fb, submit(t, sb, Request{SessionID: id, State: newState(t, batched), Tokens: []int{i + 3}}))
		fs = append(fs, submit(t, ss, Request{SessionID: id, State: newState(t, seq), Tokens: []int{i + 3}}))
	}
	start(t, sb)
	start(t, ss)
	for i := range fb {
		a, b := fb[i].Wait(), fs[i].Wait()
		if diff := cmp.Diff(b.Logits, a.Logits); diff != "" {
			t.Fatalf("request %d logits differ (-sequential +batched):\n%s", i, diff)
		}
	}
}

func TestOverloaded(t *testing.T) {
	t.Parallel()

	m := newToy(t, 1)
	s := New(m, Config{MaxQueue: 3, MaxBatch: 1}, logger.Discard())

	var futures []*Future
	for i := range 3 {
		futures = append(futures, submit(t, s, Request{SessionID: fmt.Sprintf("s%d", i), State: newState(t, m), Tokens: []int{1}}))
	}
	_, err := s.Submit(Request{SessionID: "late", State: newState(t, m), Tokens: []int{1}})
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	if st := s.Stats(); st.Rejected != 1 || st.Queued != 3 {
		t.Fatalf("stats = %+v", st)
	}

	start(t, s)
	for _, f := range futures {
		if res := f.Wait(); res.Err != nil {
			t.Fatalf("queued request failed: %v", res.Err)
		}
	}
	if _, err := s.Submit(Request{SessionID: "late", State: newState(t, m), Tokens: []int{1}}); err != nil {
		t.Fatalf("submit after drain: %v", err)
	}
}

func TestQueueTimeoutExpires(t *testing.T) {
	t.Parallel()

	m := newToy(t, 1)
	s := New(m, Config{MaxBatch: 1, QueueTimeout: 10 * time.Millisecond}, logger.Discard())
	st := newState(t, m)
	f := submit(t, s, Request{SessionID: "a", State: st, Tokens: []int{1}})
	time.Sleep(30 * time.Millisecond)
	start(t, s)

	res := f.Wait()
	if !errors.Is(res.Err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", res.Err)
	}
	if res.State != st || toy.Position(res.State) != 0 {
		t.Fatalf("state must come back untouched")
	}
	if m.Stats().Calls != 0 {
		t.Fatalf("executor called %d times", m.Stats().Calls)
	}
	if s.Stats().Expired != 1 {
		t.Fatalf("expired = %d", s.Stats().Expired)
	}
}

func TestStoppedBeforeDispatch(t *testing.T) {
	t.Parallel()

	m := newToy(t, 1)
	s := New(m, Config{MaxBatch: 1}, logger.Discard())
	done := make(chan struct{})
	st := newState(t, m)
	dispatched := false
	f := submit(t, s, Request{
		SessionID:  "a",
		State:      st,
		Tokens:     []int{1},
		Done:       done,
		Dispatched: func() { dispatched = true },
	})
	close(done)
	start(t, s)

	res := f.Wait()
	if !errors.Is(res.Err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", res.Err)
	}
	if res.State != st {
		t.Fatalf("state must come back untouched")
	}
	if dispatched || m.Stats().Calls != 0 {
		t.Fatalf("stopped request reached the executor")
	}
	if s.Stats().Skipped != 1 {
		t.Fatalf("skipped = %d", s.Stats().Skipped)
	}
}

func TestStoppedWhileRunning(t *testing.T) {
	t.Parallel()

	m := newToy(t, 1)
	g := newGate()
	m.SetHook(g.hook)
	s := New(m, Config{MaxBatch: 1}, logger.Discard())
	start(t, s)

	done := make(chan struct{})
	f := submit(t, s, Request{SessionID: "a", State: newState(t, m), Tokens: []int{4, 5}, Done: done})
	<-g.entered
	close(done)
	close(g.release)

	res := f.Wait()
	if !errors.Is(res.Err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", res.Err)
	}
	if len(res.Logits) != 32 {
		t.Fatalf("stopped in-flight result must still carry logits, got %d", len(res.Logits))
	}
	if toy.Position(res.State) != 2 {
		t.Fatalf("stopped result must carry the advanced state, position = %d", toy.Position(res.State))
	}
	if s.Stats().Discarded != 1 {
		t.Fatalf("discarded = %d", s.Stats().Discarded)
	}
}

func TestExecutionFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		hook toy.Hook
	}{
		{name: "error", hook: func(context.Context, []executor.Input) error { return errors.New("device lost") }},
		{name: "panic", hook: func(context.Context, []executor.Input) error { panic("kernel fault") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := newToy(t, 2)
			m.SetHook(tc.hook)
			s := New(m, Config{MaxBatch: 2}, logger.Discard())
			fa := submit(t, s, Request{SessionID: "a", State: newState(t, m), Tokens: []int{1}})
			fb := submit(t, s, Request{SessionID: "b", State: newState(t, m), Tokens: []int{2}})
			start(t, s)

			for _, f := range []*Future{fa, fb} {
				res := f.Wait()
				if !errors.Is(res.Err, ErrExecution) {
					t.Fatalf("%s: expected ErrExecution, got %v", res.SessionID, res.Err)
				}
				if res.State != nil {
					t.Fatalf("%s: failed result must not carry a state", res.SessionID)
				}
			}
			if st := s.Stats(); st.Failed != 2 {
				t.Fatalf("failed = %d, want 2", st.Failed)
			}

			m.SetHook(nil)
			res := submit(t, s, Request{SessionID: "c", State: newState(t, m), Tokens: []int{3}}).Wait()
			if res.Err != nil {
				t.Fatalf("scheduler must keep serving after a failure: %v", res.Err)
			}
		})
	}
}

func TestCloseResolvesQueued(t *testing.T) {
	t.Parallel()

	m := newToy(t, 1)
	s := New(m, Config{MaxBatch: 1}, logger.Discard())
	st := newState(t, m)
	first := submit(t, s, Request{SessionID: "a", State: st, Tokens: []int{1}})
	backlog := submit(t, s, Request{SessionID: "a", State: newState(t, m), Tokens: []int{2}})
	s.Close()
	s.Close()

	for _, f := range []*Future{first, backlog} {
		if res := f.Wait(); !errors.Is(res.Err, ErrClosed) || res.State == nil {
			t.Fatalf("expected ErrClosed with state, got %+v", res)
		}
	}
	if first.Wait().State != st {
		t.Fatalf("closed request must return its state untouched")
	}
	if _, err := s.Submit(Request{SessionID: "b", State: st, Tokens: []int{1}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if got := s.Stats(); got.Queued != 0 || got.Sessions != 0 {
		t.Fatalf("stats after close = %+v", got)
	}
}

// TestConcurrentSessions drives many sessions through multi-step generations
// and checks that no executor call ever carries two requests for one state.
func TestConcurrentSessions(t *testing.T) {
	t.Parallel()

	m := newToy(t, 4)
	var dup sync.Once
	var dupErr error
	m.SetHook(func(_ context.Context, batch []executor.Input) error {
		seen := make(map[executor.State]bool, len(batch))
		for _, in := range batch {
			if seen[in.State] {
				dup.Do(func() { dupErr = errors.New("state appears twice in one batch") })
			}
			seen[in.State] = true
		}
		return nil
	})
	s := New(m, Config{MaxQueue: 64, MaxBatch: 4}, logger.Discard())
	start(t, s)

	const sessions, steps = 16, 20
	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			st, _ := m.NewState()
			for step := range steps {
				f, err := s.Submit(Request{SessionID: id, State: st, Tokens: []int{(i + step) % 32}})
				if err != nil {
					errs <- err
					return
				}
				res := f.Wait()
				if res.Err != nil {
					errs <- res.Err
					return
				}
				st = res.State
			}
			if toy.Position(st) != steps {
				errs <- fmt.Errorf("%s: position %d, want %d", id, toy.Position(st), steps)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("session failed: %v", err)
	}
	if dupErr != nil {
		t.Fatal(dupErr)
	}
	if m.Stats().Overlapped {
		t.Fatalf("executor calls overlapped")
	}
	if st := s.Stats(); st.Processed != sessions*steps {
		t.Fatalf("processed = %d, want %d", st.Processed, sessions*steps)
	}
}
