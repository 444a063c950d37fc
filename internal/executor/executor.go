// Package executor defines the contract between the scheduler and a model
// executor. The executor is opaque: it maps (state, tokens) to (new state,
// logits) and may only be driven by one caller at a time.
package executor

import "context"

// State is an executor-owned recurrent state. A State is moved into Forward
// and must not be used again by the caller; the returned State replaces it.
type State interface {
	Clone() State
}

// Input is one sequence in a forward batch. Tokens are fed in order and the
// logits after the last token are returned.
type Input struct {
	State  State
	Tokens []int
}

type Output struct {
	State  State
	Logits []float32
}

// Executor runs forward passes. Forward is not reentrant; callers must
// serialize it.
type Executor interface {
	VocabSize() int
	// MaxBatch is the largest batch Forward accepts; 1 disables batching.
	MaxBatch() int
	NewState() (State, error)
	// Forward returns one Output per Input, in order.
	Forward(ctx context.Context, batch []Input) ([]Output, error)
}

// Releaser is implemented by executors that pool state memory.
type Releaser interface {
	Release(State)
}

// Release hands s back to x's pool when x supports pooling.
func Release(x Executor, s State) {
	if s == nil {
		return
	}
	if r, ok := x.(Releaser); ok {
		r.Release(s)
	}
}
