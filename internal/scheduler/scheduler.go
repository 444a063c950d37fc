// Package scheduler serializes access to a single model executor.
//
// Requests from many sessions are queued FIFO and dispatched one batch at a
// time. Only the head request of each session is eligible for dispatch, so a
// session never has two executor calls in flight and a client that floods
// the queue cannot jump ahead of other sessions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"

	"github.com/samcharles93/spindle/internal/executor"
	"github.com/samcharles93/spindle/internal/logger"
)

var (
	ErrOverloaded = errors.New("scheduler overloaded")
	ErrStopped    = errors.New("session stopped")
	ErrExecution  = errors.New("executor failed")
	ErrClosed     = errors.New("scheduler closed")
)

type Config struct {
	// MaxQueue bounds queued (not yet dispatched) requests. Zero means
	// unbounded.
	MaxQueue int
	// MaxBatch caps batch size below the executor's own limit.
	MaxBatch int
	// QueueTimeout expires requests that waited longer than this before
	// dispatch. Zero disables expiry.
	QueueTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{MaxQueue: 256, MaxBatch: 8, QueueTimeout: 30 * time.Second}
}

// Request asks for one forward pass on behalf of a session. State is moved
// into the scheduler and comes back in the Result.
type Request struct {
	SessionID string
	State     executor.State
	Tokens    []int
	// Done is closed when the session is stopped. Nil means never.
	Done <-chan struct{}
	// Dispatched is called just before the executor runs the request.
	Dispatched func()
}

// Result carries the session's state back. State is nil only when Err wraps
// ErrExecution. Logits are set whenever the executor ran the request, which
// includes a request stopped while in flight.
type Result struct {
	SessionID string
	State     executor.State
	Logits    []float32
	Err       error
	Waited    time.Duration
}

// Future resolves exactly once.
type Future struct {
	done chan struct{}
	res  Result
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the request resolves. It has no context: the caller must
// always collect the Result to get its state back. Stop the session to make
// a queued request resolve early.
func (f *Future) Wait() Result {
	<-f.done
	return f.res
}

type pending struct {
	req      Request
	fut      *Future
	enqueued time.Time
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Queued       int    `json:"queued"`
	InFlight     int    `json:"in_flight"`
	Sessions     int    `json:"sessions"`
	Processed    uint64 `json:"processed"`
	Skipped      uint64 `json:"skipped"`
	Discarded    uint64 `json:"discarded"`
	Expired      uint64 `json:"expired"`
	Rejected     uint64 `json:"rejected"`
	Failed       uint64 `json:"failed"`
	Batches      uint64 `json:"batches"`
	LargestBatch int    `json:"largest_batch"`
}

type Scheduler struct {
	exec executor.Executor
	cfg  Config
	log  logger.Logger
	wake chan struct{}

	mu      sync.Mutex
	ready   *linkedlistqueue.Queue[*pending]
	backlog map[string][]*pending
	busy    map[string]bool
	depth   int
	closed  bool
	stats   Stats
}

func New(exec executor.Executor, cfg Config, log logger.Logger) *Scheduler {
	return &Scheduler{
		exec:    exec,
		cfg:     cfg,
		log:     log.With("component", "scheduler"),
		wake:    make(chan struct{}, 1),
		ready:   linkedlistqueue.New[*pending](),
		backlog: make(map[string][]*pending),
		busy:    make(map[string]bool),
	}
}

// Submit enqueues req without blocking. It fails with ErrOverloaded when
// MaxQueue requests are already waiting.
func (s *Scheduler) Submit(req Request) (*Future, error) {
	if len(req.Tokens) == 0 {
		return nil, errors.New("scheduler: request has no input tokens")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.cfg.MaxQueue > 0 && s.depth >= s.cfg.MaxQueue {
		s.stats.Rejected++
		return nil, fmt.Errorf("%w: %d requests queued", ErrOverloaded, s.depth)
	}
	p := &pending{req: req, fut: newFuture(), enqueued: time.Now()}
	if s.busy[req.SessionID] {
		s.backlog[req.SessionID] = append(s.backlog[req.SessionID], p)
	} else {
		s.busy[req.SessionID] = true
		s.ready.Enqueue(p)
	}
	s.depth++
	s.signal()
	return p.fut, nil
}

// Run drives the executor until ctx is cancelled or Close is called.
// Remaining queued requests resolve with ErrClosed.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", "max_queue", s.cfg.MaxQueue, "max_batch", s.batchLimit())
	defer s.Close()
	for {
		batch, err := s.next(ctx)
		if err != nil {
			s.log.Info("scheduler stopped")
			return nil
		}
		s.dispatch(ctx, batch)
	}
}

// Close rejects new submissions and resolves everything still queued.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for !s.ready.Empty() {
		p, _ := s.ready.Dequeue()
		s.depth--
		s.finishLocked(p, Result{State: p.req.State, Err: ErrClosed})
	}
	s.signal()
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queued = s.depth
	st.Sessions = len(s.busy)
	return st
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) batchLimit() int {
	limit := max(s.cfg.MaxBatch, 1)
	if n := s.exec.MaxBatch(); n > 0 && n < limit {
		limit = n
	}
	return limit
}

func (s *Scheduler) next(ctx context.Context) ([]*pending, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		batch := s.collectLocked(time.Now())
		s.mu.Unlock()
		if len(batch) > 0 {
			return batch, nil
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// collectLocked pops ready heads into a batch of equal input length.
// Batching stops at the first incompatible head so FIFO order holds.
// Stopped and expired requests resolve without touching the executor.
func (s *Scheduler) collectLocked(now time.Time) []*pending {
	limit := s.batchLimit()
	var batch []*pending
	for len(batch) < limit {
		p, ok := s.ready.Peek()
		if !ok {
			break
		}
		if len(batch) > 0 && len(p.req.Tokens) != len(batch[0].req.Tokens) {
			break
		}
		s.ready.Dequeue()
		s.depth--

		waited := now.Sub(p.enqueued)
		switch {
		case stopped(p.req.Done):
			s.stats.Skipped++
			s.finishLocked(p, Result{State: p.req.State, Err: ErrStopped})
		case s.cfg.QueueTimeout > 0 && waited > s.cfg.QueueTimeout:
			s.stats.Expired++
			s.finishLocked(p, Result{
				State: p.req.State,
				Err:   fmt.Errorf("%w: waited %s in queue", ErrOverloaded, waited.Round(time.Millisecond)),
			})
		default:
			batch = append(batch, p)
		}
	}
	s.stats.InFlight += len(batch)
	return batch
}

func (s *Scheduler) dispatch(ctx context.Context, batch []*pending) {
	inputs := make([]executor.Input, len(batch))
	for i, p := range batch {
		if p.req.Dispatched != nil {
			p.req.Dispatched()
		}
		inputs[i] = executor.Input{State: p.req.State, Tokens: p.req.Tokens}
	}

	start := time.Now()
	// Dispatched calls run to completion even during shutdown.
	outs, err := s.forward(context.WithoutCancel(ctx), inputs)
	if err == nil && len(outs) != len(inputs) {
		err = fmt.Errorf("executor returned %d outputs for %d inputs", len(outs), len(inputs))
	}
	elapsed := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.InFlight -= len(batch)
	s.stats.Batches++
	s.stats.LargestBatch = max(s.stats.LargestBatch, len(batch))

	if err != nil {
		s.stats.Failed += uint64(len(batch))
		s.log.Warn("forward failed", "batch", len(batch), "error", err)
		for _, p := range batch {
			s.finishLocked(p, Result{Err: fmt.Errorf("%w: %v", ErrExecution, err)})
		}
		return
	}
	s.log.Debug("forward complete", "batch", len(batch), "duration", elapsed)
	for i, p := range batch {
		res := Result{State: outs[i].State, Logits: outs[i].Logits}
		if stopped(p.req.Done) {
			s.stats.Discarded++
			res.Err = ErrStopped
		} else {
			s.stats.Processed++
		}
		s.finishLocked(p, res)
	}
}

func (s *Scheduler) forward(ctx context.Context, inputs []executor.Input) (outs []executor.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in forward: %v", r)
		}
	}()
	return s.exec.Forward(ctx, inputs)
}

// finishLocked resolves p and promotes the session's next backlog entry.
func (s *Scheduler) finishLocked(p *pending, res Result) {
	sid := p.req.SessionID
	res.SessionID = sid
	res.Waited = time.Since(p.enqueued)
	p.fut.res = res
	close(p.fut.done)

	queue := s.backlog[sid]
	switch {
	case len(queue) == 0:
		delete(s.busy, sid)
	case s.closed:
		delete(s.backlog, sid)
		delete(s.busy, sid)
		for _, q := range queue {
			s.depth--
			q.fut.res = Result{SessionID: sid, State: q.req.State, Err: ErrClosed, Waited: time.Since(q.enqueued)}
			close(q.fut.done)
		}
	default:
		s.ready.Enqueue(queue[0])
		if len(queue) == 1 {
			delete(s.backlog, sid)
		} else {
			s.backlog[sid] = queue[1:]
		}
	}
}

func stopped(done <-chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}
