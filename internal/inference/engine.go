// Package inference runs the per-token generation loop for sessions: it
// feeds tokens through the scheduler, applies pipeline hooks and the grammar
// mask, samples and streams events back to the caller.
package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/logits"
	"github.com/samcharles93/spindle/internal/pipeline"
	"github.com/samcharles93/spindle/internal/scheduler"
	"github.com/samcharles93/spindle/internal/session"
	"github.com/samcharles93/spindle/internal/tokenizer"
)

// Vocab is what the engine needs from the tokenizer.
type Vocab interface {
	tokenizer.Tokenizer
	tokenizer.Vocabulary
}

type Stats struct {
	TokensGenerated int           `json:"tokens_generated"`
	Duration        time.Duration `json:"duration"`
	QueueWait       time.Duration `json:"queue_wait"`
	TPS             float64       `json:"tps"`
}

type StepRequest struct {
	SessionID string
	// Prompt is encoded and fed to the model before generation.
	Prompt string
	// Tokens are fed after Prompt.
	Tokens  []int
	Options session.Options
}

type Result struct {
	SessionID    string       `json:"session_id"`
	Tokens       []int        `json:"tokens"`
	Text         string       `json:"text"`
	FinishReason FinishReason `json:"finish_reason"`
	Fallbacks    int          `json:"fallbacks,omitempty"`
	Warnings     int          `json:"warnings,omitempty"`
	Stats        Stats        `json:"stats"`
}

type Engine struct {
	sessions *session.Registry
	sched    *scheduler.Scheduler
	scripts  *pipeline.Runtime
	vocab    Vocab
	log      logger.Logger
}

func NewEngine(sessions *session.Registry, sched *scheduler.Scheduler, scripts *pipeline.Runtime, vocab Vocab, log logger.Logger) *Engine {
	return &Engine{
		sessions: sessions,
		sched:    sched,
		scripts:  scripts,
		vocab:    vocab,
		log:      log.With("component", "engine"),
	}
}

func (e *Engine) Sessions() *session.Registry { return e.sessions }
func (e *Engine) Vocab() Vocab                { return e.vocab }

// ServerStats aggregates counters from every component.
type ServerStats struct {
	Scheduler scheduler.Stats       `json:"scheduler"`
	Sessions  session.RegistryStats `json:"sessions"`
	Pipeline  pipeline.Stats        `json:"pipeline"`
}

func (e *Engine) Stats() ServerStats {
	return ServerStats{
		Scheduler: e.sched.Stats(),
		Sessions:  e.sessions.Stats(),
		Pipeline:  e.scripts.Stats(),
	}
}

// errStopped ends the loop with FinishStopped.
var errStopped = errors.New("stopped")

// step holds the per-call state of one Step.
type step struct {
	e      *Engine
	ctx    context.Context
	turn   *session.Turn
	params session.Params
	smp    *logits.Sampler
	emit   EventFunc
	res    *Result
	text   strings.Builder
	log    logger.Logger
}

// Step generates tokens for one session until a finish condition and
// streams a TokenEvent per token through emit. Pipeline failures are
// reported as non-fatal ErrorEvents. The returned error is the step's
// failure; a stop by the client is not an error.
func (e *Engine) Step(ctx context.Context, req StepRequest, emit EventFunc) (*Result, error) {
	s, err := e.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	turn, err := s.Begin(ctx)
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, req.SessionID)
		}
		return nil, err
	}
	defer turn.End()

	params := session.Resolve(req.Options, turn.Params)
	if err := params.Validate(e.vocab.Size()); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrConfig, err)
	}
	prompt, err := e.encode(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrConfig, err)
	}

	smp := turn.Sampler
	if params.SamplerConfig() != turn.Params.SamplerConfig() {
		smp = logits.NewSampler(params.SamplerConfig())
	}
	if emit == nil {
		emit = func(Event) error { return nil }
	}

	if turn.Grammar.IsTerminal(turn.Cursor) {
		turn.Cursor = turn.Grammar.Start()
	}
	turn.Pending = append(turn.Pending, prompt...)
	if len(turn.Pending) == 0 && turn.Logits == nil {
		turn.Pending = []int{e.vocab.BOSID()}
	}

	stop := context.AfterFunc(ctx, turn.Stop)
	defer stop()

	st := &step{
		e:      e,
		ctx:    ctx,
		turn:   turn,
		params: params,
		smp:    smp,
		emit:   emit,
		res:    &Result{SessionID: req.SessionID},
		log:    e.log.With("session_id", req.SessionID),
	}
	start := time.Now()
	finish, err := st.run()
	st.res.FinishReason = finish
	st.res.Text = st.text.String()
	st.res.Stats.TokensGenerated = len(st.res.Tokens)
	st.res.Stats.Duration = time.Since(start)
	if secs := st.res.Stats.Duration.Seconds(); secs > 0 {
		st.res.Stats.TPS = float64(st.res.Stats.TokensGenerated) / secs
	}
	if err != nil {
		st.log.Warn("step failed", "error", err, "tokens", len(st.res.Tokens))
		return st.res, err
	}
	st.log.Debug("step finished", "finish_reason", finish, "tokens", len(st.res.Tokens), "duration", st.res.Stats.Duration)
	return st.res, nil
}

func (e *Engine) encode(req StepRequest) ([]int, error) {
	var toks []int
	if req.Prompt != "" {
		enc, err := e.vocab.Encode(req.Prompt)
		if err != nil {
			return nil, err
		}
		toks = enc
	}
	for _, id := range req.Tokens {
		if id < 0 || id >= e.vocab.Size() {
			return nil, fmt.Errorf("token %d out of range", id)
		}
	}
	return append(toks, req.Tokens...), nil
}

func (st *step) run() (FinishReason, error) {
	t := st.turn
	for {
		if t.Stopped() {
			return FinishStopped, nil
		}
		if len(t.Pending) > 0 || t.Logits == nil {
			if err := st.forward(); err != nil {
				if errors.Is(err, errStopped) {
					return FinishStopped, nil
				}
				return "", err
			}
		}

		view := pipeline.View{
			SessionID: t.SessionID(),
			Step:      len(st.res.Tokens),
			Logits:    t.Logits,
			History:   t.History,
			Params:    t.ScriptParams,
			Vocab:     st.e.vocab,
		}
		work := t.Logits
		if t.Script.HasBefore() {
			eff, err := st.e.scripts.Before(st.ctx, t.Script, view)
			if err != nil {
				if err := st.hookFailed(err); err != nil {
					if errors.Is(err, errStopped) {
						return FinishStopped, nil
					}
					return "", err
				}
			} else {
				if eff.Stop {
					st.log.Debug("script stopped generation", "reason", eff.Reason)
					return FinishScript, nil
				}
				work = eff.Apply(work)
			}
		}

		valid, err := t.Grammar.ValidTokens(t.Cursor)
		if err != nil {
			t.Fail(err)
			return "", err
		}
		tok, fallback := st.smp.Sample(work, valid, t.History)
		if fallback {
			st.res.Fallbacks++
		}
		next, err := t.Grammar.Advance(t.Cursor, tok)
		if err != nil {
			return "", err
		}
		t.Cursor = next
		t.History = append(t.History, tok)
		t.Pending = []int{tok}
		t.Logits = nil
		st.res.Tokens = append(st.res.Tokens, tok)
		piece := st.e.vocab.TokenString(tok)
		st.text.WriteString(piece)

		finish, err := st.finishAfter(tok)
		if err != nil {
			t.Fail(err)
			return "", err
		}
		if t.Script.HasAfter() {
			view.Step = len(st.res.Tokens) - 1
			view.History = t.History
			eff, err := st.e.scripts.After(st.ctx, t.Script, view, tok)
			if err != nil {
				if err := st.hookFailed(err); err != nil && !errors.Is(err, errStopped) {
					return "", err
				}
			} else if eff.Stop && finish == "" {
				finish = FinishScript
			}
		}
		if finish == "" && len(st.res.Tokens) >= st.params.MaxTokens {
			finish = FinishLength
		}
		t.Commit()

		ev := TokenEvent{
			SessionID:    t.SessionID(),
			Token:        tok,
			Text:         piece,
			Index:        len(st.res.Tokens) - 1,
			IsFinal:      finish != "",
			FinishReason: finish,
			Fallback:     fallback,
		}
		if err := st.emit(ev); err != nil {
			st.log.Debug("event sink closed", "error", err)
			t.Stop()
			return FinishStopped, nil
		}
		if finish != "" {
			return finish, nil
		}
	}
}

// forward feeds pending tokens and caches the resulting logits.
func (st *step) forward() error {
	t := st.turn
	t.SetStatus(session.Queued)
	fut, err := st.e.sched.Submit(scheduler.Request{
		SessionID:  t.SessionID(),
		State:      t.State,
		Tokens:     t.Pending,
		Done:       t.Done(),
		Dispatched: func() { t.SetStatus(session.Running) },
	})
	if err != nil {
		return err
	}
	r := fut.Wait()
	st.res.Stats.QueueWait += r.Waited
	t.State = r.State
	switch {
	case r.Err == nil:
		t.Logits = r.Logits
		t.Pending = nil
		return nil
	case errors.Is(r.Err, scheduler.ErrStopped):
		// The executor ran before the stop landed; keep its output so the
		// next step continues from here.
		if r.Logits != nil {
			t.Logits = r.Logits
			t.Pending = nil
		}
		return errStopped
	case errors.Is(r.Err, scheduler.ErrExecution):
		t.Fail(r.Err)
		return r.Err
	default:
		return r.Err
	}
}

// finishAfter reports whether tok ends the step. A grammar that only admits
// EOS after tok is exhausted and moves to its terminal state.
func (st *step) finishAfter(tok int) (FinishReason, error) {
	t := st.turn
	switch {
	case tok == st.e.vocab.EOSID():
		return FinishEOS, nil
	case t.Grammar.IsTerminal(t.Cursor):
		return FinishGrammar, nil
	case slices.Contains(st.params.StopTokens, tok):
		return FinishStop, nil
	}
	for _, seq := range st.params.StopSequences {
		if strings.HasSuffix(st.text.String(), seq) {
			return FinishStop, nil
		}
	}
	if t.Grammar.IsUnconstrained() || !t.Grammar.IsAccepting(t.Cursor) {
		return "", nil
	}
	valid, err := t.Grammar.ValidTokens(t.Cursor)
	if err != nil {
		return "", err
	}
	eos := st.e.vocab.EOSID()
	if valid.Len() == 1 && valid.Contains(eos) {
		if t.Cursor, err = t.Grammar.Advance(t.Cursor, eos); err != nil {
			return "", err
		}
		return FinishGrammar, nil
	}
	return "", nil
}

// hookFailed reports a pipeline failure as a warning and keeps going with
// unmodified logits. Script errors count toward the session's fault limit.
func (st *step) hookFailed(err error) error {
	if st.turn.Stopped() || st.ctx.Err() != nil {
		return errStopped
	}
	fatal := errors.Is(err, pipeline.ErrScript) && st.turn.Fault(err)
	st.res.Warnings++
	st.log.Warn("pipeline hook failed", "error", err, "fatal", fatal)
	ev := ErrorEvent{
		SessionID: st.turn.SessionID(),
		Kind:      KindOf(err),
		Message:   err.Error(),
		Fatal:     fatal,
	}
	if emitErr := st.emit(ev); emitErr != nil {
		st.turn.Stop()
		return errStopped
	}
	if fatal {
		return fmt.Errorf("%w: %w", session.ErrErrored, err)
	}
	return nil
}
