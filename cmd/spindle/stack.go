package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/spindle/internal/grammar"
	"github.com/samcharles93/spindle/internal/inference"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/pipeline"
	"github.com/samcharles93/spindle/internal/scheduler"
	"github.com/samcharles93/spindle/internal/session"
	"github.com/samcharles93/spindle/internal/tokenizer"
	"github.com/samcharles93/spindle/internal/toy"
)

// stack is a wired engine with the pieces the commands drive directly.
type stack struct {
	vocab    *tokenizer.Vocab
	model    *toy.Model
	sched    *scheduler.Scheduler
	registry *session.Registry
	engine   *inference.Engine
}

func loadVocab(path string) (*tokenizer.Vocab, error) {
	if path == "" {
		return tokenizer.Default(), nil
	}
	v, err := tokenizer.LoadVocab(path)
	if err != nil {
		return nil, fmt.Errorf("load vocab %s: %w", path, err)
	}
	return v, nil
}

func buildStack(o stackOptions, defaults session.Params, log logger.Logger) (*stack, error) {
	vocab, err := loadVocab(o.vocabPath)
	if err != nil {
		return nil, err
	}
	model, err := toy.New(toy.Config{
		Vocab:      vocab.Size(),
		Hidden:     int(o.hidden),
		Seed:       o.modelSeed,
		MaxBatch:   int(o.maxBatch),
		Latency:    o.latency,
		LogitScale: o.logitScale,
	})
	if err != nil {
		return nil, fmt.Errorf("toy executor: %w", err)
	}
	log.Info("executor ready", "vocab", vocab.Size(), "hidden", o.hidden, "max_batch", o.maxBatch)

	limits := pipeline.Limits{MaxSteps: uint64(o.scriptSteps), Timeout: o.scriptTimeout}
	sched := scheduler.New(model, scheduler.Config{
		MaxQueue:     int(o.maxQueue),
		MaxBatch:     int(o.maxBatch),
		QueueTimeout: o.queueTimeout,
	}, log)
	reg := session.NewRegistry(model, grammar.NewCache(vocab, int(o.grammarCache)), session.RegistryConfig{
		MaxSessions:  int(o.maxSessions),
		IdleTimeout:  o.idleTimeout,
		MaxFaults:    int(o.maxFaults),
		ScriptLimits: limits,
		Defaults:     defaults,
	}, log)
	rt := pipeline.NewRuntime(int(o.workers), limits, log)

	return &stack{
		vocab:    vocab,
		model:    model,
		sched:    sched,
		registry: reg,
		engine:   inference.NewEngine(reg, sched, rt, vocab, log),
	}, nil
}

// startScheduler runs the scheduler loop until the returned stop func is
// called. Commands that do not serve use it instead of an errgroup.
func (s *stack) startScheduler(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.sched.Run(ctx)
	}()
	return func() {
		s.registry.Close(context.Background())
		cancel()
		<-done
	}
}
