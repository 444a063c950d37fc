package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/spindle/internal/inference"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/scheduler"
	"github.com/samcharles93/spindle/internal/session"
	"github.com/samcharles93/spindle/internal/toy"
)

type benchConfig struct {
	sessions  int
	rounds    int
	maxTokens int
	grammar   string
	script    string
}

// BenchReport summarizes a bench run.
type BenchReport struct {
	Sessions     int             `json:"sessions"`
	Steps        int64           `json:"steps"`
	FailedSteps  int64           `json:"failed_steps"`
	Tokens       int64           `json:"tokens"`
	Elapsed      time.Duration   `json:"elapsed"`
	TokensPerSec float64         `json:"tokens_per_sec"`
	AvgBatch     float64         `json:"avg_batch"`
	Scheduler    scheduler.Stats `json:"scheduler"`
	Executor     toy.Stats       `json:"executor"`
}

func benchCmd() *cli.Command {
	var (
		sessions   int64
		rounds     int64
		maxTokens  int64
		grammarSrc string
		scriptFile string
		failEvery  int64
		jsonOut    bool
		opts       = defaultStackOptions()
	)
	flags := []cli.Flag{
		&cli.Int64Flag{
			Name:        "sessions",
			Usage:       "concurrent sessions",
			Value:       16,
			Destination: &sessions,
		},
		&cli.Int64Flag{
			Name:        "rounds",
			Usage:       "steps per session",
			Value:       4,
			Destination: &rounds,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Usage:       "max tokens per step",
			Value:       64,
			Destination: &maxTokens,
		},
		&cli.StringFlag{
			Name:        "grammar",
			Usage:       "grammar every session uses",
			Destination: &grammarSrc,
		},
		&cli.StringFlag{
			Name:        "script",
			Usage:       "path to a Starlark pipeline script every session uses",
			Destination: &scriptFile,
		},
		&cli.Int64Flag{
			Name:        "fail-every",
			Usage:       "inject an executor failure every n calls (0 = never)",
			Destination: &failEvery,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON",
			Destination: &jsonOut,
		},
	}
	flags = append(flags, stackFlags(&opts)...)

	return &cli.Command{
		Name:  "bench",
		Usage: "Drive concurrent sessions against the toy executor and report throughput",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyStackConfig(cmd, fileConfig, &opts)
			if sessions <= 0 || rounds <= 0 || maxTokens <= 0 {
				return fmt.Errorf("--sessions, --rounds and --max-tokens must be positive")
			}
			if cmd.IsSet("sessions") && !cmd.IsSet("max-sessions") && opts.maxSessions > 0 && sessions > opts.maxSessions {
				opts.maxSessions = sessions
			}
			var script string
			if scriptFile != "" {
				b, err := os.ReadFile(scriptFile)
				if err != nil {
					return fmt.Errorf("read script: %w", err)
				}
				script = string(b)
			}
			defaults, err := fileConfig.sessionDefaults()
			if err != nil {
				return err
			}
			st, err := buildStack(opts, defaults, log)
			if err != nil {
				return err
			}
			if failEvery > 0 {
				st.model.SetHook(toy.FailEvery(failEvery))
			}
			stop := st.startScheduler(ctx)
			defer stop()

			report, err := runBench(ctx, st, benchConfig{
				sessions:  int(sessions),
				rounds:    int(rounds),
				maxTokens: int(maxTokens),
				grammar:   grammarSrc,
				script:    script,
			}, log)
			if err != nil {
				return err
			}
			return printBenchReport(os.Stdout, report, jsonOut)
		},
	}
}

// runBench creates cfg.sessions sessions and steps each of them cfg.rounds
// times concurrently. Executor failures are counted, not fatal.
func runBench(ctx context.Context, st *stack, cfg benchConfig, log logger.Logger) (BenchReport, error) {
	var steps, failed, tokens atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := range cfg.sessions {
		g.Go(func() error {
			sess, err := st.registry.Create(gctx, session.Config{
				ID:      fmt.Sprintf("bench-%d", i),
				Grammar: cfg.grammar,
				Script:  cfg.script,
				Params:  session.Options{MaxTokens: &cfg.maxTokens},
			})
			if err != nil {
				return err
			}
			defer func() { _ = st.registry.Destroy(context.WithoutCancel(gctx), sess.ID()) }()

			for range cfg.rounds {
				res, err := st.engine.Step(gctx, inference.StepRequest{SessionID: sess.ID()}, nil)
				steps.Add(1)
				if res != nil {
					tokens.Add(int64(len(res.Tokens)))
				}
				switch {
				case err == nil:
				case inference.IsFatal(err):
					failed.Add(1)
					log.Debug("bench step failed", "session_id", sess.ID(), "error", err)
					// An errored session refuses further steps until reset.
					if err := st.registry.Reset(gctx, sess.ID()); err != nil {
						return err
					}
				case inference.KindOf(err) == inference.KindOverloaded:
					failed.Add(1)
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BenchReport{}, err
	}
	elapsed := time.Since(start)

	report := BenchReport{
		Sessions:    cfg.sessions,
		Steps:       steps.Load(),
		FailedSteps: failed.Load(),
		Tokens:      tokens.Load(),
		Elapsed:     elapsed,
		Scheduler:   st.sched.Stats(),
		Executor:    st.model.Stats(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		report.TokensPerSec = float64(report.Tokens) / secs
	}
	if report.Scheduler.Batches > 0 {
		report.AvgBatch = float64(report.Scheduler.Processed) / float64(report.Scheduler.Batches)
	}
	return report, nil
}

func printBenchReport(w io.Writer, r BenchReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprintf(w, "sessions:       %d\n", r.Sessions)
	fmt.Fprintf(w, "steps:          %d (%d failed)\n", r.Steps, r.FailedSteps)
	fmt.Fprintf(w, "tokens:         %d\n", r.Tokens)
	fmt.Fprintf(w, "elapsed:        %s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "tokens/sec:     %.1f\n", r.TokensPerSec)
	fmt.Fprintf(w, "batches:        %d (avg %.2f, largest %d)\n", r.Scheduler.Batches, r.AvgBatch, r.Scheduler.LargestBatch)
	fmt.Fprintf(w, "executor calls: %d\n", r.Executor.Calls)
	return nil
}
