package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spindle/internal/inference"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/session"
)

func runCmd() *cli.Command {
	var (
		prompt      string
		grammarSrc  string
		grammarFile string
		scriptFile  string
		params      []string
		rounds      int64
		output      string
		rawOutput   bool
		showTokens  bool
		interactive bool

		opts     = defaultStackOptions()
		sampling samplingOptions
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text fed before generation",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "grammar",
			Aliases:     []string{"g"},
			Usage:       "regular expression the output must match",
			Destination: &grammarSrc,
		},
		&cli.StringFlag{
			Name:        "grammar-file",
			Usage:       "read the grammar from a file",
			Destination: &grammarFile,
		},
		&cli.StringFlag{
			Name:        "script",
			Aliases:     []string{"s"},
			Usage:       "path to a Starlark pipeline script",
			Destination: &scriptFile,
		},
		&cli.StringSliceFlag{
			Name:        "param",
			Usage:       "script parameter name=value (repeatable)",
			Destination: &params,
		},
		&cli.Int64Flag{
			Name:        "rounds",
			Usage:       "number of steps to run on the same session",
			Value:       1,
			Destination: &rounds,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "output mode (instant, quiet, jsonl)",
			Value:       string(StreamInstant),
			Destination: &output,
		},
		&cli.BoolFlag{
			Name:        "raw",
			Usage:       "escape control characters in the output",
			Destination: &rawOutput,
		},
		&cli.BoolFlag{
			Name:        "interactive",
			Aliases:     []string{"i"},
			Usage:       "read prompts from stdin and step the same session for each line",
			Destination: &interactive,
		},
		&cli.BoolFlag{
			Name:        "show-tokens",
			Usage:       "print generated token ids to stderr",
			Destination: &showTokens,
		},
	}
	flags = append(flags, samplingFlags(&sampling)...)
	flags = append(flags, stackFlags(&opts)...)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate from a local session and print the tokens",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyStackConfig(cmd, fileConfig, &opts)
			mode, err := parseStreamMode(output)
			if err != nil {
				return err
			}
			if grammarFile != "" {
				if grammarSrc != "" {
					return fmt.Errorf("--grammar and --grammar-file are mutually exclusive")
				}
				b, err := os.ReadFile(grammarFile)
				if err != nil {
					return fmt.Errorf("read grammar: %w", err)
				}
				grammarSrc = strings.TrimRight(string(b), "\r\n")
			}
			var script string
			if scriptFile != "" {
				b, err := os.ReadFile(scriptFile)
				if err != nil {
					return fmt.Errorf("read script: %w", err)
				}
				script = string(b)
			}
			scriptParams, err := parseScriptParams(params)
			if err != nil {
				return err
			}
			defaults, err := fileConfig.sessionDefaults()
			if err != nil {
				return err
			}

			st, err := buildStack(opts, defaults, log)
			if err != nil {
				return err
			}
			stop := st.startScheduler(ctx)
			defer stop()

			sess, err := st.registry.Create(ctx, session.Config{
				Grammar:      grammarSrc,
				Script:       script,
				ScriptParams: scriptParams,
				Params:       sampling.options(cmd),
			})
			if err != nil {
				return err
			}

			step := func(round int, prompt string) error {
				w := NewStreamWriter(os.Stdout, mode, rawOutput)
				res, err := st.engine.Step(ctx, inference.StepRequest{SessionID: sess.ID(), Prompt: prompt}, w.Event)
				w.Flush()
				for _, warn := range w.Warnings() {
					log.Warn("pipeline warning", "kind", warn.Kind, "message", warn.Message, "fatal", warn.Fatal)
				}
				if err != nil {
					return fmt.Errorf("step: %w (%s)", err, inference.KindOf(err))
				}
				if showTokens {
					fmt.Fprintf(os.Stderr, "tokens: %v\n", res.Tokens)
				}
				log.Info("step finished",
					"round", round,
					"finish_reason", res.FinishReason,
					"tokens", res.Stats.TokensGenerated,
					"tps", fmt.Sprintf("%.1f", res.Stats.TPS),
					"queue_wait", res.Stats.QueueWait,
				)
				return nil
			}

			if interactive {
				return runInteractive(ctx, st, sess.ID(), newLineEditor(), prompt, step)
			}
			for round := range rounds {
				p := ""
				if round == 0 {
					p = prompt
				}
				if err := step(int(round)+1, p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// runInteractive steps the session once per input line. An empty line
// continues generation without new input. /reset clears the session and
// /quit or end of input leaves.
func runInteractive(ctx context.Context, st *stack, id string, ed *lineEditor, first string, step func(int, string) error) error {
	round := 0
	if first != "" {
		round++
		if err := step(round, first); err != nil {
			return err
		}
	}
	for {
		line, err := ed.ReadLine(">>> ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch strings.TrimSpace(line) {
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := st.registry.Reset(ctx, id); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "session reset")
			continue
		}
		round++
		if err := step(round, line); err != nil {
			// Errored sessions refuse steps until reset.
			fmt.Fprintln(os.Stderr, err)
			if inference.IsFatal(err) {
				if err := st.registry.Reset(ctx, id); err != nil {
					return err
				}
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// parseScriptParams parses name=value pairs for script param().
func parseScriptParams(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q: want name=value", p)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --param %q: %w", p, err)
		}
		out[name] = f
	}
	return out, nil
}
