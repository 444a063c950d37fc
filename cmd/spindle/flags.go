package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spindle/internal/scheduler"
	"github.com/samcharles93/spindle/internal/session"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool
)

// stackOptions configures the executor, scheduler, registry and pipeline
// shared by serve, run and bench.
type stackOptions struct {
	vocabPath string

	hidden     int64
	modelSeed  int64
	latency    time.Duration
	logitScale float64

	maxBatch     int64
	maxQueue     int64
	queueTimeout time.Duration

	workers       int64
	scriptSteps   int64
	scriptTimeout time.Duration

	maxSessions  int64
	idleTimeout  time.Duration
	maxFaults    int64
	grammarCache int64
}

func defaultStackOptions() stackOptions {
	sched := scheduler.DefaultConfig()
	reg := session.DefaultRegistryConfig()
	return stackOptions{
		hidden:        64,
		modelSeed:     1,
		logitScale:    4,
		maxBatch:      int64(sched.MaxBatch),
		maxQueue:      int64(sched.MaxQueue),
		queueTimeout:  sched.QueueTimeout,
		workers:       4,
		scriptSteps:   int64(reg.ScriptLimits.MaxSteps),
		scriptTimeout: reg.ScriptLimits.Timeout,
		maxSessions:   int64(reg.MaxSessions),
		idleTimeout:   reg.IdleTimeout,
		maxFaults:     int64(reg.MaxFaults),
		grammarCache:  256,
	}
}

func stackFlags(o *stackOptions) []cli.Flag {
	def := defaultStackOptions()
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "vocab",
			Usage:       "path to a vocabulary JSON file (default: built-in vocabulary)",
			Destination: &o.vocabPath,
		},
		&cli.Int64Flag{
			Name:        "hidden",
			Usage:       "toy executor hidden size",
			Value:       def.hidden,
			Destination: &o.hidden,
		},
		&cli.Int64Flag{
			Name:        "model-seed",
			Usage:       "toy executor weight seed",
			Value:       def.modelSeed,
			Destination: &o.modelSeed,
		},
		&cli.DurationFlag{
			Name:        "latency",
			Usage:       "artificial latency added to every executor call",
			Destination: &o.latency,
		},
		&cli.Float64Flag{
			Name:        "logit-scale",
			Usage:       "toy executor output scale (larger is peakier)",
			Value:       def.logitScale,
			Destination: &o.logitScale,
		},
		&cli.Int64Flag{
			Name:        "max-batch",
			Usage:       "max requests per executor call",
			Value:       def.maxBatch,
			Destination: &o.maxBatch,
		},
		&cli.Int64Flag{
			Name:        "max-queue",
			Usage:       "max queued executor requests before Overloaded",
			Value:       def.maxQueue,
			Destination: &o.maxQueue,
		},
		&cli.DurationFlag{
			Name:        "queue-timeout",
			Usage:       "how long a request may wait for the executor (0 = forever)",
			Value:       def.queueTimeout,
			Destination: &o.queueTimeout,
		},
		&cli.Int64Flag{
			Name:        "script-workers",
			Usage:       "concurrent pipeline script evaluations",
			Value:       def.workers,
			Destination: &o.workers,
		},
		&cli.Int64Flag{
			Name:        "script-steps",
			Usage:       "Starlark execution step budget per hook call",
			Value:       def.scriptSteps,
			Destination: &o.scriptSteps,
		},
		&cli.DurationFlag{
			Name:        "script-timeout",
			Usage:       "wall time budget per hook call",
			Value:       def.scriptTimeout,
			Destination: &o.scriptTimeout,
		},
		&cli.Int64Flag{
			Name:        "max-sessions",
			Usage:       "max live sessions (0 = unbounded)",
			Value:       def.maxSessions,
			Destination: &o.maxSessions,
		},
		&cli.DurationFlag{
			Name:        "idle-timeout",
			Usage:       "destroy sessions idle this long (0 = never)",
			Value:       def.idleTimeout,
			Destination: &o.idleTimeout,
		},
		&cli.Int64Flag{
			Name:        "max-faults",
			Usage:       "script errors tolerated before a session is marked errored (0 = unlimited)",
			Value:       def.maxFaults,
			Destination: &o.maxFaults,
		},
		&cli.Int64Flag{
			Name:        "grammar-cache",
			Usage:       "compiled grammars kept in memory",
			Value:       def.grammarCache,
			Destination: &o.grammarCache,
		},
	}
}

// samplingOptions are per-session sampling overrides taken from flags.
type samplingOptions struct {
	temp          float64
	topK          int64
	topP          float64
	minP          float64
	repeatPenalty float64
	repeatLastN   int64
	seed          int64
	maxTokens     int64
	stop          []string
}

func samplingFlags(o *samplingOptions) []cli.Flag {
	def := session.DefaultParams()
	return []cli.Flag{
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       def.Temperature,
			Destination: &o.temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k", "topk"},
			Usage:       "top-k sampling parameter",
			Value:       int64(def.TopK),
			Destination: &o.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p", "topp"},
			Usage:       "top_p sampling parameter",
			Value:       def.TopP,
			Destination: &o.topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Aliases:     []string{"min_p", "minp"},
			Usage:       "min_p sampling parameter (0.0 = disabled)",
			Value:       def.MinP,
			Destination: &o.minP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repeat_penalty"},
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       def.RepeatPenalty,
			Destination: &o.repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "last n tokens to penalize",
			Value:       int64(def.RepeatLastN),
			Destination: &o.repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampler seed (-1 = random)",
			Value:       def.Seed,
			Destination: &o.seed,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n"},
			Usage:       "max tokens per step",
			Value:       int64(def.MaxTokens),
			Destination: &o.maxTokens,
		},
		&cli.StringSliceFlag{
			Name:        "stop",
			Usage:       "stop sequence (repeatable)",
			Destination: &o.stop,
		},
	}
}

// options returns only the values given on the command line; the rest fall
// through to the registry defaults.
func (o samplingOptions) options(c *cli.Command) session.Options {
	var opts session.Options
	if c.IsSet("temp") {
		opts.Temperature = &o.temp
	}
	if c.IsSet("top-k") {
		k := int(o.topK)
		opts.TopK = &k
	}
	if c.IsSet("top-p") {
		opts.TopP = &o.topP
	}
	if c.IsSet("min-p") {
		opts.MinP = &o.minP
	}
	if c.IsSet("repeat-penalty") {
		opts.RepeatPenalty = &o.repeatPenalty
	}
	if c.IsSet("repeat-last-n") {
		n := int(o.repeatLastN)
		opts.RepeatLastN = &n
	}
	if c.IsSet("seed") {
		opts.Seed = &o.seed
	}
	if c.IsSet("max-tokens") {
		n := int(o.maxTokens)
		opts.MaxTokens = &n
	}
	opts.StopSequences = o.stop
	return opts
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
