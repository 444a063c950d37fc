package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/spindle/internal/logger"
)

// fileConfig is the parsed config file, loaded before any subcommand runs.
var fileConfig Config

func main() {
	app := &cli.Command{
		Name:  "spindle",
		Usage: "Grammar-constrained, scriptable token generation server",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig()
			if err != nil {
				return ctx, err
			}
			fileConfig = cfg
			applyRootConfig(cmd, cfg)
			level := logLevel
			if debug {
				level = "debug"
			}
			return logger.WithContext(ctx, logger.Setup(os.Stderr, logFormat, level)), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			serveCmd(),
			runCmd(),
			benchCmd(),
			vocabCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
