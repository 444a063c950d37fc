package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/spindle/internal/api"
	"github.com/samcharles93/spindle/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		wsRate      float64
		wsBurst     int64
		opts        = defaultStackOptions()
	)
	apiDefaults := api.DefaultConfig()

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the session API (REST, SSE and websocket)",
		Flags: append(stackFlags(&opts),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "ws-rate",
				Usage:       "websocket commands per second per connection (0 = unlimited)",
				Value:       apiDefaults.WSRate,
				Destination: &wsRate,
			},
			&cli.Int64Flag{
				Name:        "ws-burst",
				Usage:       "websocket command burst per connection",
				Value:       int64(apiDefaults.WSBurst),
				Destination: &wsBurst,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyStackConfig(cmd, fileConfig, &opts)
			applyServeConfig(cmd, fileConfig, &addr, &readTimeout, &wsRate, &wsBurst)
			defaults, err := fileConfig.sessionDefaults()
			if err != nil {
				return err
			}
			st, err := buildStack(opts, defaults, log)
			if err != nil {
				return err
			}

			apiCfg := apiDefaults
			apiCfg.WSRate = wsRate
			apiCfg.WSBurst = int(wsBurst)
			server := api.NewServer(st.engine, apiCfg, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			e.Use(api.ServerHeader())
			server.Register(e)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return st.sched.Run(gctx)
			})
			g.Go(func() error {
				return st.registry.RunReaper(gctx, 0)
			})
			g.Go(func() error {
				log.Info("starting server", "address", addr)
				sc := echo.StartConfig{
					Address: addr,
					BeforeServeFunc: func(srv *http.Server) error {
						srv.ReadHeaderTimeout = readTimeout
						return nil
					},
				}
				err := sc.Start(gctx, e)
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
				// Running steps end with "stopped" and their sessions are
				// released before the scheduler loop exits.
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
				defer cancel()
				st.registry.Close(closeCtx)
				return err
			})
			err = g.Wait()
			log.Info("server stopped", "error", err)
			return err
		},
	}
}
