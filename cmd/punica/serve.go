package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/punica/internal/api"
	"github.com/samcharles93/punica/internal/engine"
	"github.com/samcharles93/punica/internal/logger"
	"github.com/samcharles93/punica/internal/version"
)

func serveCmd() *cli.Command {
	var (
		ev            engineFlagValues
		addr          string
		headerTimeout time.Duration
		readTimeout   time.Duration
		statsInterval time.Duration
		keepResults   int64
	)

	flags := engineFlags(&ev)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Sources:     cli.EnvVars("PUNICA_ADDR"),
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-header-timeout",
			Usage:       "time allowed to read request headers",
			Value:       10 * time.Second,
			Destination: &headerTimeout,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "time allowed to read a whole request, body included",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.DurationFlag{
			Name:        "stats-interval",
			Usage:       "how often engine counters are logged (0 disables)",
			Value:       time.Minute,
			Destination: &statsInterval,
		},
		&cli.Int64Flag{
			Name:        "keep-results",
			Usage:       "benchmark results kept in memory",
			Value:       256,
			Destination: &keepResults,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the inspection and benchmark API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			eng, cfg, err := openEngine(ctx, cmd, &ev)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			if cfg.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = cfg.ServerAddress
			}

			server := api.NewServer(eng, api.NewBenchStore(int(keepResults)), api.DefaultLimits(), version.String())
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("starting server", "address", addr, "workers", eng.Workers())
				sc := echo.StartConfig{
					Address: addr,
					BeforeServeFunc: func(srv *http.Server) error {
						setTimeouts(srv, headerTimeout, readTimeout)
						return nil
					},
				}
				return sc.Start(ctx, e)
			})
			if statsInterval > 0 {
				g.Go(func() error {
					logStats(ctx, log, eng, statsInterval)
					return nil
				})
			}
			return g.Wait()
		},
	}
}

// logStats logs the engine counters every interval until ctx ends.
// setTimeouts applies the read limits. A zero header timeout falls back to
// the read timeout, as net/http does.
func setTimeouts(srv *http.Server, header, read time.Duration) {
	srv.ReadHeaderTimeout = header
	srv.ReadTimeout = read
}

func logStats(ctx context.Context, log logger.Logger, eng *engine.Engine, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := eng.Stats()
			log.Info("engine stats",
				"lora_calls", s.LoraCalls,
				"decode_calls", s.DecodeCalls,
				"lora_requests", s.LoraRequests,
				"decode_requests", s.DecodeRequests,
				"rejected_contract", s.Rejected.Contract,
				"rejected_overflow", s.Rejected.Overflow,
				"rejected_exhausted", s.Rejected.Exhausted,
				"failed", s.Failed,
			)
		}
	}
}
