package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/samcharles93/kerneltune/internal/api"
	"github.com/samcharles93/kerneltune/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rateLimit   float64
		sessions    int64
		noCache     bool
	)

	flags := append(tunerFlags(),
		cacheFlag(),
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
		&cli.FloatFlag{
			Name:        "rate-limit",
			Usage:       "tune requests per second (0 = unlimited)",
			Value:       1,
			Destination: &rateLimit,
		},
		&cli.Int64Flag{
			Name:        "sessions",
			Usage:       "tune sessions kept for /v1/sessions",
			Value:       api.DefaultSessionLimit,
			Destination: &sessions,
		},
		&cli.BoolFlag{
			Name:        "no-cache",
			Usage:       "do not read or write the schedule cache",
			Destination: &noCache,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the tuning REST API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, fileConfig, &addr, &rateLimit)
			log := logger.FromContext(ctx)

			service, err := newTuneService(ctx, !noCache)
			if err != nil {
				return err
			}
			server := api.NewServer(api.ServerConfig{
				Service:  service,
				Sessions: api.NewSessionStore(int(sessions)),
				Limit:    rate.Limit(rateLimit),
				Burst:    1,
				Logger:   log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "arch", archName, "rate_limit", rateLimit)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
