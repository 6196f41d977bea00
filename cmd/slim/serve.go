package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slim/internal/api"
	"github.com/samcharles93/slim/internal/logger"
)

// newHandler builds the echo instance behind `slim serve`.
func newHandler(log logger.Logger) *echo.Echo {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	api.NewServer(api.NewSessionStore(log), log).Register(e)
	return e
}

func serveCmd() *cli.Command {
	var (
		addr              string
		readHeaderTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the calibration session API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address (default from config, then 127.0.0.1:8080)",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "time allowed to read request headers",
				Value:       30 * time.Second,
				Destination: &readHeaderTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr)

			e := newHandler(log.WithGroup("api"))
			log.Info("serving calibration sessions", "address", addr)
			return echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readHeaderTimeout
					return nil
				},
			}.Start(ctx, e)
		},
	}
}
