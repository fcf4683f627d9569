package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cube/internal/api"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		keepResults int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP inference API",
		Flags: commonFlags(
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "maximum duration for reading an entire request",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "keep-results",
				Usage:       "number of inference results retained for lookup",
				Value:       api.DefaultResultCapacity,
				Destination: &keepResults,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			ctx, s, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}

			provider := api.NewCachedKernelProvider(s.dev)
			defer func() {
				if err := provider.Close(); err != nil {
					s.log.Warn("unload kernels failed", "error", err)
				}
				s.close()
			}()

			service := api.NewInferenceService(provider, s.log)
			server := api.NewServer(s.dev, provider, service, api.NewResultStore(int(keepResults)))
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			s.log.Info("starting server", "address", addr, "kernels_dir", s.dev.Config().KernelsDir)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					applyReadTimeout(srv, readTimeout)
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func applyReadTimeout(srv *http.Server, d time.Duration) {
	srv.ReadTimeout = d
	srv.ReadHeaderTimeout = d
}
