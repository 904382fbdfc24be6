package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/justapithecus/tessera/tessera"
	"github.com/justapithecus/tessera/tessera/remote"
)

const shutdownTimeout = 10 * time.Second

func serveCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve stored arrays over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen `ADDRESS`"},
		},
		Action: func(c *cli.Context) error {
			ln, err := net.Listen("tcp", c.String("addr"))
			if err != nil {
				return err
			}
			return serve(c.Context, e, ln)
		},
	}
}

// serve answers on ln until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, e *env, ln net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := tessera.NewMetrics(reg)

	resolve := func(ctx context.Context, path string) (*tessera.NDArray, error) {
		return tessera.Open(ctx, e.store, path,
			tessera.WithMode(tessera.ModeRead), tessera.WithMetrics(metrics), tessera.WithLogger(e.logger))
	}
	mux := http.NewServeMux()
	mux.Handle("/api/", remote.NewHandler(resolve, e.logger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		level.Info(e.logger).Log("msg", "serving", "addr", ln.Addr())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		level.Info(e.logger).Log("msg", "shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
