// Command tessera inspects, creates and serves chunked compressed arrays.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/tessera/tessera"
	"github.com/justapithecus/tessera/tessera/boltstore"
	"github.com/justapithecus/tessera/tessera/s3"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./cmd/tessera
var version = "dev"

// env carries what every command needs. It is built in Before and closed
// in After.
type env struct {
	store  tessera.Store
	logger log.Logger
	w      io.Writer
	close  func() error
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	e := &env{w: stdout, close: func() error { return nil }}
	return &cli.App{
		Name:            "tessera",
		Usage:           "chunked compressed N-dimensional arrays",
		Version:         version,
		Writer:          stdout,
		ErrWriter:       stderr,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Value:   ".",
				Usage:   "filesystem store `DIR`",
				EnvVars: []string{"TESSERA_ROOT"},
			},
			&cli.StringFlag{
				Name:  "bolt",
				Usage: "use the bbolt database `FILE` instead of --root",
			},
			&cli.StringFlag{
				Name:    "s3-bucket",
				Usage:   "use the S3 `BUCKET` instead of --root",
				EnvVars: []string{"TESSERA_S3_BUCKET"},
			},
			&cli.StringFlag{
				Name:  "s3-prefix",
				Usage: "key `PREFIX` inside the bucket",
			},
			&cli.StringFlag{
				Name:    "s3-endpoint",
				Usage:   "S3-compatible endpoint `URL` (path-style addressing)",
				EnvVars: []string{"TESSERA_S3_ENDPOINT"},
			},
			&cli.StringFlag{
				Name:    "s3-region",
				Value:   "us-east-1",
				Usage:   "S3 `REGION`",
				EnvVars: []string{"AWS_REGION"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "log `LEVEL`: debug, info, warn or error",
			},
		},
		Before: func(c *cli.Context) error {
			logger, err := newLogger(c.App.ErrWriter, c.String("log-level"))
			if err != nil {
				return err
			}
			e.logger = logger
			return e.openStore(c)
		},
		After: func(*cli.Context) error { return e.close() },
		Commands: []*cli.Command{
			infoCommand(e),
			catCommand(e),
			createCommand(e),
			evalCommand(e),
			recompressCommand(e),
			fetchCommand(e),
			exportCommand(e),
			importCommand(e),
			serveCommand(e),
		},
	}
}

func newLogger(w io.Writer, lvl string) (log.Logger, error) {
	var allow level.Option
	switch strings.ToLower(lvl) {
	case "debug":
		allow = level.AllowDebug()
	case "info":
		allow = level.AllowInfo()
	case "warn":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	return level.NewFilter(logger, allow), nil
}

func (e *env) openStore(c *cli.Context) error {
	switch {
	case c.String("s3-bucket") != "":
		endpoint := c.String("s3-endpoint")
		client, err := s3.NewClient(c.Context, s3.ClientConfig{
			Region:       c.String("s3-region"),
			Endpoint:     endpoint,
			UsePathStyle: endpoint != "",
		})
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		store, err := s3.New(client, s3.Config{
			Bucket: c.String("s3-bucket"),
			Prefix: c.String("s3-prefix"),
			Logger: e.logger,
		})
		if err != nil {
			return err
		}
		e.store = store
	case c.String("bolt") != "":
		store, err := boltstore.Open(c.String("bolt"), boltstore.Options{})
		if err != nil {
			return err
		}
		e.store, e.close = store, store.Close
	default:
		store, err := tessera.NewFS(c.String("root"))
		if err != nil {
			return err
		}
		e.store = store
	}
	level.Debug(e.logger).Log("msg", "store opened", "type", fmt.Sprintf("%T", e.store))
	return nil
}
