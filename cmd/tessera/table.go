package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/tessera/tessera/parquetio"
)

var parquetCompressions = map[string]parquetio.Compression{
	"snappy": parquetio.CompressionSnappy,
	"zstd":   parquetio.CompressionZstd,
	"gzip":   parquetio.CompressionGzip,
	"none":   parquetio.CompressionNone,
}

func exportCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "write a 1-D array to a Parquet file",
		ArgsUsage: "PATH FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "compression", Value: "snappy", Usage: "Parquet `CODEC`: snappy, zstd, gzip or none"},
		},
		Action: func(c *cli.Context) (err error) {
			if c.NArg() != 2 {
				return cli.ShowSubcommandHelp(c)
			}
			comp, ok := parquetCompressions[strings.ToLower(c.String("compression"))]
			if !ok {
				return fmt.Errorf("unknown parquet compression %q", c.String("compression"))
			}
			arr, err := openArray(c, e, c.Args().Get(0))
			if err != nil {
				return err
			}
			f, err := os.Create(c.Args().Get(1))
			if err != nil {
				return err
			}
			defer func() {
				if cerr := f.Close(); err == nil {
					err = cerr
				}
			}()
			if err := parquetio.WriteTable(c.Context, f, arr, parquetio.WithCompression(comp)); err != nil {
				return err
			}
			level.Info(e.logger).Log("msg", "exported", "path", c.Args().Get(0), "file", f.Name(), "rows", arr.Size())
			return nil
		},
	}
}

func importCommand(e *env) *cli.Command {
	flags := []cli.Flag{
		&cli.Int64SliceFlag{Name: "chunks", Usage: "chunk length"},
		&cli.Int64SliceFlag{Name: "blocks", Usage: "block length"},
	}
	return &cli.Command{
		Name:      "import",
		Usage:     "read a Parquet file into a 1-D array",
		ArgsUsage: "FILE PATH",
		Flags:     append(flags, compressionFlags()...),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.ShowSubcommandHelp(c)
			}
			f, err := os.Open(c.Args().Get(0))
			if err != nil {
				return err
			}
			defer f.Close()
			st, err := f.Stat()
			if err != nil {
				return err
			}
			opts, err := arrayOptions(c, e, c.Args().Get(1))
			if err != nil {
				return err
			}
			arr, err := parquetio.ReadTable(c.Context, f, st.Size(), opts...)
			if err != nil {
				return err
			}
			level.Info(e.logger).Log("msg", "imported", "file", f.Name(), "path", c.Args().Get(1),
				"dtype", arr.DType(), "rows", arr.Size())
			return nil
		},
	}
}
