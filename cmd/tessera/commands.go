package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/tessera/tessera"
	"github.com/justapithecus/tessera/tessera/lazyexpr"
	"github.com/justapithecus/tessera/tessera/proxy"
	"github.com/justapithecus/tessera/tessera/remote"
)

func compressionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "codec", Usage: "block `CODEC`: " + strings.Join(tessera.Codecs(), ", ")},
		&cli.IntFlag{Name: "level", Value: -1, Usage: "compression `LEVEL` 0-9"},
		&cli.StringSliceFlag{Name: "filter", Usage: "filter pipeline, in order (repeatable)"},
		&cli.BoolFlag{Name: "sparse", Usage: "store one object per chunk instead of a single frame"},
	}
}

// cparamsFrom overrides base with the compression flags that were set.
func cparamsFrom(c *cli.Context, base tessera.CParams) (tessera.CParams, error) {
	if name := c.String("codec"); name != "" {
		id, err := tessera.ParseCodec(name)
		if err != nil {
			return base, err
		}
		base.Codec = id
	}
	if lvl := c.Int("level"); lvl >= 0 {
		base.Level = lvl
	}
	if names := c.StringSlice("filter"); len(names) > 0 {
		base.Filters = base.Filters[:0:0]
		for _, name := range names {
			f, err := tessera.ParseFilter(name)
			if err != nil {
				return base, err
			}
			base.Filters = append(base.Filters, f)
		}
		base.FiltersMeta = nil
	}
	return base, nil
}

func arrayOptions(c *cli.Context, e *env, path string) ([]tessera.Option, error) {
	cp, err := cparamsFrom(c, tessera.DefaultCParams())
	if err != nil {
		return nil, err
	}
	opts := []tessera.Option{
		tessera.WithStorage(e.store, path),
		tessera.WithCParams(cp),
		tessera.WithContiguous(!c.Bool("sparse")),
		tessera.WithLogger(e.logger),
	}
	if chunks := c.Int64Slice("chunks"); len(chunks) > 0 {
		opts = append(opts, tessera.WithChunks(chunks...))
	}
	if blocks := c.Int64Slice("blocks"); len(blocks) > 0 {
		opts = append(opts, tessera.WithBlocks(blocks...))
	}
	return opts, nil
}

func openArray(c *cli.Context, e *env, path string) (*tessera.NDArray, error) {
	return tessera.Open(c.Context, e.store, path,
		tessera.WithMode(tessera.ModeRead), tessera.WithLogger(e.logger))
}

func selectionFlag(c *cli.Context) ([]tessera.Index, error) {
	s := c.String("slice")
	if s == "" {
		return nil, nil
	}
	return tessera.ParseSelection(s)
}

func infoCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "describe a stored array",
		ArgsUsage: "PATH",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.ShowSubcommandHelp(c)
			}
			arr, err := openArray(c, e, c.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprint(e.w, arr.Info())
			expr, locs, err := lazyexpr.Saved(arr)
			switch {
			case errors.Is(err, tessera.ErrNotFound):
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(e.w, "%-11s: %s\n", "expression", expr)
			names := make([]string, 0, len(locs))
			for name := range locs {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(e.w, "%-11s: %s = %s\n", "operand", name, locs[name])
			}
			return nil
		},
	}
}

func catCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "print array values, evaluating saved expressions",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "slice", Aliases: []string{"s"}, Usage: "selection such as `\"0:2, 3\"`"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.ShowSubcommandHelp(c)
			}
			sel, err := selectionFlag(c)
			if err != nil {
				return err
			}
			path := c.Args().First()
			arr, err := openArray(c, e, path)
			if err != nil {
				return err
			}
			var op tessera.Operand = arr
			if _, _, err := lazyexpr.Saved(arr); err == nil {
				expr, err := lazyexpr.Open(c.Context, e.store, path, lazyexpr.WithLogger(e.logger))
				if err != nil {
					return err
				}
				op = expr
			}
			d, err := op.GetSlice(c.Context, sel...)
			if err != nil {
				return err
			}
			return writeDense(e.w, d)
		},
	}
}

func createCommand(e *env) *cli.Command {
	flags := []cli.Flag{
		&cli.Int64SliceFlag{Name: "shape", Required: true, Usage: "array shape, comma separated"},
		&cli.StringFlag{Name: "dtype", Value: "float64", Usage: "element `TYPE`"},
		&cli.Int64SliceFlag{Name: "chunks", Usage: "chunk shape"},
		&cli.Int64SliceFlag{Name: "blocks", Usage: "block shape"},
		&cli.Float64Flag{Name: "fill", Usage: "fill every element with `VALUE`"},
		&cli.StringFlag{Name: "arange", Usage: "fill with `START:STOP:STEP`"},
		&cli.StringFlag{Name: "linspace", Usage: "fill with `START:STOP` evenly spaced, stop included"},
	}
	return &cli.Command{
		Name:      "create",
		Usage:     "create a stored array",
		ArgsUsage: "PATH",
		Flags:     append(flags, compressionFlags()...),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.ShowSubcommandHelp(c)
			}
			path := c.Args().First()
			dt, err := tessera.ParseDType(c.String("dtype"))
			if err != nil {
				return err
			}
			opts, err := arrayOptions(c, e, path)
			if err != nil {
				return err
			}
			shape := c.Int64Slice("shape")
			var arr *tessera.NDArray
			switch {
			case c.IsSet("arange"):
				v, err := parseFloats(c.String("arange"), 3)
				if err != nil {
					return fmt.Errorf("--arange: %w", err)
				}
				arr, err = tessera.Arange(c.Context, v[0], v[1], v[2], dt, append(opts, tessera.WithShape(shape...))...)
				if err != nil {
					return err
				}
			case c.IsSet("linspace"):
				v, err := parseFloats(c.String("linspace"), 2)
				if err != nil {
					return fmt.Errorf("--linspace: %w", err)
				}
				n := int64(1)
				for _, s := range shape {
					n *= s
				}
				arr, err = tessera.Linspace(c.Context, v[0], v[1], n, true, dt, append(opts, tessera.WithShape(shape...))...)
				if err != nil {
					return err
				}
			case c.IsSet("fill"):
				arr, err = tessera.Full(c.Context, dt, shape, c.Float64("fill"), opts...)
			default:
				arr, err = tessera.Zeros(c.Context, dt, shape, opts...)
			}
			if err != nil {
				return err
			}
			level.Info(e.logger).Log("msg", "array created", "path", path, "shape", fmt.Sprint(arr.Shape()), "chunks", fmt.Sprint(arr.Chunks()))
			return nil
		},
	}
}

func evalCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "eval",
		Usage:     "evaluate an expression over stored arrays",
		ArgsUsage: "OUT EXPRESSION",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "operand", Aliases: []string{"o"}, Usage: "`NAME=PATH` binding (repeatable)"},
			&cli.BoolFlag{Name: "lazy", Usage: "save the expression instead of its result"},
			&cli.Int64SliceFlag{Name: "chunks", Usage: "chunk shape of the output"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.ShowSubcommandHelp(c)
			}
			out, src := c.Args().Get(0), c.Args().Get(1)
			operands := map[string]tessera.Operand{}
			for _, b := range c.StringSlice("operand") {
				name, path, ok := strings.Cut(b, "=")
				if !ok {
					return fmt.Errorf("operand %q: want NAME=PATH", b)
				}
				arr, err := openArray(c, e, path)
				if err != nil {
					return fmt.Errorf("operand %s: %w", name, err)
				}
				operands[name] = arr
			}
			expr, err := lazyexpr.Parse(src, operands)
			if err != nil {
				return err
			}
			opts := []lazyexpr.Option{lazyexpr.WithLogger(e.logger)}
			if chunks := c.Int64Slice("chunks"); len(chunks) > 0 {
				opts = append(opts, lazyexpr.WithChunks(chunks...))
			}
			if c.Bool("lazy") {
				_, err = expr.Save(c.Context, e.store, out, opts...)
				return err
			}
			opts = append(opts, lazyexpr.WithArrayOptions(tessera.WithStorage(e.store, out)))
			arr, err := expr.Compute(c.Context, opts...)
			if err != nil {
				return err
			}
			level.Info(e.logger).Log("msg", "expression computed", "path", out, "shape", fmt.Sprint(arr.Shape()))
			return nil
		},
	}
}

func recompressCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "recompress",
		Usage:     "copy an array with new compression parameters",
		ArgsUsage: "SRC DST",
		Flags:     compressionFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.ShowSubcommandHelp(c)
			}
			src, err := openArray(c, e, c.Args().Get(0))
			if err != nil {
				return err
			}
			cp, err := cparamsFrom(c, src.SChunk().CParams())
			if err != nil {
				return err
			}
			dst, err := src.Copy(c.Context,
				tessera.WithStorage(e.store, c.Args().Get(1)),
				tessera.WithCParams(cp),
				tessera.WithContiguous(!c.Bool("sparse")),
				tessera.WithLogger(e.logger))
			if err != nil {
				return err
			}
			before, after := src.Info(), dst.Info()
			level.Info(e.logger).Log("msg", "array recompressed", "codec", cp.Codec,
				"cbytes_before", before.CBytes, "cbytes_after", after.CBytes,
				"cratio", fmt.Sprintf("%.2f", after.CRatio))
			return nil
		},
	}
}

func fetchCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "cache chunks of a remote array in the local store",
		ArgsUsage: "URL REMOTE_PATH LOCAL_PATH",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "slice", Aliases: []string{"s"}, Usage: "only fetch chunks under `SELECTION`"},
			&cli.StringFlag{Name: "cookie", Usage: "authentication `COOKIE` sent with every request"},
			&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "parallel chunk downloads"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return cli.ShowSubcommandHelp(c)
			}
			sel, err := selectionFlag(c)
			if err != nil {
				return err
			}
			client, err := remote.NewClient(c.Args().Get(0),
				remote.WithAuthCookie(c.String("cookie")), remote.WithLogger(e.logger))
			if err != nil {
				return err
			}
			src, err := remote.Open(c.Context, client, c.Args().Get(1))
			if err != nil {
				return err
			}
			local := c.Args().Get(2)
			opts := []proxy.Option{proxy.WithFetchConcurrency(c.Int("concurrency")), proxy.WithLogger(e.logger)}
			p, err := proxy.Open(c.Context, e.store, local, src, opts...)
			if errors.Is(err, tessera.ErrNotFound) {
				p, err = proxy.New(c.Context, src, append(opts, proxy.WithStorage(e.store, local))...)
			}
			if err != nil {
				return err
			}
			if _, err := p.Fetch(c.Context, sel...); err != nil {
				return err
			}
			level.Info(e.logger).Log("msg", "fetched", "source", src, "path", local)
			return nil
		},
	}
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != n {
		return nil, fmt.Errorf("%q: want %d values separated by ':'", s, n)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
