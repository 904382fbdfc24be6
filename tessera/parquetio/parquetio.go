// Package parquetio exports 1-D arrays to Parquet files and imports them
// back.
//
// A scalar array becomes one column named "value"; a structured array
// becomes one column per field. Each array chunk is written as one row
// group, so exporting never holds more than a chunk in memory. The array
// dtype is recorded in the file's key/value metadata and restored by
// ReadTable; files from other writers get a dtype derived from their
// columns.
package parquetio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/justapithecus/tessera/tessera"
)

// ValueColumn names the single column of a scalar array.
const ValueColumn = "value"

const dtypeKey = "tessera.dtype"

var (
	// ErrNotTable indicates an array that is not one-dimensional.
	ErrNotTable = errors.New("parquetio: array is not 1-D")

	// ErrUnsupportedColumn indicates a column with no matching dtype.
	ErrUnsupportedColumn = errors.New("parquetio: unsupported column")
)

// Compression selects the codec inside the Parquet file.
type Compression int

// Parquet compression codecs.
const (
	CompressionSnappy Compression = iota
	CompressionZstd
	CompressionGzip
	CompressionNone
)

// Option configures WriteTable.
type Option func(*writeConfig)

type writeConfig struct {
	compression Compression
}

// WithCompression sets the file's internal compression. The default is
// Snappy.
func WithCompression(c Compression) Option {
	return func(cfg *writeConfig) { cfg.compression = c }
}

func (c Compression) writerOption() parquet.WriterOption {
	switch c {
	case CompressionZstd:
		return parquet.Compression(&parquet.Zstd)
	case CompressionGzip:
		return parquet.Compression(&parquet.Gzip)
	case CompressionNone:
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

// column maps one Parquet column onto bytes of an item.
type column struct {
	name   string
	kind   tessera.Kind
	offset int
}

// columns lists dtype's columns in schema order.
func columns(dt tessera.DType, schema *parquet.Schema) []column {
	byName := map[string]column{}
	if dt.IsScalar() {
		byName[ValueColumn] = column{name: ValueColumn, kind: dt.Kind()}
	} else {
		for _, f := range dt.Fields() {
			byName[f.Name] = column{name: f.Name, kind: f.Type.Kind(), offset: f.Offset}
		}
	}
	out := make([]column, 0, len(byName))
	for _, f := range schema.Fields() {
		out = append(out, byName[f.Name()])
	}
	return out
}

func schemaOf(dt tessera.DType) *parquet.Schema {
	group := parquet.Group{}
	if dt.IsScalar() {
		group[ValueColumn] = nodeOf(dt.Kind())
	} else {
		for _, f := range dt.Fields() {
			group[f.Name] = nodeOf(f.Type.Kind())
		}
	}
	return parquet.NewSchema("tessera", group)
}

func nodeOf(k tessera.Kind) parquet.Node {
	switch k {
	case tessera.KindBool:
		return parquet.Leaf(parquet.BooleanType)
	case tessera.KindInt8:
		return parquet.Int(8)
	case tessera.KindInt16:
		return parquet.Int(16)
	case tessera.KindInt32:
		return parquet.Int(32)
	case tessera.KindInt64:
		return parquet.Int(64)
	case tessera.KindUint8:
		return parquet.Uint(8)
	case tessera.KindUint16:
		return parquet.Uint(16)
	case tessera.KindUint32:
		return parquet.Uint(32)
	case tessera.KindUint64:
		return parquet.Uint(64)
	case tessera.KindFloat32:
		return parquet.Leaf(parquet.FloatType)
	default:
		return parquet.Leaf(parquet.DoubleType)
	}
}

// WriteTable writes arr to w as a Parquet file, one row group per chunk.
func WriteTable(ctx context.Context, w io.Writer, arr *tessera.NDArray, opts ...Option) error {
	if len(arr.Shape()) != 1 {
		return fmt.Errorf("%w: shape %v", ErrNotTable, arr.Shape())
	}
	cfg := writeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	dt := arr.DType()
	schema := schemaOf(dt)
	cols := columns(dt, schema)
	pw := parquet.NewWriter(w, schema, cfg.compression.writerOption(),
		parquet.KeyValueMetadata(dtypeKey, dt.String()))

	isz := dt.ItemSize()
	for n := range arr.NChunks() {
		if err := ctx.Err(); err != nil {
			_ = pw.Close()
			return err
		}
		start, stop := arr.ChunkBounds(n)
		d, err := arr.GetSlice(ctx, tessera.Range(start[0], stop[0]))
		if err != nil {
			_ = pw.Close()
			return err
		}
		raw := d.Bytes()
		rows := make([]parquet.Row, d.Len())
		for i := range rows {
			item := raw[i*isz : (i+1)*isz]
			row := make(parquet.Row, len(cols))
			for j, c := range cols {
				row[j] = valueOf(c.kind, item[c.offset:]).Level(0, 0, j)
			}
			rows[i] = row
		}
		if _, err := pw.WriteRows(rows); err != nil {
			_ = pw.Close()
			return fmt.Errorf("parquetio: chunk %d: %w", n, err)
		}
		if err := pw.Flush(); err != nil {
			_ = pw.Close()
			return fmt.Errorf("parquetio: chunk %d: %w", n, err)
		}
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("parquetio: close: %w", err)
	}
	return nil
}

// ReadTable reads a Parquet file into a new 1-D array built with opts.
func ReadTable(ctx context.Context, r io.ReaderAt, size int64, opts ...tessera.Option) (*tessera.NDArray, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("parquetio: open: %w", err)
	}
	dt, err := dtypeOf(file)
	if err != nil {
		return nil, err
	}
	cols := columns(dt, file.Schema())
	app, err := tessera.NewAppender(ctx, dt, opts...)
	if err != nil {
		return nil, err
	}

	reader := parquet.NewReader(file)
	defer func() { _ = reader.Close() }()
	isz := dt.ItemSize()
	batch := make([]parquet.Row, 4096)
	for {
		n, err := reader.ReadRows(batch)
		if n > 0 {
			d := tessera.NewDense(dt, int64(n))
			raw := d.Bytes()
			for i, row := range batch[:n] {
				item := raw[i*isz : (i+1)*isz]
				for _, v := range row {
					c := cols[v.Column()]
					putValue(c.kind, v, item[c.offset:])
				}
			}
			if aerr := app.Append(ctx, d); aerr != nil {
				return nil, aerr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parquetio: read rows: %w", err)
		}
	}
	return app.Close(ctx)
}

// dtypeOf restores the recorded dtype, or derives one from the columns.
func dtypeOf(file *parquet.File) (tessera.DType, error) {
	if s, ok := file.Lookup(dtypeKey); ok {
		return tessera.ParseDType(s)
	}
	fields := file.Schema().Fields()
	names := make([]string, 0, len(fields))
	types := make([]tessera.DType, 0, len(fields))
	for _, f := range fields {
		if !f.Leaf() || f.Optional() || f.Repeated() {
			return tessera.DType{}, fmt.Errorf("%w: %s is not a required leaf", ErrUnsupportedColumn, f.Name())
		}
		var dt tessera.DType
		switch f.Type().Kind() {
		case parquet.Boolean:
			dt = tessera.Bool
		case parquet.Int32:
			dt = tessera.Int32
		case parquet.Int64:
			dt = tessera.Int64
		case parquet.Float:
			dt = tessera.Float32
		case parquet.Double:
			dt = tessera.Float64
		default:
			return tessera.DType{}, fmt.Errorf("%w: %s has type %s", ErrUnsupportedColumn, f.Name(), f.Type())
		}
		names = append(names, f.Name())
		types = append(types, dt)
	}
	if len(names) == 1 && names[0] == ValueColumn {
		return types[0], nil
	}
	if !sort.StringsAreSorted(names) {
		return tessera.DType{}, fmt.Errorf("%w: columns out of order", ErrUnsupportedColumn)
	}
	return tessera.Struct(names, types)
}

func valueOf(k tessera.Kind, b []byte) parquet.Value {
	le := binary.LittleEndian
	switch k {
	case tessera.KindBool:
		return parquet.BooleanValue(b[0] != 0)
	case tessera.KindInt8:
		return parquet.Int32Value(int32(int8(b[0])))
	case tessera.KindInt16:
		return parquet.Int32Value(int32(int16(le.Uint16(b))))
	case tessera.KindInt32:
		return parquet.Int32Value(int32(le.Uint32(b)))
	case tessera.KindInt64:
		return parquet.Int64Value(int64(le.Uint64(b)))
	case tessera.KindUint8:
		return parquet.Int32Value(int32(b[0]))
	case tessera.KindUint16:
		return parquet.Int32Value(int32(le.Uint16(b)))
	case tessera.KindUint32:
		return parquet.Int32Value(int32(le.Uint32(b)))
	case tessera.KindUint64:
		return parquet.Int64Value(int64(le.Uint64(b)))
	case tessera.KindFloat32:
		return parquet.FloatValue(math.Float32frombits(le.Uint32(b)))
	default:
		return parquet.DoubleValue(math.Float64frombits(le.Uint64(b)))
	}
}

func putValue(k tessera.Kind, v parquet.Value, b []byte) {
	le := binary.LittleEndian
	switch k {
	case tessera.KindBool:
		if v.Boolean() {
			b[0] = 1
		}
	case tessera.KindInt8, tessera.KindUint8:
		b[0] = byte(v.Int32())
	case tessera.KindInt16, tessera.KindUint16:
		le.PutUint16(b, uint16(v.Int32()))
	case tessera.KindInt32, tessera.KindUint32:
		le.PutUint32(b, uint32(v.Int32()))
	case tessera.KindInt64, tessera.KindUint64:
		le.PutUint64(b, uint64(v.Int64()))
	case tessera.KindFloat32:
		le.PutUint32(b, math.Float32bits(v.Float()))
	default:
		le.PutUint64(b, math.Float64bits(v.Double()))
	}
}
