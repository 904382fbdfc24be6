package main

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/justapithecus/tessera/tessera"
)

// writeDense prints d with nested brackets, one innermost row per line.
// Structured items print as parenthesized field tuples.
func writeDense(w io.Writer, d *tessera.Dense) error {
	items, err := formatItems(d)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	shape := d.Shape()
	if len(shape) == 0 {
		bw.WriteString(items[0])
	} else {
		writeNested(bw, shape, items, 0)
	}
	bw.WriteByte('\n')
	return bw.Flush()
}

func writeNested(w *bufio.Writer, shape []int64, items []string, depth int) {
	w.WriteByte('[')
	if len(shape) == 1 {
		w.WriteString(strings.Join(items, " "))
		w.WriteByte(']')
		return
	}
	stride := len(items) / max(int(shape[0]), 1)
	for i := range int(shape[0]) {
		if i > 0 {
			w.WriteByte('\n')
			w.WriteString(strings.Repeat(" ", depth+1))
		}
		writeNested(w, shape[1:], items[i*stride:(i+1)*stride], depth+1)
	}
	w.WriteByte(']')
}

func formatItems(d *tessera.Dense) ([]string, error) {
	dt := d.DType()
	if dt.IsScalar() {
		return formatScalars(dt.Kind(), d.Float64s()), nil
	}
	fields := dt.Fields()
	cols := make([][]string, len(fields))
	for i, f := range fields {
		fd, err := d.Field(f.Name)
		if err != nil {
			return nil, err
		}
		cols[i] = formatScalars(f.Type.Kind(), fd.Float64s())
	}
	out := make([]string, d.Len())
	for i := range out {
		parts := make([]string, len(cols))
		for j := range cols {
			parts[j] = cols[j][i]
		}
		out[i] = "(" + strings.Join(parts, ", ") + ")"
	}
	return out, nil
}

func formatScalars(k tessera.Kind, vals []float64) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		if k == tessera.KindBool {
			out[i] = strconv.FormatBool(v != 0)
			continue
		}
		out[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return out
}
