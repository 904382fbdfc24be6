package tessera

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Dense is an uncompressed, C-ordered N-dimensional buffer. A rank-0 Dense
// holds one scalar.
//
// Dense implements Operand, so in-memory arrays and scalars combine with
// stored arrays in expressions.
type Dense struct {
	shape []int64
	dtype DType
	data  []byte
}

// NewDense allocates a zero-filled Dense.
func NewDense(dtype DType, shape ...int64) *Dense {
	shape = append([]int64{}, shape...)
	return &Dense{
		shape: shape,
		dtype: dtype,
		data:  make([]byte, prod(shape)*int64(dtype.ItemSize())),
	}
}

// DenseFromBytes wraps raw little-endian item bytes. The slice is used
// without copying.
func DenseFromBytes(dtype DType, shape []int64, data []byte) (*Dense, error) {
	want := prod(shape) * int64(dtype.ItemSize())
	if int64(len(data)) != want {
		return nil, fmt.Errorf("tessera: %d bytes for shape %v of %s (want %d): %w", len(data), shape, dtype, want, ErrSizeMismatch)
	}
	return &Dense{shape: append([]int64{}, shape...), dtype: dtype, data: data}, nil
}

// FromFloat64s builds a Float64 Dense. A nil shape means 1-D.
func FromFloat64s(vals []float64, shape ...int64) *Dense {
	if len(shape) == 0 {
		shape = []int64{int64(len(vals))}
	}
	d := NewDense(Float64, shape...)
	for i, v := range vals {
		d.setFlat(int64(i), v)
	}
	return d
}

// FromInt64s builds an Int64 Dense. A nil shape means 1-D.
func FromInt64s(vals []int64, shape ...int64) *Dense {
	if len(shape) == 0 {
		shape = []int64{int64(len(vals))}
	}
	d := NewDense(Int64, shape...)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(d.data[8*i:], uint64(v))
	}
	return d
}

// Scalar returns a rank-0 Float64 Dense.
func Scalar(v float64) *Dense {
	d := NewDense(Float64)
	d.setFlat(0, v)
	return d
}

// ScalarOf returns a rank-0 Dense of the given dtype.
func ScalarOf(dtype DType, v float64) *Dense {
	d := NewDense(dtype)
	d.setFlat(0, v)
	return d
}

// Shape returns a copy of the shape.
func (d *Dense) Shape() []int64 { return append([]int64{}, d.shape...) }

// DType returns the element type.
func (d *Dense) DType() DType { return d.dtype }

// Len returns the number of elements.
func (d *Dense) Len() int64 { return prod(d.shape) }

// Bytes returns the underlying item bytes.
func (d *Dense) Bytes() []byte { return d.data }

// Item returns the single element of a one-element Dense as float64.
func (d *Dense) Item() float64 {
	if d.Len() != 1 {
		panic(fmt.Sprintf("tessera: Item on Dense of shape %v", d.shape))
	}
	return d.flat(0)
}

// At returns the element at idx as float64.
func (d *Dense) At(idx ...int64) float64 { return d.flat(d.offset(idx)) }

// Set stores v at idx, converting to the dtype.
func (d *Dense) Set(v float64, idx ...int64) { d.setFlat(d.offset(idx), v) }

// Float64s returns every element converted to float64.
func (d *Dense) Float64s() []float64 {
	out := make([]float64, d.Len())
	for i := range out {
		out[i] = d.flat(int64(i))
	}
	return out
}

// Int64s returns every element as int64: integers exactly, floats
// truncated toward zero.
func (d *Dense) Int64s() []int64 {
	isz := d.dtype.ItemSize()
	out := make([]int64, d.Len())
	for i := range out {
		out[i] = d.dtype.loadInt(d.data[i*isz : (i+1)*isz])
	}
	return out
}

// Uint64s returns every element as uint64. Negative integers wrap.
func (d *Dense) Uint64s() []uint64 {
	isz := d.dtype.ItemSize()
	out := make([]uint64, d.Len())
	for i := range out {
		out[i] = d.dtype.loadUint(d.data[i*isz : (i+1)*isz])
	}
	return out
}

// Bools returns every element as a truth value.
func (d *Dense) Bools() []bool {
	out := make([]bool, d.Len())
	for i := range out {
		out[i] = d.flat(int64(i)) != 0
	}
	return out
}

// SetFloat64s overwrites every element from vals.
func (d *Dense) SetFloat64s(vals []float64) error {
	if int64(len(vals)) != d.Len() {
		return fmt.Errorf("tessera: %d values for %d elements: %w", len(vals), d.Len(), ErrSizeMismatch)
	}
	for i, v := range vals {
		d.setFlat(int64(i), v)
	}
	return nil
}

// SetInt64s overwrites every element from vals without a float64 round trip
// for integer dtypes.
func (d *Dense) SetInt64s(vals []int64) error {
	if int64(len(vals)) != d.Len() {
		return fmt.Errorf("tessera: %d values for %d elements: %w", len(vals), d.Len(), ErrSizeMismatch)
	}
	isz := d.dtype.ItemSize()
	for i, v := range vals {
		d.dtype.storeInt(d.data[i*isz:(i+1)*isz], v)
	}
	return nil
}

// SetUint64s is SetInt64s for unsigned values.
func (d *Dense) SetUint64s(vals []uint64) error {
	if int64(len(vals)) != d.Len() {
		return fmt.Errorf("tessera: %d values for %d elements: %w", len(vals), d.Len(), ErrSizeMismatch)
	}
	isz := d.dtype.ItemSize()
	for i, v := range vals {
		d.dtype.storeUint(d.data[i*isz:(i+1)*isz], v)
	}
	return nil
}

// Astype converts every element to dtype. Structured dtypes cannot be
// converted.
func (d *Dense) Astype(dtype DType) (*Dense, error) {
	if d.dtype.Equal(dtype) {
		return d, nil
	}
	if !d.dtype.IsScalar() || !dtype.IsScalar() {
		return nil, fmt.Errorf("tessera: cannot convert %s to %s", d.dtype, dtype)
	}
	out := NewDense(dtype, d.shape...)
	var err error
	switch {
	case dtype.IsFloat(), d.dtype.IsFloat():
		err = out.SetFloat64s(d.Float64s())
	case d.dtype.IsUnsigned():
		err = out.SetUint64s(d.Uint64s())
	default:
		err = out.SetInt64s(d.Int64s())
	}
	return out, err
}

// Reshape returns a view with a new shape of the same element count.
func (d *Dense) Reshape(shape ...int64) (*Dense, error) {
	if prod(shape) != d.Len() {
		return nil, fmt.Errorf("tessera: reshape %v to %v: %w", d.shape, shape, ErrSizeMismatch)
	}
	return &Dense{shape: append([]int64{}, shape...), dtype: d.dtype, data: d.data}, nil
}

// Field extracts one member of a structured Dense.
func (d *Dense) Field(name string) (*Dense, error) {
	f, ok := d.dtype.Field(name)
	if !ok {
		return nil, fmt.Errorf("tessera: dtype %s has no field %q: %w", d.dtype, name, ErrNotFound)
	}
	out := NewDense(f.Type, d.shape...)
	isz, fsz := d.dtype.ItemSize(), f.Type.ItemSize()
	for i := int64(0); i < d.Len(); i++ {
		src := i*int64(isz) + int64(f.Offset)
		copy(out.data[i*int64(fsz):], d.data[src:src+int64(fsz)])
	}
	return out, nil
}

// GetSlice returns a copy of the selected region.
func (d *Dense) GetSlice(_ context.Context, sel ...Index) (*Dense, error) {
	r, err := NormalizeSelection(d.shape, sel)
	if err != nil {
		return nil, err
	}
	out := NewDense(d.dtype, r.Shape()...)
	copyRegion(out.data, out.shape, make([]int64, len(out.shape)), d.data, d.shape, r.Start, r.Shape(), d.dtype.ItemSize())
	out.shape = r.ResultShape()
	return out, nil
}

// SetSlice copies src into the selected region. src must have the region's
// result shape.
func (d *Dense) SetSlice(src *Dense, sel ...Index) error {
	r, err := NormalizeSelection(d.shape, sel)
	if err != nil {
		return err
	}
	if !d.dtype.Equal(src.dtype) || src.Len() != prod(r.Shape()) {
		return fmt.Errorf("tessera: set %v %s into region %v %s: %w", src.shape, src.dtype, r.ResultShape(), d.dtype, ErrSizeMismatch)
	}
	copyRegion(d.data, d.shape, r.Start, src.data, r.Shape(), make([]int64, len(d.shape)), r.Shape(), d.dtype.ItemSize())
	return nil
}

func (d *Dense) offset(idx []int64) int64 {
	if len(idx) != len(d.shape) {
		panic(fmt.Sprintf("tessera: %d indices for shape %v", len(idx), d.shape))
	}
	var off int64
	for i, x := range idx {
		if x < 0 || x >= d.shape[i] {
			panic(fmt.Sprintf("tessera: index %v out of bounds for shape %v", idx, d.shape))
		}
		off = off*d.shape[i] + x
	}
	return off
}

func (d *Dense) flat(i int64) float64 {
	isz := int64(d.dtype.ItemSize())
	return d.dtype.loadFloat(d.data[i*isz : (i+1)*isz])
}

func (d *Dense) setFlat(i int64, v float64) {
	isz := int64(d.dtype.ItemSize())
	d.dtype.storeFloat(d.data[i*isz:(i+1)*isz], v)
}
