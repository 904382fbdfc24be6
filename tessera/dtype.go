package tessera

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Kind is the scalar category of a DType.
type Kind uint8

// Scalar kinds. KindStruct marks a structured dtype.
const (
	KindInvalid Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindStruct
)

var kindNames = map[Kind]string{
	KindBool:    "bool",
	KindInt8:    "int8",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindUint8:   "uint8",
	KindUint16:  "uint16",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
}

var kindSizes = map[Kind]int{
	KindBool: 1, KindInt8: 1, KindUint8: 1,
	KindInt16: 2, KindUint16: 2,
	KindInt32: 4, KindUint32: 4, KindFloat32: 4,
	KindInt64: 8, KindUint64: 8, KindFloat64: 8,
}

// numpy-style aliases accepted by ParseDType.
var dtypeAliases = map[string]Kind{
	"?": KindBool, "b1": KindBool, "|b1": KindBool,
	"i1": KindInt8, "|i1": KindInt8, "<i2": KindInt16, "<i4": KindInt32, "<i8": KindInt64,
	"u1": KindUint8, "|u1": KindUint8, "<u2": KindUint16, "<u4": KindUint32, "<u8": KindUint64,
	"<f4": KindFloat32, "<f8": KindFloat64, "f4": KindFloat32, "f8": KindFloat64,
	"i2": KindInt16, "i4": KindInt32, "i8": KindInt64,
	"u2": KindUint16, "u4": KindUint32, "u8": KindUint64,
}

// Field is one member of a structured dtype.
type Field struct {
	Name   string
	Type   DType
	Offset int
}

// DType describes the element type of an array. Items are little-endian and
// structured items are packed without padding.
type DType struct {
	kind   Kind
	fields []Field
}

// Scalar dtypes.
var (
	Bool    = DType{kind: KindBool}
	Int8    = DType{kind: KindInt8}
	Int16   = DType{kind: KindInt16}
	Int32   = DType{kind: KindInt32}
	Int64   = DType{kind: KindInt64}
	Uint8   = DType{kind: KindUint8}
	Uint16  = DType{kind: KindUint16}
	Uint32  = DType{kind: KindUint32}
	Uint64  = DType{kind: KindUint64}
	Float32 = DType{kind: KindFloat32}
	Float64 = DType{kind: KindFloat64}
)

// Struct builds a structured dtype from named scalar fields.
func Struct(names []string, types []DType) (DType, error) {
	if len(names) == 0 || len(names) != len(types) {
		return DType{}, fmt.Errorf("tessera: struct dtype needs matching names and types")
	}
	seen := make(map[string]bool, len(names))
	fields := make([]Field, len(names))
	offset := 0
	for i, name := range names {
		if name == "" || seen[name] {
			return DType{}, fmt.Errorf("tessera: struct dtype: invalid or duplicate field %q", name)
		}
		if !types[i].IsScalar() {
			return DType{}, fmt.Errorf("tessera: struct dtype: field %q must be scalar", name)
		}
		seen[name] = true
		fields[i] = Field{Name: name, Type: types[i], Offset: offset}
		offset += types[i].ItemSize()
	}
	return DType{kind: KindStruct, fields: fields}, nil
}

// Kind returns the dtype's category.
func (d DType) Kind() Kind { return d.kind }

// IsScalar reports whether d is a valid non-structured dtype.
func (d DType) IsScalar() bool { return d.kind > KindInvalid && d.kind < KindStruct }

// IsFloat reports whether d is Float32 or Float64.
func (d DType) IsFloat() bool { return d.kind == KindFloat32 || d.kind == KindFloat64 }

// IsSigned reports whether d is a signed integer dtype.
func (d DType) IsSigned() bool { return d.kind >= KindInt8 && d.kind <= KindInt64 }

// IsUnsigned reports whether d is an unsigned integer dtype.
func (d DType) IsUnsigned() bool { return d.kind >= KindUint8 && d.kind <= KindUint64 }

// Valid reports whether d is usable as an element type.
func (d DType) Valid() bool { return d.IsScalar() || (d.kind == KindStruct && len(d.fields) > 0) }

// Fields returns the members of a structured dtype.
func (d DType) Fields() []Field { return append([]Field(nil), d.fields...) }

// Field looks up a member of a structured dtype by name.
func (d DType) Field(name string) (Field, bool) {
	for _, f := range d.fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// ItemSize returns the byte width of one element.
func (d DType) ItemSize() int {
	if d.kind == KindStruct {
		n := 0
		for _, f := range d.fields {
			n += f.Type.ItemSize()
		}
		return n
	}
	return kindSizes[d.kind]
}

// Equal reports whether two dtypes describe the same layout.
func (d DType) Equal(o DType) bool {
	if d.kind != o.kind || len(d.fields) != len(o.fields) {
		return false
	}
	for i := range d.fields {
		if d.fields[i].Name != o.fields[i].Name || !d.fields[i].Type.Equal(o.fields[i].Type) {
			return false
		}
	}
	return true
}

// String renders the dtype; ParseDType accepts the result.
func (d DType) String() string {
	if d.kind != KindStruct {
		if name, ok := kindNames[d.kind]; ok {
			return name
		}
		return "invalid"
	}
	parts := make([]string, len(d.fields))
	for i, f := range d.fields {
		parts[i] = f.Name + ":" + f.Type.String()
	}
	return "struct{" + strings.Join(parts, ",") + "}"
}

// ParseDType parses a dtype name such as "float64", "<i4" or
// "struct{x:float64,y:int32}".
func ParseDType(s string) (DType, error) {
	s = strings.TrimSpace(s)
	if inner, ok := strings.CutPrefix(s, "struct{"); ok {
		inner, ok = strings.CutSuffix(inner, "}")
		if !ok {
			return DType{}, fmt.Errorf("tessera: parse dtype %q: unterminated struct", s)
		}
		var names []string
		var types []DType
		for _, part := range strings.Split(inner, ",") {
			name, typ, ok := strings.Cut(part, ":")
			if !ok {
				return DType{}, fmt.Errorf("tessera: parse dtype %q: field %q lacks a type", s, part)
			}
			ft, err := ParseDType(typ)
			if err != nil {
				return DType{}, err
			}
			names = append(names, strings.TrimSpace(name))
			types = append(types, ft)
		}
		return Struct(names, types)
	}
	for k, name := range kindNames {
		if name == s {
			return DType{kind: k}, nil
		}
	}
	if k, ok := dtypeAliases[s]; ok {
		return DType{kind: k}, nil
	}
	return DType{}, fmt.Errorf("tessera: unknown dtype %q", s)
}

// -----------------------------------------------------------------------------
// Element access
// -----------------------------------------------------------------------------

// loadFloat decodes one scalar item as float64.
func (d DType) loadFloat(b []byte) float64 {
	switch d.kind {
	case KindBool:
		if b[0] != 0 {
			return 1
		}
		return 0
	case KindInt8:
		return float64(int8(b[0]))
	case KindInt16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case KindInt32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case KindInt64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case KindUint8:
		return float64(b[0])
	case KindUint16:
		return float64(binary.LittleEndian.Uint16(b))
	case KindUint32:
		return float64(binary.LittleEndian.Uint32(b))
	case KindUint64:
		return float64(binary.LittleEndian.Uint64(b))
	case KindFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case KindFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// storeFloat encodes v into one scalar item. Integer kinds truncate toward
// zero; NaN stores as 0.
func (d DType) storeFloat(b []byte, v float64) {
	switch d.kind {
	case KindBool:
		if v != 0 && !math.IsNaN(v) {
			b[0] = 1
		} else {
			b[0] = 0
		}
	case KindInt8:
		b[0] = byte(int8(toInt(v)))
	case KindInt16:
		binary.LittleEndian.PutUint16(b, uint16(int16(toInt(v))))
	case KindInt32:
		binary.LittleEndian.PutUint32(b, uint32(int32(toInt(v))))
	case KindInt64:
		binary.LittleEndian.PutUint64(b, uint64(toInt(v)))
	case KindUint8:
		b[0] = byte(toUint(v))
	case KindUint16:
		binary.LittleEndian.PutUint16(b, uint16(toUint(v)))
	case KindUint32:
		binary.LittleEndian.PutUint32(b, uint32(toUint(v)))
	case KindUint64:
		binary.LittleEndian.PutUint64(b, toUint(v))
	case KindFloat32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case KindFloat64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// loadInt decodes one integer or bool item exactly. Floats truncate toward
// zero; Uint64 items above MaxInt64 wrap.
func (d DType) loadInt(b []byte) int64 {
	switch d.kind {
	case KindBool, KindUint8:
		return int64(b[0])
	case KindInt8:
		return int64(int8(b[0]))
	case KindInt16:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case KindInt32:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case KindInt64, KindUint64:
		return int64(binary.LittleEndian.Uint64(b))
	case KindUint16:
		return int64(binary.LittleEndian.Uint16(b))
	case KindUint32:
		return int64(binary.LittleEndian.Uint32(b))
	}
	return toInt(d.loadFloat(b))
}

func (d DType) loadUint(b []byte) uint64 {
	if d.IsFloat() {
		return toUint(d.loadFloat(b))
	}
	return uint64(d.loadInt(b))
}

// storeInt encodes v into one item, wrapping to the item width like a Go
// conversion. Bool stores v != 0.
func (d DType) storeInt(b []byte, v int64) {
	switch d.kind {
	case KindBool:
		b[0] = 0
		if v != 0 {
			b[0] = 1
		}
	case KindInt8, KindUint8:
		b[0] = byte(v)
	case KindInt16, KindUint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case KindInt32, KindUint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case KindInt64, KindUint64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	default:
		d.storeFloat(b, float64(v))
	}
}

func (d DType) storeUint(b []byte, v uint64) {
	if d.IsFloat() {
		d.storeFloat(b, float64(v))
		return
	}
	d.storeInt(b, int64(v))
}

func toInt(v float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	return int64(v)
}

func toUint(v float64) uint64 {
	if math.IsNaN(v) || v < 0 {
		return uint64(toInt(v))
	}
	return uint64(v)
}

// -----------------------------------------------------------------------------
// Promotion
// -----------------------------------------------------------------------------

// Promote returns the dtype two scalar operands combine into: bools lift to
// integers, integers to floats, and widths to the wider side. Mixing signed
// and unsigned integers yields Int64. Any float other than two Float32s
// yields Float64.
func Promote(a, b DType) DType {
	switch {
	case a.kind == b.kind:
		return a
	case a.IsFloat() || b.IsFloat():
		if (a.kind == KindFloat32 || !a.IsFloat()) && (b.kind == KindFloat32 || !b.IsFloat()) {
			if a.ItemSize() <= 2 || b.ItemSize() <= 2 {
				return Float32
			}
			return Float64
		}
		return Float64
	case a.kind == KindBool:
		return b
	case b.kind == KindBool:
		return a
	case a.IsSigned() == b.IsSigned():
		if a.ItemSize() >= b.ItemSize() {
			return a
		}
		return b
	default:
		return Int64
	}
}
