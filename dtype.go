package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/cmplx"
	"strconv"
	"strings"

	"github.com/x448/float16"
)

// ByteOrder is the endianness prefix of a NumPy typestr.
type ByteOrder byte

const (
	LittleEndian  ByteOrder = '<'
	BigEndian     ByteOrder = '>'
	NotApplicable ByteOrder = '|'
)

// Kind is the single-letter basic type code of a NumPy typestr.
type Kind byte

const (
	KindBool    Kind = 'b'
	KindInt     Kind = 'i'
	KindUint    Kind = 'u'
	KindFloat   Kind = 'f'
	KindComplex Kind = 'c'
	KindString  Kind = 'S' // fixed-length bytes
	KindUnicode Kind = 'U' // fixed-length UCS4 text
)

// Field describes one named member of a structured Dtype.
type Field struct {
	Name  string
	Type  Dtype
	Shape []int // sub-array shape, nil for scalar fields
}

// Dtype describes one Zarr element type: a primitive kind with byte width
// and endianness, or a structured type with an ordered list of named
// fields. Dtype values round-trip through the NumPy typestr grammar used by
// the .zarray "dtype" field.
type Dtype struct {
	Order ByteOrder
	Kind  Kind
	Width int // byte width for Kind in {b,i,u,f,c}; character count for S/U

	Fields []Field // non-nil iff this is a structured dtype
}

// IsStructured reports whether d is a struct-of-fields dtype.
func (d Dtype) IsStructured() bool { return d.Fields != nil }

// fieldCount is the number of scalar lanes one structured field occupies:
// 1 for a scalar field, the product of its sub-array shape otherwise.
func fieldCount(f Field) int {
	n := 1
	for _, s := range f.Shape {
		n *= s
	}
	return n
}

// Size returns the number of bytes one element of d occupies on disk.
func (d Dtype) Size() int {
	if d.IsStructured() {
		total := 0
		for _, f := range d.Fields {
			total += f.Type.Size() * fieldCount(f)
		}
		return total
	}
	switch d.Kind {
	case KindUnicode:
		return d.Width * 4
	default:
		return d.Width
	}
}

// ParseTypestr parses a simple (non-structured) NumPy typestr such as "<f8",
// ">i4", "|u1", "|S10".
func ParseTypestr(s string) (Dtype, error) {
	if len(s) < 3 {
		return Dtype{}, &UnknownDtypeError{Typestr: s}
	}

	order := ByteOrder(s[0])
	switch order {
	case LittleEndian, BigEndian, NotApplicable:
	default:
		return Dtype{}, &UnknownDtypeError{Typestr: s}
	}

	kind := Kind(s[1])
	width, err := strconv.Atoi(s[2:])
	if err != nil || width <= 0 {
		return Dtype{}, &UnknownDtypeError{Typestr: s}
	}

	switch kind {
	case KindBool:
		if width != 1 {
			return Dtype{}, &UnknownDtypeError{Typestr: s}
		}
	case KindInt, KindUint:
		switch width {
		case 1, 2, 4, 8:
		default:
			return Dtype{}, &UnknownDtypeError{Typestr: s}
		}
	case KindFloat:
		switch width {
		case 2, 4, 8:
		default:
			return Dtype{}, &UnknownDtypeError{Typestr: s}
		}
	case KindComplex:
		switch width {
		case 8, 16:
		default:
			return Dtype{}, &UnknownDtypeError{Typestr: s}
		}
	case KindString, KindUnicode:
	default:
		return Dtype{}, &UnknownDtypeError{Typestr: s}
	}

	return Dtype{Order: order, Kind: kind, Width: width}, nil
}

// String renders d back to its NumPy typestr form. Structured dtypes do not
// have a single-string form; callers should use MarshalJSON for those.
func (d Dtype) String() string {
	return fmt.Sprintf("%c%c%d", d.Order, d.Kind, d.Width)
}

func (d Dtype) byteOrder() binary.ByteOrder {
	if d.Order == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Encode writes the byte representation of v into buf, which must be at
// least Size() bytes long, and returns the number of bytes consumed.
func (d Dtype) Encode(buf []byte, v any) (int, error) {
	size := d.Size()
	if len(buf) < size {
		return 0, fmt.Errorf("zarr: encode buffer too small: need %d, have %d", size, len(buf))
	}

	if d.IsStructured() {
		rec, err := asRecord(v, d.Fields)
		if err != nil {
			return 0, err
		}
		off := 0
		for _, f := range d.Fields {
			count := fieldCount(f)
			if len(f.Shape) == 0 {
				n, err := f.Type.Encode(buf[off:], rec[f.Name])
				if err != nil {
					return 0, fmt.Errorf("field %q: %w", f.Name, err)
				}
				off += n
				continue
			}
			vals, ok := rec[f.Name].([]any)
			if !ok || len(vals) != count {
				return 0, fmt.Errorf("zarr: field %q wants %d sub-array elements, got %T", f.Name, count, rec[f.Name])
			}
			for _, sv := range vals {
				n, err := f.Type.Encode(buf[off:], sv)
				if err != nil {
					return 0, fmt.Errorf("field %q: %w", f.Name, err)
				}
				off += n
			}
		}
		return off, nil
	}

	bo := d.byteOrder()
	switch d.Kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return 0, fmt.Errorf("zarr: expected bool, got %T", v)
		}
		if b {
			buf[0] = 1
		} else {
			buf[0] = 0
		}
	case KindInt:
		n, err := toInt64(v)
		if err != nil {
			return 0, err
		}
		putInt(buf[:size], bo, uint64(n), size)
	case KindUint:
		n, err := toUint64(v)
		if err != nil {
			return 0, err
		}
		putInt(buf[:size], bo, n, size)
	case KindFloat:
		f, err := toFloat64(v)
		if err != nil {
			return 0, err
		}
		switch size {
		case 2:
			bo.PutUint16(buf, float16.Fromfloat32(float32(f)).Bits())
		case 4:
			bo.PutUint32(buf, math.Float32bits(float32(f)))
		case 8:
			bo.PutUint64(buf, math.Float64bits(f))
		default:
			return 0, fmt.Errorf("zarr: unsupported float width %d", size)
		}
	case KindComplex:
		c, err := toComplex128(v)
		if err != nil {
			return 0, err
		}
		half := size / 2
		switch half {
		case 4:
			bo.PutUint32(buf[0:4], math.Float32bits(float32(real(c))))
			bo.PutUint32(buf[4:8], math.Float32bits(float32(imag(c))))
		case 8:
			bo.PutUint64(buf[0:8], math.Float64bits(real(c)))
			bo.PutUint64(buf[8:16], math.Float64bits(imag(c)))
		default:
			return 0, fmt.Errorf("zarr: unsupported complex width %d", size)
		}
	case KindString:
		s, err := toBytes(v)
		if err != nil {
			return 0, err
		}
		for i := 0; i < size; i++ {
			if i < len(s) {
				buf[i] = s[i]
			} else {
				buf[i] = 0
			}
		}
	case KindUnicode:
		s, err := toRunes(v)
		if err != nil {
			return 0, err
		}
		for i := 0; i < d.Width; i++ {
			var r rune
			if i < len(s) {
				r = s[i]
			}
			bo.PutUint32(buf[i*4:i*4+4], uint32(r))
		}
	default:
		return 0, &UnknownDtypeError{Typestr: d.String()}
	}
	return size, nil
}

// Decode reads one element of type d from buf, which must be at least
// Size() bytes long.
func (d Dtype) Decode(buf []byte) (any, error) {
	size := d.Size()
	if len(buf) < size {
		return nil, fmt.Errorf("zarr: decode buffer too small: need %d, have %d", size, len(buf))
	}

	if d.IsStructured() {
		rec := make(map[string]any, len(d.Fields))
		off := 0
		for _, f := range d.Fields {
			count := fieldCount(f)
			if len(f.Shape) == 0 {
				v, err := f.Type.Decode(buf[off:])
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", f.Name, err)
				}
				rec[f.Name] = v
				off += f.Type.Size()
				continue
			}
			vals := make([]any, count)
			for i := range vals {
				v, err := f.Type.Decode(buf[off:])
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", f.Name, err)
				}
				vals[i] = v
				off += f.Type.Size()
			}
			rec[f.Name] = vals
		}
		return rec, nil
	}

	bo := d.byteOrder()
	switch d.Kind {
	case KindBool:
		return buf[0] != 0, nil
	case KindInt:
		u := getInt(buf[:size], bo, size)
		return signExtend(u, size), nil
	case KindUint:
		return getInt(buf[:size], bo, size), nil
	case KindFloat:
		switch size {
		case 2:
			return float64(float16.Frombits(bo.Uint16(buf)).Float32()), nil
		case 4:
			return float64(math.Float32frombits(bo.Uint32(buf))), nil
		case 8:
			return math.Float64frombits(bo.Uint64(buf)), nil
		default:
			return nil, fmt.Errorf("zarr: unsupported float width %d", size)
		}
	case KindComplex:
		half := size / 2
		switch half {
		case 4:
			re := math.Float32frombits(bo.Uint32(buf[0:4]))
			im := math.Float32frombits(bo.Uint32(buf[4:8]))
			return complex(float64(re), float64(im)), nil
		case 8:
			re := math.Float64frombits(bo.Uint64(buf[0:8]))
			im := math.Float64frombits(bo.Uint64(buf[8:16]))
			return complex(re, im), nil
		default:
			return nil, fmt.Errorf("zarr: unsupported complex width %d", size)
		}
	case KindString:
		out := make([]byte, size)
		copy(out, buf[:size])
		return out, nil
	case KindUnicode:
		runes := make([]rune, d.Width)
		for i := 0; i < d.Width; i++ {
			runes[i] = rune(bo.Uint32(buf[i*4 : i*4+4]))
		}
		return strings.TrimRight(string(runes), "\x00"), nil
	default:
		return nil, &UnknownDtypeError{Typestr: d.String()}
	}
}

func putInt(buf []byte, bo binary.ByteOrder, v uint64, size int) {
	switch size {
	case 1:
		buf[0] = byte(v)
	case 2:
		bo.PutUint16(buf, uint16(v))
	case 4:
		bo.PutUint32(buf, uint32(v))
	case 8:
		bo.PutUint64(buf, v)
	}
}

func getInt(buf []byte, bo binary.ByteOrder, size int) uint64 {
	switch size {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(bo.Uint16(buf))
	case 4:
		return uint64(bo.Uint32(buf))
	case 8:
		return bo.Uint64(buf)
	}
	return 0
}

func signExtend(u uint64, size int) int64 {
	switch size {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	case 4:
		return int64(int32(u))
	default:
		return int64(u)
	}
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("zarr: cannot encode %T as integer", v)
	}
}

func toUint64(v any) (uint64, error) {
	switch x := v.(type) {
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case int:
		return uint64(x), nil
	case float64:
		return uint64(x), nil
	default:
		return 0, fmt.Errorf("zarr: cannot encode %T as unsigned integer", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("zarr: cannot encode %T as float", v)
	}
}

func toComplex128(v any) (complex128, error) {
	switch x := v.(type) {
	case complex64:
		return complex128(x), nil
	case complex128:
		return x, nil
	default:
		return cmplx.NaN(), fmt.Errorf("zarr: cannot encode %T as complex", v)
	}
}

func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	default:
		return nil, fmt.Errorf("zarr: cannot encode %T as bytes", v)
	}
}

func toRunes(v any) ([]rune, error) {
	switch x := v.(type) {
	case string:
		return []rune(x), nil
	case []rune:
		return x, nil
	default:
		return nil, fmt.Errorf("zarr: cannot encode %T as unicode text", v)
	}
}

// MarshalJSON renders d per the NumPy typestr grammar: a plain string for
// simple dtypes, or a [[name, typestr], ...] array for structured ones.
func (d Dtype) MarshalJSON() ([]byte, error) {
	if !d.IsStructured() {
		return []byte(`"` + d.String() + `"`), nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range d.Fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		if len(f.Shape) > 0 {
			shape := make([]string, len(f.Shape))
			for j, s := range f.Shape {
				shape[j] = strconv.Itoa(s)
			}
			fmt.Fprintf(&sb, "[%q,%q,[%s]]", f.Name, f.Type.String(), strings.Join(shape, ","))
		} else {
			fmt.Fprintf(&sb, "[%q,%q]", f.Name, f.Type.String())
		}
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

// UnmarshalJSON parses either a plain typestr string or a structured-dtype
// array of [name, typestr, shape?] triples.
func (d *Dtype) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) == 0 {
		return malformedMetadata("empty dtype")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseTypestr(s)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return malformedMetadata("dtype: %v", err)
	}
	fields := make([]Field, 0, len(raw))
	for _, item := range raw {
		var tuple []json.RawMessage
		if err := json.Unmarshal(item, &tuple); err != nil {
			return malformedMetadata("dtype field: %v", err)
		}
		if len(tuple) < 2 {
			return malformedMetadata("dtype field needs name and typestr")
		}
		var name, typestr string
		if err := json.Unmarshal(tuple[0], &name); err != nil {
			return malformedMetadata("dtype field name: %v", err)
		}
		if err := json.Unmarshal(tuple[1], &typestr); err != nil {
			return malformedMetadata("dtype field typestr: %v", err)
		}
		ft, err := ParseTypestr(typestr)
		if err != nil {
			return err
		}
		field := Field{Name: name, Type: ft}
		if len(tuple) > 2 {
			var shape []int
			if err := json.Unmarshal(tuple[2], &shape); err != nil {
				return malformedMetadata("dtype field shape: %v", err)
			}
			field.Shape = shape
		}
		fields = append(fields, field)
	}
	*d = Dtype{Fields: fields}
	return nil
}

func asRecord(v any, fields []Field) (map[string]any, error) {
	switch x := v.(type) {
	case map[string]any:
		return x, nil
	case []any:
		if len(x) != len(fields) {
			return nil, fmt.Errorf("zarr: structured value has %d elements, dtype has %d fields", len(x), len(fields))
		}
		rec := make(map[string]any, len(fields))
		for i, f := range fields {
			rec[f.Name] = x[i]
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("zarr: cannot encode %T as structured record", v)
	}
}
