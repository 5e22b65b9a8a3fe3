package zarr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

const zarrayBasename = ".zarray"
const zattrsBasename = ".zattrs"
const zgroupBasename = ".zgroup"

// Order is the element traversal order within a chunk.
type Order string

const (
	OrderC Order = "C" // row-major: last axis varies fastest
	OrderF Order = "F" // column-major: first axis varies fastest
)

// FillValue is the value synthesized for array elements that are not
// materialized on disk. A Null FillValue means there is no declared fill:
// missing chunks decode as the dtype's zero value.
type FillValue struct {
	Null  bool
	Value any
}

// Metadata is the JSON-serializable descriptor of one array's .zarray
// document.
type Metadata struct {
	ZarrFormat int
	Shape      Shape
	Dtype      Dtype
	Compressor Compressor
	Order      Order
	Fill       FillValue
	Filters    []Filter

	// DimSeparator joins chunk-coordinate components into file names.
	// "." unless the .zarray declares dimension_separator "/".
	DimSeparator string
}

// separator returns the effective chunk-key separator.
func (m *Metadata) separator() string {
	if m.DimSeparator == "" {
		return "."
	}
	return m.DimSeparator
}

// NewMetadata builds a Metadata value from its logical shape/chunks and
// fills in defaults: zarr_format 2, order C, no compressor, no fill.
func NewMetadata(shape, chunks []int, dt Dtype) (*Metadata, error) {
	s, err := NewShape(shape, chunks)
	if err != nil {
		return nil, err
	}
	return &Metadata{
		ZarrFormat: 2,
		Shape:      s,
		Dtype:      dt,
		Compressor: NoneCompressor{},
		Order:      OrderC,
		Fill:       FillValue{Null: true},
	}, nil
}

type metadataJSON struct {
	ZarrFormat         int               `json:"zarr_format"`
	ShapeDims          *[]int            `json:"shape"`
	Chunks             *[]int            `json:"chunks"`
	Dtype              json.RawMessage   `json:"dtype"`
	Compressor         json.RawMessage   `json:"compressor"`
	Order              string            `json:"order"`
	FillValue          json.RawMessage   `json:"fill_value"`
	Filters            []json.RawMessage `json:"filters,omitempty"`
	DimensionSeparator string            `json:"dimension_separator,omitempty"`
}

// MarshalJSON renders m using the literal field names the format requires.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	compJSON, err := m.Compressor.MarshalJSON()
	if err != nil {
		return nil, err
	}
	fillJSON, err := marshalFillValue(m.Fill, m.Dtype)
	if err != nil {
		return nil, err
	}
	var filters []json.RawMessage
	for _, f := range m.Filters {
		fj, err := f.MarshalJSON()
		if err != nil {
			return nil, err
		}
		filters = append(filters, fj)
	}
	dtypeJSON, err := m.Dtype.MarshalJSON()
	if err != nil {
		return nil, err
	}
	sizes := m.Shape.Sizes()
	chunks := m.Shape.ChunkSizes()
	out := metadataJSON{
		ZarrFormat:         m.ZarrFormat,
		ShapeDims:          &sizes,
		Chunks:             &chunks,
		Dtype:              dtypeJSON,
		Compressor:         compJSON,
		Order:              string(m.Order),
		FillValue:          fillJSON,
		Filters:            filters,
		DimensionSeparator: m.DimSeparator,
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses a .zarray document. Unknown top-level keys are
// ignored; missing required fields fail with a malformed-metadata error.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw metadataJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return malformedMetadata("%v", err)
	}
	if raw.ZarrFormat != 2 {
		return malformedMetadata("unsupported zarr_format %d, want 2", raw.ZarrFormat)
	}
	if raw.ShapeDims == nil {
		return malformedMetadata("missing shape")
	}
	if raw.Chunks == nil {
		return malformedMetadata("missing chunks")
	}
	if len(raw.Dtype) == 0 {
		return malformedMetadata("missing dtype")
	}
	shape, err := NewShape(*raw.ShapeDims, *raw.Chunks)
	if err != nil {
		return err
	}
	var dt Dtype
	if err := dt.UnmarshalJSON(raw.Dtype); err != nil {
		return err
	}
	order := Order(raw.Order)
	if order != OrderC && order != OrderF {
		return malformedMetadata("order must be \"C\" or \"F\", got %q", raw.Order)
	}

	var comp Compressor = NoneCompressor{}
	if len(raw.Compressor) > 0 {
		comp, err = compressorFromJSON(raw.Compressor)
		if err != nil {
			return err
		}
	}

	fill, err := unmarshalFillValue(raw.FillValue, dt)
	if err != nil {
		return err
	}

	var filters []Filter
	for _, fj := range raw.Filters {
		f, err := filterFromJSON(fj)
		if err != nil {
			return err
		}
		filters = append(filters, f)
	}

	if raw.DimensionSeparator != "" && raw.DimensionSeparator != "." && raw.DimensionSeparator != "/" {
		return malformedMetadata("dimension_separator must be \".\" or \"/\", got %q", raw.DimensionSeparator)
	}
	*m = Metadata{
		ZarrFormat:   raw.ZarrFormat,
		Shape:        shape,
		Dtype:        dt,
		Compressor:   comp,
		Order:        order,
		Fill:         fill,
		Filters:      filters,
		DimSeparator: raw.DimensionSeparator,
	}
	return nil
}

func marshalFillValue(fv FillValue, dt Dtype) (json.RawMessage, error) {
	if fv.Null || fv.Value == nil {
		return json.RawMessage("null"), nil
	}
	switch dt.Kind {
	case KindFloat:
		f, err := toFloat64(fv.Value)
		if err != nil {
			return nil, err
		}
		switch {
		case math.IsNaN(f):
			return json.Marshal("NaN")
		case math.IsInf(f, 1):
			return json.Marshal("Infinity")
		case math.IsInf(f, -1):
			return json.Marshal("-Infinity")
		default:
			return json.Marshal(f)
		}
	case KindString:
		b, err := toBytes(fv.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(base64.StdEncoding.EncodeToString(b))
	default:
		return json.Marshal(fv.Value)
	}
}

func unmarshalFillValue(data json.RawMessage, dt Dtype) (FillValue, error) {
	if len(data) == 0 || string(data) == "null" {
		return FillValue{Null: true}, nil
	}
	switch dt.Kind {
	case KindFloat:
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			switch s {
			case "NaN":
				return FillValue{Value: math.NaN()}, nil
			case "Infinity":
				return FillValue{Value: math.Inf(1)}, nil
			case "-Infinity":
				return FillValue{Value: math.Inf(-1)}, nil
			default:
				return FillValue{}, malformedMetadata("fill_value: unrecognized float string %q", s)
			}
		}
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return FillValue{}, malformedMetadata("fill_value: %v", err)
		}
		return FillValue{Value: f}, nil
	case KindString:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return FillValue{}, malformedMetadata("fill_value: %v", err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return FillValue{}, malformedMetadata("fill_value: base64: %v", err)
		}
		return FillValue{Value: b}, nil
	default:
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return FillValue{}, malformedMetadata("fill_value: %v", err)
		}
		return FillValue{Value: v}, nil
	}
}

// fillElement returns the FillValue coerced to a value dt.Encode accepts,
// or the dtype's zero value when Fill is Null.
func (m *Metadata) fillElement() any {
	if m.Fill.Null || m.Fill.Value == nil {
		return zeroElement(m.Dtype)
	}
	v := m.Fill.Value
	switch m.Dtype.Kind {
	case KindInt:
		if n, err := toInt64(v); err == nil {
			return n
		}
	case KindUint:
		if n, err := toUint64(v); err == nil {
			return n
		}
	case KindFloat:
		if f, err := toFloat64(v); err == nil {
			return f
		}
	}
	return v
}

func zeroElement(dt Dtype) any {
	if dt.IsStructured() {
		rec := make(map[string]any, len(dt.Fields))
		for _, f := range dt.Fields {
			if n := fieldCount(f); len(f.Shape) > 0 {
				vals := make([]any, n)
				for i := range vals {
					vals[i] = zeroElement(f.Type)
				}
				rec[f.Name] = vals
				continue
			}
			rec[f.Name] = zeroElement(f.Type)
		}
		return rec
	}
	switch dt.Kind {
	case KindBool:
		return false
	case KindInt:
		return int64(0)
	case KindUint:
		return uint64(0)
	case KindFloat:
		return float64(0)
	case KindComplex:
		return complex128(0)
	case KindString:
		return make([]byte, dt.Width)
	case KindUnicode:
		return ""
	default:
		return nil
	}
}

// loadMetadata reads and parses dir/.zarray from store.
func loadMetadata(ctx context.Context, store PathStore, dir string) (*Metadata, error) {
	data, err := store.Read(ctx, joinPath(dir, zarrayBasename))
	if err != nil {
		return nil, err
	}
	m := &Metadata{}
	if err := json.Unmarshal(data, m); err != nil {
		if _, ok := err.(*json.SyntaxError); ok {
			return nil, malformedMetadata(".zarray: %v", err)
		}
		return nil, err
	}
	return m, nil
}

func saveMetadata(ctx context.Context, store PathStore, dir string, m *Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("zarr: marshal metadata: %w", err)
	}
	return store.Write(ctx, joinPath(dir, zarrayBasename), data)
}
