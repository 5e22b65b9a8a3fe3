package zarr

import (
	"encoding/json"
	"fmt"
)

// Filter is one stage of the pre-compression transform pipeline. Filters
// are applied in declared order on write and reversed in the opposite
// order on read, operating on the already element-packed chunk buffer.
type Filter interface {
	ID() string
	Encode(buf []byte, dt Dtype) ([]byte, error)
	Decode(buf []byte, dt Dtype) ([]byte, error)
	MarshalJSON() ([]byte, error)
}

// DeltaFilter stores each element as the difference from its predecessor
// (the first element is stored verbatim), which compresses well for
// slowly-varying integer sequences. Operates on dtype-sized lanes.
type DeltaFilter struct {
	// AsType overrides the dtype used to compute deltas, or nil to use
	// the array's own dtype.
	AsType *Dtype
}

func (DeltaFilter) ID() string { return "delta" }

func (f DeltaFilter) MarshalJSON() ([]byte, error) {
	m := map[string]any{"id": "delta"}
	if f.AsType != nil {
		m["astype"] = f.AsType.String()
	}
	return json.Marshal(m)
}

func (f DeltaFilter) effectiveType(dt Dtype) Dtype {
	if f.AsType != nil {
		return *f.AsType
	}
	return dt
}

func (f DeltaFilter) Encode(buf []byte, dt Dtype) ([]byte, error) {
	et := f.effectiveType(dt)
	if et.IsStructured() || (et.Kind != KindInt && et.Kind != KindUint) {
		return nil, fmt.Errorf("zarr: delta filter requires an integer dtype, got %s", et.String())
	}
	size := et.Size()
	if len(buf)%size != 0 {
		return nil, fmt.Errorf("zarr: delta filter: buffer length %d is not a multiple of element size %d", len(buf), size)
	}
	out := make([]byte, len(buf))
	var prev int64
	for off := 0; off < len(buf); off += size {
		v, err := et.Decode(buf[off : off+size])
		if err != nil {
			return nil, err
		}
		cur := toSignedLane(v)
		delta := cur - prev
		if _, err := et.Encode(out[off:off+size], fromSignedLane(et, delta)); err != nil {
			return nil, err
		}
		prev = cur
	}
	return out, nil
}

func (f DeltaFilter) Decode(buf []byte, dt Dtype) ([]byte, error) {
	et := f.effectiveType(dt)
	if et.IsStructured() || (et.Kind != KindInt && et.Kind != KindUint) {
		return nil, fmt.Errorf("zarr: delta filter requires an integer dtype, got %s", et.String())
	}
	size := et.Size()
	if len(buf)%size != 0 {
		return nil, fmt.Errorf("zarr: delta filter: buffer length %d is not a multiple of element size %d", len(buf), size)
	}
	out := make([]byte, len(buf))
	var acc int64
	for off := 0; off < len(buf); off += size {
		v, err := et.Decode(buf[off : off+size])
		if err != nil {
			return nil, err
		}
		acc += toSignedLane(v)
		if _, err := et.Encode(out[off:off+size], fromSignedLane(et, acc)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func toSignedLane(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case uint64:
		return int64(x)
	default:
		return 0
	}
}

func fromSignedLane(et Dtype, v int64) any {
	if et.Kind == KindUint {
		return uint64(v)
	}
	return v
}

// filterFromJSON decodes one entry of the .zarray "filters" array.
func filterFromJSON(data []byte) (Filter, error) {
	var head struct {
		ID     string `json:"id"`
		AsType string `json:"astype"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, malformedMetadata("filter: %v", err)
	}
	switch head.ID {
	case "delta":
		f := DeltaFilter{}
		if head.AsType != "" {
			dt, err := ParseTypestr(head.AsType)
			if err != nil {
				return nil, err
			}
			f.AsType = &dt
		}
		return f, nil
	default:
		return nil, &UnknownFilterError{ID: head.ID}
	}
}
