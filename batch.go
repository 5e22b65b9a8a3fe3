package zarr

import (
	"context"
	"fmt"
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Batch iterates an on-disk Array axis-0-first, handing back contiguous
// row ranges as gomlx tensors for consumption by a training loop. It
// keeps no state beyond the array and a cursor, so multiple independent
// Batch readers may be opened over the same array.
type Batch struct {
	array        *Array
	CurrentIndex int
}

// NewBatch wraps an already-opened Array for row-batched tensor reads.
// The array's dtype must be a float or signed-integer kind: 4-byte floats
// are read into float32 tensors and other float widths into float64;
// integers of up to 4 bytes are read into int32 tensors and 8-byte
// integers into int64. Any other kind fails here rather than on the first
// NextBatch call.
func NewBatch(a *Array) (*Batch, error) {
	if a.Meta.Shape.Rank() == 0 {
		return nil, fmt.Errorf("zarr: batch reading requires rank >= 1, got rank 0")
	}
	if _, err := tensorElementSize(a.Meta.Dtype); err != nil {
		return nil, err
	}
	return &Batch{array: a}, nil
}

// NextBatch reads up to batchSize rows along axis 0 starting at the
// cursor and returns them as a tensor shaped [n, shape[1:]...], where n
// <= batchSize is the number of rows actually remaining. It returns
// io.EOF once the cursor reaches the end of axis 0.
func (b *Batch) NextBatch(ctx context.Context, batchSize int) (*tensors.Tensor, error) {
	shape := b.array.Shape()
	if b.CurrentIndex >= shape[0] {
		return nil, io.EOF
	}

	start := b.CurrentIndex
	end := start + batchSize
	if end > shape[0] {
		end = shape[0]
	}

	batchShape := make([]int, len(shape))
	batchShape[0] = end - start
	copy(batchShape[1:], shape[1:])

	totalElements := 1
	for _, d := range batchShape {
		totalElements *= d
	}

	idx := make([]int, len(shape))
	rowElems := totalElements / batchShape[0]

	switch b.array.Meta.Dtype.Kind {
	case KindFloat:
		if b.array.Meta.Dtype.Size() == 4 {
			out := make([]float32, totalElements)
			if err := b.fillRows(ctx, start, end, idx, rowElems, func(flatRow int, v any) error {
				f, err := toFloat64(v)
				if err != nil {
					return err
				}
				out[flatRow] = float32(f)
				return nil
			}); err != nil {
				return nil, err
			}
			b.CurrentIndex = end
			return tensors.FromFlatDataAndDimensions(out, batchShape...), nil
		}
		out := make([]float64, totalElements)
		if err := b.fillRows(ctx, start, end, idx, rowElems, func(flatRow int, v any) error {
			f, err := toFloat64(v)
			if err != nil {
				return err
			}
			out[flatRow] = f
			return nil
		}); err != nil {
			return nil, err
		}
		b.CurrentIndex = end
		return tensors.FromFlatDataAndDimensions(out, batchShape...), nil
	case KindInt:
		if b.array.Meta.Dtype.Size() <= 4 {
			out := make([]int32, totalElements)
			if err := b.fillRows(ctx, start, end, idx, rowElems, func(flatRow int, v any) error {
				n, err := toInt64(v)
				if err != nil {
					return err
				}
				out[flatRow] = int32(n)
				return nil
			}); err != nil {
				return nil, err
			}
			b.CurrentIndex = end
			return tensors.FromFlatDataAndDimensions(out, batchShape...), nil
		}
		out := make([]int64, totalElements)
		if err := b.fillRows(ctx, start, end, idx, rowElems, func(flatRow int, v any) error {
			n, err := toInt64(v)
			if err != nil {
				return err
			}
			out[flatRow] = n
			return nil
		}); err != nil {
			return nil, err
		}
		b.CurrentIndex = end
		return tensors.FromFlatDataAndDimensions(out, batchShape...), nil
	default:
		return nil, fmt.Errorf("zarr: batch reading does not support dtype kind %q", b.array.Meta.Dtype.Kind)
	}
}

// fillRows walks logical rows [start,end) of the array, calling set once
// per scalar element in row-major order with its flat offset into the
// batch buffer.
func (b *Batch) fillRows(ctx context.Context, start, end int, idx []int, rowElems int, set func(flatRow int, v any) error) error {
	shape := b.array.Shape()
	rest := shape[1:]
	for row := start; row < end; row++ {
		idx[0] = row
		flatBase := (row - start) * rowElems
		if err := fillRowRecursive(ctx, b.array, idx, 1, rest, flatBase, 0, set); err != nil {
			return err
		}
	}
	return nil
}

func fillRowRecursive(ctx context.Context, a *Array, idx []int, dim int, rest []int, flatBase, flatOff int, set func(int, any) error) error {
	if dim == len(idx) {
		v, err := a.Get(ctx, idx)
		if err != nil {
			return err
		}
		return set(flatBase+flatOff, v)
	}
	axisSize := rest[dim-1]
	stride := 1
	for _, s := range rest[dim:] {
		stride *= s
	}
	for i := 0; i < axisSize; i++ {
		idx[dim] = i
		if err := fillRowRecursive(ctx, a, idx, dim+1, rest, flatBase, flatOff+i*stride, set); err != nil {
			return err
		}
	}
	return nil
}

func tensorElementSize(dt Dtype) (int, error) {
	switch dt.Kind {
	case KindFloat, KindInt:
		return dt.Size(), nil
	default:
		return 0, fmt.Errorf("zarr: batch reading does not support dtype kind %q", dt.Kind)
	}
}
