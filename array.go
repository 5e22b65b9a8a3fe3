package zarr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

const defaultTargetChunkBytes = 32 * 1024 * 1024 // 32 MiB

// Array is a logical N-D array: metadata plus a grid of chunks and an
// optional attributes sidecar. Arrays are immutable in this core: built
// once from elements or loaded from a store, saved once, never mutated in
// place.
type Array struct {
	Meta  *Metadata
	Attrs Attrs

	store PathStore
	dir   string

	// chunks is populated fully by FromElements and lazily by Get/Fold;
	// absent entries are fetched from the store, or synthesized as fill
	// chunks when the chunk file is missing. Save writes only resident
	// chunks and fails on a chunk that is not in this map.
	chunks map[string]*Chunk
}

// FromElements builds an in-memory Array from a flat, C-order slice of
// elements. If chunkShape is nil, a chunk shape is derived by chunking
// along the first axis only, so that each chunk stays within
// defaultTargetChunkBytes (32 MiB) whenever one row fits: rows_per_chunk =
// max(1, target_bytes / (row_elems * dtype.size)).
func FromElements(shape []int, chunkShape []int, dt Dtype, elements []any, opts ...ArrayOption) (*Array, error) {
	if chunkShape == nil {
		chunkShape = deriveChunkShape(shape, dt, defaultTargetChunkBytes)
	}
	meta, err := NewMetadata(shape, chunkShape, dt)
	if err != nil {
		return nil, err
	}
	a := &Array{Meta: meta, chunks: map[string]*Chunk{}}
	for _, opt := range opts {
		opt(a)
	}

	n := meta.Shape.NumElements()
	if len(elements) != n {
		return nil, fmt.Errorf("zarr: shape %v wants %d elements, got %d", shape, n, len(elements))
	}

	if err := a.packElements(elements); err != nil {
		return nil, err
	}
	return a, nil
}

// ArrayOption configures an Array constructed by FromElements.
type ArrayOption func(*Array)

// WithCompressor sets the array's chunk compressor.
func WithCompressor(c Compressor) ArrayOption {
	return func(a *Array) { a.Meta.Compressor = c }
}

// WithOrder sets the array's in-chunk traversal order.
func WithOrder(o Order) ArrayOption {
	return func(a *Array) { a.Meta.Order = o }
}

// WithFillValue sets the array's declared fill value.
func WithFillValue(v any) ArrayOption {
	return func(a *Array) { a.Meta.Fill = FillValue{Value: v} }
}

// WithFilters sets the array's filter pipeline.
func WithFilters(fs ...Filter) ArrayOption {
	return func(a *Array) { a.Meta.Filters = fs }
}

// WithAttrs attaches an attributes sidecar.
func WithAttrs(attrs Attrs) ArrayOption {
	return func(a *Array) { a.Attrs = attrs }
}

// WithDimensionSeparator sets the chunk-key separator written into
// dimension_separator; "." (the default) or "/".
func WithDimensionSeparator(sep string) ArrayOption {
	return func(a *Array) { a.Meta.DimSeparator = sep }
}

func deriveChunkShape(shape []int, dt Dtype, targetBytes int) []int {
	chunkShape := make([]int, len(shape))
	copy(chunkShape, shape)
	if len(shape) == 0 {
		return chunkShape
	}
	rowElems := 1
	for _, s := range shape[1:] {
		rowElems *= s
	}
	elemSize := dt.Size()
	rowsPerChunk := 1
	if rowElems > 0 && elemSize > 0 {
		rowsPerChunk = targetBytes / (rowElems * elemSize)
	}
	if rowsPerChunk < 1 {
		rowsPerChunk = 1
	}
	if rowsPerChunk > shape[0] {
		rowsPerChunk = shape[0]
	}
	if shape[0] == 0 {
		rowsPerChunk = 0
	}
	if rowsPerChunk == 0 {
		rowsPerChunk = 1
	}
	chunkShape[0] = rowsPerChunk
	return chunkShape
}

// packElements slices a flat C-order element list into the array's chunk
// grid, padding any ragged boundary chunk with the fill value.
func (a *Array) packElements(elements []any) error {
	shape := a.Meta.Shape.Sizes()
	globalStrides := strides(shape)
	grid := a.Meta.Shape.Grid()
	gridStrides := a.Meta.Shape.GridStrides()
	chunkShape := a.Meta.Shape.ChunkSizes()
	fill := a.Meta.fillElement()

	numChunks := numElements(grid)
	if len(grid) == 0 {
		numChunks = 1
	}
	for k := 0; k < numChunks; k++ {
		coords := []int{}
		if len(grid) > 0 {
			coords = ChunkCoordsFromLinear(k, gridStrides)
		}
		start, length := a.Meta.Shape.ChunkBounds(coords)
		chunkStrides := traversalStrides(chunkShape, a.Meta.Order)

		chunkElements := make([]any, numElements(chunkShape))
		for i := range chunkElements {
			chunkElements[i] = fill
		}

		fillChunkRegion(chunkElements, chunkShape, chunkStrides, start, length, globalStrides, elements, a.Meta.Order)

		key := ChunkKey(coords, a.Meta.separator())
		a.chunks[key] = &Chunk{Shape: chunkShape, Dtype: a.Meta.Dtype, Order: a.Meta.Order, Elements: chunkElements}
	}
	return nil
}

// fillChunkRegion copies the logically-valid sub-region of one chunk out
// of the flat, global, C-order elements slice.
func fillChunkRegion(dst []any, chunkShape, chunkStrides, start, length, globalStrides []int, src []any, order Order) {
	if len(chunkShape) == 0 {
		dst[0] = src[0]
		return
	}
	rel := make([]int, len(chunkShape))
	var rec func(dim int)
	rec = func(dim int) {
		if dim == len(chunkShape) {
			chunkOff := 0
			globalOff := 0
			for i, r := range rel {
				chunkOff += r * chunkStrides[i]
				globalOff += (start[i] + r) * globalStrides[i]
			}
			dst[chunkOff] = src[globalOff]
			return
		}
		for i := 0; i < length[dim]; i++ {
			rel[dim] = i
			rec(dim + 1)
		}
	}
	rec(0)
}

// Open loads an Array's metadata and attributes from dir in store. Chunks
// are fetched lazily on first access.
func Open(ctx context.Context, store PathStore, dir string) (*Array, error) {
	meta, err := loadMetadata(ctx, store, dir)
	if err != nil {
		return nil, err
	}
	attrs, err := loadAttrs(ctx, store, dir)
	if err != nil {
		return nil, err
	}
	return &Array{Meta: meta, Attrs: attrs, store: store, dir: dir, chunks: map[string]*Chunk{}}, nil
}

// Shape returns the array's logical shape.
func (a *Array) Shape() []int { return a.Meta.Shape.Sizes() }

// ChunkRanges returns the chunk-grid shape.
func (a *Array) ChunkRanges() []int { return a.Meta.Shape.Grid() }

// Get returns the element at the N-D logical index idx.
func (a *Array) Get(ctx context.Context, idx []int) (any, error) {
	shape := a.Meta.Shape.Sizes()
	if len(idx) != len(shape) {
		return nil, &IndexOutOfBoundsError{Index: idx, Shape: shape}
	}
	chunkShape := a.Meta.Shape.ChunkSizes()
	coords := make([]int, len(idx))
	rel := make([]int, len(idx))
	for i, x := range idx {
		if x < 0 || x >= shape[i] {
			return nil, &IndexOutOfBoundsError{Index: idx, Shape: shape}
		}
		coords[i] = x / chunkShape[i]
		rel[i] = x % chunkShape[i]
	}
	c, err := a.chunk(ctx, coords)
	if err != nil {
		return nil, err
	}
	return c.At(rel)
}

// chunk returns the chunk at the given grid coordinates, fetching and
// caching it from the store if necessary, or synthesizing a fill chunk if
// it is absent.
func (a *Array) chunk(ctx context.Context, coords []int) (*Chunk, error) {
	key := ChunkKey(coords, a.Meta.separator())
	if c, ok := a.chunks[key]; ok {
		return c, nil
	}
	if a.store == nil {
		return nil, fmt.Errorf("zarr: chunk %q not resident and array has no backing store", key)
	}
	chunkShape := a.Meta.Shape.ChunkSizes()

	path := joinPath(a.dir, key)
	data, err := a.store.Read(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c := fillChunk(chunkShape, a.Meta.Dtype, a.Meta.Order, a.Meta.fillElement())
			a.chunks[key] = c
			return c, nil
		}
		return nil, err
	}

	elemSize := a.Meta.Dtype.Size()
	r := a.Meta.Compressor.wrapReader(bytes.NewReader(data), elemSize)
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &ChunkCorruptError{Key: key, Cause: err}
	}
	c, err := decodeChunkPayload(raw, chunkShape, a.Meta.Dtype, a.Meta.Order, a.Meta.Filters, key)
	if err != nil {
		return nil, err
	}
	a.chunks[key] = c
	return c, nil
}

// FoldLeft folds over every logical element in chunk-major, then in-chunk
// traversal order, left to right.
func (a *Array) FoldLeft(ctx context.Context, init any, f func(acc, v any) any) (any, error) {
	acc := init
	err := a.eachChunk(ctx, func(coords []int, c *Chunk) error {
		start, length := a.Meta.Shape.ChunkBounds(coords)
		acc = foldValidRegion(c, start, length, a.Meta.Shape.ChunkSizes(), acc, f)
		return nil
	})
	return acc, err
}

func foldValidRegion(c *Chunk, start, length, chunkShape []int, init any, f func(acc, v any) any) any {
	if len(chunkShape) == 0 {
		return f(init, c.Elements[0])
	}
	acc := init
	rel := make([]int, len(chunkShape))
	var rec func(depth int)
	rec = func(depth int) {
		if depth == len(chunkShape) {
			v, _ := c.At(rel)
			acc = f(acc, v)
			return
		}
		dim := depth
		if c.Order == OrderF {
			dim = len(chunkShape) - 1 - depth
		}
		for i := 0; i < length[dim]; i++ {
			rel[dim] = i
			rec(depth + 1)
		}
	}
	rec(0)
	return acc
}

// FoldRight folds over every logical element in reverse canonical order:
// chunks last-to-first, elements within each chunk right-to-left.
func (a *Array) FoldRight(ctx context.Context, init any, f func(v, acc any) any) (any, error) {
	grid := a.Meta.Shape.Grid()
	gridStrides := a.Meta.Shape.GridStrides()
	numChunks := numElements(grid)
	if len(grid) == 0 {
		numChunks = 1
	}
	acc := init
	chunkShape := a.Meta.Shape.ChunkSizes()
	for k := numChunks - 1; k >= 0; k-- {
		coords := []int{}
		if len(grid) > 0 {
			coords = ChunkCoordsFromLinear(k, gridStrides)
		}
		c, err := a.chunk(ctx, coords)
		if err != nil {
			return nil, err
		}
		_, length := a.Meta.Shape.ChunkBounds(coords)
		acc = foldValidRegionRight(c, length, chunkShape, acc, f)
	}
	return acc, nil
}

func foldValidRegionRight(c *Chunk, length, chunkShape []int, init any, f func(v, acc any) any) any {
	if len(chunkShape) == 0 {
		return f(c.Elements[0], init)
	}
	acc := init
	rel := make([]int, len(chunkShape))
	var rec func(depth int)
	rec = func(depth int) {
		if depth == len(chunkShape) {
			v, _ := c.At(rel)
			acc = f(v, acc)
			return
		}
		dim := depth
		if c.Order == OrderF {
			dim = len(chunkShape) - 1 - depth
		}
		for i := length[dim] - 1; i >= 0; i-- {
			rel[dim] = i
			rec(depth + 1)
		}
	}
	rec(0)
	return acc
}

// eachChunk visits every chunk in the grid in chunk-major linear order.
func (a *Array) eachChunk(ctx context.Context, f func(coords []int, c *Chunk) error) error {
	grid := a.Meta.Shape.Grid()
	gridStrides := a.Meta.Shape.GridStrides()
	numChunks := numElements(grid)
	if len(grid) == 0 {
		numChunks = 1
	}
	for k := 0; k < numChunks; k++ {
		coords := []int{}
		if len(grid) > 0 {
			coords = ChunkCoordsFromLinear(k, gridStrides)
		}
		c, err := a.chunk(ctx, coords)
		if err != nil {
			return err
		}
		if err := f(coords, c); err != nil {
			return err
		}
	}
	return nil
}

// Save persists the array to dir in store: .zarray, optional .zattrs, and
// one file per chunk. The metadata and attrs writes complete before any
// chunk is written; chunk writes themselves are unordered and may be
// parallelized by callers via SaveParallel.
func (a *Array) Save(ctx context.Context, store PathStore, dir string) error {
	if err := saveMetadata(ctx, store, dir, a.Meta); err != nil {
		return err
	}
	if err := saveAttrs(ctx, store, dir, a.Attrs); err != nil {
		return err
	}

	grid := a.Meta.Shape.Grid()
	gridStrides := a.Meta.Shape.GridStrides()
	numChunks := numElements(grid)
	if len(grid) == 0 {
		numChunks = 1
	}
	for k := 0; k < numChunks; k++ {
		coords := []int{}
		if len(grid) > 0 {
			coords = ChunkCoordsFromLinear(k, gridStrides)
		}
		if err := a.saveChunk(ctx, store, dir, coords); err != nil {
			return err
		}
	}
	a.store = store
	a.dir = dir
	return nil
}

// SaveParallel is Save with chunk writes fanned out across at most
// workers goroutines, bounded by a buffered-channel semaphore. The
// metadata and attrs writes still complete before the first chunk write
// starts; chunk writes among themselves are unordered, as the format
// permits. The first failing chunk aborts the remaining writes.
func (a *Array) SaveParallel(ctx context.Context, store PathStore, dir string, workers int) error {
	if workers <= 1 {
		return a.Save(ctx, store, dir)
	}
	if err := saveMetadata(ctx, store, dir, a.Meta); err != nil {
		return err
	}
	if err := saveAttrs(ctx, store, dir, a.Attrs); err != nil {
		return err
	}

	grid := a.Meta.Shape.Grid()
	gridStrides := a.Meta.Shape.GridStrides()
	numChunks := numElements(grid)
	if len(grid) == 0 {
		numChunks = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for k := 0; k < numChunks; k++ {
		mu.Lock()
		failed := firstErr != nil
		mu.Unlock()
		if failed {
			break
		}
		coords := []int{}
		if len(grid) > 0 {
			coords = ChunkCoordsFromLinear(k, gridStrides)
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(coords []int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := a.saveChunk(ctx, store, dir, coords); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(coords)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	a.store = store
	a.dir = dir
	return nil
}

func (a *Array) saveChunk(ctx context.Context, store PathStore, dir string, coords []int) error {
	key := ChunkKey(coords, a.Meta.separator())
	c, ok := a.chunks[key]
	if !ok {
		return fmt.Errorf("zarr: chunk %q missing from in-memory array", key)
	}
	payload, err := c.encodePayload(a.Meta.Filters)
	if err != nil {
		return fmt.Errorf("zarr: chunk %q: %w", key, err)
	}

	path := joinPath(dir, key)
	w, err := store.OpenWrite(ctx, path)
	if err != nil {
		return err
	}
	cw := a.Meta.Compressor.wrapWriter(w, a.Meta.Dtype.Size())
	if _, err := cw.Write(payload); err != nil {
		cw.Close()
		w.Close()
		return &IOFailureError{Path: path, Cause: err}
	}
	if err := cw.Close(); err != nil {
		w.Close()
		return &IOFailureError{Path: path, Cause: err}
	}
	return w.Close()
}

// GetRegion returns the elements of the N-D sub-region [start, start+shape)
// as a flat, C-order slice, touching only the chunks that intersect the
// region rather than materializing the whole array.
func (a *Array) GetRegion(ctx context.Context, start, shape []int) ([]any, error) {
	full := a.Meta.Shape.Sizes()
	if len(start) != len(full) || len(shape) != len(full) {
		return nil, fmt.Errorf("zarr: region start/shape must match array rank %d", len(full))
	}
	for i := range full {
		if start[i] < 0 || shape[i] <= 0 || start[i]+shape[i] > full[i] {
			return nil, &IndexOutOfBoundsError{Index: start, Shape: full}
		}
	}

	total := numElements(shape)
	out := make([]any, total)
	dstStrides := strides(shape)

	if len(full) == 0 {
		v, err := a.Get(ctx, nil)
		if err != nil {
			return nil, err
		}
		out[0] = v
		return out, nil
	}

	chunkShape := a.Meta.Shape.ChunkSizes()
	minChunk := make([]int, len(start))
	maxChunk := make([]int, len(start))
	for i := range start {
		minChunk[i] = start[i] / chunkShape[i]
		maxChunk[i] = (start[i] + shape[i] - 1) / chunkShape[i]
	}

	coords := make([]int, len(minChunk))
	return out, regionIterateChunks(ctx, a, coords, minChunk, maxChunk, 0, func(chunkCoords []int) error {
		c, err := a.chunk(ctx, chunkCoords)
		if err != nil {
			return err
		}
		chunkStart, _ := a.Meta.Shape.ChunkBounds(chunkCoords)
		chunkStrides := traversalStrides(chunkShape, a.Meta.Order)

		copyShape := make([]int, len(full))
		srcOff := make([]int, len(full))
		dstOff := make([]int, len(full))
		for i := range full {
			chunkEnd := chunkStart[i] + chunkShape[i]
			if chunkEnd > full[i] {
				chunkEnd = full[i]
			}
			reqStart := start[i]
			reqEnd := start[i] + shape[i]
			is := maxInt(chunkStart[i], reqStart)
			ie := minInt(chunkEnd, reqEnd)
			if is >= ie {
				return nil
			}
			copyShape[i] = ie - is
			srcOff[i] = is - chunkStart[i]
			dstOff[i] = is - reqStart
		}
		copyRegionElements(out, dstStrides, dstOff, c, chunkStrides, srcOff, copyShape)
		return nil
	})
}

func regionIterateChunks(ctx context.Context, a *Array, coords, minChunk, maxChunk []int, dim int, f func([]int) error) error {
	if dim == len(minChunk) {
		return f(coords)
	}
	for i := minChunk[dim]; i <= maxChunk[dim]; i++ {
		coords[dim] = i
		if err := regionIterateChunks(ctx, a, coords, minChunk, maxChunk, dim+1, f); err != nil {
			return err
		}
	}
	return nil
}

func copyRegionElements(dst []any, dstStrides, dstOffset []int, c *Chunk, srcStrides, srcOffset, copyShape []int) {
	rel := make([]int, len(copyShape))
	var rec func(dim int)
	rec = func(dim int) {
		if dim == len(copyShape) {
			dstIdx := 0
			srcIdx := make([]int, len(copyShape))
			for i, r := range rel {
				dstIdx += (dstOffset[i] + r) * dstStrides[i]
				srcIdx[i] = srcOffset[i] + r
			}
			v, _ := c.At(srcIdx)
			dst[dstIdx] = v
			return
		}
		for i := 0; i < copyShape[dim]; i++ {
			rel[dim] = i
			rec(dim + 1)
		}
	}
	rec(0)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

