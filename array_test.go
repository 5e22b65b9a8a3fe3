package zarr_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "gocloud.dev/blob/fileblob"

	"github.com/arrowlane/zarrgo"
)

func mustInt32Elements(vals ...int32) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = int64(v)
	}
	return out
}

// S1: 1-D int round-trip.
func TestArraySave_OneDimIntRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<i4")
	require.NoError(t, err)
	a, err := zarr.FromElements([]int{6}, []int{3}, dt, mustInt32Elements(1, 2, 3, 4, 5, 6))
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, store, "arr"))

	chunk0, err := store.Read(ctx, "arr/0")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}, chunk0)

	chunk1, err := store.Read(ctx, "arr/1")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 0, 0, 0, 5, 0, 0, 0, 6, 0, 0, 0}, chunk1)

	loaded, err := zarr.Open(ctx, store, "arr")
	require.NoError(t, err)
	for i, want := range []int64{1, 2, 3, 4, 5, 6} {
		v, err := loaded.Get(ctx, []int{i})
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

// S2: 2-D float64 with Blosc.
func TestArraySave_TwoDimFloatBlosc(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<f8")
	require.NoError(t, err)
	identity := []any{
		1.0, 0.0, 0.0, 0.0,
		0.0, 1.0, 0.0, 0.0,
		0.0, 0.0, 1.0, 0.0,
		0.0, 0.0, 0.0, 1.0,
	}
	a, err := zarr.FromElements([]int{4, 4}, []int{2, 2}, dt, identity,
		zarr.WithCompressor(zarr.BloscCompressor{Cname: "zstd", Clevel: 5}),
		zarr.WithFillValue(0.0))
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, store, "id"))

	for _, key := range []string{"0.0", "0.1", "1.0", "1.1"} {
		_, err := store.Read(ctx, "id/"+key)
		require.NoError(t, err)
	}

	loaded, err := zarr.Open(ctx, store, "id")
	require.NoError(t, err)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			v, err := loaded.Get(ctx, []int{r, c})
			require.NoError(t, err)
			want := 0.0
			if r == c {
				want = 1.0
			}
			assert.InDelta(t, want, v, 1e-9)
		}
	}
}

// S3: ragged last chunk.
func TestArraySave_RaggedLastChunk(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("|u1")
	require.NoError(t, err)
	elems := []any{uint64(10), uint64(20), uint64(30), uint64(40), uint64(50)}
	a, err := zarr.FromElements([]int{5}, []int{2}, dt, elems, zarr.WithFillValue(uint64(0)))
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, store, "r"))

	chunk2, err := store.Read(ctx, "r/2")
	require.NoError(t, err)
	assert.Equal(t, []byte{50, 0}, chunk2)

	loaded, err := zarr.Open(ctx, store, "r")
	require.NoError(t, err)
	for i, want := range []uint64{10, 20, 30, 40, 50} {
		v, err := loaded.Get(ctx, []int{i})
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

// S4: missing chunk -> fill.
func TestArrayLoad_MissingChunkFillsValue(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<f8")
	require.NoError(t, err)
	identity := []any{
		1.0, 0.0, 0.0, 0.0,
		0.0, 1.0, 0.0, 0.0,
		0.0, 0.0, 1.0, 0.0,
		0.0, 0.0, 0.0, 1.0,
	}
	a, err := zarr.FromElements([]int{4, 4}, []int{2, 2}, dt, identity, zarr.WithFillValue(0.0))
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, store, "m"))

	bucket, ok := store.Underlying()
	require.True(t, ok)
	require.NoError(t, bucket.Delete(ctx, "m/1.1"))

	loaded, err := zarr.Open(ctx, store, "m")
	require.NoError(t, err)
	for r := 2; r < 4; r++ {
		for c := 2; c < 4; c++ {
			v, err := loaded.Get(ctx, []int{r, c})
			require.NoError(t, err)
			assert.InDelta(t, 0.0, v, 1e-9)
		}
	}
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			v, err := loaded.Get(ctx, []int{r, c})
			require.NoError(t, err)
			want := 0.0
			if r == c {
				want = 1.0
			}
			assert.InDelta(t, want, v, 1e-9)
		}
	}
}

// S6: structured dtype.
func TestArraySave_StructuredDtype(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt := zarr.Dtype{Fields: []zarr.Field{
		{Name: "a", Type: zarr.Dtype{Order: zarr.LittleEndian, Kind: zarr.KindInt, Width: 2}},
		{Name: "b", Type: zarr.Dtype{Order: zarr.LittleEndian, Kind: zarr.KindFloat, Width: 4}},
	}}
	elems := []any{
		map[string]any{"a": int64(1), "b": 1.5},
		map[string]any{"a": int64(2), "b": 2.5},
	}
	a, err := zarr.FromElements([]int{2}, []int{2}, dt, elems)
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, store, "s"))

	chunk0, err := store.Read(ctx, "s/0")
	require.NoError(t, err)
	assert.Len(t, chunk0, 12)

	loaded, err := zarr.Open(ctx, store, "s")
	require.NoError(t, err)
	v0, err := loaded.Get(ctx, []int{0})
	require.NoError(t, err)
	rec := v0.(map[string]any)
	assert.Equal(t, int64(1), rec["a"])
	assert.InDelta(t, 1.5, rec["b"], 1e-6)
}

func TestArrayGetRegion(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<f4")
	require.NoError(t, err)
	elems := make([]any, 16)
	for i := range elems {
		elems[i] = float64(i)
	}
	a, err := zarr.FromElements([]int{4, 4}, []int{2, 2}, dt, elems)
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, store, "g"))

	loaded, err := zarr.Open(ctx, store, "g")
	require.NoError(t, err)
	region, err := loaded.GetRegion(ctx, []int{1, 1}, []int{2, 2})
	require.NoError(t, err)
	want := []float64{5, 6, 9, 10}
	for i, w := range want {
		assert.InDelta(t, w, region[i], 1e-6)
	}
}

func TestArrayFoldLeft(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<i4")
	require.NoError(t, err)
	a, err := zarr.FromElements([]int{6}, []int{3}, dt, mustInt32Elements(1, 2, 3, 4, 5, 6))
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, store, "f"))

	loaded, err := zarr.Open(ctx, store, "f")
	require.NoError(t, err)
	sum, err := loaded.FoldLeft(ctx, int64(0), func(acc, v any) any {
		return acc.(int64) + v.(int64)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(21), sum)
}

func TestArrayAsTyped(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<i4")
	require.NoError(t, err)
	a, err := zarr.FromElements([]int{4}, []int{2}, dt, mustInt32Elements(7, 8, 9, 10))
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, store, "as"))

	loaded, err := zarr.Open(ctx, store, "as")
	require.NoError(t, err)

	vals, err := zarr.As[int64](ctx, loaded)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8, 9, 10}, vals)

	_, err = zarr.As[string](ctx, loaded)
	require.Error(t, err)
}

func TestArrayOrderFMatchesOrderC(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<i4")
	require.NoError(t, err)
	elems := make([]any, 12)
	for i := range elems {
		elems[i] = int64(i)
	}

	cArr, err := zarr.FromElements([]int{3, 4}, []int{2, 2}, dt, elems, zarr.WithOrder(zarr.OrderC))
	require.NoError(t, err)
	require.NoError(t, cArr.Save(ctx, store, "c"))
	fArr, err := zarr.FromElements([]int{3, 4}, []int{2, 2}, dt, elems, zarr.WithOrder(zarr.OrderF))
	require.NoError(t, err)
	require.NoError(t, fArr.Save(ctx, store, "f2"))

	loadedC, err := zarr.Open(ctx, store, "c")
	require.NoError(t, err)
	loadedF, err := zarr.Open(ctx, store, "f2")
	require.NoError(t, err)
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			vc, err := loadedC.Get(ctx, []int{r, c})
			require.NoError(t, err)
			vf, err := loadedF.Get(ctx, []int{r, c})
			require.NoError(t, err)
			assert.Equal(t, vc, vf)
		}
	}
}

func TestArrayFoldRight(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<i4")
	require.NoError(t, err)
	a, err := zarr.FromElements([]int{5}, []int{2}, dt, mustInt32Elements(1, 2, 3, 4, 5))
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, store, "fr"))

	loaded, err := zarr.Open(ctx, store, "fr")
	require.NoError(t, err)
	var order []int64
	_, err = loaded.FoldRight(ctx, struct{}{}, func(v, acc any) any {
		order = append(order, v.(int64))
		return acc
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, order)
}

func TestArraySlashSeparator(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<i4")
	require.NoError(t, err)
	elems := make([]any, 16)
	for i := range elems {
		elems[i] = int64(i)
	}
	a, err := zarr.FromElements([]int{4, 4}, []int{2, 2}, dt, elems, zarr.WithDimensionSeparator("/"))
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, store, "sep"))

	ok, err := store.Exists(ctx, "sep/1/0")
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := zarr.Open(ctx, store, "sep")
	require.NoError(t, err)
	v, err := loaded.Get(ctx, []int{2, 1})
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)
}

func TestArraySaveParallel(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<i4")
	require.NoError(t, err)
	elems := make([]any, 64)
	for i := range elems {
		elems[i] = int64(i)
	}
	a, err := zarr.FromElements([]int{8, 8}, []int{2, 2}, dt, elems)
	require.NoError(t, err)
	require.NoError(t, a.SaveParallel(ctx, store, "p", 4))

	loaded, err := zarr.Open(ctx, store, "p")
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			v, err := loaded.Get(ctx, []int{i, j})
			require.NoError(t, err)
			assert.Equal(t, int64(i*8+j), v)
		}
	}
}
