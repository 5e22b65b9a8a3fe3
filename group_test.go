package zarr_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "gocloud.dev/blob/fileblob"

	"github.com/arrowlane/zarrgo"
)

// S5: group of two arrays.
func TestGroupSaveLoad_TwoArrays(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	f32, err := zarr.ParseTypestr("<f4")
	require.NoError(t, err)
	u8, err := zarr.ParseTypestr("|u1")
	require.NoError(t, err)

	temp, err := zarr.FromElements([]int{4}, []int{4}, f32, []any{1.0, 2.0, 3.0, 4.0})
	require.NoError(t, err)
	mask, err := zarr.FromElements([]int{4}, []int{4}, u8, []any{uint64(0), uint64(1), uint64(1), uint64(0)})
	require.NoError(t, err)

	g := zarr.NewGroup().Add("temp", temp).Add("mask", mask)
	require.NoError(t, g.Save(ctx, store, "dir"))

	for _, p := range []string{"dir/.zgroup", "dir/temp/.zarray", "dir/temp/0", "dir/mask/.zarray", "dir/mask/0"} {
		ok, err := store.Exists(ctx, p)
		require.NoError(t, err)
		assert.True(t, ok, "expected %s to exist", p)
	}

	loaded, err := zarr.OpenGroup(ctx, store, "dir")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"temp", "mask"}, loaded.Names())

	loadedTemp := loaded.Get("temp").(*zarr.Array)
	v, err := loadedTemp.Get(ctx, []int{2})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, v, 1e-6)
}

func TestGroupLoadMissingChildFails(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Write(ctx, "g/.zgroup", []byte(`{"zarr_format":2}`)))
	require.NoError(t, store.Write(ctx, "g/orphan/readme.txt", []byte("not an array or group")))

	_, err = zarr.OpenGroup(ctx, store, "g")
	require.Error(t, err)
}
