package zarr_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "gocloud.dev/blob/fileblob"

	"github.com/arrowlane/zarrgo"
)

type experimentRecord struct {
	Readings *zarr.Array    `zarr:"readings"`
	Labels   *zarr.Array    `zarr:"labels"`
	Meta     experimentMeta `zarr:"meta"`
	Notes    *string        `zarr:"notes,omitempty"`
}

type experimentMeta struct {
	Operator string `zarr:"operator"`
}

func TestSaveLoadRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<f4")
	require.NoError(t, err)
	readings, err := zarr.FromElements([]int{3}, []int{3}, dt, []any{1.0, 2.0, 3.0})
	require.NoError(t, err)
	labels, err := zarr.FromElements([]int{3}, []int{3}, dt, []any{0.0, 1.0, 0.0})
	require.NoError(t, err)

	rec := experimentRecord{
		Readings: readings,
		Labels:   labels,
		Meta:     experimentMeta{Operator: "ada"},
	}

	require.NoError(t, zarr.SaveRecord(ctx, store, "exp", &rec))

	for _, p := range []string{"exp/.zgroup", "exp/readings/.zarray", "exp/labels/.zarray", "exp/meta/.zgroup"} {
		ok, err := store.Exists(ctx, p)
		require.NoError(t, err)
		assert.True(t, ok, "expected %s to exist", p)
	}

	var loaded experimentRecord
	require.NoError(t, zarr.LoadRecord(ctx, store, "exp", &loaded))

	assert.Equal(t, "ada", loaded.Meta.Operator)
	assert.Nil(t, loaded.Notes)

	v, err := loaded.Readings.Get(ctx, []int{1})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, v, 1e-6)
}

func TestSaveRecordOmitsEmptyOptional(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<f4")
	require.NoError(t, err)
	readings, err := zarr.FromElements([]int{1}, []int{1}, dt, []any{1.0})
	require.NoError(t, err)
	labels, err := zarr.FromElements([]int{1}, []int{1}, dt, []any{1.0})
	require.NoError(t, err)

	rec := experimentRecord{Readings: readings, Labels: labels, Meta: experimentMeta{Operator: "x"}}
	require.NoError(t, zarr.SaveRecord(ctx, store, "exp2", &rec))

	ok, err := store.Exists(ctx, "exp2/.notes.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadRecordCorruptOptionalChildSurfaces(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	dt, err := zarr.ParseTypestr("<f4")
	require.NoError(t, err)
	readings, err := zarr.FromElements([]int{1}, []int{1}, dt, []any{1.0})
	require.NoError(t, err)
	labels, err := zarr.FromElements([]int{1}, []int{1}, dt, []any{1.0})
	require.NoError(t, err)

	rec := experimentRecord{Readings: readings, Labels: labels, Meta: experimentMeta{Operator: "x"}}
	require.NoError(t, zarr.SaveRecord(ctx, store, "exp3", &rec))

	// A present-but-corrupt optional child is not the same as an absent
	// one: it must fail the load, not silently zero the field.
	require.NoError(t, store.Write(ctx, "exp3/.notes.json", []byte(`{not json`)))

	var loaded experimentRecord
	err = zarr.LoadRecord(ctx, store, "exp3", &loaded)
	require.Error(t, err)
	var mc *zarr.MalformedChildError
	require.ErrorAs(t, err, &mc)
	assert.Equal(t, "notes", mc.Name)
}

func TestLoadRecordMissingRequiredChildFails(t *testing.T) {
	ctx := context.Background()
	store, err := zarr.MemStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Write(ctx, "empty/.zgroup", []byte(`{"zarr_format":2}`)))

	var loaded experimentRecord
	err = zarr.LoadRecord(ctx, store, "empty", &loaded)
	require.ErrorIs(t, err, zarr.ErrMissingChild)
}
