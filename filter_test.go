package zarr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowlane/zarrgo"
)

func TestDeltaFilterRoundTrip(t *testing.T) {
	dt := zarr.Dtype{Order: zarr.LittleEndian, Kind: zarr.KindInt, Width: 4}
	elems := []int64{10, 12, 9, 9, 100}
	buf := make([]byte, dt.Size()*len(elems))
	for i, v := range elems {
		_, err := dt.Encode(buf[i*dt.Size():], v)
		require.NoError(t, err)
	}

	f := zarr.DeltaFilter{}
	encoded, err := f.Encode(buf, dt)
	require.NoError(t, err)
	assert.NotEqual(t, buf, encoded)

	decoded, err := f.Decode(encoded, dt)
	require.NoError(t, err)
	assert.Equal(t, buf, decoded)
}

func TestDeltaFilterRejectsFloat(t *testing.T) {
	dt := zarr.Dtype{Order: zarr.LittleEndian, Kind: zarr.KindFloat, Width: 8}
	f := zarr.DeltaFilter{}
	_, err := f.Encode(make([]byte, 8), dt)
	require.Error(t, err)
}
