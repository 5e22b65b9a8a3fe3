package zarr

// Test-only aliases exposing package-private helpers to the external
// zarr_test package, the standard "export_test.go" pattern.

var FillChunkForTest = fillChunk

func (c *Chunk) EncodePayloadForTest(filters []Filter) ([]byte, error) {
	return c.encodePayload(filters)
}
