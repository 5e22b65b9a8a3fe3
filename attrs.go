package zarr

import (
	"context"
	"encoding/json"
	"errors"
)

// Attrs is the free-form JSON object persisted alongside an array or group
// in its .zattrs sidecar.
type Attrs map[string]any

func loadAttrs(ctx context.Context, store PathStore, dir string) (Attrs, error) {
	data, err := store.Read(ctx, joinPath(dir, zattrsBasename))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var a Attrs
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, malformedMetadata(".zattrs: %v", err)
	}
	return a, nil
}

func saveAttrs(ctx context.Context, store PathStore, dir string, a Attrs) error {
	if a == nil {
		return nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return store.Write(ctx, joinPath(dir, zattrsBasename), data)
}
