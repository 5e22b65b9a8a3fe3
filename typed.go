package zarr

import "context"

// As drains an Array's elements, in canonical chunk-major order, into a
// flat []T. It fails unless every element's dynamic type is exactly T; no
// numeric conversion is done (a "<i4" array decodes to int64 elements, so
// As[int32] fails on it).
func As[T any](ctx context.Context, a *Array) ([]T, error) {
	out := make([]T, 0, a.Meta.Shape.NumElements())
	var convErr error
	_, err := a.FoldLeft(ctx, struct{}{}, func(acc, v any) any {
		if convErr != nil {
			return acc
		}
		t, ok := v.(T)
		if !ok {
			convErr = &typeMismatchError{}
			return acc
		}
		out = append(out, t)
		return acc
	})
	if err != nil {
		return nil, err
	}
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}

type typeMismatchError struct{}

func (e *typeMismatchError) Error() string {
	return "zarr: element type mismatch in As"
}
