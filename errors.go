package zarr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy described by the on-disk format: callers
// should dispatch on these with errors.Is/errors.As rather than string
// matching.
var (
	ErrNotFound          = errors.New("zarr: not found")
	ErrMalformedMetadata = errors.New("zarr: malformed metadata")
	ErrUnknownDtype      = errors.New("zarr: unknown dtype")
	ErrUnknownCompressor = errors.New("zarr: unknown compressor")
	ErrUnknownFilter     = errors.New("zarr: unknown filter")
	ErrIndexOutOfBounds  = errors.New("zarr: index out of bounds")
	ErrChunkCorrupt      = errors.New("zarr: chunk corrupt")
	ErrMissingChild      = errors.New("zarr: missing child")
)

// MalformedMetadataError reports a JSON parse failure or schema violation in
// a .zarray or .zgroup document.
type MalformedMetadataError struct {
	Reason string
}

func (e *MalformedMetadataError) Error() string {
	return fmt.Sprintf("zarr: malformed metadata: %s", e.Reason)
}

func (e *MalformedMetadataError) Is(target error) bool { return target == ErrMalformedMetadata }

func malformedMetadata(format string, args ...any) error {
	return &MalformedMetadataError{Reason: fmt.Sprintf(format, args...)}
}

// UnknownDtypeError reports a typestr the decoder does not recognize.
type UnknownDtypeError struct {
	Typestr string
}

func (e *UnknownDtypeError) Error() string {
	return fmt.Sprintf("zarr: unknown dtype %q", e.Typestr)
}

func (e *UnknownDtypeError) Is(target error) bool { return target == ErrUnknownDtype }

// UnknownCompressorError reports a compressor id the decoder does not
// recognize.
type UnknownCompressorError struct {
	ID string
}

func (e *UnknownCompressorError) Error() string {
	return fmt.Sprintf("zarr: unknown compressor %q", e.ID)
}

func (e *UnknownCompressorError) Is(target error) bool { return target == ErrUnknownCompressor }

// UnknownFilterError reports a filter id the decoder does not recognize.
type UnknownFilterError struct {
	ID string
}

func (e *UnknownFilterError) Error() string {
	return fmt.Sprintf("zarr: unknown filter %q", e.ID)
}

func (e *UnknownFilterError) Is(target error) bool { return target == ErrUnknownFilter }

// IndexOutOfBoundsError carries the offending index and the array's shape.
type IndexOutOfBoundsError struct {
	Index []int
	Shape []int
}

func (e *IndexOutOfBoundsError) Error() string {
	return fmt.Sprintf("zarr: index %v out of bounds for shape %v", e.Index, e.Shape)
}

func (e *IndexOutOfBoundsError) Is(target error) bool { return target == ErrIndexOutOfBounds }

// ChunkCorruptError wraps the underlying decode/decompress failure for a
// specific chunk key.
type ChunkCorruptError struct {
	Key   string
	Cause error
}

func (e *ChunkCorruptError) Error() string {
	return fmt.Sprintf("zarr: chunk %q corrupt: %v", e.Key, e.Cause)
}

func (e *ChunkCorruptError) Unwrap() error { return e.Cause }

func (e *ChunkCorruptError) Is(target error) bool { return target == ErrChunkCorrupt }

// IOFailureError wraps a PathStore error with the path that failed.
type IOFailureError struct {
	Path  string
	Cause error
}

func (e *IOFailureError) Error() string {
	return fmt.Sprintf("zarr: io failure at %q: %v", e.Path, e.Cause)
}

func (e *IOFailureError) Unwrap() error { return e.Cause }

// MalformedChildError reports a group-load derivation failure for a named
// child.
type MalformedChildError struct {
	Name  string
	Cause error
}

func (e *MalformedChildError) Error() string {
	return fmt.Sprintf("zarr: malformed child %q: %v", e.Name, e.Cause)
}

func (e *MalformedChildError) Unwrap() error { return e.Cause }
